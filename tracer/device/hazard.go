package device

import "fmt"

// checkAccess reports a hazard when a dispatch touches a resource that an
// earlier dispatch wrote without an intervening barrier.
func (d *Device) checkAccess(kernel string, buf *Buffer, access Access) error {
	if buf == nil || (!access.reads() && !access.writes()) {
		return nil
	}
	d.mu.Lock()
	pending := buf.pendingWrite
	if pending {
		d.stats.Hazards++
	}
	d.mu.Unlock()
	if !pending {
		return nil
	}

	kind := "read-after-write"
	if !access.reads() {
		kind = "write-after-write"
	}
	if d.strict {
		return fmt.Errorf("device (%s): kernel %s: %s on %s: %w", d.Name, kernel, kind, buf.name, ErrMissingBarrier)
	}
	logger.Warningf("device (%s): kernel %s: %s on %s without a barrier", d.Name, kernel, kind, buf.name)
	return nil
}

// checkHostRead reports a hazard when the host reads back a resource with
// unbarriered writes.
func (d *Device) checkHostRead(buf *Buffer) error {
	return d.checkAccess("host readback", buf, AccessRead)
}
