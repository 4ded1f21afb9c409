package device

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/achilleasa/go-lightpath/log"
)

var logger = log.New("device")

type DeviceType uint8

// Supported device types.
const (
	CpuDevice   DeviceType = 1 << iota
	GpuDevice              = 1 << iota
	OtherDevice            = 1 << iota
	AllDevices             = 0xFF
)

var (
	indentRegex = regexp.MustCompile("(?m)^")
)

func (dt DeviceType) String() string {
	switch dt {
	case CpuDevice:
		return "CPU"
	case GpuDevice:
		return "GPU"
	case OtherDevice:
		return "Other"
	}
	panic("device: unsupported device type")
}

// Features is a bitmask of optional device capabilities.
type Features uint32

const (
	FeatureShaderModel65 Features = 1 << iota
	FeatureRaytracingTier11
	FeatureIndirectDispatch
	FeatureAtomicCounters

	AllFeatures Features = FeatureShaderModel65 | FeatureRaytracingTier11 | FeatureIndirectDispatch | FeatureAtomicCounters
)

func (f Features) String() string {
	var names []string
	if f&FeatureShaderModel65 != 0 {
		names = append(names, "SM6.5")
	}
	if f&FeatureRaytracingTier11 != 0 {
		names = append(names, "RT1.1")
	}
	if f&FeatureIndirectDispatch != 0 {
		names = append(names, "indirect")
	}
	if f&FeatureAtomicCounters != 0 {
		names = append(names, "counters")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Defines specialize programs at load time.
type Defines map[string]string

// Add a define, replacing any previous value.
func (d Defines) Add(name, value string) Defines {
	d[name] = value
	return d
}

// Remove a define.
func (d Defines) Remove(name string) Defines {
	delete(d, name)
	return d
}

// Merge copies all defines from other into d.
func (d Defines) Merge(other Defines) Defines {
	for k, v := range other {
		d[k] = v
	}
	return d
}

// Clone returns a copy of the define set.
func (d Defines) Clone() Defines {
	out := make(Defines, len(d))
	return out.Merge(d)
}

// Option configures a device at construction time.
type Option func(*Device)

// WithWorkers sets the number of goroutines used to run work groups.
func WithWorkers(n int) Option {
	return func(d *Device) {
		d.workers = n
	}
}

// WithFeatures overrides the reported feature set.
func WithFeatures(f Features) Option {
	return func(d *Device) {
		d.Features = f
	}
}

// WithStrictHazards turns missing-barrier warnings into dispatch errors.
func WithStrictHazards(strict bool) Option {
	return func(d *Device) {
		d.strict = strict
	}
}

// WithTrace enables recording of the command stream.
func WithTrace(enabled bool) Option {
	return func(d *Device) {
		d.tracing = enabled
	}
}

// Device executes compute programs over buffers and textures. Work groups of
// a dispatch run concurrently; dispatches themselves are issued in order by a
// single host goroutine.
type Device struct {
	Name     string
	Type     DeviceType
	Features Features

	// Speed estimate in GFlops.
	Speed uint32

	workers int
	strict  bool
	tracing bool

	mu        sync.Mutex
	kernels   map[string]*KernelEntry
	defines   map[string]Defines
	resources map[*Buffer]struct{}
	trace     []Command
	stats     Stats
}

// A list of devices.
type DeviceList []*Device

// Implements Stringer.
func (d *Device) String() string {
	return fmt.Sprintf(
		"Name: %s\nType: %s\nSpecs: %d workers, %d GFlops approximate speed\nFeatures: %s",
		d.Name,
		d.Type.String(),
		d.workers,
		d.Speed,
		d.Features,
	)
}

// Describe returns the device description indented for nested listings.
func (d *Device) Describe(indent string) string {
	return indentRegex.ReplaceAllString(d.String(), indent)
}

// NewCpuDevice creates a device that runs kernels on the host CPU.
func NewCpuDevice(name string, opts ...Option) *Device {
	d := &Device{
		Name:      name,
		Type:      CpuDevice,
		Features:  AllFeatures,
		workers:   runtime.GOMAXPROCS(0),
		kernels:   make(map[string]*KernelEntry),
		defines:   make(map[string]Defines),
		resources: make(map[*Buffer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	// Rough estimate: 8 float ops/cycle at ~3GHz per worker.
	d.Speed = uint32(d.workers) * 24
	return d
}

// Devices lists the devices available on this host.
func Devices() DeviceList {
	return DeviceList{NewCpuDevice("cpu0")}
}

// Select returns the devices matching the type mask whose names do not
// contain any of the blacklisted substrings.
func (dl DeviceList) Select(typeMask DeviceType, blackList []string) DeviceList {
	out := make(DeviceList, 0, len(dl))
nextDevice:
	for _, d := range dl {
		if d.Type&typeMask == 0 {
			continue
		}
		for _, name := range blackList {
			if name != "" && strings.Contains(d.Name, name) {
				continue nextDevice
			}
		}
		out = append(out, d)
	}
	return out
}

// Supports reports whether all features in f are available.
func (d *Device) Supports(f Features) bool {
	return d.Features&f == f
}

// Workers returns the number of goroutines used per dispatch.
func (d *Device) Workers() int {
	return d.workers
}

// LoadProgram registers the entry points of a program under the given
// defines. Loading an entry whose name is already registered replaces it.
func (d *Device) LoadProgram(p *Program, defines Defines) error {
	if p == nil || len(p.Entries) == 0 {
		return fmt.Errorf("device (%s): cannot load empty program: %w", d.Name, ErrUnknownKernel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range p.Entries {
		if entry.Fn == nil {
			return fmt.Errorf("device (%s): program %s entry %s has no body", d.Name, p.Name, entry.Name)
		}
		if entry.GroupSize[0] == 0 || entry.GroupSize[1] == 0 {
			return fmt.Errorf("device (%s): program %s entry %s has zero group size", d.Name, p.Name, entry.Name)
		}
		d.kernels[entry.Name] = entry
		d.defines[entry.Name] = defines.Clone()
	}
	logger.Debugf("device (%s): loaded program %s (%d entries)", d.Name, p.Name, len(p.Entries))
	return nil
}

// Load kernel by name.
func (d *Device) Kernel(name string) (*Kernel, error) {
	d.mu.Lock()
	entry, found := d.kernels[name]
	defines := d.defines[name]
	d.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("device (%s): could not load kernel %s: %w", d.Name, name, ErrUnknownKernel)
	}

	return &Kernel{
		device:  d,
		entry:   entry,
		name:    name,
		defines: defines,
	}, nil
}

// Create an empty buffer.
func (d *Device) Buffer(name string) *Buffer {
	return &Buffer{
		device: d,
		name:   name,
	}
}

// Texture2D allocates a 2D texture.
func (d *Device) Texture2D(name string, width, height uint32, format Format, flags BufferFlags) (*Texture, error) {
	tex := &Texture{
		Buffer: d.Buffer(name),
		width:  width,
		height: height,
		format: format,
	}
	if err := tex.Buffer.AllocateStructured(format.Size(), int(width)*int(height), flags); err != nil {
		return nil, err
	}
	return tex, nil
}

// Texture1D allocates a texture with a single row.
func (d *Device) Texture1D(name string, width uint32, format Format, flags BufferFlags) (*Texture, error) {
	return d.Texture2D(name, width, 1, format, flags)
}

// Barrier makes all prior writes to the given resources visible to
// subsequent dispatches and host reads.
func (d *Device) Barrier(resources ...Resource) {
	names := make([]string, 0, len(resources))
	d.mu.Lock()
	for _, res := range resources {
		buf := res.buffer()
		if buf == nil {
			continue
		}
		buf.pendingWrite = false
		names = append(names, buf.name)
	}
	d.stats.Barriers++
	d.mu.Unlock()
	d.record(Command{Kind: CmdBarrier, Resources: names})
}

// Clear zeroes a resource and its counter, if any.
func (d *Device) Clear(res Resource) error {
	return d.ClearUint32(res, 0)
}

// ClearUint32 fills every 32-bit word of a resource with v.
func (d *Device) ClearUint32(res Resource, v uint32) error {
	buf := res.buffer()
	if buf == nil || buf.data == nil {
		return fmt.Errorf("device (%s): cannot clear %s: %w", d.Name, res.Name(), ErrNotAllocated)
	}
	words := View[uint32](buf)
	for i := range words {
		words[i] = v
	}
	if buf.counter != nil {
		*buf.counter = 0
	}
	d.hostWrite(buf, CmdClear)
	return nil
}

// ClearFloat32 fills every 32-bit word of a resource with v.
func (d *Device) ClearFloat32(res Resource, v float32) error {
	buf := res.buffer()
	if buf == nil || buf.data == nil {
		return fmt.Errorf("device (%s): cannot clear %s: %w", d.Name, res.Name(), ErrNotAllocated)
	}
	words := View[float32](buf)
	for i := range words {
		words[i] = v
	}
	d.hostWrite(buf, CmdClear)
	return nil
}

// ClearCounter resets the atomic counter attached to a buffer.
func (d *Device) ClearCounter(buf *Buffer, v uint32) error {
	if buf.counter == nil {
		return fmt.Errorf("device (%s): cannot clear counter of %s: %w", d.Name, buf.name, ErrCounterMissing)
	}
	*buf.counter = v
	d.hostWrite(buf, CmdClear)
	return nil
}

// ReadCounter copies the atomic counter of a buffer back to the host. This
// blocks until every dispatch that was issued before it has completed.
func (d *Device) ReadCounter(buf *Buffer) (uint32, error) {
	if buf.counter == nil {
		return 0, fmt.Errorf("device (%s): cannot read counter of %s: %w", d.Name, buf.name, ErrCounterMissing)
	}
	if err := d.checkHostRead(buf); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.stats.Readbacks++
	d.mu.Unlock()
	d.record(Command{Kind: CmdReadback, Name: "counter", Resources: []string{buf.name}})
	return *buf.counter, nil
}

// Copy duplicates the contents of src into dst. Both resources must have the
// same size.
func (d *Device) Copy(dst, src Resource) error {
	dstBuf, srcBuf := dst.buffer(), src.buffer()
	if dstBuf == nil || srcBuf == nil || dstBuf.data == nil || srcBuf.data == nil {
		return fmt.Errorf("device (%s): cannot copy %s to %s: %w", d.Name, src.Name(), dst.Name(), ErrNotAllocated)
	}
	if dstBuf.size != srcBuf.size {
		return fmt.Errorf("device (%s): cannot copy %s (%d bytes) to %s (%d bytes): %w", d.Name, srcBuf.name, srcBuf.size, dstBuf.name, dstBuf.size, ErrSizeMismatch)
	}
	copy(dstBuf.data, srcBuf.data)
	srcBuf.pendingWrite = false
	d.hostWrite(dstBuf, CmdCopy, srcBuf.name)
	return nil
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ResetStats zeroes the device counters.
func (d *Device) ResetStats() {
	d.mu.Lock()
	d.stats = Stats{}
	d.mu.Unlock()
}

// Trace returns the recorded command stream.
func (d *Device) Trace() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.trace))
	copy(out, d.trace)
	return out
}

// ResetTrace drops the recorded command stream.
func (d *Device) ResetTrace() {
	d.mu.Lock()
	d.trace = d.trace[:0]
	d.mu.Unlock()
}

// Shut down the device releasing all live resources.
func (d *Device) Close() {
	d.mu.Lock()
	live := make([]*Buffer, 0, len(d.resources))
	for buf := range d.resources {
		live = append(live, buf)
	}
	d.mu.Unlock()

	for _, buf := range live {
		buf.Release()
	}
}

func (d *Device) record(cmd Command) {
	if !d.tracing {
		return
	}
	d.mu.Lock()
	d.trace = append(d.trace, cmd)
	d.mu.Unlock()
}

func (d *Device) hostWrite(buf *Buffer, kind CommandKind, extra ...string) {
	d.mu.Lock()
	buf.pendingWrite = false
	if kind == CmdClear {
		d.stats.Clears++
	}
	d.mu.Unlock()
	d.record(Command{Kind: kind, Resources: append([]string{buf.name}, extra...)})
}

func (d *Device) trackAllocation(buf *Buffer) {
	d.mu.Lock()
	d.resources[buf] = struct{}{}
	d.stats.Allocations++
	d.stats.AllocatedBytes += uint64(buf.size)
	d.mu.Unlock()
}

func (d *Device) untrackAllocation(buf *Buffer) {
	d.mu.Lock()
	if _, found := d.resources[buf]; found {
		delete(d.resources, buf)
		d.stats.AllocatedBytes -= uint64(buf.size)
	}
	d.mu.Unlock()
}
