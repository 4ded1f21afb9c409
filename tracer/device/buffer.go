package device

import (
	"fmt"
	"math"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// BufferFlags describe how a buffer may be bound.
type BufferFlags uint8

const (
	ShaderResource BufferFlags = 1 << iota
	UnorderedAccess
	IndirectArg
	// Counter attaches a 32-bit atomic append counter to the buffer.
	Counter

	ReadWrite = ShaderResource | UnorderedAccess
)

// Resource is implemented by buffers and textures.
type Resource interface {
	Name() string
	buffer() *Buffer
}

type Buffer struct {
	// Associated Device.
	device *Device

	// A name for identifying the buffer.
	name string

	// Allocated size.
	size     int
	elemSize int
	flags    BufferFlags

	// 8-byte aligned backing store; data aliases words.
	words []uint64
	data  []byte

	counter *uint32

	// Set by dispatches that write the buffer and cleared by barriers.
	pendingWrite bool
}

// Name returns the buffer name.
func (b *Buffer) Name() string {
	return b.name
}

func (b *Buffer) buffer() *Buffer {
	return b
}

// Get buffer size.
func (b *Buffer) Size() int {
	return b.size
}

// ElementSize returns the structure stride in bytes.
func (b *Buffer) ElementSize() int {
	return b.elemSize
}

// ElementCount returns the number of structured elements.
func (b *Buffer) ElementCount() int {
	if b.elemSize == 0 {
		return 0
	}
	return b.size / b.elemSize
}

// Flags returns the bind flags the buffer was allocated with.
func (b *Buffer) Flags() BufferFlags {
	return b.flags
}

// HasCounter reports whether an atomic counter is attached to the buffer.
func (b *Buffer) HasCounter() bool {
	return b.counter != nil
}

// Allocate a buffer with the given size and flags.
func (b *Buffer) Allocate(size int, flags BufferFlags) error {
	return b.AllocateStructured(1, size, flags)
}

// AllocateStructured allocates count elements of elemSize bytes each.
func (b *Buffer) AllocateStructured(elemSize, count int, flags BufferFlags) error {
	if elemSize <= 0 || count < 0 {
		return fmt.Errorf("device (%s): could not allocate buffer %s with element size %d and count %d", b.device.Name, b.name, elemSize, count)
	}

	// If the buffer is already allocated release it
	b.Release()

	size := elemSize * count
	b.words = make([]uint64, (size+7)/8)
	if len(b.words) > 0 {
		b.data = unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), size)
	} else {
		b.data = []byte{}
	}
	b.size = size
	b.elemSize = elemSize
	b.flags = flags
	if flags&Counter != 0 {
		b.counter = new(uint32)
	}
	b.device.trackAllocation(b)

	return nil
}

// Allocate a buffer with enough capacity to fit the given data.
func (b *Buffer) AllocateToFitData(data interface{}, flags BufferFlags) error {
	_, dataLen, elemSize := getSliceData(data)
	if elemSize == 0 {
		elemSize = 1
	}
	return b.AllocateStructured(elemSize, dataLen/elemSize, flags)
}

// Allocate a buffer large enough to hold the given data and copy the data
// into it.
func (b *Buffer) AllocateAndWriteData(data interface{}, flags BufferFlags) error {
	if err := b.AllocateToFitData(data, flags); err != nil {
		return err
	}
	return b.WriteData(data, 0)
}

// Write data to the device buffer starting at the given byte offset. The data
// argument must be a slice of fixed-size values.
func (b *Buffer) WriteData(data interface{}, offset int) error {
	dataPtr, dataLen, _ := getSliceData(data)
	if dataLen == 0 {
		return nil
	}

	if offset < 0 || offset+dataLen > b.size {
		return fmt.Errorf("device (%s): %w (%d) in %s for copying data of length %d at offset %d", b.device.Name, ErrBufferTooSmall, b.size, b.name, dataLen, offset)
	}

	copy(b.data[offset:offset+dataLen], unsafe.Slice((*byte)(dataPtr), dataLen))
	b.device.hostWrite(b, CmdWrite)
	return nil
}

// Read data from device buffer into the supplied host slice.
//
// If size is <= 0 then ReadData will read the entire buffer. Both src and dst
// offsets are specified in bytes.
func (b *Buffer) ReadData(srcOffset, dstOffset, size int, hostBuffer interface{}) error {
	if size <= 0 {
		size = b.size - srcOffset
	}

	dataPtr, dataLen, _ := getSliceData(hostBuffer)
	if srcOffset < 0 || srcOffset+size > b.size {
		return fmt.Errorf("device (%s): read of %d bytes at offset %d exceeds size of %s (%d): %w", b.device.Name, size, srcOffset, b.name, b.size, ErrBufferTooSmall)
	}
	if dstOffset < 0 || dstOffset+size > dataLen {
		return fmt.Errorf("device (%s): host buffer of %d bytes cannot hold %d bytes at offset %d: %w", b.device.Name, dataLen, size, dstOffset, ErrBufferTooSmall)
	}
	if size == 0 {
		return nil
	}
	if err := b.device.checkHostRead(b); err != nil {
		return err
	}

	dst := unsafe.Slice((*byte)(dataPtr), dataLen)
	copy(dst[dstOffset:dstOffset+size], b.data[srcOffset:srcOffset+size])

	b.device.mu.Lock()
	b.device.stats.Readbacks++
	b.device.mu.Unlock()
	b.device.record(Command{Kind: CmdReadback, Resources: []string{b.name}})
	return nil
}

// Release buffer.
func (b *Buffer) Release() {
	if b.words == nil && b.data == nil {
		return
	}
	b.device.untrackAllocation(b)
	b.words = nil
	b.data = nil
	b.counter = nil
	b.size = 0
	b.pendingWrite = false
}

// Bytes exposes the raw backing store. Kernels use typed views instead.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// IncrementCounter atomically increments the attached counter and returns
// the value it had before the increment.
func (b *Buffer) IncrementCounter() uint32 {
	return atomic.AddUint32(b.counter, 1) - 1
}

// AtomicAddUint32 atomically adds delta to the uint32 element at index and
// returns the previous value.
func (b *Buffer) AtomicAddUint32(index int, delta uint32) uint32 {
	ptr := (*uint32)(unsafe.Pointer(&b.data[index*4]))
	return atomic.AddUint32(ptr, delta) - delta
}

// AtomicAddFloat32 atomically adds delta to the float32 element at index.
func (b *Buffer) AtomicAddFloat32(index int, delta float32) {
	ptr := (*uint32)(unsafe.Pointer(&b.data[index*4]))
	for {
		old := atomic.LoadUint32(ptr)
		next := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(ptr, old, next) {
			return
		}
	}
}

// View reinterprets the buffer contents as a slice of T. Trailing bytes that
// do not fill a whole element are not part of the view.
func View[T any](b *Buffer) []T {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if b == nil || len(b.data) < elemSize || elemSize == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.data[0])), len(b.data)/elemSize)
}

// Given an interface{} containing a slice return a pointer to its data, its
// length in bytes and the element size.
func getSliceData(data interface{}) (unsafe.Pointer, int, int) {
	reflVal := reflect.ValueOf(data)

	if reflVal.Kind() != reflect.Slice {
		panic("getSliceData: this function only supports slices")
	}

	elemSize := int(reflect.TypeOf(data).Elem().Size())
	sliceElemCount := reflVal.Len()
	if sliceElemCount == 0 {
		return nil, 0, elemSize
	}

	return unsafe.Pointer(reflVal.Index(0).Addr().Pointer()),
		sliceElemCount * elemSize,
		elemSize
}
