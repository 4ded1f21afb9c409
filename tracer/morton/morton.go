// Package morton computes a tight bounding box over a dynamically sized
// position buffer and turns every position into a 64-bit (morton code,
// index) sort key.
package morton

import (
	"errors"
	"fmt"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

// DefaultQuantLevels is the number of cells per axis.
const DefaultQuantLevels = 1 << 10

var (
	ErrInvalidPositions   = errors.New("morton: position buffer must hold float4 elements and carry a counter")
	ErrInvalidQuantLevels = errors.New("morton: quantization levels must be a power of two in [2, 1024]")
	ErrCountOverflow      = errors.New("morton: live position count exceeds the upper bound")
)

var logger = log.New("morton")

// Option configures a CodeSort.
type Option func(*CodeSort)

// WithQuantLevels overrides the number of quantization cells per axis.
func WithQuantLevels(levels uint32) Option {
	return func(m *CodeSort) {
		m.quantLevels = levels
	}
}

// CodeSort generates morton sort keys for the live prefix of a position
// buffer. The live count is read back from the buffer's atomic counter.
type CodeSort struct {
	device *device.Device

	positions  *device.Buffer
	upperBound uint32
	count      uint32

	quantLevels uint32

	bound        *device.Buffer
	keyIndexList *device.Buffer
	reduction    [2]*device.Buffer

	findMax  *device.Kernel
	findMin  *device.Kernel
	genCodes *device.Kernel
}

// NewCodeSort allocates the key list and the reduction scratch buffers for
// up to upperBound positions.
func NewCodeSort(dev *device.Device, positions *device.Buffer, upperBound uint32, opts ...Option) (*CodeSort, error) {
	if positions == nil || positions.ElementSize() != 16 || !positions.HasCounter() {
		return nil, ErrInvalidPositions
	}

	m := &CodeSort{
		device:      dev,
		positions:   positions,
		upperBound:  upperBound,
		quantLevels: DefaultQuantLevels,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !types.IsPow2(m.quantLevels) || m.quantLevels < 2 || m.quantLevels > DefaultQuantLevels {
		return nil, fmt.Errorf("%w; got %d", ErrInvalidQuantLevels, m.quantLevels)
	}

	if err := dev.LoadProgram(program, device.Defines{}); err != nil {
		return nil, err
	}

	var err error
	if m.findMax, err = dev.Kernel(kernelFindMax); err != nil {
		return nil, err
	}
	if m.findMin, err = dev.Kernel(kernelFindMin); err != nil {
		return nil, err
	}
	if m.genCodes, err = dev.Kernel(kernelGenCodes); err != nil {
		return nil, err
	}

	m.bound = dev.Buffer("positionBound")
	m.keyIndexList = dev.Buffer("mortonKeyIndexList")
	m.reduction[0] = dev.Buffer("bboxReduction0")
	m.reduction[1] = dev.Buffer("bboxReduction1")

	if err = m.bound.AllocateStructured(16, 2, device.ReadWrite); err != nil {
		return nil, err
	}
	if err = m.keyIndexList.AllocateStructured(8, int(upperBound), device.ReadWrite); err != nil {
		m.Release()
		return nil, err
	}
	scratch := int(types.DivUp(upperBound, reduceGroupElements))
	if scratch == 0 {
		scratch = 1
	}
	for _, buf := range m.reduction {
		if err = buf.AllocateStructured(16, scratch, device.ReadWrite); err != nil {
			m.Release()
			return nil, err
		}
	}

	return m, nil
}

// Execute reads back the live position count, reduces the bounding box and
// writes the key list. Entries past the live count are zero.
func (m *CodeSort) Execute() error {
	m.device.Barrier(m.positions)
	count, err := m.device.ReadCounter(m.positions)
	if err != nil {
		return err
	}
	if count > m.upperBound {
		return fmt.Errorf("%w: %d > %d", ErrCountOverflow, count, m.upperBound)
	}
	m.count = count

	if err = m.findBoundingBox(); err != nil {
		return err
	}
	return m.generateCodes()
}

func (m *CodeSort) findBoundingBox() error {
	if m.count == 0 {
		empty := types.EmptyAABB()
		return m.bound.WriteData([]types.Vec4{empty.Min.Vec4(0), empty.Max.Vec4(0)}, 0)
	}

	if err := m.reduce(m.findMax, 1); err != nil {
		return err
	}
	m.device.Barrier(m.bound)
	return m.reduce(m.findMin, 0)
}

// reduce runs up to three reduction levels. The last level writes the
// result into bound[boundSlot].
func (m *CodeSort) reduce(kernel *device.Kernel, boundSlot uint32) error {
	numGroups := types.DivUp(m.count, reduceGroupElements)
	largeNum := numGroups > reduceGroupElements

	type level struct {
		in, out *device.Buffer
		n       uint32
	}
	levels := []level{{in: m.positions, out: m.reduction[1], n: m.count}}
	if m.count > reduceGroupElements {
		levels = append(levels, level{in: m.reduction[1], out: m.reduction[0], n: numGroups})
	}
	if largeNum {
		levels = append(levels, level{in: m.reduction[0], out: m.reduction[1], n: types.DivUp(numGroups, reduceGroupElements)})
	}

	for i, lvl := range levels {
		out, outOffset := lvl.out, uint32(0)
		if i == len(levels)-1 {
			out, outOffset = m.bound, boundSlot
		}
		if err := kernel.SetArgs(lvl.in, out, lvl.n, outOffset); err != nil {
			return err
		}
		m.device.Barrier(m.reduction[0], m.reduction[1])
		if _, err := kernel.Exec1D(int(types.DivUp(lvl.n, 2))); err != nil {
			return err
		}
	}
	return nil
}

func (m *CodeSort) generateCodes() error {
	if err := m.device.Clear(m.keyIndexList); err != nil {
		return err
	}
	if err := m.genCodes.SetArgs(m.positions, m.keyIndexList, m.bound, m.count, m.quantLevels); err != nil {
		return err
	}
	m.device.Barrier(m.bound)
	if _, err := m.genCodes.Exec1D(int(m.count)); err != nil {
		return err
	}

	logger.Debugf("generated %d morton keys (%d levels/axis)", m.count, m.quantLevels)
	return nil
}

// Count returns the live position count read during the last Execute.
func (m *CodeSort) Count() uint32 {
	return m.count
}

// KeyIndexList returns the generated (morton, index) list.
func (m *CodeSort) KeyIndexList() *device.Buffer {
	return m.keyIndexList
}

// Bound returns the two element (min, max) bound buffer.
func (m *CodeSort) Bound() *device.Buffer {
	return m.bound
}

// QuantLevels returns the number of cells per axis.
func (m *CodeSort) QuantLevels() uint32 {
	return m.quantLevels
}

// ReadBound copies the computed bounding box back to the host.
func (m *CodeSort) ReadBound() (types.AABB, error) {
	var out [2]types.Vec4
	m.device.Barrier(m.bound)
	if err := m.bound.ReadData(0, 0, 0, out[:]); err != nil {
		return types.AABB{}, err
	}
	return types.AABB{Min: out[0].Vec3(), Max: out[1].Vec3()}, nil
}

// Release frees the buffers owned by the sorter.
func (m *CodeSort) Release() {
	for _, buf := range []*device.Buffer{m.bound, m.keyIndexList, m.reduction[0], m.reduction[1]} {
		if buf != nil {
			buf.Release()
		}
	}
}
