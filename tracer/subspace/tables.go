// Package subspace accumulates per-cell sample statistics over a square grid
// of subspaces and turns them into prefix sums usable as a sampling
// distribution.
package subspace

import (
	"errors"
	"fmt"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer/device"
)

const (
	MinLogSize     = 1
	MaxLogSize     = 12
	DefaultLogSize = 11

	DefaultAccumulationCap = 20
)

var ErrInvalidLogSize = fmt.Errorf("subspace: log size must be in [%d, %d]", MinLogSize, MaxLogSize)

var ErrReleased = errors.New("subspace: tables have been released")

var logger = log.New("subspace")

// Option configures Tables.
type Option func(*Tables)

// WithAccumulationCap caps the accumulated history of every cell at capRatio
// times the cell's current frame sample count. Zero discards the history.
func WithAccumulationCap(capRatio float32) Option {
	return func(t *Tables) {
		t.accumulationCap = capRatio
	}
}

// Tables owns the statistics textures of a size x size subspace grid.
//
// The current frame tables are filled by the camera path programs with
// atomic adds; Build folds them into the running totals and recomputes the
// prefix sums; EndFrame clears the current frame tables only.
type Tables struct {
	device *device.Device

	logSize         uint32
	size            uint32
	accumulationCap float32

	curWeight *device.Texture
	curCount  *device.Texture
	curMoment *device.Texture

	totalWeight *device.Texture
	totalCount  *device.Texture
	totalMoment *device.Texture

	prefixWeight *device.Texture
	prefixCount  *device.Texture
	prefixMoment *device.Texture

	sumWeight       *device.Texture
	sumCount        *device.Texture
	sumMoment       *device.Texture
	maxVariance     *device.Texture
	rowPrefixWeight *device.Texture

	merge     *device.Kernel
	scan      *device.Kernel
	rowPrefix *device.Kernel
}

// New allocates the tables for a 2^logSize x 2^logSize grid.
func New(dev *device.Device, logSize uint32, opts ...Option) (*Tables, error) {
	if logSize < MinLogSize || logSize > MaxLogSize {
		return nil, fmt.Errorf("%w; got %d", ErrInvalidLogSize, logSize)
	}

	t := &Tables{
		device:          dev,
		logSize:         logSize,
		size:            1 << logSize,
		accumulationCap: DefaultAccumulationCap,
	}
	for _, opt := range opts {
		opt(t)
	}

	defines := device.Defines{}.Add("GROUP_SIZE", fmt.Sprint(scanGroupSize(t.size)))
	if err := dev.LoadProgram(newProgram(t.size), defines); err != nil {
		return nil, err
	}
	mergeName, scanName, rowPrefixName := kernelNames(t.size)
	var err error
	if t.merge, err = dev.Kernel(mergeName); err != nil {
		return nil, err
	}
	if t.scan, err = dev.Kernel(scanName); err != nil {
		return nil, err
	}
	if t.rowPrefix, err = dev.Kernel(rowPrefixName); err != nil {
		return nil, err
	}

	if err = t.allocate(); err != nil {
		t.Release()
		return nil, err
	}
	if err = t.bind(); err != nil {
		t.Release()
		return nil, err
	}

	logger.Debugf("allocated %dx%d subspace tables", t.size, t.size)
	return t, nil
}

func (t *Tables) allocate() error {
	type spec struct {
		dst    **device.Texture
		name   string
		format device.Format
		is1D   bool
	}
	specs := []spec{
		{&t.curWeight, "subspaceWeight", device.FormatR32Float, false},
		{&t.curCount, "subspaceCount", device.FormatR32Uint, false},
		{&t.curMoment, "subspaceSecondMoment", device.FormatR32Float, false},
		{&t.totalWeight, "subspaceTotalWeight", device.FormatR32Float, false},
		{&t.totalCount, "subspaceTotalCount", device.FormatR32Float, false},
		{&t.totalMoment, "subspaceTotalSecondMoment", device.FormatR32Float, false},
		{&t.prefixWeight, "subspacePrefixWeight", device.FormatR32Float, false},
		{&t.prefixCount, "subspacePrefixCount", device.FormatR32Float, false},
		{&t.prefixMoment, "subspacePrefixSecondMoment", device.FormatR32Float, false},
		{&t.sumWeight, "subspaceSumWeight", device.FormatR32Float, true},
		{&t.sumCount, "subspaceSumCount", device.FormatR32Float, true},
		{&t.sumMoment, "subspaceSumSecondMoment", device.FormatR32Float, true},
		{&t.maxVariance, "subspaceMaxVariance", device.FormatR32Float, true},
		{&t.rowPrefixWeight, "subspaceRowPrefixWeight", device.FormatR32Float, true},
	}

	var err error
	for _, s := range specs {
		if s.is1D {
			*s.dst, err = t.device.Texture1D(s.name, t.size, s.format, device.ReadWrite)
		} else {
			*s.dst, err = t.device.Texture2D(s.name, t.size, t.size, s.format, device.ReadWrite)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tables) bind() error {
	if err := t.merge.SetArgs(t.curWeight, t.curCount, t.curMoment, t.totalWeight, t.totalCount, t.totalMoment, t.accumulationCap); err != nil {
		return err
	}
	if err := t.scan.SetArgs(
		t.totalWeight, t.totalCount, t.totalMoment,
		t.prefixWeight, t.prefixCount, t.prefixMoment,
		t.sumWeight, t.sumCount, t.sumMoment, t.maxVariance,
	); err != nil {
		return err
	}
	return t.rowPrefix.SetArgs(t.sumWeight, t.rowPrefixWeight)
}

// Build merges the current frame into the totals and recomputes every prefix
// table. The current frame tables must not be written concurrently.
func (t *Tables) Build() error {
	if t.curWeight == nil {
		return ErrReleased
	}

	t.device.Barrier(t.curWeight, t.curCount, t.curMoment)
	if _, err := t.merge.Exec2D(int(t.size), int(t.size)); err != nil {
		return err
	}

	t.device.Barrier(t.totalWeight, t.totalCount, t.totalMoment)
	if _, err := t.scan.Exec2D(int(t.size>>1), int(t.size)); err != nil {
		return err
	}

	t.device.Barrier(t.prefixWeight, t.prefixCount, t.prefixMoment, t.sumWeight, t.sumCount, t.sumMoment, t.maxVariance)
	if _, err := t.rowPrefix.Exec1D(1); err != nil {
		return err
	}
	t.device.Barrier(t.rowPrefixWeight)
	return nil
}

// EndFrame clears the current frame tables. Totals and prefix tables are
// kept.
func (t *Tables) EndFrame() error {
	for _, tex := range []*device.Texture{t.curWeight, t.curCount, t.curMoment} {
		if err := t.device.Clear(tex); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears every table, dropping the accumulated history.
func (t *Tables) Reset() error {
	for _, tex := range t.textures() {
		if err := t.device.Clear(tex); err != nil {
			return err
		}
	}
	return nil
}

// LogSize returns log2 of the grid side.
func (t *Tables) LogSize() uint32 {
	return t.logSize
}

// Size returns the grid side.
func (t *Tables) Size() uint32 {
	return t.size
}

// Current returns the tables written by the camera path programs during
// the current frame.
func (t *Tables) Current() (weight, count, moment *device.Texture) {
	return t.curWeight, t.curCount, t.curMoment
}

// Totals returns the merged running totals.
func (t *Tables) Totals() (weight, count, moment *device.Texture) {
	return t.totalWeight, t.totalCount, t.totalMoment
}

// Prefix returns the row-wise inclusive prefix sums of the totals.
func (t *Tables) Prefix() (weight, count, moment *device.Texture) {
	return t.prefixWeight, t.prefixCount, t.prefixMoment
}

// Sums returns the per-row totals.
func (t *Tables) Sums() (weight, count, moment *device.Texture) {
	return t.sumWeight, t.sumCount, t.sumMoment
}

// MaxVariance returns the per-row maximum cell variance.
func (t *Tables) MaxVariance() *device.Texture {
	return t.maxVariance
}

// RowPrefixWeight returns the inclusive prefix of the per-row weight totals.
// Its last element is the grand total.
func (t *Tables) RowPrefixWeight() *device.Texture {
	return t.rowPrefixWeight
}

// Distribution returns host views over the row prefix and prefix weight
// tables. The views alias device memory and are only valid after Build.
func (t *Tables) Distribution() Distribution {
	return Distribution{
		Size:      t.size,
		RowPrefix: device.View[float32](t.rowPrefixWeight.Buffer),
		Prefix:    device.View[float32](t.prefixWeight.Buffer),
	}
}

// ReadTable copies a float or uint table back to the host.
func (t *Tables) ReadTable(tex *device.Texture, out interface{}) error {
	t.device.Barrier(tex)
	return tex.ReadData(0, 0, 0, out)
}

func (t *Tables) textures() []*device.Texture {
	return []*device.Texture{
		t.curWeight, t.curCount, t.curMoment,
		t.totalWeight, t.totalCount, t.totalMoment,
		t.prefixWeight, t.prefixCount, t.prefixMoment,
		t.sumWeight, t.sumCount, t.sumMoment, t.maxVariance, t.rowPrefixWeight,
	}
}

// Release frees every table.
func (t *Tables) Release() {
	for _, tex := range t.textures() {
		if tex != nil {
			tex.Release()
		}
	}
	t.curWeight = nil
}
