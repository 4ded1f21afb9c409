// Package vtree builds a complete binary tree of bounding boxes and flux sums
// over a sorted list of light path vertices.
//
// The tree is stored as an implicit heap: the root lives at index 1, the
// children of node i at 2i and 2i+1 and the leaves at [leafNodesNum,
// 2*leafNodesNum).
package vtree

import (
	"errors"
	"fmt"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	// DefaultWorkLoad bounds the number of nodes a single internal pass
	// reduces.
	DefaultWorkLoad = 2048

	// DefaultAccumulationCap caps the history at 20 times the current
	// frame's leaf count.
	DefaultAccumulationCap = 20

	nodeSize = 32
)

var (
	ErrInvalidInputs   = errors.New("vtree: key list and vertex buffer must hold 8-byte and 16-byte elements")
	ErrCounterOverflow = errors.New("vtree: vertex count exceeds the tree capacity")
	ErrInvalidWorkLoad = errors.New("vtree: work load must be at least 2")
)

var logger = log.New("vtree")

// Option configures a Builder.
type Option func(*Builder)

// WithWorkLoad sets the per-dispatch node budget of the internal passes.
func WithWorkLoad(workLoad uint32) Option {
	return func(b *Builder) {
		b.maxWorkLoad = workLoad
	}
}

// WithTemporalBlending keeps the previous frame's tree around and caps the
// accumulated history at capRatio times the current leaf count.
func WithTemporalBlending(capRatio float32) Option {
	return func(b *Builder) {
		b.temporal = true
		b.accumulationCap = capRatio
	}
}

// Builder owns the node buffers and the kernels that fill them.
type Builder struct {
	device *device.Device

	keyIndexList *device.Buffer
	vertices     *device.Buffer

	nodes types.Pair[*device.Buffer]

	maxLeafNodesNum uint32

	realLeafNodesNum uint32
	leafNodesNum     uint32
	treeLevels       uint32

	prevRealLeafNodesNum uint32
	prevLeafNodesNum     uint32
	prevTreeLevels       uint32

	// Leaf count accumulated over the frames that fed the previous tree.
	history float32

	maxWorkLoad     uint32
	accumulationCap float32
	temporal        bool

	passes uint32

	levelZero     *device.Kernel
	internalLevel *device.Kernel
}

// NewBuilder allocates a tree able to hold maxCounter leaves. keyIndexList
// holds the sorted (key, vertex index) entries and vertices the (position,
// intensity) float4 of every vertex.
func NewBuilder(dev *device.Device, keyIndexList, vertices *device.Buffer, maxCounter uint32, opts ...Option) (*Builder, error) {
	b := &Builder{
		device:          dev,
		maxWorkLoad:     DefaultWorkLoad,
		accumulationCap: DefaultAccumulationCap,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxWorkLoad < 2 {
		return nil, fmt.Errorf("%w; got %d", ErrInvalidWorkLoad, b.maxWorkLoad)
	}
	if err := b.SetInputs(keyIndexList, vertices); err != nil {
		return nil, err
	}

	if err := dev.LoadProgram(program, device.Defines{}); err != nil {
		return nil, err
	}
	var err error
	if b.levelZero, err = dev.Kernel(kernelLevelZero); err != nil {
		return nil, err
	}
	if b.internalLevel, err = dev.Kernel(kernelInternalLevel); err != nil {
		return nil, err
	}

	if maxCounter == 0 {
		maxCounter = 1
	}
	b.maxLeafNodesNum = types.NextPow2(maxCounter)
	maxNodesNum := int(b.maxLeafNodesNum) << 1

	cur, prev := dev.Buffer("vertexTree0"), dev.Buffer("vertexTree1")
	if err = cur.AllocateStructured(nodeSize, maxNodesNum, device.ReadWrite); err != nil {
		return nil, err
	}
	if b.temporal {
		if err = prev.AllocateStructured(nodeSize, maxNodesNum, device.ReadWrite); err != nil {
			cur.Release()
			return nil, err
		}
	}
	b.nodes = types.NewPair(cur, prev)

	logger.Debugf("allocated vertex tree for %d leaves (temporal: %t)", b.maxLeafNodesNum, b.temporal)
	return b, nil
}

// SetInputs rebinds the key list and vertex buffers.
func (b *Builder) SetInputs(keyIndexList, vertices *device.Buffer) error {
	if keyIndexList == nil || vertices == nil || keyIndexList.ElementSize() != 8 || vertices.ElementSize() != 16 {
		return ErrInvalidInputs
	}
	b.keyIndexList = keyIndexList
	b.vertices = vertices
	return nil
}

// Update sizes the tree for counter live vertices.
func (b *Builder) Update(counter uint32) error {
	if counter > b.maxLeafNodesNum {
		return fmt.Errorf("%w: %d > %d", ErrCounterOverflow, counter, b.maxLeafNodesNum)
	}

	b.realLeafNodesNum = counter
	b.leafNodesNum = types.NextPow2(counter)
	b.treeLevels = 0
	if counter != 0 {
		b.treeLevels = types.Log2Ceil(counter) + 1
	}
	return nil
}

// Build fills the leaves from the sorted key list and reduces them into the
// internal levels.
func (b *Builder) Build() error {
	b.passes = 0
	if b.realLeafNodesNum == 0 {
		return nil
	}

	b.device.Barrier(b.keyIndexList, b.vertices, b.nodes.Current())
	if err := b.genLevelZero(); err != nil {
		return err
	}
	return b.genInternalLevels()
}

func (b *Builder) genLevelZero() error {
	nodes := b.nodes.Current()
	if err := b.levelZero.SetArgs(b.keyIndexList, b.vertices, nodes, b.leafNodesNum, b.realLeafNodesNum); err != nil {
		return err
	}
	if _, err := b.levelZero.Exec1D(int(b.leafNodesNum)); err != nil {
		return err
	}
	b.passes++
	return nil
}

// genInternalLevels groups consecutive levels into passes so that the work
// of a pass stays under maxWorkLoad. Every pass reduces from the last level
// written by the pass before it.
func (b *Builder) genInternalLevels() error {
	nodes := b.nodes.Current()
	numLevels := b.treeLevels

	srcLevel := uint32(0)
	for dstLevelStart := uint32(1); dstLevelStart < numLevels; {
		var (
			dstLevelEnd uint32
			workLoad    uint32
		)
		for dstLevelEnd = dstLevelStart + 1; dstLevelEnd < numLevels; dstLevelEnd++ {
			workLoad += 1 << (numLevels - 1 - srcLevel)
			if workLoad > b.maxWorkLoad {
				break
			}
		}

		numDstNodes := (uint32(1) << (numLevels - dstLevelStart)) - (uint32(1) << (numLevels - dstLevelEnd))
		b.device.Barrier(nodes)
		if err := b.internalLevel.SetArgs(nodes, srcLevel, dstLevelStart, dstLevelEnd, numLevels); err != nil {
			return err
		}
		if _, err := b.internalLevel.Exec1D(int(numDstNodes)); err != nil {
			return err
		}
		b.passes++

		srcLevel = dstLevelEnd - 1
		dstLevelStart = dstLevelEnd
	}
	return nil
}

// Tree returns the node buffer written by the last Build.
func (b *Builder) Tree() *device.Buffer {
	return b.nodes.Current()
}

// PrevTree returns the tree built during the previous frame or nil if
// temporal blending is disabled.
func (b *Builder) PrevTree() *device.Buffer {
	if !b.temporal {
		return nil
	}
	return b.nodes.Previous()
}

// LeafNodeStart returns the heap index of the first leaf.
func (b *Builder) LeafNodeStart() uint32 {
	return b.leafNodesNum
}

// PrevLeafNodeStart returns the heap index of the first leaf of the
// previous tree.
func (b *Builder) PrevLeafNodeStart() uint32 {
	return b.prevLeafNodesNum
}

// RealLeafNodesNum returns the live leaf count.
func (b *Builder) RealLeafNodesNum() uint32 {
	return b.realLeafNodesNum
}

// PrevRealLeafNodesNum returns the live leaf count of the previous tree.
func (b *Builder) PrevRealLeafNodesNum() uint32 {
	return b.prevRealLeafNodesNum
}

// TreeLevels returns the number of live levels including the leaves.
func (b *Builder) TreeLevels() uint32 {
	return b.treeLevels
}

// MaxLeafNodesNum returns the leaf capacity.
func (b *Builder) MaxLeafNodesNum() uint32 {
	return b.maxLeafNodesNum
}

// Passes returns the number of dispatches issued by the last Build.
func (b *Builder) Passes() uint32 {
	return b.passes
}

// History returns the capped leaf count accumulated by the previous tree.
func (b *Builder) History() float32 {
	if !b.temporal {
		return 0
	}
	return types.CapHistory(b.history, float32(b.realLeafNodesNum), b.accumulationCap)
}

// BlendRatio returns the weight h/(h+c) of estimates taken from the previous
// tree, where c is the current live leaf count and h the capped history.
func (b *Builder) BlendRatio() float32 {
	if !b.temporal || b.prevRealLeafNodesNum == 0 {
		return 0
	}
	return types.HistoryBlend(b.History(), float32(b.realLeafNodesNum))
}

// EndFrame hands the current tree over to the previous role.
func (b *Builder) EndFrame() {
	if !b.temporal {
		b.prevRealLeafNodesNum = b.realLeafNodesNum
		b.prevLeafNodesNum = b.leafNodesNum
		b.prevTreeLevels = b.treeLevels
		return
	}

	b.history = b.History() + float32(b.realLeafNodesNum)
	b.prevRealLeafNodesNum = b.realLeafNodesNum
	b.prevLeafNodesNum = b.leafNodesNum
	b.prevTreeLevels = b.treeLevels
	b.nodes.Swap()
}

// ResetHistory drops the accumulated history, e.g. after a scene change.
func (b *Builder) ResetHistory() {
	b.history = 0
	b.prevRealLeafNodesNum = 0
	b.prevLeafNodesNum = 0
	b.prevTreeLevels = 0
}

// ReadTree copies the live part of the current tree back to the host. The
// returned slice is indexed by heap index; slot 0 is unused.
func (b *Builder) ReadTree() ([]Node, error) {
	if b.realLeafNodesNum == 0 {
		return nil, nil
	}
	nodes := b.nodes.Current()
	b.device.Barrier(nodes)
	out := make([]Node, 2*b.leafNodesNum)
	if err := nodes.ReadData(0, 0, len(out)*nodeSize, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Release frees the node buffers.
func (b *Builder) Release() {
	for _, buf := range b.nodes.Items() {
		if buf != nil {
			buf.Release()
		}
	}
}
