package vtree

import (
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	kernelLevelZero     = "vtree/genLevelZero"
	kernelInternalLevel = "vtree/genInternalLevel"

	levelZeroGroupThreads = 256
	internalGroupThreads  = 64
)

var program = &device.Program{
	Name: "vtree",
	Entries: []*device.KernelEntry{
		{
			Name:      kernelLevelZero,
			GroupSize: [2]uint32{levelZeroGroupThreads, 1},
			Access:    []device.Access{device.AccessRead, device.AccessRead, device.AccessWrite, device.AccessNone, device.AccessNone},
			Fn:        genLevelZero,
		},
		{
			Name:      kernelInternalLevel,
			GroupSize: [2]uint32{internalGroupThreads, 1},
			Access:    []device.Access{device.AccessReadWrite, device.AccessNone, device.AccessNone, device.AccessNone, device.AccessNone},
			Fn:        genInternalLevel,
		},
	},
}

// genLevelZero maps sorted (key, index) entries to leaves.
//
// Args: keyIndexList (uint64), vertices (float4: position, intensity),
// nodes, numLeafNodes, counter.
func genLevelZero(g *device.Group) {
	keys := device.View[uint64](g.Buffer(0))
	vertices := device.View[types.Vec4](g.Buffer(1))
	nodes := device.View[Node](g.Buffer(2))
	numLeafNodes, counter := g.Uint32(3), g.Uint32(4)

	g.Threads1D(func(_, leaf uint32) {
		if leaf >= numLeafNodes {
			return
		}
		if leaf >= counter {
			nodes[numLeafNodes+leaf] = emptyLeaf()
			return
		}

		vertexID := uint32(keys[leaf])
		v := vertices[vertexID]
		pos := v.Vec3()
		nodes[numLeafNodes+leaf] = Node{
			BoundMin:  pos,
			WeightSum: v[3],
			BoundMax:  pos,
			ID:        vertexID,
		}
	})
}

// genInternalLevel computes the nodes of levels [dstLevelStart,
// dstLevelEnd) by reducing their descendants at srcLevel pairwise, in tree
// order. Parents therefore equal the exact combination of their children.
//
// Args: nodes, srcLevel, dstLevelStart, dstLevelEnd, numLevels.
func genInternalLevel(g *device.Group) {
	nodes := device.View[Node](g.Buffer(0))
	srcLevel, dstLevelEnd, numLevels := g.Uint32(1), g.Uint32(3), g.Uint32(4)

	firstNode := uint32(1) << (numLevels - dstLevelEnd)
	var scratch []Node
	g.Threads1D(func(_, t uint32) {
		nodeIndex := firstNode + t
		level := numLevels - 1 - types.Log2Floor(nodeIndex)
		span := level - srcLevel

		count := uint32(1) << span
		first := nodeIndex << span
		if cap(scratch) < int(count) {
			scratch = make([]Node, count)
		}
		work := scratch[:count]
		copy(work, nodes[first:first+count])

		childrenAreLeaves := srcLevel == 0
		for count > 1 {
			for i := uint32(0); i < count/2; i++ {
				work[i] = combine(&work[2*i], &work[2*i+1], childrenAreLeaves)
			}
			count /= 2
			childrenAreLeaves = false
		}
		nodes[nodeIndex] = work[0]
	})
}
