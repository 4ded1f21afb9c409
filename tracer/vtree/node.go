package vtree

import (
	"github.com/achilleasa/go-lightpath/types"
)

// InvalidID marks padding leaves.
const InvalidID = ^uint32(0)

// Node is a vertex tree node. For leaves ID is the index of the light vertex
// the leaf summarizes; for internal nodes it is the number of live leaves
// below the node. A single-vertex tree has one level, so its root (heap
// index 1) is a leaf; use LiveLeaves to count leaves regardless of level.
type Node struct {
	BoundMin  types.Vec3
	WeightSum float32
	BoundMax  types.Vec3
	ID        uint32
}

// Bound returns the node bounding box.
func (n *Node) Bound() types.AABB {
	return types.AABB{Min: n.BoundMin, Max: n.BoundMax}
}

// emptyLeaf is written to leaf slots past the live count.
func emptyLeaf() Node {
	empty := types.EmptyAABB()
	return Node{BoundMin: empty.Min, BoundMax: empty.Max, ID: InvalidID}
}

// liveLeaves returns the number of live leaves a node covers.
func liveLeaves(n *Node, isLeaf bool) uint32 {
	if isLeaf {
		if n.ID == InvalidID {
			return 0
		}
		return 1
	}
	return n.ID
}

// LiveLeaves returns the number of live leaves covered by the node at heap
// index of a tree whose leaves start at leafStart.
func LiveLeaves(nodes []Node, leafStart, index uint32) uint32 {
	return liveLeaves(&nodes[index], index >= leafStart)
}

// combine merges two sibling nodes into their parent.
func combine(left, right *Node, childrenAreLeaves bool) Node {
	return Node{
		BoundMin:  types.MinVec3(left.BoundMin, right.BoundMin),
		WeightSum: left.WeightSum + right.WeightSum,
		BoundMax:  types.MaxVec3(left.BoundMax, right.BoundMax),
		ID:        liveLeaves(left, childrenAreLeaves) + liveLeaves(right, childrenAreLeaves),
	}
}

// levelRange returns the heap index range [start, end) of tree level L
// (0 = leaves) in a tree with numLevels levels.
func levelRange(level, numLevels uint32) (uint32, uint32) {
	return 1 << (numLevels - 1 - level), 1 << (numLevels - level)
}
