package vtree

import "github.com/achilleasa/go-lightpath/types"

const maxQueryDepth = 64

// Query visits every live leaf whose vertex lies within radius of p. nodes
// is a heap-indexed tree (see Builder.ReadTree or a device.View over
// Builder.Tree) and leafStart the heap index of its first leaf. Subtrees
// without live leaves or whose bound is farther than radius are skipped.
func Query(nodes []Node, leafStart uint32, p types.Vec3, radius float32, visit func(vertexID uint32, leaf *Node)) {
	if leafStart == 0 || len(nodes) < int(2*leafStart) {
		return
	}
	radiusSq := radius * radius

	var stack [maxQueryDepth]uint32
	stack[0] = 1
	top := 1
	for top > 0 {
		top--
		index := stack[top]
		node := &nodes[index]
		isLeaf := index >= leafStart

		if liveLeaves(node, isLeaf) == 0 || node.Bound().DistanceSq(p) > radiusSq {
			continue
		}
		if isLeaf {
			visit(node.ID, node)
			continue
		}
		stack[top] = 2*index + 1
		stack[top+1] = 2 * index
		top += 2
	}
}

// SampleLeaf descends from the root choosing children proportionally to
// their weight sums. It returns the sampled leaf, the probability of having
// picked it and false if the tree carries no weight.
func SampleLeaf(nodes []Node, leafStart uint32, u float32) (*Node, float32, bool) {
	if leafStart == 0 || len(nodes) < int(2*leafStart) || nodes[1].WeightSum <= 0 {
		return nil, 0, false
	}

	index, pdf := uint32(1), float32(1)
	for index < leafStart {
		left, right := &nodes[2*index], &nodes[2*index+1]
		total := left.WeightSum + right.WeightSum
		if total <= 0 {
			return nil, 0, false
		}
		pLeft := left.WeightSum / total
		if u < pLeft {
			index = 2 * index
			u /= pLeft
			pdf *= pLeft
		} else {
			index = 2*index + 1
			u = (u - pLeft) / (1 - pLeft)
			pdf *= 1 - pLeft
		}
		if u >= 1 {
			u = 0.99999994
		}
	}

	leaf := &nodes[index]
	if leaf.ID == InvalidID {
		return nil, 0, false
	}
	return leaf, pdf, true
}
