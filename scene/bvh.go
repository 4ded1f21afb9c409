package scene

import (
	"time"

	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

const (
	// The BVH builder will not attempt to calculate split candidates
	// if the node bbox along an axis is less than this threshold.
	minSideLength float32 = 1e-3

	// If the split step (calculated as side length / (1024 / (depth+1)))
	// is less than this threshold the BVH builder will not evaluate
	// split candidates.
	minSplitStep float32 = 1e-5
)

// Bvh nodes are comprised of two Vec3 and two multipurpose int32 parameters
// whose value depends on the node type:
//
// - For non-leaf nodes they are both >0 and point to the L/R child nodes
// - For leafs left data is <= 0 and points to the first item index while
// right data contains the count of leaf items
type BvhNode struct {
	Min   types.Vec3
	lData int32

	Max   types.Vec3
	rData int32
}

// Set left and right child node indices.
func (n *BvhNode) SetChildNodes(left, right uint32) {
	n.lData = int32(left)
	n.rData = int32(right)
}

// Set first item index and count.
func (n *BvhNode) SetPrimitives(first, count uint32) {
	n.lData = -int32(first)
	n.rData = int32(count)
}

// IsLeaf reports whether the node references items instead of children.
func (n *BvhNode) IsLeaf() bool {
	return n.lData <= 0
}

// Children returns the left and right child indices of an internal node.
func (n *BvhNode) Children() (uint32, uint32) {
	return uint32(n.lData), uint32(n.rData)
}

// Primitives returns the first item index and count of a leaf.
func (n *BvhNode) Primitives() (uint32, uint32) {
	return uint32(-n.lData), uint32(n.rData)
}

// Bound returns the node bounding box.
func (n *BvhNode) Bound() types.AABB {
	return types.AABB{Min: n.Min, Max: n.Max}
}

// The BoundedVolume interface is implemented by all items that can be
// partitioned by the bvh builder.
type BoundedVolume interface {
	BBox() [2]types.Vec3
	Center() types.Vec3
}

// A callback that is called whenever the BVH builder creates a new leaf.
type BvhLeafCallback func(leaf *BvhNode, itemList []BoundedVolume)

type bvhSplitCandidate struct {
	axis                  int
	splitPoint            float32
	leftCount, rightCount int
	score                 float32
}

type bvhStats struct {
	partitionedItems int
	totalItems       int
	nodes            int
	leafs            int
	maxDepth         int
}

type bvhBuilder struct {
	// Bvh nodes stored as a contiguous list
	nodes []BvhNode

	// A callback invoked to set up BVH leafs depending on the type of
	// partitioned bounding volume
	leafCb BvhLeafCallback

	// The minimum number of items that are required for creating a leaf.
	minLeafItems int

	// Score result chan
	scoreChan chan bvhSplitCandidate

	// Stats
	stats bvhStats
}

// Construct a BVH from a set of bounded volumes.
//
// The builder uses SAH for scoring splits:
// score = num_items * node bbox face area.
//
// The minLeafItems param specifies the maximum number of items that form a
// leaf without attempting a split.
func BuildBVH(workList []BoundedVolume, minLeafItems int, leafCb BvhLeafCallback) []BvhNode {
	if minLeafItems < 1 {
		minLeafItems = 1
	}
	builder := &bvhBuilder{
		nodes:        make([]BvhNode, 0, 2*len(workList)),
		leafCb:       leafCb,
		minLeafItems: minLeafItems,
		scoreChan:    make(chan bvhSplitCandidate),
		stats: bvhStats{
			totalItems: len(workList),
		},
	}

	start := time.Now()
	builder.partition(workList, 0)
	logger.Debugf(
		"BVH tree build time: %d ms, maxDepth: %d, nodes: %d, leafs: %d",
		time.Since(start).Nanoseconds()/1e6,
		builder.stats.maxDepth, builder.stats.nodes, builder.stats.leafs,
	)
	return builder.nodes
}

// Partition worklist and return node index.
func (b *bvhBuilder) partition(workList []BoundedVolume, depth int) uint32 {
	if depth > b.stats.maxDepth {
		b.stats.maxDepth = depth
	}

	bound := types.EmptyAABB()
	for _, item := range workList {
		itemBBox := item.BBox()
		bound = bound.Union(types.AABB{Min: itemBBox[0], Max: itemBBox[1]})
	}
	node := BvhNode{Min: bound.Min, Max: bound.Max}

	// Do we have enough items for partitioning? If not create a leaf
	if len(workList) <= b.minLeafItems {
		return b.createLeaf(&node, workList)
	}

	// Calc current node score
	side := node.Max.Sub(node.Min)
	bestScore := float32(len(workList)) * surfaceArea(side)
	var bestSplit *bvhSplitCandidate

	// Run axis split tests in parallel
	pendingScores := 0
	for axis := 0; axis < 3; axis++ {
		// Skip axis if bbox dimension is too small
		if side[axis] < minSideLength {
			continue
		}

		// We want the split steps to become more granular the deeper we go
		splitStep := side[axis] / (1024.0 / float32(depth+1))
		if splitStep < minSplitStep {
			continue
		}

		for splitPoint := node.Min[axis]; splitPoint < node.Max[axis]; splitPoint += splitStep {
			candidate := bvhSplitCandidate{
				axis:       axis,
				splitPoint: splitPoint,
			}
			pendingScores++
			go candidate.Score(workList, b.scoreChan)
		}
	}

	// Process all scores and pick the best split
	for ; pendingScores > 0; pendingScores-- {
		candidate := <-b.scoreChan
		if candidate.score < bestScore {
			bestScore = candidate.score
			bestSplit = &candidate
		}
	}

	// If we can't find a split that improves the current node score create a leaf
	if bestSplit == nil {
		return b.createLeaf(&node, workList)
	}

	leftWorkList := make([]BoundedVolume, 0, bestSplit.leftCount)
	rightWorkList := make([]BoundedVolume, 0, bestSplit.rightCount)
	for _, item := range workList {
		if item.Center()[bestSplit.axis] < bestSplit.splitPoint {
			leftWorkList = append(leftWorkList, item)
		} else {
			rightWorkList = append(rightWorkList, item)
		}
	}

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, node)
	b.stats.nodes++

	// Partition children and update node indices
	leftNodeIndex := b.partition(leftWorkList, depth+1)
	rightNodeIndex := b.partition(rightWorkList, depth+1)
	b.nodes[nodeIndex].SetChildNodes(leftNodeIndex, rightNodeIndex)

	return uint32(nodeIndex)
}

// Calculate the score for splitting the workList with this split candidate
// and report the result to the supplied channel.
func (c bvhSplitCandidate) Score(workList []BoundedVolume, resChan chan<- bvhSplitCandidate) {
	left, right := types.EmptyAABB(), types.EmptyAABB()
	for _, item := range workList {
		itemBBox := item.BBox()
		itemBound := types.AABB{Min: itemBBox[0], Max: itemBBox[1]}
		if item.Center()[c.axis] < c.splitPoint {
			c.leftCount++
			left = left.Union(itemBound)
		} else {
			c.rightCount++
			right = right.Union(itemBound)
		}
	}

	// Make sure that we got enough items of each side of the split
	minItemsOnEachSide := 2
	if len(workList) == 2 {
		minItemsOnEachSide = 1
	}
	if c.leftCount < minItemsOnEachSide || c.rightCount < minItemsOnEachSide {
		c.score = math32.MaxFloat32
		resChan <- c
		return
	}

	c.score = float32(c.leftCount)*surfaceArea(left.Extent()) + float32(c.rightCount)*surfaceArea(right.Extent())
	resChan <- c
}

// Setup the given node item as a leaf node containing all items in the work list.
// Returns the index to the node in the bvh node array.
func (b *bvhBuilder) createLeaf(node *BvhNode, workList []BoundedVolume) uint32 {
	b.leafCb(node, workList)

	nodeIndex := len(b.nodes)
	b.nodes = append(b.nodes, *node)

	b.stats.leafs++
	b.stats.partitionedItems += len(workList)

	return uint32(nodeIndex)
}

// Half of the box surface area.
func surfaceArea(side types.Vec3) float32 {
	return side[0]*side[1] + side[1]*side[2] + side[0]*side[2]
}
