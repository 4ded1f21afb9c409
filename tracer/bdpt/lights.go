package bdpt

import (
	"sort"
	"strconv"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// Largest float32 below one.
const oneMinusEpsilon = float32(0x1.fffffep-1)

// SplitHeuristic selects how the light BVH partitions emitters.
type SplitHeuristic uint8

const (
	SplitBinnedSAH SplitHeuristic = iota
	SplitEqual
)

var splitHeuristicNames = []string{"BinnedSAH", "Equal"}

func (h SplitHeuristic) String() string {
	return enumName(splitHeuristicNames, uint8(h))
}

// LightBVHOptions configures the light BVH sampler.
type LightBVHOptions struct {
	// Emitters per leaf before a node is split.
	MaxTriangleCountPerLeaf uint32
	SplitHeuristic          SplitHeuristic

	// Widen the orientation bound by the angle subtended by the node
	// bounds.
	UseBoundingCone bool

	// Scale node importance by the emission cone.
	UseLightingCone bool
}

// DefaultLightBVHOptions returns the light BVH defaults.
func DefaultLightBVHOptions() LightBVHOptions {
	return LightBVHOptions{
		MaxTriangleCountPerLeaf: 10,
		SplitHeuristic:          SplitBinnedSAH,
		UseBoundingCone:         true,
		UseLightingCone:         true,
	}
}

// lightCone bounds the flux and emission directions of a set of emitters.
type lightCone struct {
	flux      float32
	axis      types.Vec3
	cosSpread float32
}

func (c lightCone) merge(o lightCone) lightCone {
	if c.flux <= 0 {
		return o
	}
	if o.flux <= 0 {
		return c
	}

	axis := c.axis.Mul(c.flux).Add(o.axis.Mul(o.flux))
	if axis.Len() < 1e-6 {
		return lightCone{flux: c.flux + o.flux, axis: c.axis, cosSpread: -1}
	}
	axis = axis.Normalize()

	spread := math32.Max(coneAngle(axis, c), coneAngle(axis, o))
	return lightCone{
		flux:      c.flux + o.flux,
		axis:      axis,
		cosSpread: math32.Cos(math32.Min(spread, math32.Pi)),
	}
}

// coneAngle returns the angle around axis that covers cone c.
func coneAngle(axis types.Vec3, c lightCone) float32 {
	return math32.Acos(clampFloat32(axis.Dot(c.axis), -1, 1)) + math32.Acos(clampFloat32(c.cosSpread, -1, 1))
}

// LightSampler selects emitters for light sub-path emission and next event
// estimation. The variant is chosen by kind when the scene is bound.
type LightSampler struct {
	kind    EmissiveSampler
	options LightBVHOptions
	lights  []scene.Light

	// Selection probabilities used for emission by every kind and for next
	// event estimation by Uniform and Power.
	pmf []float32
	cdf []float32

	// Light BVH state.
	nodes   []scene.BvhNode
	cones   []lightCone
	bounds  []types.AABB
	parents []int32
	order   []uint32
	leafOf  []uint32
}

// NewLightSampler creates an empty light sampler of the given kind.
func NewLightSampler(kind EmissiveSampler, opts LightBVHOptions) *LightSampler {
	return &LightSampler{kind: kind, options: opts}
}

// Kind returns the sampler variant.
func (ls *LightSampler) Kind() EmissiveSampler {
	return ls.kind
}

// Options returns the light BVH options.
func (ls *LightSampler) Options() LightBVHOptions {
	return ls.options
}

// SetOptions updates the light BVH options and rebuilds the BVH.
func (ls *LightSampler) SetOptions(opts LightBVHOptions) {
	if opts == ls.options {
		return
	}
	ls.options = opts
	if ls.kind == EmissiveLightBVH {
		ls.buildBVH()
	}
}

// Update rebuilds the sampler for the scene lights.
func (ls *LightSampler) Update(s scene.Scene) {
	ls.lights = s.Lights()
	ls.buildDistribution()
	if ls.kind == EmissiveLightBVH {
		ls.buildBVH()
	}
	logger.Debugf("light sampler %s: %d lights, %d BVH nodes", ls.kind, len(ls.lights), len(ls.nodes))
}

// Defines returns the program defines for the sampler variant.
func (ls *LightSampler) Defines() tracer.Defines {
	d := tracer.Defines{
		"EMISSIVE_SAMPLER": strconv.Itoa(int(ls.kind)),
		"LIGHT_COUNT":      strconv.Itoa(len(ls.lights)),
	}
	if ls.kind == EmissiveLightBVH {
		d.Add("LIGHT_BVH_MAX_LEAF_COUNT", strconv.Itoa(int(ls.options.MaxTriangleCountPerLeaf)))
		d.Add("LIGHT_BVH_SPLIT_HEURISTIC", strconv.Itoa(int(ls.options.SplitHeuristic)))
		d.Add("LIGHT_BVH_USE_BOUNDING_CONE", defineBool(ls.options.UseBoundingCone))
		d.Add("LIGHT_BVH_USE_LIGHTING_CONE", defineBool(ls.options.UseLightingCone))
	}
	return d
}

// SetShaderData binds the sampler into a program variable scope.
func (ls *LightSampler) SetShaderData(vars tracer.Vars) {
	vars.Set(tracer.VarLightSampler, tracer.LightSampler(ls))
}

// NodeCount returns the number of light BVH nodes.
func (ls *LightSampler) NodeCount() int {
	return len(ls.nodes)
}

func (ls *LightSampler) buildDistribution() {
	n := len(ls.lights)
	ls.pmf = make([]float32, n)
	ls.cdf = make([]float32, n)
	if n == 0 {
		return
	}

	var total float32
	if ls.kind != EmissiveUniform {
		for i := range ls.lights {
			ls.pmf[i] = ls.lights[i].Power()
			total += ls.pmf[i]
		}
	}
	if total <= 0 {
		for i := range ls.pmf {
			ls.pmf[i] = 1
		}
		total = float32(n)
	}

	var sum float32
	for i := range ls.pmf {
		ls.pmf[i] /= total
		sum += ls.pmf[i]
		ls.cdf[i] = sum
	}
	ls.cdf[n-1] = 1
}

// SampleEmitter picks a light for emission.
func (ls *LightSampler) SampleEmitter(u float32) (uint32, float32, bool) {
	if len(ls.cdf) == 0 {
		return 0, 0, false
	}
	index := sort.Search(len(ls.cdf), func(i int) bool { return ls.cdf[i] > u })
	if index >= len(ls.cdf) {
		index = len(ls.cdf) - 1
	}
	return uint32(index), ls.pmf[index], ls.pmf[index] > 0
}

// Sample picks a light for next event estimation at p.
func (ls *LightSampler) Sample(p types.Vec3, u float32) (uint32, float32, bool) {
	if ls.kind != EmissiveLightBVH || len(ls.nodes) == 0 {
		return ls.SampleEmitter(u)
	}

	u = math32.Min(u, oneMinusEpsilon)
	node, pdf := uint32(0), float32(1)
	for !ls.nodes[node].IsLeaf() {
		left, right := ls.nodes[node].Children()
		pLeft := ls.leftProbability(left, right, p)
		if u < pLeft {
			u /= pLeft
			pdf *= pLeft
			node = left
		} else {
			u = (u - pLeft) / (1 - pLeft)
			pdf *= 1 - pLeft
			node = right
		}
		u = math32.Min(u, oneMinusEpsilon)
	}

	weights, total := ls.leafWeights(node, p)
	if total <= 0 {
		return 0, 0, false
	}
	first, _ := ls.nodes[node].Primitives()
	target := u * total
	for i, w := range weights {
		if target < w || i == len(weights)-1 {
			return ls.order[first+uint32(i)], pdf * w / total, w > 0
		}
		target -= w
	}
	return 0, 0, false
}

// Pdf returns the probability of Sample picking light at p.
func (ls *LightSampler) Pdf(p types.Vec3, light uint32) float32 {
	if int(light) >= len(ls.lights) {
		return 0
	}
	if ls.kind != EmissiveLightBVH || len(ls.nodes) == 0 {
		return ls.pmf[light]
	}

	leaf := ls.leafOf[light]
	weights, total := ls.leafWeights(leaf, p)
	if total <= 0 {
		return 0
	}
	first, _ := ls.nodes[leaf].Primitives()
	var pdf float32
	for i, w := range weights {
		if ls.order[first+uint32(i)] == light {
			pdf = w / total
			break
		}
	}

	for node := int32(leaf); ls.parents[node] >= 0; node = ls.parents[node] {
		parent := ls.parents[node]
		left, right := ls.nodes[parent].Children()
		pLeft := ls.leftProbability(left, right, p)
		if uint32(node) == left {
			pdf *= pLeft
		} else {
			pdf *= 1 - pLeft
		}
	}
	return pdf
}

type lightItem struct {
	*scene.Light
	index uint32
}

func (ls *LightSampler) buildBVH() {
	ls.nodes, ls.cones, ls.bounds, ls.parents, ls.order = nil, nil, nil, nil, nil
	ls.leafOf = make([]uint32, len(ls.lights))
	if len(ls.lights) == 0 {
		return
	}

	items := make([]scene.BoundedVolume, len(ls.lights))
	for i := range ls.lights {
		items[i] = lightItem{Light: &ls.lights[i], index: uint32(i)}
	}
	leafCb := func(leaf *scene.BvhNode, list []scene.BoundedVolume) {
		leaf.SetPrimitives(uint32(len(ls.order)), uint32(len(list)))
		for _, item := range list {
			ls.order = append(ls.order, item.(lightItem).index)
		}
	}

	maxLeaf := int(ls.options.MaxTriangleCountPerLeaf)
	switch ls.options.SplitHeuristic {
	case SplitEqual:
		ls.nodes = buildEqualBVH(items, maxLeaf, leafCb)
	default:
		ls.nodes = scene.BuildBVH(items, maxLeaf, leafCb)
	}

	// Children are always stored after their parent.
	count := len(ls.nodes)
	ls.cones = make([]lightCone, count)
	ls.bounds = make([]types.AABB, count)
	ls.parents = make([]int32, count)
	for i := range ls.parents {
		ls.parents[i] = -1
	}
	for i := count - 1; i >= 0; i-- {
		node := &ls.nodes[i]
		if node.IsLeaf() {
			first, n := node.Primitives()
			cone, bound := lightCone{}, types.EmptyAABB()
			for _, light := range ls.order[first : first+n] {
				ls.leafOf[light] = uint32(i)
				cone = cone.merge(ls.lightCone(light))
				bound = bound.Union(ls.lightBound(light))
			}
			ls.cones[i], ls.bounds[i] = cone, bound
			continue
		}
		left, right := node.Children()
		ls.parents[left], ls.parents[right] = int32(i), int32(i)
		ls.cones[i] = ls.cones[left].merge(ls.cones[right])
		ls.bounds[i] = ls.bounds[left].Union(ls.bounds[right])
	}
}

func (ls *LightSampler) lightCone(light uint32) lightCone {
	l := &ls.lights[light]
	return lightCone{flux: l.Power(), axis: l.Normal, cosSpread: 1}
}

func (ls *LightSampler) lightBound(light uint32) types.AABB {
	bbox := ls.lights[light].BBox()
	return types.AABB{Min: bbox[0], Max: bbox[1]}
}

// importance estimates the contribution of a cluster of emitters at p.
func (ls *LightSampler) importance(cone lightCone, bound types.AABB, p types.Vec3) float32 {
	if cone.flux <= 0 {
		return 0
	}

	d := p.Sub(bound.Center())
	distSq := d.Dot(d)
	halfDiag := 0.5 * bound.Diagonal()
	orientation := float32(1)
	if ls.options.UseLightingCone && distSq > 0 {
		dist := math32.Sqrt(distSq)
		theta := math32.Acos(clampFloat32(cone.axis.Dot(d.Mul(1/dist)), -1, 1))
		thetaO := math32.Acos(clampFloat32(cone.cosSpread, -1, 1))
		var thetaB float32
		if ls.options.UseBoundingCone {
			if dist > halfDiag {
				thetaB = math32.Asin(halfDiag / dist)
			} else {
				thetaB = math32.Pi
			}
		}
		// One-sided emitters do not light anything past 90 degrees.
		if t := math32.Max(0, theta-thetaO-thetaB); t >= 0.5*math32.Pi {
			orientation = 0
		} else {
			orientation = math32.Cos(t)
		}
	}
	return cone.flux * orientation / math32.Max(distSq, halfDiag*halfDiag)
}

// leftProbability returns the probability of descending into the left child.
func (ls *LightSampler) leftProbability(left, right uint32, p types.Vec3) float32 {
	il := ls.importance(ls.cones[left], ls.bounds[left], p)
	ir := ls.importance(ls.cones[right], ls.bounds[right], p)
	if il+ir <= 0 {
		il, ir = ls.cones[left].flux, ls.cones[right].flux
	}
	if il+ir <= 0 {
		return 0.5
	}
	return il / (il + ir)
}

// leafWeights returns the selection weights of the lights in a leaf.
func (ls *LightSampler) leafWeights(leaf uint32, p types.Vec3) ([]float32, float32) {
	first, n := ls.nodes[leaf].Primitives()
	weights := make([]float32, n)
	var total float32
	for i, light := range ls.order[first : first+n] {
		weights[i] = ls.importance(ls.lightCone(light), ls.lightBound(light), p)
		total += weights[i]
	}
	if total > 0 {
		return weights, total
	}

	for i, light := range ls.order[first : first+n] {
		weights[i] = ls.lights[light].Power()
		total += weights[i]
	}
	if total > 0 {
		return weights, total
	}

	for i := range weights {
		weights[i] = 1
	}
	return weights, float32(n)
}

// buildEqualBVH partitions items into two equally sized halves along the
// axis with the largest centroid extent. The node layout matches
// scene.BuildBVH.
func buildEqualBVH(items []scene.BoundedVolume, maxLeafItems int, leafCb scene.BvhLeafCallback) []scene.BvhNode {
	if maxLeafItems < 1 {
		maxLeafItems = 1
	}
	nodes := make([]scene.BvhNode, 0, 2*len(items))

	var partition func(list []scene.BoundedVolume) uint32
	partition = func(list []scene.BoundedVolume) uint32 {
		bound, centers := types.EmptyAABB(), types.EmptyAABB()
		for _, item := range list {
			bbox := item.BBox()
			bound = bound.Union(types.AABB{Min: bbox[0], Max: bbox[1]})
			centers = centers.Extend(item.Center())
		}

		index := uint32(len(nodes))
		nodes = append(nodes, scene.BvhNode{Min: bound.Min, Max: bound.Max})
		if len(list) <= maxLeafItems {
			leafCb(&nodes[index], list)
			return index
		}

		extent := centers.Extent()
		axis := 0
		if extent[1] > extent[axis] {
			axis = 1
		}
		if extent[2] > extent[axis] {
			axis = 2
		}
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Center()[axis] < list[j].Center()[axis]
		})

		mid := len(list) / 2
		left := partition(list[:mid])
		right := partition(list[mid:])
		nodes[index].SetChildNodes(left, right)
		return index
	}

	partition(items)
	return nodes
}
