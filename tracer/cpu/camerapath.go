package cpu

import (
	"fmt"
	"unsafe"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/tracer/vtree"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

const (
	// Hard cap for the samples taken by a single pixel.
	MaxSamplesPerPixel = 16

	// Light vertices streamed through a pixel reservoir per sample.
	reservoirCandidates = 8

	// Fraction of newly merged vertices kept by the progressive radius
	// update.
	mergeAlpha = 2.0 / 3.0

	// Minimum cosine between a gather point normal and the normal of a
	// merged light vertex.
	mergeNormalCos = 0.5
)

// cameraPathKernel traces camera sub-paths and combines unidirectional path
// tracing with vertex connection and vertex merging against the light
// vertices of the current frame.
type cameraPathKernel struct {
	gen sampleGeneratorKind
}

func (k *cameraPathKernel) payloadSize() uint32 {
	return uint32(unsafe.Sizeof(tracer.Reservoir{}))
}

type cameraPathLaunch struct {
	pathContext

	frameW       uint32
	frameH       uint32
	spp          uint32
	fixedSamples bool
	sampleCount  []uint32

	primaryHits  []tracer.PathHit
	output       []types.Vec4
	sampleColors []types.Vec4

	vertices      []tracer.LightVertex
	vertexCount   uint32
	tree          []vtree.Node
	leafStart     uint32
	prevTree      []vtree.Node
	prevLeafStart uint32
	blendRatio    float32
	mergeRadius   float32
	useMerge      bool

	accumulationCap float32
	reservoirs      []tracer.Reservoir
	prevReservoirs  []tracer.Reservoir
	gatherPoints    []tracer.GatherPoint
	prevGathers     []tracer.GatherPoint

	subspaceWeight *device.Buffer
	subspaceCount  *device.Buffer
	subspaceMoment *device.Buffer
	subspaceCells  int
}

func (k *cameraPathKernel) bind(vars tracer.Vars, w, h uint32) (cellFn, error) {
	pc, err := bindPathContext(vars)
	if err != nil {
		return nil, err
	}

	l := &cameraPathLaunch{
		pathContext:     pc,
		frameW:          w,
		frameH:          h,
		spp:             vars.Uint32(tracer.VarSamplesPerPixel, 1),
		fixedSamples:    vars.Bool(tracer.VarFixedSampleCount),
		vertexCount:     vars.Uint32(tracer.VarLightVertexCount, 0),
		leafStart:       vars.Uint32(tracer.VarLeafNodeStart, 0),
		prevLeafStart:   vars.Uint32(tracer.VarPrevLeafNodeStart, 0),
		blendRatio:      vars.Float32(tracer.VarBlendRatio, 0),
		mergeRadius:     vars.Float32(tracer.VarMergeRadius, 0),
		useMerge:        vars.Bool(tracer.VarUseVertexMerge),
		accumulationCap: vars.Float32(tracer.VarAccumulationCap, 0),
	}
	if l.spp == 0 || l.spp > MaxSamplesPerPixel {
		return nil, fmt.Errorf("invalid sample count %d: %w", l.spp, device.ErrInvalidArgs)
	}

	numPixels := int(w * h)
	if l.primaryHits, err = structuredView[tracer.PathHit](vars, tracer.VarPrimaryHits); err != nil {
		return nil, err
	}
	if l.output, err = structuredView[types.Vec4](vars, tracer.VarOutput); err != nil {
		return nil, err
	}
	if len(l.primaryHits) < numPixels || len(l.output) < numPixels {
		return nil, fmt.Errorf("primary hits or output smaller than %dx%d: %w", w, h, device.ErrBufferTooSmall)
	}
	if !l.fixedSamples {
		if l.sampleCount, err = structuredView[uint32](vars, tracer.VarSampleCount); err != nil {
			return nil, err
		}
		if len(l.sampleCount) < numPixels {
			return nil, fmt.Errorf("%s smaller than %dx%d: %w", tracer.VarSampleCount, w, h, device.ErrBufferTooSmall)
		}
	} else if l.spp > 1 {
		if l.sampleColors, err = structuredView[types.Vec4](vars, tracer.VarSampleColors); err != nil {
			return nil, err
		}
		if len(l.sampleColors) < numPixels*int(l.spp) {
			return nil, fmt.Errorf("%s cannot hold %d samples: %w", tracer.VarSampleColors, numPixels*int(l.spp), device.ErrBufferTooSmall)
		}
	}

	if l.vertexCount > 0 {
		if l.vertices, err = structuredView[tracer.LightVertex](vars, tracer.VarLightVertices); err != nil {
			return nil, err
		}
		if l.tree, err = structuredView[vtree.Node](vars, tracer.VarTree); err != nil {
			return nil, err
		}
		if len(l.vertices) < int(l.vertexCount) {
			return nil, fmt.Errorf("%d light vertices exceed %s: %w", l.vertexCount, tracer.VarLightVertices, device.ErrBufferTooSmall)
		}
	}
	if l.blendRatio > 0 {
		if l.prevTree, err = optionalView[vtree.Node](vars, tracer.VarPrevTree); err != nil {
			return nil, err
		}
	}

	if l.reservoirs, err = optionalView[tracer.Reservoir](vars, tracer.VarReservoirs); err != nil {
		return nil, err
	}
	if l.prevReservoirs, err = optionalView[tracer.Reservoir](vars, tracer.VarPrevReservoirs); err != nil {
		return nil, err
	}
	if l.useMerge {
		if l.gatherPoints, err = optionalView[tracer.GatherPoint](vars, tracer.VarGatherPoints); err != nil {
			return nil, err
		}
		if l.prevGathers, err = optionalView[tracer.GatherPoint](vars, tracer.VarPrevGatherPoints); err != nil {
			return nil, err
		}
	}

	if vars.Bool(tracer.VarUseSubspaceWeights) && vars.Has(tracer.VarSubspaceWeight) {
		if l.subspaceWeight, err = vars.Buffer(tracer.VarSubspaceWeight); err != nil {
			return nil, err
		}
		if l.subspaceCount, err = vars.Buffer(tracer.VarSubspaceCount); err != nil {
			return nil, err
		}
		if l.subspaceMoment, err = vars.Buffer(tracer.VarSubspaceMoment); err != nil {
			return nil, err
		}
		l.subspaceCells = l.subspaceWeight.ElementCount()
	}

	seed := l.seed ^ saltCamera
	return func(x, y uint32) {
		l.shadePixel(x, y, seed, k.gen)
	}, nil
}

func (l *cameraPathLaunch) shadePixel(x, y, seed uint32, gen sampleGeneratorKind) {
	pixel := y*l.frameW + x
	spp := l.spp
	if !l.fixedSamples {
		spp = l.sampleCount[pixel]
		if spp > MaxSamplesPerPixel {
			spp = MaxSamplesPerPixel
		}
	}

	// Per-pixel state is only written by the first sample.
	if int(pixel) < len(l.reservoirs) {
		l.reservoirs[pixel] = tracer.Reservoir{}
	}
	if int(pixel) < len(l.gatherPoints) {
		l.gatherPoints[pixel] = tracer.GatherPoint{}
	}

	var sum types.Vec3
	for s := uint32(0); s < spp; s++ {
		sg := newSampleGenerator(gen, pixel*MaxSamplesPerPixel+s, seed)
		c := l.sample(x, y, pixel, s, &sg)
		if !c.IsFinite() {
			c = types.Vec3{}
		}
		if l.sampleColors != nil {
			l.sampleColors[pixel*l.spp+s] = c.Vec4(1)
		}
		sum = sum.Add(c)
	}

	if l.sampleColors == nil {
		if spp > 0 {
			sum = sum.Mul(1 / float32(spp))
		}
		l.output[pixel] = sum.Vec4(1)
	}
}

// sample estimates the radiance through one pixel sample. At the first
// diffuse vertex the enabled estimators for the light arriving there are
// averaged: path tracing, vertex connection and vertex merging.
func (l *cameraPathLaunch) sample(x, y, pixel, s uint32, sg *sampleGenerator) types.Vec3 {
	var (
		hit scene.Hit
		ok  bool
		dir types.Vec3
	)
	if s == 0 {
		ph := &l.primaryHits[pixel]
		hit, ok = unpackHit(ph)
		dir = ph.Dir
	} else {
		jitter := types.XY(sg.next(), sg.next())
		lens := types.XY(sg.next(), sg.next())
		ray := l.scene.Camera().PrimaryRay(x, y, l.frameW, l.frameH, jitter, lens)
		hit, ok = l.scene.Intersect(ray)
		dir = ray.Dir
	}
	if !ok {
		return types.Vec3{}
	}
	if hit.Material == scene.EmissiveMaterial {
		if emitsTowards(&hit, dir) {
			return hit.Emission
		}
		return types.Vec3{}
	}

	n := facingNormal(hit.Normal, dir)
	var direct types.Vec3
	if l.useNEE {
		direct = l.sampleDirect(hit.Position, n, hit.Albedo, sg)
	}
	bounceDirect, indirect := l.continuePath(&hit, n, sg)
	direct = direct.Add(bounceDirect)

	estimate := direct.Add(indirect)
	estimators := float32(1)
	if l.vertexCount > 0 {
		vc := l.connect(&hit, n, pixel, s, sg)
		estimate = estimate.Add(direct).Add(vc)
		estimators++

		if l.useMerge && l.mergeRadius > 0 {
			estimate = estimate.Add(l.merge(&hit, n, pixel, s))
			estimators++
		}
	}
	return estimate.Mul(1 / estimators)
}

// continuePath extends the camera sub-path past its first vertex by cosine
// sampling. Emission found by the first extension is returned separately as
// it estimates direct light.
func (l *cameraPathLaunch) continuePath(first *scene.Hit, n types.Vec3, sg *sampleGenerator) (types.Vec3, types.Vec3) {
	var direct, indirect types.Vec3
	throughput := first.Albedo
	prev, prevN := first.Position, n
	for bounce := uint32(1); bounce <= l.maxBounces; bounce++ {
		d, cosTheta := cosineHemisphere(prevN, sg.next(), sg.next())
		hit, ok := l.scene.Intersect(scene.NewRay(prev, d))
		if !ok {
			break
		}

		if hit.Material == scene.EmissiveMaterial {
			if emitsTowards(&hit, d) {
				w := l.emissionWeight(prev, &hit, d, cosTheta*invPi)
				contrib := throughput.MulVec(hit.Emission).Mul(w)
				if bounce == 1 {
					direct = direct.Add(contrib)
				} else {
					indirect = indirect.Add(contrib)
				}
			}
			break
		}

		hitN := facingNormal(hit.Normal, d)
		if l.useNEE {
			indirect = indirect.Add(throughput.MulVec(l.sampleDirect(hit.Position, hitN, hit.Albedo, sg)))
		}

		throughput = throughput.MulVec(hit.Albedo)
		if l.useRR && bounce >= 3 && !russianRoulette(&throughput, sg.next()) {
			break
		}
		prev, prevN = hit.Position, hitN
	}
	return direct, indirect
}

// connectionTarget returns the unshadowed contribution of a light vertex to
// a diffuse shading point.
func (l *cameraPathLaunch) connectionTarget(p, n, albedo types.Vec3, r *tracer.Reservoir) types.Vec3 {
	d := r.Position.Sub(p)
	dist2 := d.Dot(d)
	if dist2 <= 0 {
		return types.Vec3{}
	}
	wi := d.Mul(1 / math32.Sqrt(dist2))
	cosX := n.Dot(wi)
	cosY := -r.Normal.Dot(wi)
	if cosX <= 0 || cosY <= 0 {
		return types.Vec3{}
	}
	// Clamp the geometry term singularity at the merge radius.
	dist2 = math32.Max(dist2, l.mergeRadius*l.mergeRadius)
	return albedo.MulVec(r.Radiance).Mul(invPi * cosX * cosY / dist2)
}

// connect resamples light vertices through the pixel reservoir and connects
// the shading point to the survivor with a shadow ray.
func (l *cameraPathLaunch) connect(hit *scene.Hit, n types.Vec3, pixel, s uint32, sg *sampleGenerator) types.Vec3 {
	var (
		res  tracer.Reservoir
		wSum float32
		m    float32
	)
	for i := 0; i < reservoirCandidates; i++ {
		leaf, pdf, ok := vtree.SampleLeaf(l.tree, l.leafStart, sg.next())
		if !ok {
			return types.Vec3{}
		}
		m++
		v := &l.vertices[leaf.ID]
		cand := tracer.Reservoir{
			Position: v.Position,
			Normal:   v.Normal,
			Radiance: v.Flux.MulVec(v.Albedo).Mul(invPi),
			Cell:     v.Cell,
		}
		target := l.connectionTarget(hit.Position, n, hit.Albedo, &cand).Luminance()
		if target <= 0 {
			continue
		}
		w := target / pdf
		wSum += w
		if sg.next()*wSum < w {
			res = cand
			res.Target = target
		}
	}

	if s == 0 && int(pixel) < len(l.prevReservoirs) {
		if prev := l.prevReservoirs[pixel]; prev.Valid != 0 {
			target := l.connectionTarget(hit.Position, n, hit.Albedo, &prev).Luminance()
			mPrev := prev.M
			if limit := l.accumulationCap * m; mPrev > limit {
				mPrev = limit
			}
			if w := target * prev.W * mPrev; w > 0 {
				wSum += w
				if sg.next()*wSum < w {
					res = prev
					res.Target = target
				}
			}
			m += mPrev
		}
	}

	if res.Target <= 0 || m <= 0 {
		return types.Vec3{}
	}
	res.WeightSum = wSum
	res.M = m
	res.W = wSum / (m * res.Target)
	res.Valid = 1
	if s == 0 && int(pixel) < len(l.reservoirs) {
		l.reservoirs[pixel] = res
	}

	if l.scene.Occluded(hit.Position, res.Position) {
		return types.Vec3{}
	}
	contrib := l.connectionTarget(hit.Position, n, hit.Albedo, &res).Mul(res.W)
	l.recordSubspace(res.Cell, contrib.Luminance())
	return contrib
}

// merge estimates the light arriving at the shading point from the density
// of nearby light vertices. The previous frame's tree is blended in by
// luminance.
func (l *cameraPathLaunch) merge(hit *scene.Hit, n types.Vec3, pixel, s uint32) types.Vec3 {
	radius, count := l.mergeRadius, float32(0)
	if int(pixel) < len(l.prevGathers) {
		gp := &l.prevGathers[pixel]
		d := gp.Position.Sub(hit.Position)
		if gp.Radius > 0 && d.Dot(d) <= gp.Radius*gp.Radius && gp.Normal.Dot(n) >= mergeNormalCos {
			radius, count = gp.Radius, gp.N
		}
	}
	area := math32.Pi * radius * radius

	var (
		sum    types.Vec3
		lumCur float32
		merged float32
	)
	radiusSq := radius * radius
	vtree.Query(l.tree, l.leafStart, hit.Position, radius, func(vertexID uint32, leaf *vtree.Node) {
		v := &l.vertices[vertexID]
		d := v.Position.Sub(hit.Position)
		if d.Dot(d) > radiusSq || v.Normal.Dot(n) < mergeNormalCos {
			return
		}
		c := v.Flux.MulVec(hit.Albedo).Mul(invPi)
		sum = sum.Add(c)
		lumCur += leaf.WeightSum
		merged++
		l.recordSubspace(v.Cell, c.Luminance()/area)
	})
	estimate := sum.Mul(1 / area)

	if l.blendRatio > 0 && len(l.prevTree) > 0 {
		var lumPrev float32
		vtree.Query(l.prevTree, l.prevLeafStart, hit.Position, radius, func(_ uint32, leaf *vtree.Node) {
			lumPrev += leaf.WeightSum
		})
		blended := (1-l.blendRatio)*lumCur + l.blendRatio*lumPrev
		if lumCur > 0 {
			estimate = estimate.Mul(blended / lumCur)
		} else {
			estimate = hit.Albedo.Mul(blended * invPi / area)
		}
	}

	if s == 0 && int(pixel) < len(l.gatherPoints) {
		if merged > 0 {
			next := count + mergeAlpha*merged
			radius *= math32.Sqrt(next / (count + merged))
			count = next
		}
		l.gatherPoints[pixel] = tracer.GatherPoint{Position: hit.Position, N: count, Normal: n, Radius: radius}
	}
	return estimate
}

// recordSubspace adds one sample of the given contribution to the current
// frame subspace tables.
func (l *cameraPathLaunch) recordSubspace(cell uint32, contrib float32) {
	if l.subspaceWeight == nil || int(cell) >= l.subspaceCells || !(contrib >= 0) {
		return
	}
	l.subspaceWeight.AtomicAddFloat32(int(cell), contrib)
	l.subspaceCount.AtomicAddUint32(int(cell), 1)
	l.subspaceMoment.AtomicAddFloat32(int(cell), contrib*contrib)
}
