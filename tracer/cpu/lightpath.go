package cpu

import (
	"fmt"
	"unsafe"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/tracer/subspace"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// Probability of drawing an emission direction from the subspace
// distribution instead of the cosine lobe.
const guidedEmissionProb = 0.5

// lightPathKernel traces one light sub-path per launch cell and appends its
// surface vertices to the light vertex buffers.
type lightPathKernel struct {
	gen sampleGeneratorKind
}

func (k *lightPathKernel) payloadSize() uint32 {
	return uint32(unsafe.Sizeof(tracer.LightVertex{}))
}

type lightPathLaunch struct {
	pathContext

	numPaths  uint32
	positions *device.Buffer
	posView   []types.Vec4
	vertices  []tracer.LightVertex

	guided       bool
	subspaceSize uint32
	distribution subspace.Distribution
}

func (k *lightPathKernel) bind(vars tracer.Vars, w, h uint32) (cellFn, error) {
	pc, err := bindPathContext(vars)
	if err != nil {
		return nil, err
	}

	l := &lightPathLaunch{pathContext: pc, numPaths: w * h}
	if l.positions, err = vars.Buffer(tracer.VarLightVertexPositions); err != nil {
		return nil, err
	}
	if !l.positions.HasCounter() {
		return nil, fmt.Errorf("%s: %w", tracer.VarLightVertexPositions, device.ErrCounterMissing)
	}
	if l.posView, err = structuredView[types.Vec4](vars, tracer.VarLightVertexPositions); err != nil {
		return nil, err
	}
	if l.vertices, err = structuredView[tracer.LightVertex](vars, tracer.VarLightVertices); err != nil {
		return nil, err
	}
	if len(l.vertices) < len(l.posView) {
		return nil, fmt.Errorf("%s is smaller than %s: %w", tracer.VarLightVertices, tracer.VarLightVertexPositions, device.ErrSizeMismatch)
	}

	if dist, ok := vars.Value(tracer.VarSubspaceDistribution).(subspace.Distribution); ok && vars.Bool(tracer.VarUseSubspaceWeights) {
		l.distribution = dist
		l.subspaceSize = dist.Size
		l.guided = dist.Size > 0 && dist.Total() > 0
	}

	seed := l.seed ^ saltLight
	return func(x, y uint32) {
		pathID := y*w + x
		sg := newSampleGenerator(k.gen, pathID, seed)
		l.trace(pathID, &sg)
	}, nil
}

func (l *lightPathLaunch) trace(pathID uint32, sg *sampleGenerator) {
	if l.maxBounces == 0 || len(l.lights) == 0 || l.lightSampler == nil {
		return
	}
	index, pSelect, ok := l.lightSampler.SampleEmitter(sg.next())
	if !ok || pSelect <= 0 {
		return
	}
	light := &l.lights[index]
	origin := light.SamplePoint(sg.next(), sg.next())

	cosTheta, phi, pdfDir, cell := l.sampleEmission(sg)
	if cosTheta <= 0 || pdfDir <= 0 {
		return
	}
	sinTheta := math32.Sqrt(math32.Max(0, 1-cosTheta*cosTheta))
	dir := localToWorld(light.Normal, sinTheta, cosTheta, phi)

	flux := light.Emission.Mul(cosTheta * light.Area / (pSelect * pdfDir * float32(l.numPaths)))
	ray := scene.NewRay(origin, dir)
	for bounce := uint32(1); bounce <= l.maxBounces; bounce++ {
		hit, found := l.scene.Intersect(ray)
		if !found || hit.Material == scene.EmissiveMaterial {
			return
		}
		n := facingNormal(hit.Normal, ray.Dir)

		slot := l.positions.IncrementCounter()
		if int(slot) >= len(l.posView) {
			return
		}
		l.vertices[slot] = tracer.LightVertex{
			Position:   hit.Position,
			Cell:       cell,
			Flux:       flux,
			PathLength: bounce,
			Normal:     n,
			PathID:     pathID,
			Albedo:     hit.Albedo,
		}
		l.posView[slot] = hit.Position.Vec4(flux.Luminance())

		if bounce == l.maxBounces {
			return
		}
		flux = flux.MulVec(hit.Albedo)
		if l.useRR && bounce >= 3 && !russianRoulette(&flux, sg.next()) {
			return
		}
		next, _ := cosineHemisphere(n, sg.next(), sg.next())
		ray = scene.NewRay(hit.Position, next)
	}
}

// sampleEmission draws an emission direction in the emitter frame from the
// mixture of the cosine lobe and the subspace distribution. It returns the
// cosine to the emitter normal, the azimuth, the mixture density per solid
// angle and the subspace cell of the direction.
func (l *lightPathLaunch) sampleEmission(sg *sampleGenerator) (float32, float32, float32, uint32) {
	var cosTheta, phi float32
	useGuide := l.guided && sg.next() < guidedEmissionProb
	if useGuide {
		col, row, _, ok := l.distribution.Sample(sg.next(), sg.next())
		if ok {
			cosTheta, phi, _ = subspace.CellDirection(col, row, l.subspaceSize, sg.next(), sg.next())
		} else {
			useGuide = false
		}
	}
	if !useGuide {
		cosTheta = math32.Sqrt(sg.next())
		phi = 2 * math32.Pi * sg.next()
	}

	pdf := cosTheta * invPi
	if l.subspaceSize == 0 {
		return cosTheta, phi, pdf, 0
	}

	size := l.subspaceSize
	col, row := subspace.Cell(cosTheta, phi, size)
	if l.guided {
		// A uniform cell choice is the cosine lobe; mix it with the
		// learned cell probabilities.
		cellMass := (1 - guidedEmissionProb) / float32(size*size)
		cellMass += guidedEmissionProb * l.distribution.Pdf(col, row)
		pdf *= cellMass * float32(size*size)
	}
	return cosTheta, phi, pdf, subspace.CellIndex(col, row, size)
}
