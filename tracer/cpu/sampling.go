package cpu

import (
	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

const invPi = 1 / math32.Pi

// Max throughput survival probability for russian roulette.
const maxSurvival = 0.95

// localToWorld maps a direction given in the frame of n (z up) to world
// space.
func localToWorld(n types.Vec3, sinTheta, cosTheta, phi float32) types.Vec3 {
	t, b := types.OrthoBasis(n)
	sinPhi, cosPhi := math32.Sincos(phi)
	return t.Mul(sinTheta * cosPhi).Add(b.Mul(sinTheta * sinPhi)).Add(n.Mul(cosTheta))
}

// cosineHemisphere draws a cosine weighted direction around n. It returns
// the direction and the cosine to n.
func cosineHemisphere(n types.Vec3, u1, u2 float32) (types.Vec3, float32) {
	cosTheta := math32.Sqrt(1 - u1)
	sinTheta := math32.Sqrt(u1)
	return localToWorld(n, sinTheta, cosTheta, 2*math32.Pi*u2), cosTheta
}

// facingNormal flips n so that it faces against dir.
func facingNormal(n, dir types.Vec3) types.Vec3 {
	if n.Dot(dir) > 0 {
		return n.Mul(-1)
	}
	return n
}

// misWeight returns the weight of a sample drawn with pdf a when the same
// path could also have been drawn with pdf b.
func misWeight(heuristic uint32, exponent, a, b float32) float32 {
	switch heuristic {
	case tracer.MisPower:
		a, b = a*a, b*b
	case tracer.MisPowerExp:
		a, b = math32.Pow(a, exponent), math32.Pow(b, exponent)
	}
	if a+b <= 0 {
		return 0
	}
	return a / (a + b)
}

// russianRoulette returns false if the path should be terminated. On
// survival the throughput is scaled by the inverse survival probability.
func russianRoulette(throughput *types.Vec3, u float32) bool {
	q := math32.Min(maxSurvival, throughput.MaxComponent())
	if q <= 0 || u >= q {
		return false
	}
	*throughput = throughput.Mul(1 / q)
	return true
}

// emitsTowards reports whether a hit on an emitter radiates back along dir.
func emitsTowards(hit *scene.Hit, dir types.Vec3) bool {
	return hit.Material == scene.EmissiveMaterial && hit.Normal.Dot(dir) < 0
}

// lightLookup maps scene quads to light indices.
func lightLookup(s scene.Scene, lights []scene.Light) []int32 {
	lookup := make([]int32, s.GeometryCount())
	for i := range lookup {
		lookup[i] = -1
	}
	for i := range lights {
		if lights[i].Quad < uint32(len(lookup)) {
			lookup[lights[i].Quad] = int32(i)
		}
	}
	return lookup
}

// sampleDirect connects a diffuse shading point to a point on a light. The
// returned radiance already includes the BSDF and the MIS weight against
// cosine sampling when useMIS is set.
func (pc *pathContext) sampleDirect(p, n, albedo types.Vec3, sg *sampleGenerator) types.Vec3 {
	if len(pc.lights) == 0 || pc.lightSampler == nil {
		return types.Vec3{}
	}
	index, pSelect, ok := pc.lightSampler.Sample(p, sg.next())
	if !ok || pSelect <= 0 {
		return types.Vec3{}
	}
	light := &pc.lights[index]

	y := light.SamplePoint(sg.next(), sg.next())
	d := y.Sub(p)
	dist2 := d.Dot(d)
	if dist2 <= 0 {
		return types.Vec3{}
	}
	wi := d.Mul(1 / math32.Sqrt(dist2))
	cosX := n.Dot(wi)
	cosL := -light.Normal.Dot(wi)
	if cosX <= 0 || cosL <= 0 {
		return types.Vec3{}
	}
	if pc.scene.Occluded(p, y) {
		return types.Vec3{}
	}

	pdfW := pSelect / light.Area * dist2 / cosL
	contrib := light.Emission.MulVec(albedo).Mul(invPi * cosX / pdfW)
	if pc.useMIS {
		contrib = contrib.Mul(misWeight(pc.misHeuristic, pc.misExponent, pdfW, cosX*invPi))
	}
	return contrib
}

// emissionWeight returns the MIS weight of an emitter reached by cosine
// sampling from the diffuse vertex prev with density pdfBsdf.
func (pc *pathContext) emissionWeight(prev types.Vec3, hit *scene.Hit, dir types.Vec3, pdfBsdf float32) float32 {
	if !pc.useNEE {
		return 1
	}
	if !pc.useMIS || pc.lightSampler == nil {
		return 0
	}
	index := pc.lightIndex[hit.Quad]
	if index < 0 {
		return 0
	}
	light := &pc.lights[index]
	cosL := -light.Normal.Dot(dir)
	if cosL <= 0 {
		return 0
	}
	pdfW := pc.lightSampler.Pdf(prev, uint32(index)) / light.Area * hit.T * hit.T / cosL
	return misWeight(pc.misHeuristic, pc.misExponent, pdfBsdf, pdfW)
}
