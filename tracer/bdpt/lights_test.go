package bdpt

import (
	"testing"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// A floor lit by emitters of varying size, strength and orientation.
func newMultiLightScene() *scene.Analytic {
	cam := scene.NewCamera(45)
	cam.Position = types.XYZ(0, 4, 8)
	cam.LookAt = types.XYZ(0, 0, 0)
	cam.Update()

	return scene.NewAnalytic("multi-light", cam, []scene.Quad{
		scene.NewDiffuseQuad(types.XYZ(-5, 0, -5), types.XYZ(0, 0, 10), types.XYZ(10, 0, 0), types.Splat3(0.5)),
		// downward facing ceiling lights
		scene.NewEmissiveQuad(types.XYZ(-3, 3, -3), types.XYZ(1, 0, 0), types.XYZ(0, 0, 1), types.Splat3(10)),
		scene.NewEmissiveQuad(types.XYZ(2, 3, -3), types.XYZ(0.5, 0, 0), types.XYZ(0, 0, 0.5), types.Splat3(40)),
		scene.NewEmissiveQuad(types.XYZ(-3, 3.5, 2), types.XYZ(2, 0, 0), types.XYZ(0, 0, 2), types.XYZ(1, 2, 3)),
		scene.NewEmissiveQuad(types.XYZ(2, 2.5, 2), types.XYZ(1, 0, 0), types.XYZ(0, 0, 1), types.Splat3(5)),
		// wall light facing +x
		scene.NewEmissiveQuad(types.XYZ(-4.5, 0.5, -1), types.XYZ(0, 0, 2), types.XYZ(0, 1, 0), types.Splat3(8)),
		// upward facing floor light
		scene.NewEmissiveQuad(types.XYZ(0, 0.01, 3), types.XYZ(0, 0, 0.5), types.XYZ(0.5, 0, 0), types.Splat3(2)),
	})
}

func TestLightSamplerPdf(t *testing.T) {
	type spec struct {
		kind EmissiveSampler
		opts LightBVHOptions
	}

	bvhOpts := func(leaf uint32, split SplitHeuristic, boundingCone, lightingCone bool) LightBVHOptions {
		return LightBVHOptions{
			MaxTriangleCountPerLeaf: leaf,
			SplitHeuristic:          split,
			UseBoundingCone:         boundingCone,
			UseLightingCone:         lightingCone,
		}
	}
	specs := []spec{
		{EmissiveUniform, DefaultLightBVHOptions()},
		{EmissivePower, DefaultLightBVHOptions()},
		{EmissiveLightBVH, DefaultLightBVHOptions()},
		{EmissiveLightBVH, bvhOpts(1, SplitBinnedSAH, true, true)},
		{EmissiveLightBVH, bvhOpts(2, SplitEqual, true, true)},
		{EmissiveLightBVH, bvhOpts(1, SplitEqual, false, true)},
		{EmissiveLightBVH, bvhOpts(1, SplitBinnedSAH, false, false)},
	}

	points := []types.Vec3{
		types.XYZ(0, 0, 0),
		types.XYZ(-2.5, 0, -2.5),
		types.XYZ(4, 1, 4),
		// above every ceiling light
		types.XYZ(0, 10, 0),
		// inside a light's bounds
		types.XYZ(-2.5, 3, -2.5),
	}

	s := newMultiLightScene()
	lightCount := uint32(len(s.Lights()))

	for index, sp := range specs {
		ls := NewLightSampler(sp.kind, sp.opts)
		ls.Update(s)

		if sp.kind == EmissiveLightBVH && ls.NodeCount() == 0 {
			t.Fatalf("[spec %d] expected light BVH to be built", index)
		}

		for pIndex, p := range points {
			var sum float32
			for light := uint32(0); light < lightCount; light++ {
				pdf := ls.Pdf(p, light)
				if pdf < 0 || math32.IsNaN(pdf) {
					t.Fatalf("[spec %d, point %d] expected a valid pdf for light %d; got %f", index, pIndex, light, pdf)
				}
				sum += pdf
			}
			if math32.Abs(sum-1) > 1e-4 {
				t.Fatalf("[spec %d, point %d] expected pdfs to sum to 1; got %f", index, pIndex, sum)
			}

			for step := 0; step < 64; step++ {
				u := (float32(step) + 0.5) / 64
				light, pdf, ok := ls.Sample(p, u)
				if !ok {
					continue
				}
				if light >= lightCount {
					t.Fatalf("[spec %d, point %d] sampled out of range light %d", index, pIndex, light)
				}
				if exp := ls.Pdf(p, light); math32.Abs(pdf-exp) > 1e-4*math32.Max(1, exp) {
					t.Fatalf("[spec %d, point %d] expected sample pdf for light %d to be %f; got %f", index, pIndex, light, exp, pdf)
				}
			}
		}
	}
}

func TestLightSamplerEmission(t *testing.T) {
	s := newMultiLightScene()
	lights := s.Lights()

	uniform := NewLightSampler(EmissiveUniform, DefaultLightBVHOptions())
	uniform.Update(s)
	for u := float32(0); u < 1; u += 0.05 {
		_, pdf, ok := uniform.SampleEmitter(u)
		if !ok || math32.Abs(pdf-1/float32(len(lights))) > 1e-6 {
			t.Fatalf("expected uniform emission pdf %f; got %f", 1/float32(len(lights)), pdf)
		}
	}

	var totalPower float32
	for i := range lights {
		totalPower += lights[i].Power()
	}
	for _, kind := range []EmissiveSampler{EmissivePower, EmissiveLightBVH} {
		ls := NewLightSampler(kind, DefaultLightBVHOptions())
		ls.Update(s)
		for u := float32(0); u < 1; u += 0.05 {
			light, pdf, ok := ls.SampleEmitter(u)
			if !ok {
				t.Fatalf("[%s] expected emitter sample for u=%f", kind, u)
			}
			if exp := lights[light].Power() / totalPower; math32.Abs(pdf-exp) > 1e-5 {
				t.Fatalf("[%s] expected emission pdf for light %d to be %f; got %f", kind, light, exp, pdf)
			}
		}
	}
}

func TestLightSamplerWithoutLights(t *testing.T) {
	cam := scene.NewCamera(45)
	cam.Update()
	s := scene.NewAnalytic("dark", cam, []scene.Quad{
		scene.NewDiffuseQuad(types.XYZ(-1, 0, -1), types.XYZ(0, 0, 2), types.XYZ(2, 0, 0), types.Splat3(0.5)),
	})

	for _, kind := range []EmissiveSampler{EmissiveUniform, EmissivePower, EmissiveLightBVH} {
		ls := NewLightSampler(kind, DefaultLightBVHOptions())
		ls.Update(s)
		if _, _, ok := ls.SampleEmitter(0.5); ok {
			t.Fatalf("[%s] expected emitter sampling to fail without lights", kind)
		}
		if _, _, ok := ls.Sample(types.XYZ(0, 1, 0), 0.5); ok {
			t.Fatalf("[%s] expected light sampling to fail without lights", kind)
		}
		if pdf := ls.Pdf(types.XYZ(0, 1, 0), 0); pdf != 0 {
			t.Fatalf("[%s] expected zero pdf; got %f", kind, pdf)
		}
	}
}

func TestLightSamplerOptions(t *testing.T) {
	s := newMultiLightScene()
	ls := NewLightSampler(EmissiveLightBVH, DefaultLightBVHOptions())
	ls.Update(s)
	coarse := ls.NodeCount()

	opts := DefaultLightBVHOptions()
	opts.MaxTriangleCountPerLeaf = 1
	ls.SetOptions(opts)
	if ls.NodeCount() <= coarse {
		t.Fatalf("expected a single light per leaf to produce more than %d nodes; got %d", coarse, ls.NodeCount())
	}
	if ls.Options() != opts {
		t.Fatalf("expected options to be updated")
	}

	defines := ls.Defines()
	if defines["LIGHT_BVH_MAX_LEAF_COUNT"] != "1" {
		t.Fatalf("expected LIGHT_BVH_MAX_LEAF_COUNT define to be 1; got %q", defines["LIGHT_BVH_MAX_LEAF_COUNT"])
	}
	if defines["LIGHT_COUNT"] != "6" {
		t.Fatalf("expected LIGHT_COUNT define to be 6; got %q", defines["LIGHT_COUNT"])
	}

	power := NewLightSampler(EmissivePower, opts)
	power.Update(s)
	if _, found := power.Defines()["LIGHT_BVH_MAX_LEAF_COUNT"]; found {
		t.Fatal("expected light BVH defines to be omitted for the power sampler")
	}

	vars := tracer.Vars{}
	ls.SetShaderData(vars)
	if got, ok := vars.Value(tracer.VarLightSampler).(tracer.LightSampler); !ok || got != tracer.LightSampler(ls) {
		t.Fatalf("expected light sampler to be bound into the program vars")
	}
}
