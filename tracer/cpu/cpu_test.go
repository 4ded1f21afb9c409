package cpu

import (
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

type uniformLights struct {
	count uint32
}

func (u uniformLights) SampleEmitter(x float32) (uint32, float32, bool) {
	if u.count == 0 {
		return 0, 0, false
	}
	index := uint32(x * float32(u.count))
	if index >= u.count {
		index = u.count - 1
	}
	return index, 1 / float32(u.count), true
}

func (u uniformLights) Sample(_ types.Vec3, x float32) (uint32, float32, bool) {
	return u.SampleEmitter(x)
}

func (u uniformLights) Pdf(_ types.Vec3, _ uint32) float32 {
	if u.count == 0 {
		return 0
	}
	return 1 / float32(u.count)
}

type fixture struct {
	dev        *device.Device
	dispatcher *Dispatcher
	scene      *scene.Analytic
	vars       tracer.Vars
}

func createFixture(t *testing.T) *fixture {
	dev := device.NewCpuDevice("test", device.WithWorkers(2))
	s := scene.NewPlaneWithLight()
	f := &fixture{
		dev:        dev,
		dispatcher: NewDispatcher(dev),
		scene:      s,
		vars:       make(tracer.Vars),
	}
	s.SetRaytracingShaderData(f.vars)
	f.vars.Set(tracer.VarSeed, uint32(7)).
		Set(tracer.VarMaxSurfaceBounces, uint32(2)).
		Set(tracer.VarMaxDiffuseBounces, uint32(2)).
		Set(tracer.VarUseNEE, true).
		Set(tracer.VarUseMIS, true).
		Set(tracer.VarMisHeuristic, tracer.MisBalance).
		Set(tracer.VarLightSampler, tracer.LightSampler(uniformLights{count: uint32(len(s.Lights()))}))
	return f
}

func (f *fixture) program(t *testing.T, name string) tracer.Program {
	p, err := f.dispatcher.CreateProgram(tracer.ProgramDesc{
		Name:             name,
		Defines:          f.scene.Defines(),
		TypeConformances: f.scene.TypeConformances(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) structured(t *testing.T, name string, elemSize, count int, flags device.BufferFlags) *device.Buffer {
	buf := f.dev.Buffer(name)
	if err := buf.AllocateStructured(elemSize, count, flags); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestCreateProgramErrors(t *testing.T) {
	type spec struct {
		desc   tracer.ProgramDesc
		expErr error
	}
	specs := []spec{
		{tracer.ProgramDesc{Name: "Unknown"}, tracer.ErrUnknownProgram},
		{tracer.ProgramDesc{Name: tracer.ProgramGeneratePaths, TypeConformances: []string{"GlassMaterial"}}, ErrUnsupportedConformance},
		{tracer.ProgramDesc{Name: tracer.ProgramTraceLightPaths, MaxPayloadSize: 4}, ErrPayloadTooLarge},
		{tracer.ProgramDesc{Name: tracer.ProgramTraceCameraPaths, Defines: tracer.Defines{"SAMPLE_GENERATOR": "5"}}, nil},
		{tracer.ProgramDesc{Name: tracer.ProgramTraceCameraPaths, Defines: tracer.Defines{"SAMPLE_GENERATOR": "1"}}, nil},
	}

	d := NewDispatcher(device.NewCpuDevice("test"))
	for index, s := range specs {
		p, err := d.CreateProgram(s.desc)
		invalidGen := s.desc.Defines["SAMPLE_GENERATOR"] == "5"
		switch {
		case invalidGen:
			if err == nil {
				t.Fatalf("[spec %d] expected an error for an invalid sample generator", index)
			}
		case s.expErr == nil:
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", index, err)
			}
			if p.Name() != s.desc.Name {
				t.Fatalf("[spec %d] expected program name %q; got %q", index, s.desc.Name, p.Name())
			}
		default:
			if !errors.Is(err, s.expErr) {
				t.Fatalf("[spec %d] expected error %v; got %v", index, s.expErr, err)
			}
		}
	}
}

func TestSampleGenerator(t *testing.T) {
	for _, kind := range []sampleGeneratorKind{tinyUniform, uniform} {
		a := newSampleGenerator(kind, 42, 1)
		b := newSampleGenerator(kind, 42, 1)
		c := newSampleGenerator(kind, 43, 1)

		differs := false
		for i := 0; i < 1000; i++ {
			va, vb, vc := a.next(), b.next(), c.next()
			if va < 0 || va >= 1 {
				t.Fatalf("[%s] expected value in [0, 1); got %f", kind, va)
			}
			if va != vb {
				t.Fatalf("[%s] expected identical streams for identical seeds", kind)
			}
			if va != vc {
				differs = true
			}
		}
		if !differs {
			t.Fatalf("[%s] expected streams for different indices to differ", kind)
		}
	}
}

func TestMisWeight(t *testing.T) {
	type spec struct {
		heuristic uint32
		exponent  float32
		a, b      float32
		exp       float32
	}
	specs := []spec{
		{tracer.MisBalance, 0, 1, 1, 0.5},
		{tracer.MisBalance, 0, 3, 1, 0.75},
		{tracer.MisPower, 0, 1, 3, 0.1},
		{tracer.MisPowerExp, 3, 1, 2, 1.0 / 9.0},
		{tracer.MisBalance, 0, 0, 0, 0},
	}

	for index, s := range specs {
		got := misWeight(s.heuristic, s.exponent, s.a, s.b)
		if math.Abs(float64(got-s.exp)) > 1e-5 {
			t.Fatalf("[spec %d] expected weight %f; got %f", index, s.exp, got)
		}
	}
}

func TestGeneratePaths(t *testing.T) {
	f := createFixture(t)
	const w, h = 16, 8

	hits := f.structured(t, "primaryHits", int(unsafe.Sizeof(tracer.PathHit{})), w*h, device.ReadWrite)
	f.vars.Set(tracer.VarPrimaryHits, hits)

	p := f.program(t, tracer.ProgramGeneratePaths)
	if _, err := p.Launch(f.vars, w, h); err != nil {
		t.Fatal(err)
	}

	view := device.View[tracer.PathHit](hits)
	for i := range view {
		if view[i].Origin != f.scene.Camera().Position {
			t.Fatalf("expected hit %d to store the camera origin; got %v", i, view[i].Origin)
		}
	}
	center := view[(h/2)*w+w/2]
	if center.Material != uint32(scene.DiffuseMaterial)+1 {
		t.Fatalf("expected the center pixel to hit the ground plane; got material %d", center.Material)
	}
	if math.Abs(float64(center.Position[1])) > 1e-3 {
		t.Fatalf("expected the center hit to lie on y = 0; got %v", center.Position)
	}

	// Missing scene binding
	delete(f.vars, scene.SceneVar)
	if _, err := p.Launch(f.vars, w, h); !errors.Is(err, ErrNoScene) {
		t.Fatalf("expected ErrNoScene; got %v", err)
	}
}

func TestTraceLightPaths(t *testing.T) {
	f := createFixture(t)
	const w, h, bounces = 64, 32, 2
	capacity := w * h * bounces

	positions := f.structured(t, "positions", 16, capacity, device.ReadWrite|device.Counter)
	vertices := f.structured(t, "vertices", int(unsafe.Sizeof(tracer.LightVertex{})), capacity, device.ReadWrite)
	f.vars.Set(tracer.VarLightVertexPositions, positions).
		Set(tracer.VarLightVertices, vertices)

	p := f.program(t, tracer.ProgramTraceLightPaths)
	if _, err := p.Launch(f.vars, w, h); err != nil {
		t.Fatal(err)
	}

	count, err := f.dev.ReadCounter(positions)
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 || count > uint32(capacity) {
		t.Fatalf("expected vertex count in (0, %d]; got %d", capacity, count)
	}

	posView := device.View[types.Vec4](positions)
	vtxView := device.View[tracer.LightVertex](vertices)
	for i := uint32(0); i < count; i++ {
		v := vtxView[i]
		if math.Abs(float64(v.Position[1])) > 1e-3 {
			t.Fatalf("expected vertex %d on the ground plane; got %v", i, v.Position)
		}
		if v.PathLength < 1 || v.PathLength > bounces {
			t.Fatalf("expected vertex %d path length in [1, %d]; got %d", i, bounces, v.PathLength)
		}
		if v.PathID >= w*h {
			t.Fatalf("expected vertex %d path id below %d; got %d", i, w*h, v.PathID)
		}
		if posView[i][3] != v.Flux.Luminance() || posView[i].Vec3() != v.Position {
			t.Fatalf("expected position entry %d to mirror the vertex; got %v", i, posView[i])
		}
		if !v.Flux.IsFinite() || v.Flux.Luminance() <= 0 {
			t.Fatalf("expected vertex %d to carry positive flux; got %v", i, v.Flux)
		}
	}

	// Positions without a counter are rejected.
	f.vars.Set(tracer.VarLightVertexPositions, f.structured(t, "plain", 16, capacity, device.ReadWrite))
	if _, err := p.Launch(f.vars, w, h); !errors.Is(err, device.ErrCounterMissing) {
		t.Fatalf("expected ErrCounterMissing; got %v", err)
	}
}

func TestTraceCameraPaths(t *testing.T) {
	f := createFixture(t)
	const w, h = 16, 8

	hits := f.structured(t, "primaryHits", int(unsafe.Sizeof(tracer.PathHit{})), w*h, device.ReadWrite)
	output, err := f.dev.Texture2D("output", w, h, device.FormatRGBA32Float, device.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	f.vars.Set(tracer.VarPrimaryHits, hits).
		Set(tracer.VarOutput, output).
		Set(tracer.VarSamplesPerPixel, uint32(1)).
		Set(tracer.VarFixedSampleCount, true)

	if _, err := f.program(t, tracer.ProgramGeneratePaths).Launch(f.vars, w, h); err != nil {
		t.Fatal(err)
	}
	p := f.program(t, tracer.ProgramTraceCameraPaths)
	if _, err := p.Launch(f.vars, w, h); err != nil {
		t.Fatal(err)
	}

	pixels := device.View[types.Vec4](output.Buffer)
	for i, px := range pixels {
		if !px.Vec3().IsFinite() {
			t.Fatalf("expected pixel %d to be finite; got %v", i, px)
		}
	}
	if center := pixels[output.Index(w/2, h/2)]; center.Vec3().Luminance() <= 0 {
		t.Fatalf("expected the lit center pixel to receive light; got %v", center)
	}

	// Variable sample counts need the sample count texture.
	f.vars.Set(tracer.VarFixedSampleCount, false)
	if _, err := p.Launch(f.vars, w, h); !errors.Is(err, tracer.ErrMissingVar) {
		t.Fatalf("expected ErrMissingVar; got %v", err)
	}

	p.Release()
	if _, err := p.Launch(f.vars, w, h); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased; got %v", err)
	}
}
