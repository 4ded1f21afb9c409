package cpu

import (
	"errors"
	"unsafe"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
)

var ErrNoScene = errors.New("cpu: no scene bound to the launch variables")

// pathContext holds the launch parameters shared by the path programs.
type pathContext struct {
	scene        scene.Scene
	lights       []scene.Light
	lightIndex   []int32
	lightSampler tracer.LightSampler

	seed       uint32
	maxBounces uint32

	useNEE       bool
	useMIS       bool
	useRR        bool
	misHeuristic uint32
	misExponent  float32
}

func bindPathContext(vars tracer.Vars) (pathContext, error) {
	s, ok := scene.FromVars(vars)
	if !ok {
		return pathContext{}, ErrNoScene
	}

	pc := pathContext{
		scene:        s,
		lights:       s.Lights(),
		seed:         vars.Uint32(tracer.VarSeed, 0),
		maxBounces:   vars.Uint32(tracer.VarMaxSurfaceBounces, 0),
		useNEE:       vars.Bool(tracer.VarUseNEE),
		useMIS:       vars.Bool(tracer.VarUseMIS),
		useRR:        vars.Bool(tracer.VarUseRussianRoulette),
		misHeuristic: vars.Uint32(tracer.VarMisHeuristic, tracer.MisBalance),
		misExponent:  vars.Float32(tracer.VarMisPowerExponent, 2),
	}
	if maxDiffuse := vars.Uint32(tracer.VarMaxDiffuseBounces, pc.maxBounces); maxDiffuse < pc.maxBounces {
		// Every surface is diffuse.
		pc.maxBounces = maxDiffuse
	}
	pc.lightSampler, _ = vars.Value(tracer.VarLightSampler).(tracer.LightSampler)
	pc.lightIndex = lightLookup(s, pc.lights)
	return pc, nil
}

// structuredView returns a typed view over a bound buffer after checking
// that its element size matches T.
func structuredView[T any](vars tracer.Vars, name string) ([]T, error) {
	buf, err := vars.Buffer(name)
	if err != nil {
		return nil, err
	}
	var zero T
	if buf.ElementSize() != int(unsafe.Sizeof(zero)) {
		return nil, device.ErrSizeMismatch
	}
	return device.View[T](buf), nil
}

// optionalView is like structuredView but returns nil if the buffer is not
// bound.
func optionalView[T any](vars tracer.Vars, name string) ([]T, error) {
	if !vars.Has(name) || vars.Value(name) == nil {
		return nil, nil
	}
	switch v := vars.Value(name).(type) {
	case *device.Buffer:
		if v == nil {
			return nil, nil
		}
	case *device.Texture:
		if v == nil {
			return nil, nil
		}
	}
	return structuredView[T](vars, name)
}
