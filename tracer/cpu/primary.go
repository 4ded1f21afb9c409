package cpu

import (
	"fmt"
	"unsafe"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

// generatePathsKernel traces one jittered primary ray per pixel and stores
// the closest hit.
type generatePathsKernel struct {
	gen sampleGeneratorKind
}

func (k *generatePathsKernel) payloadSize() uint32 {
	return uint32(unsafe.Sizeof(tracer.PathHit{}))
}

func (k *generatePathsKernel) bind(vars tracer.Vars, w, h uint32) (cellFn, error) {
	s, ok := scene.FromVars(vars)
	if !ok {
		return nil, ErrNoScene
	}
	hits, err := structuredView[tracer.PathHit](vars, tracer.VarPrimaryHits)
	if err != nil {
		return nil, err
	}
	if len(hits) < int(w*h) {
		return nil, fmt.Errorf("%s holds %d hits; need %d: %w", tracer.VarPrimaryHits, len(hits), w*h, device.ErrBufferTooSmall)
	}

	cam := s.Camera()
	seed := vars.Uint32(tracer.VarSeed, 0) ^ saltPrimary
	return func(x, y uint32) {
		pixel := y*w + x
		sg := newSampleGenerator(k.gen, pixel, seed)
		jitter := types.XY(sg.next(), sg.next())
		lens := types.XY(sg.next(), sg.next())
		ray := cam.PrimaryRay(x, y, w, h, jitter, lens)
		hits[pixel] = tracePrimary(s, ray)
	}, nil
}

// tracePrimary intersects a camera ray with the scene.
func tracePrimary(s scene.Scene, ray scene.Ray) tracer.PathHit {
	out := tracer.PathHit{Origin: ray.Origin, Dir: ray.Dir}
	hit, ok := s.Intersect(ray)
	if !ok {
		return out
	}
	out.Position = hit.Position
	out.Material = uint32(hit.Material) + 1
	out.Normal = hit.Normal
	out.Quad = hit.Quad
	out.Albedo = hit.Albedo
	out.T = hit.T
	out.Emission = hit.Emission
	return out
}

// unpackHit converts a stored primary hit back into a scene hit.
func unpackHit(ph *tracer.PathHit) (scene.Hit, bool) {
	if ph.Material == 0 {
		return scene.Hit{}, false
	}
	return scene.Hit{
		T:        ph.T,
		Position: ph.Position,
		Normal:   ph.Normal,
		Quad:     ph.Quad,
		Material: scene.MaterialType(ph.Material - 1),
		Albedo:   ph.Albedo,
		Emission: ph.Emission,
	}, true
}
