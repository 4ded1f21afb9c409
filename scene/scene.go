package scene

import (
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// Offset applied to ray origins to avoid self intersections.
const RayEpsilon float32 = 1e-4

type MaterialType uint8

const (
	DiffuseMaterial MaterialType = iota
	EmissiveMaterial
)

func (t MaterialType) String() string {
	switch t {
	case DiffuseMaterial:
		return "Diffuse"
	case EmissiveMaterial:
		return "Emissive"
	}
	panic("scene: unsupported material type")
}

// Ray is a half line; hits beyond TMax are ignored.
type Ray struct {
	Origin types.Vec3
	Dir    types.Vec3
	TMax   float32
}

// NewRay creates an unbounded ray.
func NewRay(origin, dir types.Vec3) Ray {
	return Ray{Origin: origin, Dir: dir, TMax: math32.MaxFloat32}
}

// At returns the point at distance t along the ray.
func (r Ray) At(t float32) types.Vec3 {
	return r.Origin.Add(r.Dir.Mul(t))
}

// Hit describes the closest intersection of a ray with the scene.
type Hit struct {
	T        float32
	Position types.Vec3

	// Geometric normal; not flipped towards the ray origin.
	Normal types.Vec3

	Quad     uint32
	Material MaterialType
	Albedo   types.Vec3
	Emission types.Vec3
}

// Light is a one-sided rectangular area emitter.
type Light struct {
	// Index of the emissive geometry.
	Quad uint32

	Corner   types.Vec3
	EdgeU    types.Vec3
	EdgeV    types.Vec3
	Normal   types.Vec3
	Emission types.Vec3
	Area     float32
}

// Power returns the emitted flux luminance.
func (l *Light) Power() float32 {
	return l.Emission.Luminance() * l.Area * math32.Pi
}

// SamplePoint maps (u1, u2) in [0,1)^2 uniformly onto the light surface.
func (l *Light) SamplePoint(u1, u2 float32) types.Vec3 {
	return l.Corner.Add(l.EdgeU.Mul(u1)).Add(l.EdgeV.Mul(u2))
}

// Center returns the light midpoint.
func (l *Light) Center() types.Vec3 {
	return l.SamplePoint(0.5, 0.5)
}

// BBox returns the light bounds.
func (l *Light) BBox() [2]types.Vec3 {
	return quadBBox(l.Corner, l.EdgeU, l.EdgeV)
}

// Scene is the geometry and lighting collaborator consumed by the ray
// programs.
type Scene interface {
	// Number of geometry instances.
	GeometryCount() uint32

	// Distinct material types used by the scene geometry.
	MaterialTypes() []MaterialType

	// The hit group implementing each material type, in MaterialTypes order.
	TypeConformances() []string

	Lights() []Light

	Bounds() types.AABB

	Camera() *Camera

	// True if the scene contains procedural geometry that needs custom
	// intersection programs.
	HasCustomPrimitives() bool

	// Defines that specialize ray programs for this scene.
	Defines() tracer.Defines

	// Bind scene-wide data into a program variable scope.
	SetRaytracingShaderData(vars tracer.Vars)

	// Find the closest hit along a ray.
	Intersect(ray Ray) (Hit, bool)

	// Report whether the segment between a and b is blocked.
	Occluded(a, b types.Vec3) bool
}

// Variable name under which SetRaytracingShaderData binds the scene.
const SceneVar = "gScene"

// FromVars returns the scene bound by SetRaytracingShaderData.
func FromVars(vars tracer.Vars) (Scene, bool) {
	s, ok := vars.Value(SceneVar).(Scene)
	return s, ok
}
