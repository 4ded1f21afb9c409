package scene

import (
	"fmt"
	"strconv"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

var logger = log.New("scene")

// Maximum number of quads per BVH leaf.
const maxLeafQuads = 2

// Analytic is a scene built from quads and traced against a SAH BVH.
type Analytic struct {
	name   string
	camera *Camera

	quads  []Quad
	lights []Light
	bounds types.AABB

	bvh []BvhNode

	// Quad indices in leaf order; leaves reference ranges of this list.
	leafQuads []uint32
}

type quadItem struct {
	*Quad
	index uint32
}

// NewAnalytic builds the acceleration structure and light list for a set of
// quads. Every emissive quad becomes a light.
func NewAnalytic(name string, camera *Camera, quads []Quad) *Analytic {
	s := &Analytic{
		name:   name,
		camera: camera,
		quads:  quads,
		bounds: types.EmptyAABB(),
	}

	workList := make([]BoundedVolume, len(quads))
	for i := range quads {
		q := &s.quads[i]
		bbox := q.BBox()
		s.bounds = s.bounds.Union(types.AABB{Min: bbox[0], Max: bbox[1]})
		workList[i] = quadItem{Quad: q, index: uint32(i)}

		if q.Material == EmissiveMaterial {
			s.lights = append(s.lights, Light{
				Quad:     uint32(i),
				Corner:   q.Corner,
				EdgeU:    q.EdgeU,
				EdgeV:    q.EdgeV,
				Normal:   q.Normal(),
				Emission: q.Emission,
				Area:     q.Area(),
			})
		}
	}

	s.leafQuads = make([]uint32, 0, len(quads))
	s.bvh = BuildBVH(workList, maxLeafQuads, func(leaf *BvhNode, items []BoundedVolume) {
		leaf.SetPrimitives(uint32(len(s.leafQuads)), uint32(len(items)))
		for _, item := range items {
			s.leafQuads = append(s.leafQuads, item.(quadItem).index)
		}
	})

	logger.Debugf("scene %s: %d quads, %d lights, %d bvh nodes", name, len(quads), len(s.lights), len(s.bvh))
	return s
}

func (s *Analytic) String() string {
	return s.name
}

// Quads returns the scene geometry.
func (s *Analytic) Quads() []Quad {
	return s.quads
}

// BvhNodes returns the scene BVH.
func (s *Analytic) BvhNodes() []BvhNode {
	return s.bvh
}

func (s *Analytic) GeometryCount() uint32 {
	return uint32(len(s.quads))
}

func (s *Analytic) MaterialTypes() []MaterialType {
	var seen [EmissiveMaterial + 1]bool
	for i := range s.quads {
		seen[s.quads[i].Material] = true
	}
	var out []MaterialType
	for matType, used := range seen {
		if used {
			out = append(out, MaterialType(matType))
		}
	}
	return out
}

func (s *Analytic) TypeConformances() []string {
	matTypes := s.MaterialTypes()
	out := make([]string, len(matTypes))
	for i, matType := range matTypes {
		out[i] = fmt.Sprintf("%sMaterial", matType)
	}
	return out
}

func (s *Analytic) Lights() []Light {
	return s.lights
}

func (s *Analytic) Bounds() types.AABB {
	return s.bounds
}

func (s *Analytic) Camera() *Camera {
	return s.camera
}

func (s *Analytic) HasCustomPrimitives() bool {
	return false
}

func (s *Analytic) Defines() tracer.Defines {
	hasLights := "0"
	if len(s.lights) > 0 {
		hasLights = "1"
	}
	return tracer.Defines{
		"SCENE_GEOMETRY_COUNT":      strconv.Itoa(len(s.quads)),
		"SCENE_LIGHT_COUNT":         strconv.Itoa(len(s.lights)),
		"SCENE_HAS_EMISSIVE_LIGHTS": hasLights,
	}
}

func (s *Analytic) SetRaytracingShaderData(vars tracer.Vars) {
	vars.Set(SceneVar, Scene(s)).
		Set("gSceneMin", s.bounds.Min).
		Set("gSceneMax", s.bounds.Max).
		Set("gLightCount", uint32(len(s.lights)))
}

// Intersect returns the closest hit along the ray.
func (s *Analytic) Intersect(ray Ray) (Hit, bool) {
	closest := ray.TMax
	hitQuad := -1
	s.traverse(&ray, func(index uint32) bool {
		if t, ok := s.quads[index].intersect(&ray, closest); ok {
			closest = t
			hitQuad = int(index)
		}
		return false
	}, &closest)

	if hitQuad < 0 {
		return Hit{}, false
	}
	q := &s.quads[hitQuad]
	return Hit{
		T:        closest,
		Position: ray.At(closest),
		Normal:   q.Normal(),
		Quad:     uint32(hitQuad),
		Material: q.Material,
		Albedo:   q.Albedo,
		Emission: q.Emission,
	}, true
}

// Occluded reports whether any geometry lies strictly between a and b.
func (s *Analytic) Occluded(a, b types.Vec3) bool {
	d := b.Sub(a)
	dist := d.Len()
	if dist <= 2*RayEpsilon {
		return false
	}
	ray := Ray{Origin: a, Dir: d.Mul(1 / dist)}
	tMax := dist - 2*RayEpsilon

	blocked := false
	s.traverse(&ray, func(index uint32) bool {
		if _, ok := s.quads[index].intersect(&ray, tMax); ok {
			blocked = true
		}
		return blocked
	}, &tMax)
	return blocked
}

// traverse visits the quads of every leaf whose bounds the ray enters before
// *tMax. The visitor returns true to stop the traversal.
func (s *Analytic) traverse(ray *Ray, visit func(index uint32) bool, tMax *float32) {
	if len(s.bvh) == 0 || len(s.quads) == 0 {
		return
	}

	invDir := types.Vec3{1 / ray.Dir[0], 1 / ray.Dir[1], 1 / ray.Dir[2]}
	var stack [64]uint32
	stack[0] = 0
	top := 1
	for top > 0 {
		top--
		node := &s.bvh[stack[top]]
		if !slabTest(node.Min, node.Max, ray.Origin, invDir, *tMax) {
			continue
		}

		if node.IsLeaf() {
			first, count := node.Primitives()
			for _, index := range s.leafQuads[first : first+count] {
				if visit(index) {
					return
				}
			}
			continue
		}

		left, right := node.Children()
		if top+2 > len(stack) {
			panic("scene: bvh traversal stack overflow")
		}
		stack[top] = right
		stack[top+1] = left
		top += 2
	}
}

// slabTest reports whether the ray enters the box before tMax. Flat boxes
// are padded so planar geometry is not missed.
func slabTest(bMin, bMax, origin, invDir types.Vec3, tMax float32) bool {
	tNear, tFar := float32(0), tMax
	for axis := 0; axis < 3; axis++ {
		lo, hi := bMin[axis]-RayEpsilon, bMax[axis]+RayEpsilon
		t0 := (lo - origin[axis]) * invDir[axis]
		t1 := (hi - origin[axis]) * invDir[axis]
		if math32.IsNaN(t0) || math32.IsNaN(t1) {
			// Ray parallel to the slab and starting on its boundary plane.
			continue
		}
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tNear = math32.Max(tNear, t0)
		tFar = math32.Min(tFar, t1)
		if tNear > tFar {
			return false
		}
	}
	return true
}

// NewPlaneWithLight creates a 10x10 diffuse ground plane lit by a single
// downward-facing 1x1 emitter.
func NewPlaneWithLight() *Analytic {
	cam := NewCamera(45)
	cam.Position = types.XYZ(0, 3, 7)
	cam.LookAt = types.XYZ(0, 0, 0)
	cam.Update()

	return NewAnalytic("plane-with-light", cam, []Quad{
		NewDiffuseQuad(types.XYZ(-5, 0, -5), types.XYZ(0, 0, 10), types.XYZ(10, 0, 0), types.Splat3(0.7)),
		NewEmissiveQuad(types.XYZ(-0.5, 3, -0.5), types.XYZ(1, 0, 0), types.XYZ(0, 0, 1), types.Splat3(10)),
	})
}

// NewCornellBox creates the classic box with red and green side walls and a
// small ceiling light. The front side is open.
func NewCornellBox() *Analytic {
	cam := NewCamera(40)
	cam.Position = types.XYZ(0, 1, 3.8)
	cam.LookAt = types.XYZ(0, 1, 0)
	cam.Update()

	white := types.Splat3(0.73)
	red := types.XYZ(0.65, 0.05, 0.05)
	green := types.XYZ(0.12, 0.45, 0.15)
	return NewAnalytic("cornell-box", cam, []Quad{
		// floor, ceiling, back wall
		NewDiffuseQuad(types.XYZ(-1, 0, -1), types.XYZ(0, 0, 2), types.XYZ(2, 0, 0), white),
		NewDiffuseQuad(types.XYZ(-1, 2, -1), types.XYZ(2, 0, 0), types.XYZ(0, 0, 2), white),
		NewDiffuseQuad(types.XYZ(-1, 0, -1), types.XYZ(2, 0, 0), types.XYZ(0, 2, 0), white),
		// left and right walls
		NewDiffuseQuad(types.XYZ(-1, 0, -1), types.XYZ(0, 2, 0), types.XYZ(0, 0, 2), red),
		NewDiffuseQuad(types.XYZ(1, 0, -1), types.XYZ(0, 0, 2), types.XYZ(0, 2, 0), green),
		NewEmissiveQuad(types.XYZ(-0.25, 1.98, -0.25), types.XYZ(0.5, 0, 0), types.XYZ(0, 0, 0.5), types.Splat3(17)),
	})
}
