package scene

import (
	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// Quad is a parallelogram spanned by two edges from a corner. Its normal
// follows EdgeU x EdgeV.
type Quad struct {
	Corner types.Vec3
	EdgeU  types.Vec3
	EdgeV  types.Vec3

	Material MaterialType
	Albedo   types.Vec3
	Emission types.Vec3
}

// NewDiffuseQuad creates a quad with a lambertian material.
func NewDiffuseQuad(corner, edgeU, edgeV, albedo types.Vec3) Quad {
	return Quad{Corner: corner, EdgeU: edgeU, EdgeV: edgeV, Material: DiffuseMaterial, Albedo: albedo}
}

// NewEmissiveQuad creates a quad that emits radiance from its front side.
func NewEmissiveQuad(corner, edgeU, edgeV, emission types.Vec3) Quad {
	return Quad{Corner: corner, EdgeU: edgeU, EdgeV: edgeV, Material: EmissiveMaterial, Emission: emission}
}

// Normal returns the unit geometric normal.
func (q *Quad) Normal() types.Vec3 {
	return q.EdgeU.Cross(q.EdgeV).Normalize()
}

// Area returns the quad surface area.
func (q *Quad) Area() float32 {
	return q.EdgeU.Cross(q.EdgeV).Len()
}

// BBox returns the quad bounds.
func (q *Quad) BBox() [2]types.Vec3 {
	return quadBBox(q.Corner, q.EdgeU, q.EdgeV)
}

// Center returns the quad midpoint.
func (q *Quad) Center() types.Vec3 {
	return q.Corner.Add(q.EdgeU.Mul(0.5)).Add(q.EdgeV.Mul(0.5))
}

// intersect returns the distance to the quad along the ray if it lies in
// (RayEpsilon, tMax).
func (q *Quad) intersect(ray *Ray, tMax float32) (float32, bool) {
	n := q.EdgeU.Cross(q.EdgeV)
	denom := n.Dot(ray.Dir)
	if math32.Abs(denom) < 1e-12 {
		return 0, false
	}

	t := n.Dot(q.Corner.Sub(ray.Origin)) / denom
	if t <= RayEpsilon || t >= tMax {
		return 0, false
	}

	w := ray.At(t).Sub(q.Corner)
	nn := n.Dot(n)
	alpha := n.Dot(w.Cross(q.EdgeV)) / nn
	beta := n.Dot(q.EdgeU.Cross(w)) / nn
	if alpha < 0 || alpha > 1 || beta < 0 || beta > 1 {
		return 0, false
	}
	return t, true
}

func quadBBox(corner, edgeU, edgeV types.Vec3) [2]types.Vec3 {
	bound := types.PointAABB(corner).
		Extend(corner.Add(edgeU)).
		Extend(corner.Add(edgeV)).
		Extend(corner.Add(edgeU).Add(edgeV))
	return [2]types.Vec3{bound.Min, bound.Max}
}
