package types

import "github.com/chewxy/math32"

// AABB is an axis-aligned bounding box. The empty box has Min = +Inf and
// Max = -Inf so that a union with any other box yields that box unchanged.
type AABB struct {
	Min Vec3
	Max Vec3
}

// EmptyAABB returns the neutral element for Union.
func EmptyAABB() AABB {
	inf := math32.Inf(1)
	return AABB{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

// PointAABB returns a degenerate box containing a single point.
func PointAABB(p Vec3) AABB {
	return AABB{Min: p, Max: p}
}

// IsEmpty reports whether the box contains no points.
func (b AABB) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Union returns the smallest box enclosing both boxes.
func (b AABB) Union(o AABB) AABB {
	return AABB{Min: MinVec3(b.Min, o.Min), Max: MaxVec3(b.Max, o.Max)}
}

// Extend grows the box to include p.
func (b AABB) Extend(p Vec3) AABB {
	return AABB{Min: MinVec3(b.Min, p), Max: MaxVec3(b.Max, p)}
}

// Extent returns Max - Min, or the zero vector for empty boxes.
func (b AABB) Extent() Vec3 {
	if b.IsEmpty() {
		return Vec3{}
	}
	return b.Max.Sub(b.Min)
}

// Diagonal returns the length of the box diagonal.
func (b AABB) Diagonal() float32 {
	return b.Extent().Len()
}

// Center returns the box midpoint.
func (b AABB) Center() Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// DistanceSq returns the squared distance from p to the closest point of the
// box; zero when p is inside. Empty boxes are infinitely far away.
func (b AABB) DistanceSq(p Vec3) float32 {
	if b.IsEmpty() {
		return math32.Inf(1)
	}
	var d2 float32
	for i := 0; i < 3; i++ {
		var d float32
		if p[i] < b.Min[i] {
			d = b.Min[i] - p[i]
		} else if p[i] > b.Max[i] {
			d = p[i] - b.Max[i]
		}
		d2 += d * d
	}
	return d2
}
