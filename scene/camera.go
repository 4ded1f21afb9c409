package scene

import (
	"fmt"

	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

// Stores the ray directions at the four corners of the camera frustrum. It
// is used as a shortcut for generating per pixel rays via interpolation of
// the corner rays.
type Frustrum [4]types.Vec3

func (fr Frustrum) String() string {
	return fmt.Sprintf(
		"Frustrum Rays:\nTL : (%3.3f, %3.3f, %3.3f)\nTR : (%3.3f, %3.3f, %3.3f)\nBL : (%3.3f, %3.3f, %3.3f)\nBR : (%3.3f, %3.3f, %3.3f)",
		fr[0][0], fr[0][1], fr[0][2],
		fr[1][0], fr[1][1], fr[1][2],
		fr[2][0], fr[2][1], fr[2][2],
		fr[3][0], fr[3][1], fr[3][2],
	)
}

// The camera type controls the scene camera.
type Camera struct {
	Position types.Vec3
	LookAt   types.Vec3
	Up       types.Vec3
	Pitch    float32
	Yaw      float32

	// Vertical field of view in degrees.
	FOV float32

	// Lens radius; zero disables depth of field.
	ApertureRadius float32

	// Distance to the plane in focus. Defaults to the look-at distance.
	FocalDistance float32

	Frustrum Frustrum

	aspect float32
	right  types.Vec3
	up     types.Vec3
}

func NewCamera(fov float32) *Camera {
	return &Camera{
		Position: types.Vec3{0, 0, 0},
		LookAt:   types.Vec3{0, 0, -1},
		Up:       types.Vec3{0, 1, 0},
		FOV:      fov,
		aspect:   1,
	}
}

// Setup camera projection for a frame aspect ratio (width / height).
func (c *Camera) SetupProjection(aspect float32) {
	if aspect <= 0 {
		aspect = 1
	}
	c.aspect = aspect
	c.Update()
}

// Aspect returns the aspect ratio the frustrum was built for.
func (c *Camera) Aspect() float32 {
	return c.aspect
}

// Update applies any pending pitch/yaw rotation and rebuilds the frustrum.
func (c *Camera) Update() {
	dir := c.LookAt.Sub(c.Position)
	dist := dir.Len()
	dir = dir.Normalize()

	if c.Pitch != 0 || c.Yaw != 0 {
		pitchAxis := dir.Cross(c.Up).Normalize()
		pitchQuat := types.QuatFromAxisAngle(pitchAxis, c.Pitch)
		yawQuat := types.QuatFromAxisAngle(c.Up.Normalize(), c.Yaw)
		orientQuat := pitchQuat.Mul(yawQuat).Normalize()

		dir = orientQuat.Rotate(dir)
		c.LookAt = c.Position.Add(dir.Mul(dist))
		c.Pitch, c.Yaw = 0, 0
	}

	if c.FocalDistance <= 0 {
		c.FocalDistance = dist
	}
	c.updateFrustrum(dir)
}

// Build the corner rays at unit distance along the view direction.
func (c *Camera) updateFrustrum(dir types.Vec3) {
	c.right = dir.Cross(c.Up).Normalize()
	c.up = c.right.Cross(dir)

	tanY := math32.Tan(c.FOV * math32.Pi / 360)
	tanX := tanY * c.aspect
	dx, dy := c.right.Mul(tanX), c.up.Mul(tanY)

	c.Frustrum[0] = dir.Sub(dx).Add(dy)
	c.Frustrum[1] = dir.Add(dx).Add(dy)
	c.Frustrum[2] = dir.Sub(dx).Sub(dy)
	c.Frustrum[3] = dir.Add(dx).Sub(dy)
}

// PrimaryRay returns the ray through pixel (px, py) of a w x h frame. The
// jitter offsets the sample inside the pixel and lens picks a point on the
// aperture; both are in [0, 1)^2. Row 0 is the top of the frame.
func (c *Camera) PrimaryRay(px, py, w, h uint32, jitter, lens types.Vec2) Ray {
	u := (float32(px) + jitter[0]) / float32(w)
	v := (float32(py) + jitter[1]) / float32(h)

	top := c.Frustrum[0].Add(c.Frustrum[1].Sub(c.Frustrum[0]).Mul(u))
	bottom := c.Frustrum[2].Add(c.Frustrum[3].Sub(c.Frustrum[2]).Mul(u))
	dir := top.Add(bottom.Sub(top).Mul(v))

	if c.ApertureRadius <= 0 {
		return NewRay(c.Position, dir.Normalize())
	}

	// Thin lens: rays through the aperture converge on the focal plane.
	focus := c.Position.Add(dir.Mul(c.FocalDistance))
	r := c.ApertureRadius * math32.Sqrt(lens[0])
	sin, cos := math32.Sincos(2 * math32.Pi * lens[1])
	origin := c.Position.Add(c.right.Mul(r * cos)).Add(c.up.Mul(r * sin))
	return NewRay(origin, focus.Sub(origin).Normalize())
}
