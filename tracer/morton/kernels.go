package morton

import (
	"github.com/chewxy/math32"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	kernelFindMax  = "morton/findMax"
	kernelFindMin  = "morton/findMin"
	kernelGenCodes = "morton/genCodes"

	// Elements reduced by a single group.
	reduceGroupElements = 2048
	reduceGroupThreads  = reduceGroupElements / 2

	genCodesGroupThreads = 256
)

var program = &device.Program{
	Name: "morton",
	Entries: []*device.KernelEntry{
		{
			Name:      kernelFindMax,
			GroupSize: [2]uint32{reduceGroupThreads, 1},
			Access:    []device.Access{device.AccessRead, device.AccessWrite, device.AccessNone, device.AccessNone},
			Fn: func(g *device.Group) {
				reduce(g, types.MaxVec3, math32.Inf(-1))
			},
		},
		{
			Name:      kernelFindMin,
			GroupSize: [2]uint32{reduceGroupThreads, 1},
			Access:    []device.Access{device.AccessRead, device.AccessWrite, device.AccessNone, device.AccessNone},
			Fn: func(g *device.Group) {
				reduce(g, types.MinVec3, math32.Inf(1))
			},
		},
		{
			Name:      kernelGenCodes,
			GroupSize: [2]uint32{genCodesGroupThreads, 1},
			Access:    []device.Access{device.AccessRead, device.AccessWrite, device.AccessRead, device.AccessNone, device.AccessNone},
			Fn:        genCodes,
		},
	},
}

// reduce folds the up to 2048 inputs owned by the group into a single value
// written at out[outOffset + groupID].
//
// Args: in (float4), out (float4), n, outOffset.
func reduce(g *device.Group, op func(a, b types.Vec3) types.Vec3, neutral float32) {
	in := device.View[types.Vec4](g.Buffer(0))
	out := device.View[types.Vec4](g.Buffer(1))
	n, outOffset := g.Uint32(2), g.Uint32(3)

	start := g.ID[0] * reduceGroupElements
	end := start + reduceGroupElements
	if end > n {
		end = n
	}

	acc := types.Splat3(neutral)
	for i := start; i < end; i++ {
		acc = op(acc, in[i].Vec3())
	}
	out[outOffset+g.ID[0]] = acc.Vec4(0)
}

// genCodes emits (morton << 32 | index) for every live position.
//
// Args: positions (float4), keyIndexList (uint64), bound (2 x float4), num,
// quantLevels.
func genCodes(g *device.Group) {
	positions := device.View[types.Vec4](g.Buffer(0))
	keys := device.View[uint64](g.Buffer(1))
	bound := device.View[types.Vec4](g.Buffer(2))
	num, quantLevels := g.Uint32(3), g.Uint32(4)

	box := types.AABB{Min: bound[0].Vec3(), Max: bound[1].Vec3()}
	g.Threads1D(func(_, global uint32) {
		if global >= num {
			return
		}
		code := Encode(Quantize(positions[global].Vec3(), box, quantLevels))
		keys[global] = uint64(code)<<32 | uint64(global)
	})
}

// Quantize maps p to integer cell coordinates in [0, quantLevels) relative
// to box. Degenerate axes map to cell 0.
func Quantize(p types.Vec3, box types.AABB, quantLevels uint32) [3]uint32 {
	var cell [3]uint32
	extent := box.Extent()
	for axis := 0; axis < 3; axis++ {
		if extent[axis] <= 0 {
			continue
		}
		f := (p[axis] - box.Min[axis]) / extent[axis] * float32(quantLevels)
		switch {
		case f <= 0 || math32.IsNaN(f):
			cell[axis] = 0
		case f >= float32(quantLevels-1):
			cell[axis] = quantLevels - 1
		default:
			cell[axis] = uint32(f)
		}
	}
	return cell
}

// Encode interleaves three 10-bit cell coordinates as x2 y1 z0 triplets.
func Encode(cell [3]uint32) uint32 {
	return expandBits(cell[0])<<2 | expandBits(cell[1])<<1 | expandBits(cell[2])
}

// expandBits inserts two zero bits after each of the 10 low bits of v.
func expandBits(v uint32) uint32 {
	v &= 0x3ff
	v = (v * 0x00010001) & 0xFF0000FF
	v = (v * 0x00000101) & 0x0F00F00F
	v = (v * 0x00000011) & 0xC30C30C3
	v = (v * 0x00000005) & 0x49249249
	return v
}
