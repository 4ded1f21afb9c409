package bdpt

import (
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	resolveProgram   = "bdpt"
	resolveKernel    = "bdpt/resolve"
	resolveGroupSize = 256
)

func newResolveProgram() *device.Program {
	return &device.Program{
		Name: resolveProgram,
		Entries: []*device.KernelEntry{
			{
				Name:      resolveKernel,
				GroupSize: [2]uint32{resolveGroupSize, 1},
				Access:    []device.Access{device.AccessRead, device.AccessWrite, device.AccessNone, device.AccessNone},
				Fn:        resolveSamples,
			},
		},
	}
}

// resolveSamples averages the per-sample colors of each pixel into the
// output.
//
// Args: sampleColors, output, samplesPerPixel, numPixels.
func resolveSamples(g *device.Group) {
	samples := device.View[types.Vec4](g.Buffer(0))
	output := device.View[types.Vec4](g.Buffer(1))
	spp := g.Uint32(2)
	numPixels := g.Uint32(3)

	g.Threads1D(func(_, pixel uint32) {
		if pixel >= numPixels {
			return
		}
		var sum types.Vec3
		for _, c := range samples[pixel*spp : (pixel+1)*spp] {
			sum = sum.Add(c.Vec3())
		}
		output[pixel] = sum.Mul(1 / float32(spp)).Vec4(1)
	})
}
