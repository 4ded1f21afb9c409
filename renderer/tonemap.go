package renderer

import (
	"image"

	"github.com/achilleasa/go-lightpath/types"
	"github.com/chewxy/math32"
)

const invGamma = 1 / 2.2

// ToneMap converts a row-major HDR frame to 8-bit sRGB. Each texel is scaled
// by scale and exposure, compressed with the Reinhard operator and gamma
// corrected. Non-finite texels map to black.
func ToneMap(hdr []types.Vec4, w, h uint32, scale, exposure float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	k := scale * exposure
	for i := 0; i < int(w*h) && i < len(hdr); i++ {
		rgb := hdr[i].Vec3().Mul(k)
		if !rgb.IsFinite() {
			rgb = types.Vec3{}
		}
		offset := i * 4
		for c := 0; c < 3; c++ {
			img.Pix[offset+c] = toByte(reinhard(rgb[c]))
		}
		img.Pix[offset+3] = 255
	}
	return img
}

func reinhard(v float32) float32 {
	if v <= 0 {
		return 0
	}
	return v / (1 + v)
}

func toByte(v float32) uint8 {
	return uint8(math32.Min(255, math32.Floor(255*math32.Pow(v, invGamma)+0.5)))
}
