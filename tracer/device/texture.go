package device

// Format describes the texel layout of a texture.
type Format uint8

const (
	FormatRGBA32Float Format = iota
	FormatR32Float
	FormatR32Uint
	FormatRG32Uint
)

// Size returns the texel size in bytes.
func (f Format) Size() int {
	switch f {
	case FormatRGBA32Float:
		return 16
	case FormatRG32Uint:
		return 8
	default:
		return 4
	}
}

func (f Format) String() string {
	switch f {
	case FormatRGBA32Float:
		return "RGBA32Float"
	case FormatR32Float:
		return "R32Float"
	case FormatR32Uint:
		return "R32Uint"
	case FormatRG32Uint:
		return "RG32Uint"
	}
	return "unknown"
}

// Texture is a row-major 2D array of texels backed by a buffer.
type Texture struct {
	*Buffer

	width  uint32
	height uint32
	format Format
}

// Width returns the texture width in texels.
func (t *Texture) Width() uint32 {
	return t.width
}

// Height returns the texture height in texels.
func (t *Texture) Height() uint32 {
	return t.height
}

// Format returns the texel format.
func (t *Texture) Format() Format {
	return t.format
}

// Index maps a texel coordinate to its linear element index.
func (t *Texture) Index(x, y uint32) int {
	return int(y*t.width + x)
}

// SameSize reports whether two textures have identical dimensions.
func (t *Texture) SameSize(o *Texture) bool {
	return o != nil && t.width == o.width && t.height == o.height
}
