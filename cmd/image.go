package cmd

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

var ErrUnsupportedImageFormat = errors.New("unsupported image format")

// writeImage encodes img using the format implied by the file extension.
func writeImage(path string, img image.Image) error {
	var encode func(f *os.File) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".bmp":
		encode = func(f *os.File) error { return bmp.Encode(f, img) }
	case ".tif", ".tiff":
		encode = func(f *os.File) error {
			return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
		}
	default:
		return fmt.Errorf("%w %q; use .png, .bmp or .tiff", ErrUnsupportedImageFormat, ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
