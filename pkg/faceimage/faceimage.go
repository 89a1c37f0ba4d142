// Package faceimage turns raw uploads into canonical faces.
//
// A canonical face is a single-channel image of a fixed size whose histogram
// has been equalized. Training images and query images both go through
// Normalizer.Normalize, and nothing else, so that eigenface distances between
// them are comparable.
package faceimage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	// Formats accepted from uploads.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// ErrDecode is returned when image bytes cannot be decoded.
var ErrDecode = errors.New("image decode failed")

// ErrEmptyRegion is returned when a crop rectangle does not overlap the image.
var ErrEmptyRegion = errors.New("face region outside image")

// DefaultMaxPixels bounds the declared canvas of an upload.
const DefaultMaxPixels = 50_000_000

// Decode decodes an uploaded image no larger than DefaultMaxPixels.
func Decode(data []byte) (image.Image, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit decodes an uploaded image, honoring the EXIF orientation tag.
// The header is checked first so that a canvas above maxPixels is rejected
// before any pixel buffer is allocated. maxPixels <= 0 means DefaultMaxPixels.
func DecodeLimit(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %s canvas %dx%d exceeds %d pixels", ErrDecode, format, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Crop returns the part of img inside rect, clipped to the image bounds.
func Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	region := rect.Intersect(img.Bounds())
	if region.Empty() {
		return nil, ErrEmptyRegion
	}
	if region == img.Bounds() {
		return img, nil
	}
	return imaging.Crop(img, region), nil
}

// Normalizer produces canonical faces of a fixed size.
type Normalizer struct {
	Width  int
	Height int
}

// NewNormalizer creates a Normalizer for the given canonical size.
func NewNormalizer(width, height int) Normalizer {
	return Normalizer{Width: width, Height: height}
}

// Size returns the number of pixels in a canonical face.
func (n Normalizer) Size() int {
	return n.Width * n.Height
}

// Normalize converts img to grayscale, resizes it to the canonical size with
// bicubic interpolation and equalizes its histogram. The result is a fixed
// point: normalizing a canonical face returns identical pixels.
func (n Normalizer) Normalize(img image.Image) *image.Gray {
	gray := Grayscale(img)

	b := gray.Bounds()
	if b.Dx() != n.Width || b.Dy() != n.Height {
		gray = Grayscale(resize.Resize(uint(n.Width), uint(n.Height), gray, resize.Bicubic))
	}

	Equalize(gray)
	return gray
}

// IsCanonical reports whether img already has the canonical size and format.
func (n Normalizer) IsCanonical(img image.Image) bool {
	g, ok := img.(*image.Gray)
	return ok && g.Bounds().Dx() == n.Width && g.Bounds().Dy() == n.Height
}

// Grayscale returns a copy of img as an 8-bit gray image anchored at (0,0).
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[(y+b.Min.Y-src.Rect.Min.Y)*src.Stride+(b.Min.X-src.Rect.Min.X):]
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], row[:b.Dx()])
		}
		return dst
	}

	// imaging.Grayscale yields equal R, G and B channels.
	nrgba := imaging.Grayscale(img)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[y*dst.Stride+x] = nrgba.Pix[y*nrgba.Stride+x*4]
		}
	}
	return dst
}

// EncodePNG encodes a canonical face losslessly for storage.
func EncodePNG(img *image.Gray) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode face: %w", err)
	}
	return buf.Bytes(), nil
}

// Vector flattens a gray image into row-major float64 intensities.
func Vector(img *image.Gray) []float64 {
	b := img.Bounds()
	v := make([]float64, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, p := range row {
			v = append(v, float64(p))
		}
	}
	return v
}
