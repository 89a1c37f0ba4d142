package faceimage

import (
	"image"
	"math"
)

// maxEqualizePasses bounds Equalize. Each pass that is not the identity
// merges at least one occupied level, so 256 passes always suffice.
const maxEqualizePasses = 256

// Equalize applies global histogram equalization to img in place.
//
// A single equalization pass is not always idempotent: when rounding maps
// several of the darkest levels onto 0, a second pass stretches the histogram
// again. Equalize therefore repeats until the lookup table leaves every
// occupied level unchanged.
func Equalize(img *image.Gray) {
	for i := 0; i < maxEqualizePasses; i++ {
		if !equalizePass(img) {
			return
		}
	}
}

// equalizePass runs one equalization and reports whether any pixel changed.
func equalizePass(img *image.Gray) bool {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h
	if total == 0 {
		return false
	}

	var hist [256]int
	for y := 0; y < h; y++ {
		for _, p := range img.Pix[y*img.Stride : y*img.Stride+w] {
			hist[p]++
		}
	}

	// A single occupied level has nothing to stretch.
	cdfMin := 0
	for _, c := range hist {
		if c != 0 {
			cdfMin = c
			break
		}
	}
	if cdfMin == total {
		return false
	}

	var lut [256]uint8
	changed := false
	scale := 255.0 / float64(total-cdfMin)
	cdf := 0
	for level, c := range hist {
		cdf += c
		if c == 0 {
			continue
		}
		v := math.Round(float64(cdf-cdfMin) * scale)
		lut[level] = uint8(math.Min(math.Max(v, 0), 255))
		if int(lut[level]) != level {
			changed = true
		}
	}
	if !changed {
		return false
	}

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, p := range row {
			row[x] = lut[p]
		}
	}
	return true
}
