// Package detection locates face regions in decoded images.
//
// Two backends are available: a pure-Go pixel intensity comparison cascade
// (pigo) and dlib's HOG/CNN detector through go-face. Both report regions as
// image rectangles in the coordinate space of the input image.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

// ErrModelNotLoaded is returned when a detector is used before its model is loaded.
var ErrModelNotLoaded = errors.New("detection model not loaded")

// Detector finds face regions in an image.
// Regions are returned in detector-defined order; an image without faces
// yields an empty slice and no error.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error)
	Close() error
}

// Locator wraps a Detector with the selection policy used by ingestion and
// recognition.
type Locator struct {
	Detector Detector
}

// NewLocator creates a Locator for the given detector.
func NewLocator(d Detector) *Locator {
	return &Locator{Detector: d}
}

// Locate returns every face region found in img.
func (l *Locator) Locate(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	regions, err := l.Detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	logging.Component("detection").Debugf("Detected %d face(s) in %dx%d image",
		len(regions), img.Bounds().Dx(), img.Bounds().Dy())
	return regions, nil
}

// LocateFirst returns the face region used for identification.
// ok is false when the image contains no face.
func (l *Locator) LocateFirst(ctx context.Context, img image.Image) (image.Rectangle, bool, error) {
	regions, err := l.Locate(ctx, img)
	if err != nil {
		return image.Rectangle{}, false, err
	}
	rect, ok := First(regions)
	return rect, ok, nil
}

// First picks the region to identify: the first one in detector order.
// Other regions are ignored, even when they are larger.
func First(regions []image.Rectangle) (image.Rectangle, bool) {
	if len(regions) == 0 {
		return image.Rectangle{}, false
	}
	return regions[0], true
}

// New creates the detector selected by cfg.Backend.
func New(cfg config.DetectionConfig) (Detector, error) {
	switch cfg.Backend {
	case "", "pigo":
		return NewPigoDetector(cfg.CascadePath, PigoParamsFromConfig(cfg))
	case "dlib":
		d := NewDlibDetector()
		d.SetCNN(cfg.CNN)
		if err := d.LoadModels(cfg.ModelPath); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown detector backend: %s", cfg.Backend)
	}
}
