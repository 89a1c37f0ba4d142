package detection

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

// PigoParams holds the cascade scan parameters.
type PigoParams struct {
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float32
}

// DefaultPigoParams returns parameters suited to portrait-style photos.
func DefaultPigoParams() PigoParams {
	return PigoParams{
		MinSize:          20,
		MaxSize:          1000,
		ShiftFactor:      0.1,
		ScaleFactor:      1.1,
		IoUThreshold:     0.2,
		QualityThreshold: 5.0,
	}
}

// PigoParamsFromConfig converts detection settings into cascade parameters.
func PigoParamsFromConfig(cfg config.DetectionConfig) PigoParams {
	return PigoParams{
		MinSize:          cfg.MinFaceSize,
		MaxSize:          cfg.MaxFaceSize,
		ShiftFactor:      cfg.ShiftFactor,
		ScaleFactor:      cfg.ScaleFactor,
		IoUThreshold:     cfg.IoUThreshold,
		QualityThreshold: float32(cfg.QualityThreshold),
	}
}

// PigoDetector detects faces with the pigo facefinder cascade.
type PigoDetector struct {
	classifier *pigo.Pigo
	params     PigoParams
}

// NewPigoDetector loads the facefinder cascade from cascadePath.
func NewPigoDetector(cascadePath string, params PigoParams) (*PigoDetector, error) {
	cascade, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}

	classifier, err := unpackCascade(cascade)
	if err != nil {
		return nil, err
	}

	logging.Component("detection").Infof("Loaded pigo cascade from %s", cascadePath)
	return &PigoDetector{classifier: classifier, params: params}, nil
}

// unpackCascade decodes a cascade file. pigo indexes into the raw bytes
// without bounds checks, so a truncated file panics instead of failing.
func unpackCascade(data []byte) (classifier *pigo.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			classifier, err = nil, fmt.Errorf("failed to unpack cascade file: %v", r)
		}
	}()

	classifier, err = pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade file: %w", err)
	}
	return classifier, nil
}

// Detect runs the cascade over img and returns clustered face regions whose
// detection score exceeds the quality threshold.
func (d *PigoDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if d.classifier == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	pixels := pigo.RgbToGrayscale(pigo.ImgToNRGBA(img))

	cParams := pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     d.params.MaxSize,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   bounds.Dy(),
			Cols:   bounds.Dx(),
			Dim:    bounds.Dx(),
		},
	}

	dets := d.classifier.RunCascade(cParams, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.params.IoUThreshold)

	return detectionsToRects(dets, bounds, d.params.QualityThreshold), nil
}

// Close is a no-op; the cascade lives in memory only.
func (d *PigoDetector) Close() error {
	return nil
}

// detectionsToRects converts centre/scale detections into rectangles in the
// coordinate space of bounds, keeping detector order.
func detectionsToRects(dets []pigo.Detection, bounds image.Rectangle, quality float32) []image.Rectangle {
	rects := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		if det.Q <= quality {
			continue
		}
		half := det.Scale / 2
		rect := image.Rect(det.Col-half, det.Row-half, det.Col+half, det.Row+half)
		rects = append(rects, rect.Add(bounds.Min))
	}
	return rects
}
