package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/faceid/pkg/logging"
)

// FaceEngine is the subset of go-face used for detection.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// cnnEngine routes Recognize through dlib's CNN face detector.
type cnnEngine struct {
	rec *face.Recognizer
}

func (e cnnEngine) Recognize(data []byte) ([]face.Face, error) {
	return e.rec.RecognizeCNN(data)
}

func (e cnnEngine) Close() {
	e.rec.Close()
}

// DlibDetector detects faces with dlib via go-face.
// The model directory must contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat (for CNN detection)
type DlibDetector struct {
	engine    FaceEngine
	factory   func(path string) (FaceEngine, error)
	modelPath string
	cnn       bool
	loaded    bool
	mu        sync.Mutex
}

// NewDlibDetector creates a DlibDetector. Models are loaded by LoadModels.
func NewDlibDetector() *DlibDetector {
	d := &DlibDetector{}
	d.factory = d.openEngine
	return d
}

func (d *DlibDetector) openEngine(path string) (FaceEngine, error) {
	rec, err := face.NewRecognizer(path)
	if err != nil {
		return nil, err
	}
	if d.cnn {
		return cnnEngine{rec: rec}, nil
	}
	return rec, nil
}

// SetCNN selects the CNN detector instead of HOG. It must be called before
// LoadModels.
func (d *DlibDetector) SetCNN(cnn bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cnn = cnn
}

// LoadModels loads the dlib models from modelPath.
func (d *DlibDetector) LoadModels(modelPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	log := logging.Component("detection")
	log.Infof("Loading dlib models from: %s", modelPath)

	engine, err := d.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	d.engine = engine
	d.modelPath = modelPath
	d.loaded = true

	log.Infof("dlib models loaded (cnn=%t)", d.cnn)
	return nil
}

// IsLoaded returns true if models are loaded.
func (d *DlibDetector) IsLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Close releases the dlib resources.
func (d *DlibDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		d.engine.Close()
		d.engine = nil
	}
	d.loaded = false
	return nil
}

// Detect finds faces in img. go-face only reads JPEG, so the image is
// re-encoded before detection; rectangles are mapped back onto img's bounds.
func (d *DlibDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode image for dlib: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := d.engine.Recognize(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("dlib detection failed: %w", err)
	}

	offset := img.Bounds().Min
	rects := make([]image.Rectangle, len(faces))
	for i, f := range faces {
		rects[i] = f.Rectangle.Add(offset)
	}
	return rects, nil
}
