// Package recognition ties face location, normalization, the training corpus
// and the eigenface model together into an identification engine.
//
// The engine keeps one immutable model built from a corpus snapshot. The
// model records the corpus generation it was built from; whenever the corpus
// has moved on, the next recognition retrains before predicting.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/MrCodeEU/faceid/pkg/corpus"
	"github.com/MrCodeEU/faceid/pkg/detection"
	"github.com/MrCodeEU/faceid/pkg/eigenface"
	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

// ErrNoFace is returned for ingested images without a detectable face when
// a face is required.
var ErrNoFace = errors.New("no face detected")

// ErrEmptyIngest is returned when an ingestion request carries no images.
var ErrEmptyIngest = errors.New("no images to ingest")

// Result is the outcome of a recognition request.
type Result struct {
	IsRecognized bool   `json:"isRecognized"`
	Name         string `json:"name,omitempty"`
}

// Unrecognized is the result for every request that does not match.
var Unrecognized = Result{}

// ImageError reports a single image that could not be ingested.
type ImageError struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("image %d: %v", e.Index, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// IngestReport lists what an ingestion stored and what it rejected.
type IngestReport struct {
	Stored []string     `json:"stored"`
	Failed []ImageError `json:"-"`
}

// Stats describes the engine state.
type Stats struct {
	Generation      uint64 `json:"generation"`
	ModelGeneration uint64 `json:"modelGeneration"`
	Trained         bool   `json:"trained"`
	Samples         int    `json:"samples"`
	Identities      int    `json:"identities"`
	Components      int    `json:"components"`
}

// Journal receives every successful identification.
type Journal interface {
	RecordAttendance(ctx context.Context, name string, distance float64) error
}

// Options configures an Engine.
type Options struct {
	Corpus      corpus.Corpus
	Locator     *detection.Locator
	Normalizer  faceimage.Normalizer
	Solver      eigenface.Solver
	Threshold   float64
	Components  int
	RequireFace bool
	MaxPixels   int // decoded canvas cap; 0 uses faceimage.DefaultMaxPixels
	Journal     Journal
}

// Engine identifies faces against a training corpus.
type Engine struct {
	opts Options

	modelMu sync.RWMutex
	model   *eigenface.Model

	// trainMu admits a single retrain at a time.
	trainMu sync.Mutex
}

// New creates an Engine. No model is built until it is first needed.
func New(opts Options) (*Engine, error) {
	if opts.Corpus == nil {
		return nil, errors.New("corpus is required")
	}
	if opts.Locator == nil || opts.Locator.Detector == nil {
		return nil, errors.New("face locator is required")
	}
	if opts.Normalizer.Width <= 0 || opts.Normalizer.Height <= 0 {
		return nil, fmt.Errorf("invalid face size: %dx%d", opts.Normalizer.Width, opts.Normalizer.Height)
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %f", opts.Threshold)
	}
	if opts.Solver == nil {
		opts.Solver = eigenface.NewGonumSolver()
	}
	return &Engine{opts: opts}, nil
}

// Recognize decides whether raw shows a known person.
//
// A decode failure returns faceimage.ErrDecode. An empty corpus, an image
// without a face, or a nearest distance not strictly below the threshold all
// yield Unrecognized with a nil error.
func (e *Engine) Recognize(ctx context.Context, raw []byte) (Result, error) {
	result, _, err := e.identify(ctx, raw)
	return result, err
}

func (e *Engine) identify(ctx context.Context, raw []byte) (Result, eigenface.Prediction, error) {
	log := logging.Component("recognition")
	none := eigenface.Prediction{Label: eigenface.NoMatch}

	img, err := faceimage.DecodeLimit(raw, e.opts.MaxPixels)
	if err != nil {
		return Unrecognized, none, err
	}

	model, err := e.ensureTrained(ctx)
	if err != nil {
		return Unrecognized, none, err
	}
	if !model.Trained() {
		log.Debug("Corpus is empty; nothing to match against")
		return Unrecognized, none, nil
	}

	face, ok, err := e.canonicalFace(ctx, img)
	if err != nil {
		return Unrecognized, none, err
	}
	if !ok {
		log.Debug("No face found in query image")
		return Unrecognized, none, nil
	}

	pred, err := model.Predict(face)
	if err != nil {
		return Unrecognized, none, err
	}

	result := e.decide(model, pred)
	log.WithField("distance", pred.Distance).Debugf("Prediction label=%d recognized=%t", pred.Label, result.IsRecognized)

	if result.IsRecognized && e.opts.Journal != nil {
		if err := e.opts.Journal.RecordAttendance(ctx, result.Name, pred.Distance); err != nil {
			log.WithError(err).Warnf("Failed to record attendance for %s", result.Name)
		}
	}
	return result, pred, nil
}

// decide applies the acceptance rule: a real label strictly closer than the
// threshold.
func (e *Engine) decide(model *eigenface.Model, pred eigenface.Prediction) Result {
	if pred.Label == eigenface.NoMatch || !(pred.Distance < e.opts.Threshold) {
		return Unrecognized
	}
	name, ok := model.Name(pred.Label)
	if !ok {
		return Unrecognized
	}
	return Result{IsRecognized: true, Name: name}
}

// canonicalFace locates the first face in img and normalizes it.
// ok is false when no usable face region exists.
func (e *Engine) canonicalFace(ctx context.Context, img image.Image) (*image.Gray, bool, error) {
	rect, ok, err := e.opts.Locator.LocateFirst(ctx, img)
	if err != nil || !ok {
		return nil, false, err
	}
	region, err := faceimage.Crop(img, rect)
	if errors.Is(err, faceimage.ErrEmptyRegion) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.opts.Normalizer.Normalize(region), true, nil
}

// currentModel returns the installed model, or nil.
func (e *Engine) currentModel() *eigenface.Model {
	e.modelMu.RLock()
	defer e.modelMu.RUnlock()
	return e.model
}

// ensureTrained returns a model matching the current corpus generation,
// retraining when the cached one is stale.
func (e *Engine) ensureTrained(ctx context.Context) (*eigenface.Model, error) {
	if m := e.currentModel(); m != nil && m.Generation() == e.opts.Corpus.Generation() {
		return m, nil
	}

	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	// Another caller may have retrained while we waited.
	if m := e.currentModel(); m != nil && m.Generation() == e.opts.Corpus.Generation() {
		return m, nil
	}
	return e.retrain(ctx)
}

// Train rebuilds the model from the corpus regardless of the cached one.
func (e *Engine) Train(ctx context.Context) (Stats, error) {
	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	if _, err := e.retrain(ctx); err != nil {
		return Stats{}, err
	}
	return e.Stats(), nil
}

// retrain builds and installs a model. Callers hold trainMu.
func (e *Engine) retrain(ctx context.Context) (*eigenface.Model, error) {
	log := logging.Component("recognition")

	snap, err := e.opts.Corpus.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, corpus.ErrCorpusIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load corpus: %w", err)
	}

	samples := make([]eigenface.Sample, snap.Len())
	for i, img := range snap.Images {
		samples[i] = eigenface.Sample{
			Name: img.Name,
			Face: e.opts.Normalizer.Normalize(snap.Faces[i]),
		}
	}

	model, err := eigenface.Train(ctx, samples, eigenface.Options{
		Solver:     e.opts.Solver,
		Components: e.opts.Components,
		Threshold:  e.opts.Threshold,
		Generation: snap.Generation,
	})
	if err != nil {
		return nil, err
	}

	e.modelMu.Lock()
	e.model = model
	e.modelMu.Unlock()

	log.Infof("Model trained: %d sample(s), %d identities, %d component(s), generation %d",
		model.Samples(), model.Identities(), model.Components(), model.Generation())
	return model, nil
}

// Ingest stores raw images as training faces for name. Each image is
// decoded, its first face cropped (the whole image when none is found,
// unless RequireFace is set) and normalized before it is appended.
// The corpus therefore holds normalized face crops, not the uploads, and
// retraining never runs detection again.
// The returned error joins every per-image failure.
func (e *Engine) Ingest(ctx context.Context, name string, raws [][]byte) (IngestReport, error) {
	var report IngestReport

	if err := corpus.ValidateName(name); err != nil {
		return report, err
	}
	if len(raws) == 0 {
		return report, ErrEmptyIngest
	}

	log := logging.Component("recognition")

	var faces []*image.Gray
	var sources []int
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(raws); j++ {
				report.Failed = append(report.Failed, ImageError{Index: j, Err: err})
			}
			break
		}

		face, err := e.prepare(ctx, raw)
		if err != nil {
			log.WithError(err).Warnf("Rejected image %d for %s", i, name)
			report.Failed = append(report.Failed, ImageError{Index: i, Err: err})
			continue
		}
		faces = append(faces, face)
		sources = append(sources, i)
	}

	if len(faces) > 0 {
		stored, err := e.opts.Corpus.Append(ctx, name, faces)
		report.Stored = stored
		report.Failed = append(report.Failed, mapWriteErrors(err, sources)...)
	}

	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].Index < report.Failed[j].Index
	})

	errs := make([]error, len(report.Failed))
	for i := range report.Failed {
		errs[i] = &report.Failed[i]
	}

	log.Infof("Ingested %d of %d image(s) for %s", len(report.Stored), len(raws), name)
	return report, errors.Join(errs...)
}

// prepare turns one uploaded image into a canonical face for storage.
func (e *Engine) prepare(ctx context.Context, raw []byte) (*image.Gray, error) {
	img, err := faceimage.DecodeLimit(raw, e.opts.MaxPixels)
	if err != nil {
		return nil, err
	}

	face, ok, err := e.canonicalFace(ctx, img)
	if err != nil {
		return nil, err
	}
	if ok {
		return face, nil
	}
	if e.opts.RequireFace {
		return nil, ErrNoFace
	}
	return e.opts.Normalizer.Normalize(img), nil
}

// mapWriteErrors converts corpus write failures back to request indexes.
func mapWriteErrors(err error, sources []int) []ImageError {
	if err == nil {
		return nil
	}

	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	var failed []ImageError
	for _, err := range errs {
		var werr *corpus.WriteError
		if errors.As(err, &werr) && werr.Index < len(sources) {
			failed = append(failed, ImageError{Index: sources[werr.Index], Err: werr.Err})
			continue
		}
		// Not attributable to one face: every face of the batch failed.
		failed = failed[:0]
		for _, idx := range sources {
			failed = append(failed, ImageError{Index: idx, Err: err})
		}
		return failed
	}
	return failed
}

// Stats reports the current corpus and model state.
func (e *Engine) Stats() Stats {
	stats := Stats{Generation: e.opts.Corpus.Generation()}
	if m := e.currentModel(); m != nil {
		stats.ModelGeneration = m.Generation()
		stats.Trained = m.Trained()
		stats.Samples = m.Samples()
		stats.Identities = m.Identities()
		stats.Components = m.Components()
	}
	return stats
}

// Threshold returns the acceptance distance.
func (e *Engine) Threshold() float64 {
	return e.opts.Threshold
}
