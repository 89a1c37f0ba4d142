// Package eigenface builds an eigenface appearance model and matches faces
// against it by nearest neighbor in the eigenface subspace.
package eigenface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/logging"
)

// NoMatch is the label predicted when no stored face is close enough.
const NoMatch = -1

// ErrNotTrained is returned when predicting with an untrained model.
var ErrNotTrained = errors.New("model not trained")

// ErrSizeMismatch is returned for faces that differ in size from the training set.
var ErrSizeMismatch = errors.New("face size does not match model")

// Sample is one labeled training face.
type Sample struct {
	Name string
	Face *image.Gray
}

// Options controls model training.
type Options struct {
	Solver     Solver
	Components int     // 0 keeps every component
	Threshold  float64 // predictions at or beyond this distance are NoMatch; <= 0 disables
	Generation uint64  // corpus generation the samples were taken from
}

// Prediction is the nearest stored face.
type Prediction struct {
	Label    int
	Distance float64
}

// Model is an immutable trained eigenface model.
type Model struct {
	basis       *Basis
	projections [][]float64
	names       []string
	threshold   float64
	trained     bool
	generation  uint64
	bounds      image.Rectangle
}

// Untrained returns an empty model for the given corpus generation.
func Untrained(generation uint64) *Model {
	return &Model{generation: generation}
}

// Train builds a model from samples. Label i is assigned to samples[i].
// An empty sample set yields an untrained model and no error.
func Train(ctx context.Context, samples []Sample, opts Options) (*Model, error) {
	if len(samples) == 0 {
		return Untrained(opts.Generation), nil
	}
	if opts.Solver == nil {
		opts.Solver = NewGonumSolver()
	}

	bounds := samples[0].Face.Bounds()
	vectors := make([][]float64, len(samples))
	names := make([]string, len(samples))
	for i, s := range samples {
		if s.Face.Bounds().Size() != bounds.Size() {
			return nil, fmt.Errorf("%w: sample %d is %v, expected %v",
				ErrSizeMismatch, i, s.Face.Bounds().Size(), bounds.Size())
		}
		vectors[i] = faceimage.Vector(s.Face)
		names[i] = s.Name
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	basis, err := opts.Solver.Solve(vectors, opts.Components)
	if err != nil {
		return nil, fmt.Errorf("failed to compute eigenfaces: %w", err)
	}

	projections := make([][]float64, len(vectors))
	for i, v := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		projections[i] = basis.Project(v)
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = math.Inf(1)
	}

	logging.Component("eigenface").Debugf("Trained model on %d sample(s) with %d component(s)",
		len(samples), basis.Dim())

	return &Model{
		basis:       basis,
		projections: projections,
		names:       names,
		threshold:   threshold,
		trained:     true,
		generation:  opts.Generation,
		bounds:      image.Rectangle{Max: bounds.Size()},
	}, nil
}

// Trained reports whether the model can predict.
func (m *Model) Trained() bool {
	return m != nil && m.trained
}

// Generation returns the corpus generation the model was built from.
func (m *Model) Generation() uint64 {
	return m.generation
}

// Samples returns the number of training faces.
func (m *Model) Samples() int {
	return len(m.names)
}

// Components returns the dimension of the eigenface subspace.
func (m *Model) Components() int {
	if m.basis == nil {
		return 0
	}
	return m.basis.Dim()
}

// Identities returns the number of distinct names in the model.
func (m *Model) Identities() int {
	seen := make(map[string]struct{}, len(m.names))
	for _, n := range m.names {
		seen[n] = struct{}{}
	}
	return len(seen)
}

// Name returns the identity for a predicted label.
func (m *Model) Name(label int) (string, bool) {
	if label < 0 || label >= len(m.names) {
		return "", false
	}
	return m.names[label], true
}

// Predict returns the label and distance of the stored face nearest to face.
// When the nearest distance is not below the model threshold the label is
// NoMatch; the distance is still reported.
func (m *Model) Predict(face *image.Gray) (Prediction, error) {
	if !m.Trained() {
		return Prediction{Label: NoMatch, Distance: math.Inf(1)}, ErrNotTrained
	}
	if face.Bounds().Size() != m.bounds.Size() {
		return Prediction{Label: NoMatch, Distance: math.Inf(1)}, fmt.Errorf("%w: got %v, expected %v",
			ErrSizeMismatch, face.Bounds().Size(), m.bounds.Size())
	}

	probe := m.basis.Project(faceimage.Vector(face))

	best := Prediction{Label: NoMatch, Distance: math.Inf(1)}
	for i, p := range m.projections {
		if d := EuclideanDistance(probe, p); d < best.Distance {
			best = Prediction{Label: i, Distance: d}
		}
	}

	if best.Distance >= m.threshold {
		best.Label = NoMatch
	}
	return best, nil
}

// EuclideanDistance calculates the Euclidean distance between two vectors.
func EuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}
	return floats.Distance(a, b, 2)
}
