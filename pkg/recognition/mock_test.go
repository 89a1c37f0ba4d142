package recognition

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/MrCodeEU/faceid/pkg/eigenface"
)

type MockDetector struct {
	DetectFunc func(ctx context.Context, img image.Image) ([]image.Rectangle, error)
	calls      atomic.Int32
}

func (m *MockDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	m.calls.Add(1)
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, img)
	}
	return []image.Rectangle{img.Bounds()}, nil
}

func (m *MockDetector) Close() error {
	return nil
}

func (m *MockDetector) Calls() int {
	return int(m.calls.Load())
}

// CountingSolver delegates to the gonum solver and counts trainings.
type CountingSolver struct {
	calls atomic.Int32
}

func (s *CountingSolver) Solve(samples [][]float64, components int) (*eigenface.Basis, error) {
	s.calls.Add(1)
	return eigenface.NewGonumSolver().Solve(samples, components)
}

func (s *CountingSolver) Calls() int {
	return int(s.calls.Load())
}

type attendance struct {
	name     string
	distance float64
}

type MockJournal struct {
	RecordAttendanceFunc func(ctx context.Context, name string, distance float64) error

	mu      sync.Mutex
	records []attendance
}

func (m *MockJournal) RecordAttendance(ctx context.Context, name string, distance float64) error {
	m.mu.Lock()
	m.records = append(m.records, attendance{name: name, distance: distance})
	m.mu.Unlock()
	if m.RecordAttendanceFunc != nil {
		return m.RecordAttendanceFunc(ctx, name, distance)
	}
	return nil
}
