package detection

import (
	"context"
	"image"

	"github.com/Kagami/go-face"
)

type MockFaceEngine struct {
	RecognizeFunc func(data []byte) ([]face.Face, error)
	CloseFunc     func()
}

func (m *MockFaceEngine) Recognize(data []byte) ([]face.Face, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

type MockDetector struct {
	DetectFunc func(ctx context.Context, img image.Image) ([]image.Rectangle, error)
	CloseFunc  func() error
}

func (m *MockDetector) Detect(ctx context.Context, img image.Image) ([]image.Rectangle, error) {
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, img)
	}
	return nil, nil
}

func (m *MockDetector) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
