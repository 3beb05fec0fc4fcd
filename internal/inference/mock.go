package inference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// DetectFunc produces detections for a frame
type DetectFunc func(m Model, frame types.Frame) []types.Detection

// MockBackend produces synthetic detections without loading anything.
// It is the default backend for local runs and is used throughout the tests.
type MockBackend struct {
	mu            sync.Mutex
	models        map[string]Model
	detect        DetectFunc
	registerErr   map[string]error
	unregisterErr map[string]error
	inferErr      map[string]error
	registers     map[string]int
	unregisters   map[string]int
	metrics       map[string]types.ModelMetrics
}

// NewMockBackend creates a mock backend with the default synthetic detector
func NewMockBackend() *MockBackend {
	return &MockBackend{
		models:        make(map[string]Model),
		detect:        SyntheticDetections,
		registerErr:   make(map[string]error),
		unregisterErr: make(map[string]error),
		inferErr:      make(map[string]error),
		registers:     make(map[string]int),
		unregisters:   make(map[string]int),
		metrics:       make(map[string]types.ModelMetrics),
	}
}

// SetDetectFunc replaces the detector
func (b *MockBackend) SetDetectFunc(fn DetectFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detect = fn
}

// FailRegister makes Register fail for a model until cleared with a nil error
func (b *MockBackend) FailRegister(modelID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerErr[modelID] = err
}

// FailUnregister makes Unregister fail for a model until cleared with a nil
// error. The model stays loaded while it fails.
func (b *MockBackend) FailUnregister(modelID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterErr[modelID] = err
}

// FailInfer makes Infer fail for a model until cleared with a nil error
func (b *MockBackend) FailInfer(modelID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inferErr[modelID] = err
}

// Loaded reports whether a model is registered
func (b *MockBackend) Loaded(modelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.models[modelID]
	return ok
}

// Calls returns how often a model was registered and unregistered
func (b *MockBackend) Calls(modelID string) (registers, unregisters int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[modelID], b.unregisters[modelID]
}

// Register implements Backend
func (b *MockBackend) Register(_ context.Context, m Model) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registers[m.ID]++
	if err := b.registerErr[m.ID]; err != nil {
		return err
	}
	if _, ok := b.models[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrModelLoaded, m.ID)
	}
	b.models[m.ID] = m
	return nil
}

// Unregister implements Backend
func (b *MockBackend) Unregister(_ context.Context, modelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unregisters[modelID]++
	if err := b.unregisterErr[modelID]; err != nil {
		return err
	}
	if _, ok := b.models[modelID]; !ok {
		return fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}
	delete(b.models, modelID)
	return nil
}

// Infer implements Backend
func (b *MockBackend) Infer(ctx context.Context, modelID string, frame types.Frame) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	m, ok := b.models[modelID]
	err := b.inferErr[modelID]
	detect := b.detect
	if ok {
		mm := b.metrics[modelID]
		mm.Requests++
		if err != nil {
			mm.Failures++
		}
		mm.LastSeenAt = time.Now()
		b.metrics[modelID] = mm
	}
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}
	if err != nil {
		return nil, err
	}
	return detect(m, frame), nil
}

// Metrics returns inference counts of the loaded models
func (b *MockBackend) Metrics() map[string]types.ModelMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]types.ModelMetrics, len(b.models))
	for id := range b.models {
		out[id] = b.metrics[id]
	}
	return out
}

// Close implements Backend
func (b *MockBackend) Close() error { return nil }

// SyntheticDetections returns one person in the centre of the frame. The
// person wears a helmet and vest on most frames; every fourth frame nothing
// is worn and every third frame the gloves are missing.
func SyntheticDetections(m Model, frame types.Frame) []types.Detection {
	w, h := float64(frame.Width), float64(frame.Height)
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	person := types.Detection{
		ID:         fmt.Sprintf("%s-%d", m.ID, frame.Seq),
		Class:      types.ClassPerson,
		Confidence: 0.92,
		BBox:       types.BBox{w * 0.4, h * 0.3, w * 0.2, h * 0.5},
	}

	if frame.Seq%4 != 0 {
		person.RelatedObjects = append(person.RelatedObjects,
			types.RelatedObject{Class: types.ClassHelmet, Confidence: 0.88},
			types.RelatedObject{Class: types.ClassVest, Confidence: 0.81},
		)
		if frame.Seq%3 != 0 {
			person.RelatedObjects = append(person.RelatedObjects,
				types.RelatedObject{Class: types.ClassGloves, Confidence: 0.7})
		}
	}
	return []types.Detection{person}
}
