// Package inference talks to whatever actually runs the detection models.
//
// A Backend loads (Register) and unloads (Unregister) models and runs a frame
// through a loaded model (Infer). The skill layer decides when models are
// needed; backends only do what they are told.
package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

var (
	// ErrModelNotLoaded is returned by Infer for models that are not registered
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrModelLoaded is returned by Register for a model that is still loaded
	ErrModelLoaded = errors.New("model already loaded")
)

// Model describes a model artifact to load
type Model struct {
	ID           string
	Name         string
	Type         string
	ArtifactPath string
	Parameters   map[string]string
}

// Backend loads models and runs inference
type Backend interface {
	Register(ctx context.Context, m Model) error
	Unregister(ctx context.Context, modelID string) error
	Infer(ctx context.Context, modelID string, frame types.Frame) ([]types.Detection, error)
	Close() error
}

// MetricsReporter is implemented by backends that keep per-model statistics
type MetricsReporter interface {
	Metrics() map[string]types.ModelMetrics
}

var (
	_ MetricsReporter = (*ProcessBackend)(nil)
	_ MetricsReporter = (*MockBackend)(nil)
)

// New builds the backend selected by configuration
func New(cfg config.InferenceConfig) (Backend, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Backend {
	case "", "mock":
		return NewMockBackend(), nil
	case "process":
		return NewProcessBackend(cfg.Process.Command, cfg.Process.Args, timeout), nil
	case "torchserve":
		return NewTorchServeBackend(cfg.TorchServe, timeout), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}
