// Package skill maps skill ids to detection skills and manages the inference
// models those skills share.
//
// A skill owns an ordered list of model handles from the Lifecycle arena. The
// first task that executes a skill registers its models; the last task to
// release them unregisters them again.
package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// StatusSuccess is the only status Execute reports; failed models are omitted
const StatusSuccess = "success"

// Input is one frame to run through a skill
type Input struct {
	TaskID string
	Frame  types.Frame
	ROI    types.NormalizedRect
}

// Output holds per-model detections keyed by model name
type Output struct {
	SkillID    string                       `json:"skill_id"`
	Detections map[string][]types.Detection `json:"detections"`
	Status     string                       `json:"status"`
}

// Skill is a detection capability backed by one or more models
type Skill interface {
	ID() string
	Type() string
	Descriptor() Descriptor
	Validate() error
	AddTask(ctx context.Context, taskID string) error
	RemoveTask(ctx context.Context, taskID string)
	HasTask(taskID string) bool
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Descriptor is the public description of a configured skill
type Descriptor struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	ModelName   string            `json:"model_name"`
	Enabled     bool              `json:"enabled"`
	Parameters  map[string]string `json:"parameters"`
}

// modelSkill implements everything but Validate, which differs per type
type modelSkill struct {
	id        string
	skillType string
	cfg       config.SkillConfig
	models    []*ModelHandle
	lifecycle *Lifecycle
	backend   inference.Backend
}

func newModelSkill(id, skillType string, cfg config.SkillConfig, lc *Lifecycle) modelSkill {
	s := modelSkill{
		id:        id,
		skillType: skillType,
		cfg:       cfg,
		lifecycle: lc,
		backend:   lc.backend,
	}
	for _, m := range cfg.Models {
		s.models = append(s.models, lc.Handle(modelFromConfig(m)))
	}
	return s
}

func modelFromConfig(m config.ModelConfig) inference.Model {
	id := m.ModelID
	if id == "" {
		id = m.Name
	}
	return inference.Model{
		ID:           id,
		Name:         m.Name,
		Type:         m.Type,
		ArtifactPath: m.MarPath,
		Parameters:   m.Parameters,
	}
}

func (s *modelSkill) ID() string   { return s.id }
func (s *modelSkill) Type() string { return s.skillType }

func (s *modelSkill) Descriptor() Descriptor {
	return describe(s.id, s.skillType, s.cfg)
}

// describe builds a descriptor from configuration; model name and parameters
// come from the first model
func describe(id, skillType string, cfg config.SkillConfig) Descriptor {
	d := Descriptor{
		ID:          id,
		Name:        cfg.Name,
		Type:        skillType,
		Description: cfg.Description,
		Enabled:     cfg.IsEnabled(),
		Parameters:  map[string]string{},
	}
	if d.Name == "" {
		d.Name = id
	}
	if len(cfg.Models) > 0 {
		d.ModelName = cfg.Models[0].Name
		for k, v := range cfg.Models[0].Parameters {
			d.Parameters[k] = v
		}
	}
	return d
}

// AddTask acquires every model for taskID. On failure the models acquired so
// far are released again so the task holds nothing.
func (s *modelSkill) AddTask(ctx context.Context, taskID string) error {
	for i, h := range s.models {
		if _, err := s.lifecycle.Acquire(ctx, h.Model.ID, taskID); err != nil {
			for _, prev := range s.models[:i] {
				s.lifecycle.Release(ctx, prev.Model.ID, taskID)
			}
			return fmt.Errorf("skill %s: %w", s.id, err)
		}
	}
	return nil
}

// RemoveTask releases every model held by taskID
func (s *modelSkill) RemoveTask(ctx context.Context, taskID string) {
	for _, h := range s.models {
		if _, err := s.lifecycle.Release(ctx, h.Model.ID, taskID); err != nil {
			slog.Warn("failed to release model", "skill_id", s.id, "model_id", h.Model.ID, "task_id", taskID, "error", err)
		}
	}
}

// HasTask reports whether taskID is a consumer of any of the skill's models
func (s *modelSkill) HasTask(taskID string) bool {
	for _, h := range s.models {
		if h.HasConsumer(taskID) {
			return true
		}
	}
	return false
}

// Execute runs the frame through every active model. A failing model is
// logged and left out of the result.
func (s *modelSkill) Execute(ctx context.Context, in Input) (*Output, error) {
	if len(in.Frame.Data) == 0 {
		return nil, errors.New("frame data is required")
	}

	out := &Output{
		SkillID:    s.id,
		Detections: make(map[string][]types.Detection, len(s.models)),
		Status:     StatusSuccess,
	}

	for _, h := range s.models {
		if !h.Active() {
			continue
		}

		start := time.Now()
		dets, err := s.backend.Infer(ctx, h.Model.ID, in.Frame)
		observability.ModelInferenceSeconds.WithLabelValues(h.Model.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			observability.ErrorsTotal.WithLabelValues(observability.ErrTypeInference).Inc()
			slog.Error("inference failed",
				"skill_id", s.id,
				"model_id", h.Model.ID,
				"task_id", in.TaskID,
				"trace_id", in.Frame.TraceID,
				"error", err,
			)
			continue
		}

		out.Detections[h.Model.Name] = filterROI(dets, in.ROI, in.Frame.Width, in.Frame.Height)
	}

	return out, nil
}

// filterROI drops detections whose bbox centre lies outside roi. An unset roi
// keeps everything; detections without a usable bbox are kept.
func filterROI(dets []types.Detection, roi types.NormalizedRect, width, height int) []types.Detection {
	if roi.IsZero() || width <= 0 || height <= 0 {
		return dets
	}

	rect := roi.ToPixels(width, height)
	rect.Clamp(width, height)

	kept := dets[:0:0]
	for _, d := range dets {
		cx, cy, ok := d.BBox.Center()
		if !ok || rect.Contains(int(cx), int(cy)) {
			kept = append(kept, d)
		}
	}
	return kept
}
