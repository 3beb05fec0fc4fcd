package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
)

// ErrSkillNotFound is returned for skill ids that are not registered
var ErrSkillNotFound = errors.New("skill not found")

// Constructor builds a skill variant
type Constructor func(id string, cfg config.SkillConfig, lc *Lifecycle) Skill

// skillTypes maps a configured type tag to its constructor
var skillTypes = map[string]Constructor{
	TypeHelmet: NewHelmetSkill,
	TypePPE:    NewPPESkill,
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Type    string
	Enabled *bool
}

// Orchestrator owns the skill registry. It is built once and is read-only afterwards.
type Orchestrator struct {
	lifecycle   *Lifecycle
	skills      map[string]Skill
	descriptors []Descriptor // every valid configured skill, enabled or not
}

// NewOrchestrator builds every skill in the configuration map. Unknown types,
// invalid entries and disabled entries are logged and skipped; none of them
// stop startup.
func NewOrchestrator(skills map[string]config.SkillConfig, lc *Lifecycle) *Orchestrator {
	o := &Orchestrator{
		lifecycle: lc,
		skills:    make(map[string]Skill),
	}

	ids := make([]string, 0, len(skills))
	for id := range skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := skills[id]

		ctor, ok := skillTypes[cfg.Type]
		if !ok {
			slog.Warn("unsupported skill type, skipping", "skill_id", id, "type", cfg.Type)
			continue
		}
		if err := config.ValidateSkill(id, cfg); err != nil {
			slog.Error("invalid skill configuration, skipping", "skill_id", id, "error", err)
			continue
		}
		if !cfg.IsEnabled() {
			o.descriptors = append(o.descriptors, describe(id, cfg.Type, cfg))
			slog.Info("skill disabled", "skill_id", id)
			continue
		}

		s := ctor(id, cfg, lc)
		if err := s.Validate(); err != nil {
			slog.Error("skill failed validation, skipping", "skill_id", id, "error", err)
			continue
		}
		o.skills[id] = s
		o.descriptors = append(o.descriptors, s.Descriptor())

		slog.Info("skill registered", "skill_id", id, "type", cfg.Type, "models", len(cfg.Models))
	}

	slog.Info("skills initialized", "count", len(o.skills))
	return o
}

// Get returns a registered skill
func (o *Orchestrator) Get(skillID string) (Skill, error) {
	s, ok := o.skills[skillID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, skillID)
	}
	return s, nil
}

// Has reports whether skillID can be executed
func (o *Orchestrator) Has(skillID string) bool {
	_, ok := o.skills[skillID]
	return ok
}

// ExecuteSkill runs one frame through a skill, making the task a consumer of
// the skill's models first if it is not one yet
func (o *Orchestrator) ExecuteSkill(ctx context.Context, skillID string, in Input) (*Output, error) {
	s, err := o.Get(skillID)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "skill.execute",
		attribute.String("skill_id", skillID),
		attribute.String("task_id", in.TaskID),
		attribute.Int64("frame_seq", int64(in.Frame.Seq)),
	)
	defer span.End()

	if !s.HasTask(in.TaskID) {
		if err := s.AddTask(ctx, in.TaskID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "model start failed")
			return nil, err
		}
	}

	out, err := s.Execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")
		return nil, fmt.Errorf("error executing skill %s: %w", skillID, err)
	}
	span.SetAttributes(attribute.Int("models_reporting", len(out.Detections)))
	return out, nil
}

// ReleaseTask drops every model reference the task holds on the skill
func (o *Orchestrator) ReleaseTask(ctx context.Context, skillID, taskID string) {
	s, ok := o.skills[skillID]
	if !ok {
		return
	}
	s.RemoveTask(ctx, taskID)
}

// List returns descriptors matching the filter, ordered by id
func (o *Orchestrator) List(f Filter) []Descriptor {
	out := make([]Descriptor, 0, len(o.descriptors))
	for _, d := range o.descriptors {
		if f.Type != "" && d.Type != f.Type {
			continue
		}
		if f.Enabled != nil && d.Enabled != *f.Enabled {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Models returns the state of every model handle
func (o *Orchestrator) Models() []ModelState {
	return o.lifecycle.States()
}
