package skill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
)

// ErrModelStartFailure is returned when a model could not be registered with
// the inference backend for its first consumer
var ErrModelStartFailure = errors.New("model start failure")

// Transition is the effect a consumer change had on a model
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStarted
	TransitionStopped
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionStopped:
		return "stopped"
	default:
		return "none"
	}
}

// ModelHandle tracks which tasks need a model. The model is active exactly
// while the consumer set is non-empty.
type ModelHandle struct {
	Model inference.Model

	mu        sync.Mutex
	active    bool
	leftover  bool // still loaded in the backend after a failed unregister
	consumers map[string]struct{}
	lastErr   error
}

// ModelState is a snapshot of a handle
type ModelState struct {
	ModelID   string   `json:"model_id"`
	Name      string   `json:"name"`
	Active    bool     `json:"active"`
	Leftover  bool     `json:"leftover,omitempty"`
	Consumers []string `json:"consumers"`
	LastError string   `json:"last_error,omitempty"`
}

// Active reports whether the model is registered with the backend
func (h *ModelHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// HasConsumer reports whether taskID uses the model
func (h *ModelHandle) HasConsumer(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.consumers[taskID]
	return ok
}

// State returns a snapshot of the handle
func (h *ModelHandle) State() ModelState {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := ModelState{
		ModelID:   h.Model.ID,
		Name:      h.Model.Name,
		Active:    h.active,
		Leftover:  h.leftover,
		Consumers: make([]string, 0, len(h.consumers)),
	}
	for id := range h.consumers {
		st.Consumers = append(st.Consumers, id)
	}
	sort.Strings(st.Consumers)
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

// Lifecycle is the arena of model handles shared by every skill. Handles are
// created while skills are built and never removed afterwards.
type Lifecycle struct {
	backend inference.Backend

	mu      sync.RWMutex
	handles map[string]*ModelHandle
}

// NewLifecycle creates an empty arena backed by the given inference backend
func NewLifecycle(backend inference.Backend) *Lifecycle {
	return &Lifecycle{
		backend: backend,
		handles: make(map[string]*ModelHandle),
	}
}

// Handle returns the handle for m.ID, creating it on first use. Skills that
// configure the same model id share one handle.
func (l *Lifecycle) Handle(m inference.Model) *ModelHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.handles[m.ID]; ok {
		if h.Model.ArtifactPath != m.ArtifactPath {
			slog.Warn("model id configured twice with different artifacts, keeping the first",
				"model_id", m.ID,
				"kept", h.Model.ArtifactPath,
				"ignored", m.ArtifactPath,
			)
		}
		return h
	}

	h := &ModelHandle{Model: m, consumers: make(map[string]struct{})}
	l.handles[m.ID] = h
	return h
}

func (l *Lifecycle) handle(modelID string) (*ModelHandle, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.handles[modelID]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", modelID)
	}
	return h, nil
}

// Acquire adds taskID to the model's consumers. The first consumer registers
// the model with the backend while the handle lock is held; if registration
// fails the membership is rolled back and ErrModelStartFailure is returned.
// A model left loaded by a failed unregister is adopted without registering.
func (l *Lifecycle) Acquire(ctx context.Context, modelID, taskID string) (Transition, error) {
	h, err := l.handle(modelID)
	if err != nil {
		return TransitionNone, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.consumers[taskID]; ok {
		return TransitionNone, nil
	}
	h.consumers[taskID] = struct{}{}
	if h.active {
		return TransitionNone, nil
	}

	if h.leftover {
		h.leftover = false
		h.active = true
		observability.ActiveModels.Inc()
		slog.Info("model still loaded, adopting it", "model_id", modelID, "task_id", taskID)
		return TransitionStarted, nil
	}

	if err := l.backend.Register(ctx, h.Model); err != nil {
		delete(h.consumers, taskID)
		h.lastErr = err
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeModel).Inc()
		return TransitionNone, fmt.Errorf("%w: %s: %v", ErrModelStartFailure, modelID, err)
	}

	h.active = true
	h.lastErr = nil
	observability.ActiveModels.Inc()
	slog.Info("model started", "model_id", modelID, "task_id", taskID)
	return TransitionStarted, nil
}

// Release removes taskID from the model's consumers. The last consumer
// unregisters the model. Unregister failures are logged and remembered on the
// handle. The handle still goes inactive; unless the backend reported the
// model as gone it is marked leftover, so the next first consumer adopts it and
// the next last consumer retries the unregister.
func (l *Lifecycle) Release(ctx context.Context, modelID, taskID string) (Transition, error) {
	h, err := l.handle(modelID)
	if err != nil {
		return TransitionNone, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.consumers[taskID]; !ok {
		return TransitionNone, nil
	}
	delete(h.consumers, taskID)
	if len(h.consumers) > 0 || !h.active {
		return TransitionNone, nil
	}

	if err := l.backend.Unregister(ctx, modelID); err != nil {
		h.lastErr = err
		h.leftover = !errors.Is(err, inference.ErrModelNotLoaded)
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeModel).Inc()
		slog.Error("failed to stop model, it may remain loaded",
			"model_id", modelID,
			"task_id", taskID,
			"leftover", h.leftover,
			"error", err,
		)
	}
	h.active = false
	observability.ActiveModels.Dec()
	slog.Info("model stopped", "model_id", modelID, "task_id", taskID)
	return TransitionStopped, nil
}

// States returns a snapshot of every handle ordered by model id
func (l *Lifecycle) States() []ModelState {
	l.mu.RLock()
	handles := make([]*ModelHandle, 0, len(l.handles))
	for _, h := range l.handles {
		handles = append(handles, h)
	}
	l.mu.RUnlock()

	out := make([]ModelState, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
