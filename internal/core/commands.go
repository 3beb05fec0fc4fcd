package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/control"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/scheduler"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/skill"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// Task response status values
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// StartTask validates a request and queues its task. Admission happens later
// on the scheduler's poll loop.
func (e *Engine) StartTask(ctx context.Context, req types.StartTaskRequest) types.TaskResponse {
	fail := func(taskID string, err error) types.TaskResponse {
		slog.Warn("start task rejected", "task_id", taskID, "skill_id", req.SkillName, "error", err)
		return types.TaskResponse{TaskID: taskID, Status: StatusError, Message: err.Error(), ErrorCode: 1}
	}

	if err := req.Validate(); err != nil {
		return fail(req.TaskID, err)
	}
	if !e.skills.Has(req.SkillName) {
		return fail(req.TaskID, fmt.Errorf("%w: %s", skill.ErrSkillNotFound, req.SkillName))
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = e.newID()
	}

	task := req.Task(taskID, time.Now())
	if err := e.scheduler.Submit(ctx, task); err != nil {
		return fail(taskID, err)
	}

	slog.Info("task submitted",
		"task_id", taskID,
		"skill_id", req.SkillName,
		"priority", task.Priority.String(),
		"stream", req.VideoStream,
	)
	return types.TaskResponse{
		TaskID:  taskID,
		Status:  StatusStarted,
		Message: "task queued for admission",
	}
}

// StopTask requests a task stop. Stopping a finished task succeeds.
func (e *Engine) StopTask(ctx context.Context, taskID string) types.TaskResponse {
	if err := e.scheduler.Stop(ctx, taskID); err != nil {
		return types.TaskResponse{TaskID: taskID, Status: StatusError, Message: err.Error(), ErrorCode: 1}
	}
	return types.TaskResponse{TaskID: taskID, Status: StatusStopped, Message: "stop requested"}
}

// GetTaskStatus returns the state of a queued, running or retained task.
// Unknown ids yield scheduler.ErrNotFound.
func (e *Engine) GetTaskStatus(ctx context.Context, taskID string) (types.TaskState, error) {
	return e.scheduler.Status(ctx, taskID)
}

// ListSkills returns configured skills, optionally filtered
func (e *Engine) ListSkills(skillType string, enabled *bool) []skill.Descriptor {
	return e.skills.List(skill.Filter{Type: skillType, Enabled: enabled})
}

// ListDetections returns stored evidence of a task
func (e *Engine) ListDetections(ctx context.Context, taskID string, q storage.Query) (*storage.Listing, error) {
	listing, err := e.storage.ListDetections(ctx, taskID, q)
	if err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStorage).Inc()
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	return listing, nil
}

// IsNotFound reports whether err means an unknown task or skill
func IsNotFound(err error) bool {
	return errors.Is(err, scheduler.ErrNotFound) || errors.Is(err, skill.ErrSkillNotFound)
}

// Callbacks binds the control plane commands to the engine
func (e *Engine) Callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnStartTask:     e.StartTask,
		OnStopTask:      e.StopTask,
		OnGetTaskStatus: e.GetTaskStatus,
		OnListSkills: func(skillType string, enabled *bool) interface{} {
			return map[string]interface{}{"skills": e.ListSkills(skillType, enabled)}
		},
		OnGetStatus:    e.GetStatus,
		OnUpdateConfig: e.UpdateConfig,
		OnShutdown:     e.shutdownViaControl,
	}
}

// modelStatus is a model handle snapshot with the backend's statistics for it
type modelStatus struct {
	skill.ModelState
	Metrics *types.ModelMetrics `json:"metrics,omitempty"`
}

// modelStatuses joins the model arena with backend metrics when the backend keeps them
func (e *Engine) modelStatuses() []modelStatus {
	var metrics map[string]types.ModelMetrics
	if r, ok := e.backend.(inference.MetricsReporter); ok {
		metrics = r.Metrics()
	}

	states := e.skills.Models()
	out := make([]modelStatus, 0, len(states))
	for _, st := range states {
		ms := modelStatus{ModelState: st}
		if m, ok := metrics[st.ModelID]; ok {
			ms.Metrics = &m
		}
		out = append(out, ms)
	}
	return out
}

// GetStatus returns the current service status
func (e *Engine) GetStatus() map[string]interface{} {
	e.mu.RLock()
	running := e.isRunning
	started := e.started
	e.mu.RUnlock()

	uptime := 0.0
	if running {
		uptime = time.Since(started).Seconds()
	}

	sched := e.scheduler.Stats()
	pipe := e.pipeline.Stats()
	mon := e.monitor.Stats()
	pub := e.publisher.Stats()
	limits := e.scheduler.Limits()

	return map[string]interface{}{
		"instance_id": e.cfg.InstanceID,
		"uptime_s":    uptime,
		"running":     running,
		"scheduler":   sched,
		"pipeline":    pipe,
		"resources": map[string]interface{}{
			"cpu_percent": mon.Latest.CPUPercent,
			"mem_percent": mon.Latest.MemPercent,
			"gpu_percent": mon.Latest.GPUPercent,
			"samples":     mon.Samples,
			"errors":      mon.Errors,
		},
		"models":  e.modelStatuses(),
		"buffers": e.buffers.Len(),
		"publisher": map[string]interface{}{
			"backend":   e.cfg.Messaging.Backend,
			"connected": pub.Connected,
			"published": pub.Published,
			"errors":    pub.Errors,
		},
		"config": map[string]interface{}{
			"max_concurrent_tasks":   limits.MaxConcurrent,
			"max_concurrent_ceiling": limits.Ceiling,
			"cpu_threshold":          limits.CPUThreshold,
			"memory_threshold":       limits.MemoryThreshold,
			"state_backend":          e.cfg.State.Backend,
			"inference_backend":      e.cfg.Inference.Backend,
			"storage_backend":        e.cfg.Storage.Backend,
		},
	}
}
