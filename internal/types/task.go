package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders tasks in the admission queue. Higher values are admitted first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// ParsePriority maps a request priority string to a Priority.
// Anything other than "high" or "low" is medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// TaskState is the lifecycle state of a task
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateStopped   TaskState = "stopped"
)

// Terminal reports whether no further transitions are possible
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// Resources is the admission-time resource estimate of a task
type Resources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
	GPUUnits float64 `json:"gpu_units"`
}

// EstimateResources returns the fixed per-task estimate used at submission
func EstimateResources(useGPU bool) Resources {
	r := Resources{CPUCores: 1.0, MemoryGB: 2.0}
	if useGPU {
		r.GPUUnits = 1.0
	}
	return r
}

// Task is a streaming video-analysis job
type Task struct {
	ID              string            `json:"task_id"`
	Priority        Priority          `json:"priority"`
	State           TaskState         `json:"state"`
	CreatedAt       time.Time         `json:"created_at"`
	Resources       Resources         `json:"resources"`
	StreamSource    string            `json:"video_stream"`
	SkillName       string            `json:"skill_name"`
	FrameRate       int               `json:"frame_rate"`
	DurationSeconds int               `json:"duration_seconds"`
	ROI             NormalizedRect    `json:"roi"`
	AlertLevel      int               `json:"alert_level"`
	Labels          map[string]string `json:"labels,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
}

// Validate checks the fields a task needs before it can be queued
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.StreamSource == "" {
		return fmt.Errorf("video stream is required")
	}
	if t.SkillName == "" {
		return fmt.Errorf("skill name is required")
	}
	if t.FrameRate < 0 {
		return fmt.Errorf("frame rate must be >= 0, got %d", t.FrameRate)
	}
	if t.DurationSeconds < 0 {
		return fmt.Errorf("duration must be >= 0, got %d", t.DurationSeconds)
	}
	return nil
}

// TaskRecord is the retained outcome of a task
type TaskRecord struct {
	TaskID     string    `json:"task_id"`
	SkillName  string    `json:"skill_name"`
	State      TaskState `json:"state"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ResourceSnapshot is a point-in-time utilization sample
type ResourceSnapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	GPUPercent float64   `json:"gpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}
