package types

import (
	"fmt"
	"time"
)

// StartTaskRequest is the StartTask request record shared by the HTTP API and
// the control plane
type StartTaskRequest struct {
	TaskID          string            `json:"task_id,omitempty"` // optional; generated when empty
	VideoStream     string            `json:"video_stream"`
	SkillName       string            `json:"skill_name"`
	AlertLevel      int               `json:"alert_level"`
	FrameRate       int               `json:"frame_rate"`
	ROI             []float64         `json:"roi,omitempty"`
	DurationSeconds int               `json:"duration_seconds"`
	Labels          map[string]string `json:"labels,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	UseGPU          bool              `json:"use_gpu,omitempty"`
}

// Validate checks the request fields that do not depend on engine state
func (r *StartTaskRequest) Validate() error {
	if r.VideoStream == "" {
		return fmt.Errorf("video_stream is required")
	}
	if r.SkillName == "" {
		return fmt.Errorf("skill_name is required")
	}
	if len(r.ROI) != 0 && len(r.ROI) != 4 {
		return fmt.Errorf("roi must have 4 values, got %d", len(r.ROI))
	}
	for _, v := range r.ROI {
		if v < 0 || v > 1 {
			return fmt.Errorf("roi values must be normalized to [0, 1]")
		}
	}
	return nil
}

// Task builds the pending task for the request
func (r *StartTaskRequest) Task(id string, now time.Time) *Task {
	return &Task{
		ID:              id,
		Priority:        ParsePriority(r.Priority),
		State:           StatePending,
		CreatedAt:       now,
		Resources:       EstimateResources(r.UseGPU),
		StreamSource:    r.VideoStream,
		SkillName:       r.SkillName,
		FrameRate:       r.FrameRate,
		DurationSeconds: r.DurationSeconds,
		ROI:             RectFromSlice(r.ROI),
		AlertLevel:      r.AlertLevel,
		Labels:          r.Labels,
		Parameters:      r.Parameters,
	}
}

// TaskResponse answers StartTask and StopTask. ErrorCode is 0 on success and 1
// on failure.
type TaskResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorCode int    `json:"error_code"`
}
