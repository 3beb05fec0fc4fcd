package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Message is anything the engine publishes to the message bus
type Message interface {
	// Tag routes the message (skill name for results, "error" for failures)
	Tag() string
	// Key identifies the message (the task id)
	Key() string
	// ToJSON converts the message to JSON bytes
	ToJSON() ([]byte, error)
}

// Result is the payload published when a frame produced detections
type Result struct {
	SkillID    string                 `json:"skill_id"`
	TaskID     string                 `json:"task_id"`
	Status     string                 `json:"status"`
	AlertLevel int                    `json:"alert_level"`
	Timestamp  float64                `json:"timestamp"`
	FrameSeq   uint64                 `json:"frame_seq"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Detections map[string][]Detection `json:"detections"`
	Anomalies  []AnomalyEvent         `json:"anomalies,omitempty"`
	VideoURL   string                 `json:"video_url,omitempty"`
	ImageURL   string                 `json:"image_url,omitempty"`
	Statistics map[string]any         `json:"statistics,omitempty"`
	Labels     map[string]string      `json:"labels,omitempty"`
}

// HasDetections reports whether any model returned at least one detection
func (r *Result) HasDetections() bool {
	for _, dets := range r.Detections {
		if len(dets) > 0 {
			return true
		}
	}
	return false
}

// Flatten returns every detection across models, ordered by model name
func (r *Result) Flatten() []Detection {
	names := make([]string, 0, len(r.Detections))
	for name := range r.Detections {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Detection
	for _, name := range names {
		out = append(out, r.Detections[name]...)
	}
	return out
}

// Tag implements Message
func (r *Result) Tag() string { return r.SkillID }

// Key implements Message
func (r *Result) Key() string { return r.TaskID }

// ToJSON implements Message
func (r *Result) ToJSON() ([]byte, error) { return json.Marshal(r) }

// ErrorPayload is published when a task pipeline aborts
type ErrorPayload struct {
	TaskID    string    `json:"task_id"`
	SkillName string    `json:"skill_name,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Tag implements Message
func (e *ErrorPayload) Tag() string { return "error" }

// Key implements Message
func (e *ErrorPayload) Key() string { return e.TaskID }

// ToJSON implements Message
func (e *ErrorPayload) ToJSON() ([]byte, error) { return json.Marshal(e) }
