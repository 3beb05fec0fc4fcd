// Package storage persists anomaly clips and keyframes and lists them back.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
)

// Object kinds
const (
	KindVideo = "video"
	KindImage = "image"
)

// Metadata keys stored with every object
const (
	metaTaskID        = "task_id"
	metaDetectionType = "detection_type"
	metaConfidence    = "confidence"
	metaStartTime     = "start_time"
	metaEndTime       = "end_time"
	metaTimestamp     = "timestamp"
)

// DetectionInfo describes what triggered a stored object
type DetectionInfo struct {
	Type       string
	Confidence float64
}

// Object is a stored clip or keyframe
type Object struct {
	Kind          string    `json:"kind"`
	Key           string    `json:"key"`
	URL           string    `json:"url"`
	TaskID        string    `json:"task_id"`
	DetectionType string    `json:"detection_type"`
	Confidence    float64   `json:"confidence"`
	StartTime     float64   `json:"start_time,omitempty"`
	EndTime       float64   `json:"end_time,omitempty"`
	Timestamp     float64   `json:"timestamp,omitempty"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
}

// Query filters ListDetections. Zero values match everything.
type Query struct {
	Start time.Time
	End   time.Time
	Type  string
}

func (q Query) match(o Object) bool {
	if !q.Start.IsZero() && o.CreatedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && o.CreatedAt.After(q.End) {
		return false
	}
	return q.Type == "" || o.DetectionType == q.Type
}

// Listing groups the stored objects of a task
type Listing struct {
	Videos []Object `json:"videos"`
	Images []Object `json:"images"`
}

// Storage persists evidence for anomalies
type Storage interface {
	// SaveClip stores an encoded clip and returns a URL to fetch it
	SaveClip(ctx context.Context, taskID string, clip *ringbuffer.Clip, info DetectionInfo) (string, error)
	// SaveKeyframe stores a JPEG keyframe and returns a URL to fetch it
	SaveKeyframe(ctx context.Context, taskID string, jpeg []byte, ts float64, info DetectionInfo) (string, error)
	// ListDetections lists a task's stored objects
	ListDetections(ctx context.Context, taskID string, q Query) (*Listing, error)
	Close() error
}

// New creates the configured storage backend
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "minio":
		return NewMinioStorage(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrConfig, cfg.Backend)
	}
}

// ClipKey names a clip object: {task}/{YYYYmmdd_HHMMSS}_{start}_{end}.{ext}
func ClipKey(taskID string, now time.Time, start, end float64, ext string) string {
	return fmt.Sprintf("%s/%s_%.2f_%.2f.%s", taskID, now.Format("20060102_150405"), start, end, ext)
}

// KeyframeKey names a keyframe object: {task}/{YYYYmmdd_HHMMSS}_{ts}.jpg
func KeyframeKey(taskID string, now time.Time, ts float64) string {
	return fmt.Sprintf("%s/%s_%.2f.jpg", taskID, now.Format("20060102_150405"), ts)
}

func clipMetadata(taskID string, clip *ringbuffer.Clip, info DetectionInfo) map[string]string {
	return map[string]string{
		metaTaskID:        taskID,
		metaStartTime:     strconv.FormatFloat(clip.StartTime, 'f', -1, 64),
		metaEndTime:       strconv.FormatFloat(clip.EndTime, 'f', -1, 64),
		metaDetectionType: detectionType(info),
		metaConfidence:    strconv.FormatFloat(info.Confidence, 'f', -1, 64),
	}
}

func keyframeMetadata(taskID string, ts float64, info DetectionInfo) map[string]string {
	return map[string]string{
		metaTaskID:        taskID,
		metaTimestamp:     strconv.FormatFloat(ts, 'f', -1, 64),
		metaDetectionType: detectionType(info),
		metaConfidence:    strconv.FormatFloat(info.Confidence, 'f', -1, 64),
	}
}

func detectionType(info DetectionInfo) string {
	if info.Type == "" {
		return "unknown"
	}
	return info.Type
}

// objectFromMetadata fills an Object from stored metadata. Keys are matched
// case-insensitively since object stores canonicalize header names.
func objectFromMetadata(kind, key string, meta map[string]string) Object {
	get := func(name string) string {
		for k, v := range meta {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}
	parse := func(name string) float64 {
		f, _ := strconv.ParseFloat(get(name), 64)
		return f
	}
	return Object{
		Kind:          kind,
		Key:           key,
		TaskID:        get(metaTaskID),
		DetectionType: get(metaDetectionType),
		Confidence:    parse(metaConfidence),
		StartTime:     parse(metaStartTime),
		EndTime:       parse(metaEndTime),
		Timestamp:     parse(metaTimestamp),
	}
}
