// Package observability holds the Prometheus collectors and OpenTelemetry
// tracing setup shared by every component of the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error types used with ErrorsTotal
const (
	ErrTypeRequest   = "request"
	ErrTypeInference = "inference"
	ErrTypeStream    = "stream"
	ErrTypeStorage   = "storage"
	ErrTypePublish   = "publish"
	ErrTypeClip      = "clip"
	ErrTypeModel     = "model"
)

var (
	// API
	RequestProcessingSeconds = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "request_processing_seconds",
			Help:       "Time spent processing API requests",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"method"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"}, // request, inference, stream, storage, publish, clip, model
	)

	// Inference
	// Buckets: 100ms .. 10s
	ModelInferenceSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_inference_seconds",
			Help:    "Time spent in model inference",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	// Scheduler gauges
	TasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartengine_tasks_active",
			Help: "Current number of running tasks",
		},
	)

	TasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartengine_tasks_queued",
			Help: "Current number of tasks waiting for admission",
		},
	)

	MaxConcurrentTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartengine_max_concurrent_tasks",
			Help: "Current admission limit after dynamic adjustment",
		},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartengine_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"state"}, // completed, failed, stopped
	)

	// Pipeline
	FramesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartengine_frames_processed_total",
			Help: "Total number of sampled frames run through a skill",
		},
		[]string{"skill"},
	)

	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartengine_anomalies_total",
			Help: "Total number of anomalies raised by analyzers",
		},
		[]string{"skill", "type"},
	)

	ActiveModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartengine_models_active",
			Help: "Current number of registered (started) models",
		},
	)
)
