package types

import "time"

// ModelMetrics contains health metrics for a loaded inference model
type ModelMetrics struct {
	Requests     uint64    `json:"requests"`
	Failures     uint64    `json:"failures"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
