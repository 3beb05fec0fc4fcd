package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/emitter"
)

// HealthStatus represents the health state of the engine
type HealthStatus struct {
	Status             string    `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID         string    `json:"instance_id"`
	UptimeSeconds      int64     `json:"uptime_seconds"`
	TasksActive        int       `json:"tasks_active"`
	TasksQueued        int       `json:"tasks_queued"`
	PublisherConnected bool      `json:"publisher_connected"`
	ModelsActive       int       `json:"models_active"`
	ModelErrors        int       `json:"model_errors"`
	CheckedAt          time.Time `json:"checked_at"`
}

// HealthCheck returns the current health status of the engine
func (e *Engine) HealthCheck() HealthStatus {
	e.mu.RLock()
	running := e.isRunning
	started := e.started
	e.mu.RUnlock()

	sched := e.scheduler.Stats()
	status := HealthStatus{
		Status:             "healthy",
		InstanceID:         e.cfg.InstanceID,
		TasksActive:        sched.Active,
		TasksQueued:        sched.Queued,
		PublisherConnected: e.publisher.Stats().Connected,
		CheckedAt:          time.Now().UTC(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	for _, m := range e.skills.Models() {
		if m.Active {
			status.ModelsActive++
		}
		if m.LastError != "" {
			status.ModelErrors++
		}
	}

	// Determine overall health status
	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.PublisherConnected || status.ModelErrors > 0:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (the process is alive)
func (e *Engine) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (e *Engine) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := e.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HealthMux returns the health and metrics routes
func (e *Engine) HealthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", e.LivenessHandler)
	mux.HandleFunc("/readiness", e.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartHealthServer starts the health and metrics server in a goroutine.
// The returned server is used for shutdown.
func (e *Engine) StartHealthServer(port string) *http.Server {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      e.HealthMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()
	return server
}

// publishHealth sends HealthCheck on the MQTT health topic until ctx is done
func (e *Engine) publishHealth(ctx context.Context, mq *emitter.MQTTEmitter) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(e.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health status", "error", err)
				continue
			}
			if err := mq.PublishHealth(ctx, payload); err != nil {
				slog.Warn("failed to publish health status", "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
