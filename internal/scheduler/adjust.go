package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
)

// relaxFactor is the fraction of a threshold both metrics must stay under
// before the limit grows
const relaxFactor = 0.7

// Run adjusts the concurrency limit every adjust interval until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.adjustInterval)
	defer ticker.Stop()

	slog.Info("concurrency adjuster started", "interval", s.adjustInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("concurrency adjuster stopped")
			return
		case <-ticker.C:
			s.Adjust()
		}
	}
}

// Adjust applies one step of the concurrency control loop and returns the new
// limit. Overloaded hosts lose one slot (never below 1); hosts comfortably under
// both thresholds gain one (never above a non-zero ceiling).
func (s *Scheduler) Adjust() int {
	snap := s.monitor.Latest()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.limits.MaxConcurrent
	switch {
	case !s.withinThresholds(snap):
		if s.limits.MaxConcurrent > 1 {
			s.limits.MaxConcurrent--
		}
	case snap.CPUPercent < s.limits.CPUThreshold*relaxFactor &&
		snap.MemPercent < s.limits.MemoryThreshold*relaxFactor:
		if s.limits.Ceiling == 0 || s.limits.MaxConcurrent < s.limits.Ceiling {
			s.limits.MaxConcurrent++
		}
	}

	if s.limits.MaxConcurrent != prev {
		slog.Info("max concurrent tasks adjusted",
			"from", prev,
			"to", s.limits.MaxConcurrent,
			"cpu_percent", snap.CPUPercent,
			"mem_percent", snap.MemPercent,
		)
		observability.MaxConcurrentTasks.Set(float64(s.limits.MaxConcurrent))
	}
	return s.limits.MaxConcurrent
}

// Limits returns the current limits
func (s *Scheduler) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// UpdateLimits replaces the limits, e.g. after a configuration reload.
// Running tasks are not affected; a lower limit only delays admissions.
func (s *Scheduler) UpdateLimits(l Limits) {
	l = l.normalize()

	s.mu.Lock()
	old := s.limits
	s.limits = l
	s.mu.Unlock()

	observability.MaxConcurrentTasks.Set(float64(l.MaxConcurrent))
	slog.Info("scheduler limits updated",
		"max_concurrent", l.MaxConcurrent,
		"ceiling", l.Ceiling,
		"cpu_threshold", l.CPUThreshold,
		"memory_threshold", l.MemoryThreshold,
		"previous_max_concurrent", old.MaxConcurrent,
	)
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Queued        int    `json:"queued"`
	Active        int    `json:"active"`
	MaxConcurrent int    `json:"max_concurrent"`
	Ceiling       int    `json:"ceiling"`
	Submitted     uint64 `json:"submitted"`
	Admitted      uint64 `json:"admitted"`
	Finished      uint64 `json:"finished"`
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Queued:        len(s.queued),
		Active:        len(s.active),
		MaxConcurrent: s.limits.MaxConcurrent,
		Ceiling:       s.limits.Ceiling,
		Submitted:     s.submitted.Load(),
		Admitted:      s.admitted.Load(),
		Finished:      s.finished.Load(),
	}
}
