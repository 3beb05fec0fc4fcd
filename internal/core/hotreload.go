package core

import (
	"fmt"
	"log/slog"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
)

// UpdateConfig applies scheduler limit changes without restarting. Only the
// "scheduler" section is reloadable; running tasks are never interrupted.
func (e *Engine) UpdateConfig(newConfig map[string]interface{}) error {
	schedCfg, ok := newConfig["scheduler"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: no reloadable section found (expected \"scheduler\")", config.ErrConfig)
	}

	slog.Info("applying config update", "changes", newConfig)

	limits := e.scheduler.Limits()
	changes := []string{}

	if v, ok := schedCfg["max_concurrent_tasks"].(float64); ok {
		n := int(v)
		if n < 1 {
			return fmt.Errorf("%w: scheduler.max_concurrent_tasks must be > 0", config.ErrConfig)
		}
		changes = append(changes, fmt.Sprintf("scheduler.max_concurrent_tasks: %d -> %d", limits.MaxConcurrent, n))
		limits.MaxConcurrent = n
		if limits.Ceiling > 0 && limits.Ceiling < n {
			limits.Ceiling = n
		}
	}

	if v, ok := schedCfg["max_concurrent_ceiling"].(float64); ok {
		n := int(v)
		if n < 0 || (n > 0 && n < limits.MaxConcurrent) {
			return fmt.Errorf("%w: scheduler.max_concurrent_ceiling must be 0 or >= max_concurrent_tasks", config.ErrConfig)
		}
		changes = append(changes, fmt.Sprintf("scheduler.max_concurrent_ceiling: %d -> %d", limits.Ceiling, n))
		limits.Ceiling = n
	}

	for key, target := range map[string]*float64{
		"cpu_threshold":    &limits.CPUThreshold,
		"memory_threshold": &limits.MemoryThreshold,
	} {
		v, ok := schedCfg[key].(float64)
		if !ok {
			continue
		}
		if v <= 0 || v > 100 {
			return fmt.Errorf("%w: scheduler.%s must be within (0, 100], got %.1f", config.ErrConfig, key, v)
		}
		changes = append(changes, fmt.Sprintf("scheduler.%s: %.1f -> %.1f", key, *target, v))
		*target = v
	}

	if len(changes) == 0 {
		return fmt.Errorf("%w: no valid configuration changes found", config.ErrConfig)
	}

	e.scheduler.UpdateLimits(limits)

	slog.Info("config update applied", "changes_count", len(changes))
	for _, change := range changes {
		slog.Info("config changed", "change", change)
	}
	return nil
}
