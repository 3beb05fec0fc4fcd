// Package analyzer evaluates sliding-window anomaly rules over the detection
// history of each task.
package analyzer

import (
	"math"
	"sync"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// DefaultThreshold is the related-object confidence required when no
// per-class threshold is configured
const DefaultThreshold = 0.5

// Analyzer is implemented once per skill type
type Analyzer interface {
	// AddDetection appends one entry to the task history
	AddDetection(taskID string, dets []types.Detection, timestamp float64)
	// CheckAnomalies evaluates the rule over the most recent entries
	CheckAnomalies(taskID string) []types.AnomalyEvent
	// Statistics summarizes everything the task has seen so far
	Statistics(taskID string) map[string]any
	// Forget drops the task's history
	Forget(taskID string)
}

// Options configures analyzers
type Options struct {
	Window        int
	HistoryLimit  int
	MinViolations int
	Thresholds    map[string]float64
}

// OptionsFrom converts the analysis configuration section
func OptionsFrom(cfg config.AnalysisConfig) Options {
	return Options{
		Window:        cfg.Window,
		HistoryLimit:  cfg.HistoryLimit,
		MinViolations: cfg.MinViolations,
		Thresholds:    cfg.Thresholds,
	}
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 10
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.HistoryLimit < o.Window {
		o.HistoryLimit = o.Window
	}
	if o.MinViolations <= 0 {
		o.MinViolations = 5
	}
	return o
}

// threshold returns the confidence a related object of class must exceed
func (o Options) threshold(class string) float64 {
	if th, ok := o.Thresholds[class]; ok {
		return th
	}
	return DefaultThreshold
}

// history is a per-task bounded ring of detection frames plus whatever
// cumulative counters the owning analyzer keeps
type history[C any] struct {
	limit int

	mu    sync.Mutex
	tasks map[string]*taskHistory[C]
}

type taskHistory[C any] struct {
	entries []types.DetectionFrame
	next    int // write position once the ring is full
	total   int // entries ever added
	counts  C
}

func newHistory[C any](limit int) *history[C] {
	return &history[C]{limit: limit, tasks: make(map[string]*taskHistory[C])}
}

// add appends an entry and lets update adjust the task counters, under the lock
func (h *history[C]) add(entry types.DetectionFrame, update func(*C)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	th, ok := h.tasks[entry.TaskID]
	if !ok {
		th = &taskHistory[C]{}
		h.tasks[entry.TaskID] = th
	}

	if len(th.entries) < h.limit {
		th.entries = append(th.entries, entry)
	} else {
		th.entries[th.next] = entry
		th.next = (th.next + 1) % h.limit
	}
	th.total++
	if update != nil {
		update(&th.counts)
	}
}

// recent returns up to n most recent entries in insertion order
func (h *history[C]) recent(taskID string, n int) []types.DetectionFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	th, ok := h.tasks[taskID]
	if !ok {
		return nil
	}

	size := len(th.entries)
	if n > size {
		n = size
	}
	out := make([]types.DetectionFrame, 0, n)
	// oldest entry sits at th.next once the ring has wrapped
	start := th.next + size - n
	for i := 0; i < n; i++ {
		out = append(out, th.entries[(start+i)%size])
	}
	return out
}

// snapshot returns the total entry count and a copy of the counters
func (h *history[C]) snapshot(taskID string) (int, C) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero C
	th, ok := h.tasks[taskID]
	if !ok {
		return 0, zero
	}
	return th.total, th.counts
}

func (h *history[C]) forget(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, taskID)
}

func (h *history[C]) len(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if th, ok := h.tasks[taskID]; ok {
		return len(th.entries)
	}
	return 0
}

// round3 rounds to three decimals
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
