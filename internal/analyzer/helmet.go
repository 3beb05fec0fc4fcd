package analyzer

import (
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// AnomalyNoHelmet is raised when people keep showing up without a helmet
const AnomalyNoHelmet = "no_helmet"

type helmetCounts struct {
	persons    int
	violations int
}

// HelmetAnalyzer raises one no_helmet anomaly when at least MinViolations of
// the last Window entries contain a person without a helmet
type HelmetAnalyzer struct {
	opts    Options
	history *history[helmetCounts]
}

// NewHelmetAnalyzer creates a helmet analyzer
func NewHelmetAnalyzer(opts Options) *HelmetAnalyzer {
	opts = opts.withDefaults()
	return &HelmetAnalyzer{opts: opts, history: newHistory[helmetCounts](opts.HistoryLimit)}
}

// AddDetection implements Analyzer
func (a *HelmetAnalyzer) AddDetection(taskID string, dets []types.Detection, timestamp float64) {
	entry := types.DetectionFrame{TaskID: taskID, Timestamp: timestamp, Detections: dets}
	a.history.add(entry, func(c *helmetCounts) {
		for _, d := range dets {
			if d.Class != types.ClassPerson {
				continue
			}
			c.persons++
			if !a.wearsHelmet(d) {
				c.violations++
			}
		}
	})
}

// CheckAnomalies implements Analyzer
func (a *HelmetAnalyzer) CheckAnomalies(taskID string) []types.AnomalyEvent {
	violating := 0
	for _, entry := range a.history.recent(taskID, a.opts.Window) {
		if a.entryViolates(entry) {
			violating++
		}
	}

	if violating < a.opts.MinViolations {
		return nil
	}
	return []types.AnomalyEvent{{
		Type:        AnomalyNoHelmet,
		Severity:    types.SeverityHigh,
		Description: "worker detected without a safety helmet",
	}}
}

// Statistics implements Analyzer. violation_rate is violating persons over all
// persons seen, rounded to three decimals.
func (a *HelmetAnalyzer) Statistics(taskID string) map[string]any {
	total, c := a.history.snapshot(taskID)
	rate := 0.0
	if c.persons > 0 {
		rate = round3(float64(c.violations) / float64(c.persons))
	}
	return map[string]any{
		"total_detections": total,
		"violation_rate":   rate,
	}
}

// Forget implements Analyzer
func (a *HelmetAnalyzer) Forget(taskID string) {
	a.history.forget(taskID)
}

func (a *HelmetAnalyzer) entryViolates(entry types.DetectionFrame) bool {
	for _, d := range entry.Detections {
		if d.Class == types.ClassPerson && !a.wearsHelmet(d) {
			return true
		}
	}
	return false
}

func (a *HelmetAnalyzer) wearsHelmet(d types.Detection) bool {
	return d.HasRelated(types.ClassHelmet, a.opts.threshold(types.ClassHelmet))
}
