package analyzer

import (
	"fmt"
	"strings"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// AnomalyPPEViolation is raised per person missing protective equipment
const AnomalyPPEViolation = "ppe_violation"

// requiredPPE lists the equipment every person must wear, in reporting order
var requiredPPE = []string{types.ClassHelmet, types.ClassVest, types.ClassGloves}

type ppeCounts struct {
	helmet int
	vest   int
	gloves int
}

// PPEAnalyzer raises one anomaly per violating person per entry in the window.
// Repeated sightings of the same person across entries are not merged.
type PPEAnalyzer struct {
	opts    Options
	history *history[ppeCounts]
}

// NewPPEAnalyzer creates a PPE analyzer
func NewPPEAnalyzer(opts Options) *PPEAnalyzer {
	opts = opts.withDefaults()
	return &PPEAnalyzer{opts: opts, history: newHistory[ppeCounts](opts.HistoryLimit)}
}

// AddDetection implements Analyzer
func (a *PPEAnalyzer) AddDetection(taskID string, dets []types.Detection, timestamp float64) {
	entry := types.DetectionFrame{TaskID: taskID, Timestamp: timestamp, Detections: dets}
	a.history.add(entry, func(c *ppeCounts) {
		for _, v := range a.violations(dets) {
			for _, item := range v.MissingItems {
				switch item {
				case types.ClassHelmet:
					c.helmet++
				case types.ClassVest:
					c.vest++
				case types.ClassGloves:
					c.gloves++
				}
			}
		}
	})
}

// CheckAnomalies implements Analyzer
func (a *PPEAnalyzer) CheckAnomalies(taskID string) []types.AnomalyEvent {
	var anomalies []types.AnomalyEvent
	for _, entry := range a.history.recent(taskID, a.opts.Window) {
		anomalies = append(anomalies, a.violations(entry.Detections)...)
	}
	return anomalies
}

// Statistics implements Analyzer
func (a *PPEAnalyzer) Statistics(taskID string) map[string]any {
	total, c := a.history.snapshot(taskID)
	return map[string]any{
		"total_detections": total,
		"violation_types": map[string]int{
			types.ClassHelmet: c.helmet,
			types.ClassVest:   c.vest,
			types.ClassGloves: c.gloves,
		},
	}
}

// Forget implements Analyzer
func (a *PPEAnalyzer) Forget(taskID string) {
	a.history.forget(taskID)
}

// violations checks every person in one entry
func (a *PPEAnalyzer) violations(dets []types.Detection) []types.AnomalyEvent {
	var out []types.AnomalyEvent
	for _, d := range dets {
		if d.Class != types.ClassPerson {
			continue
		}

		var missing []string
		for _, item := range requiredPPE {
			if !d.HasRelated(item, a.opts.threshold(item)) {
				missing = append(missing, item)
			}
		}
		if len(missing) == 0 {
			continue
		}

		severity := types.SeverityMedium
		if len(missing) >= 2 {
			severity = types.SeverityHigh
		}
		out = append(out, types.AnomalyEvent{
			Type:         AnomalyPPEViolation,
			Severity:     severity,
			Description:  fmt.Sprintf("missing: %s", strings.Join(missing, ", ")),
			PersonID:     d.ID,
			BBox:         d.BBox,
			MissingItems: missing,
		})
	}
	return out
}
