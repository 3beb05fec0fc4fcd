package stream

import (
	"log/slog"
	"math"
)

// CalculateProcessInterval returns how many source frames make up one processed
// frame: ceil(stream_fps / rate). A rate of 0 or above the stream fps processes
// every frame.
func CalculateProcessInterval(streamFPS, rateHz float64) int {
	if streamFPS <= 0 || rateHz <= 0 {
		return 1
	}

	// Example: 30 FPS stream, 5 Hz processing -> interval = 6 frames
	interval := int(math.Ceil(streamFPS / rateHz))
	if interval < 1 {
		interval = 1
	}

	slog.Debug("calculated process interval",
		"stream_fps", streamFPS,
		"rate_hz", rateHz,
		"process_interval", interval,
	)
	return interval
}

// Sampler forwards one frame in every interval
type Sampler struct {
	interval uint64
	seen     uint64
}

// NewSampler creates a sampler for a source running at streamFPS processed at rateHz
func NewSampler(streamFPS, rateHz float64) *Sampler {
	return &Sampler{interval: uint64(CalculateProcessInterval(streamFPS, rateHz))}
}

// Keep reports whether the next frame should be processed. The first frame is
// always kept.
func (s *Sampler) Keep() bool {
	keep := s.seen%s.interval == 0
	s.seen++
	return keep
}
