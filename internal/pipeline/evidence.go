package pipeline

import (
	"context"
	"errors"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/imaging"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// attachEvidence stores a clip around the current frame and the frame itself
// as a keyframe, then sets their URLs on the result. Failures are logged and
// counted; the result is published either way.
func (p *Pipeline) attachEvidence(ctx context.Context, run *taskRun, frame types.Frame, result *types.Result) {
	if p.Storage == nil {
		return
	}
	info := detectionInfo(result)

	clip, err := run.buffer.GetClip(p.cfg.BeforeFrames, p.cfg.AfterFrames, ringbuffer.Latest)
	switch {
	case errors.Is(err, ringbuffer.ErrEmptyBuffer):
		run.log.Warn("no buffered frames for clip", "seq", frame.Seq)
	case err != nil:
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeClip).Inc()
		run.log.Error("failed to build clip", "seq", frame.Seq, "error", err)
	default:
		url, err := p.Storage.SaveClip(ctx, run.task.ID, clip, info)
		if err != nil {
			observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStorage).Inc()
			run.log.Error("failed to store clip", "seq", frame.Seq, "error", err)
		} else {
			result.VideoURL = url
		}
	}

	keyframe, err := imaging.EncodeJPEG(frame, imaging.DefaultQuality)
	if err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeClip).Inc()
		run.log.Error("failed to encode keyframe", "seq", frame.Seq, "error", err)
		return
	}
	url, err := p.Storage.SaveKeyframe(ctx, run.task.ID, keyframe, result.Timestamp, info)
	if err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStorage).Inc()
		run.log.Error("failed to store keyframe", "seq", frame.Seq, "error", err)
		return
	}
	result.ImageURL = url
}

// detectionInfo describes the first anomaly and the most confident detection
func detectionInfo(result *types.Result) storage.DetectionInfo {
	var info storage.DetectionInfo
	if len(result.Anomalies) > 0 {
		info.Type = result.Anomalies[0].Type
	}
	for _, d := range result.Flatten() {
		if d.Confidence > info.Confidence {
			info.Confidence = d.Confidence
		}
	}
	return info
}
