// Package pipeline runs admitted tasks: it polls the scheduler, and for every
// admitted task reads the task's stream, runs each sampled frame through the
// task's skill, analyzes the detections and publishes results with evidence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/analyzer"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/emitter"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/scheduler"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/skill"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/stream"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// publishTimeout bounds the error payload published after the run context is gone
const publishTimeout = 2 * time.Second

// Config contains loop settings
type Config struct {
	PollInterval time.Duration // default 100ms
	BeforeFrames int           // clip frames before the anomaly (default 90)
	AfterFrames  int           // clip frames after the anomaly (default 90)
}

// Deps are the components a pipeline drives. Storage may be nil, in which case
// results are published without evidence URLs.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Skills    *skill.Orchestrator
	Analyzers *analyzer.Registry
	Buffers   *ringbuffer.Set
	Storage   storage.Storage
	Publisher emitter.Publisher
	Open      stream.Opener
}

// Pipeline spawns one goroutine per admitted task
type Pipeline struct {
	cfg Config
	Deps

	wg      sync.WaitGroup
	running atomic.Int64
	frames  atomic.Uint64
	results atomic.Uint64
	failed  atomic.Uint64
}

// New creates a pipeline
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BeforeFrames <= 0 {
		cfg.BeforeFrames = 90
	}
	if cfg.AfterFrames <= 0 {
		cfg.AfterFrames = 90
	}
	if deps.Open == nil {
		deps.Open = stream.Open
	}
	return &Pipeline{cfg: cfg, Deps: deps}
}

// Run polls the scheduler until ctx is cancelled, then waits for every task
// pipeline to finish
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("task poller started", "interval", p.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("task poller stopping, waiting for running tasks", "running", p.running.Load())
			p.wg.Wait()
			slog.Info("all task pipelines stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll admits every task the scheduler lets through right now and returns how
// many were started
func (p *Pipeline) Poll(ctx context.Context) int {
	started := 0
	for {
		task := p.Scheduler.Next()
		if task == nil {
			return started
		}
		started++
		p.wg.Add(1)
		p.running.Add(1)
		go p.runTask(ctx, task)
	}
}

// Wait blocks until every spawned task pipeline has returned
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Stats contains pipeline statistics
type Stats struct {
	Running   int64  `json:"running"`
	Frames    uint64 `json:"frames"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Stats returns pipeline statistics
func (p *Pipeline) Stats() Stats {
	return Stats{
		Running:   p.running.Load(),
		Frames:    p.frames.Load(),
		Published: p.results.Load(),
		Failed:    p.failed.Load(),
	}
}

// taskRun is the per-task state of one pipeline goroutine
type taskRun struct {
	task     *types.Task
	skillID  string
	analyzer analyzer.Analyzer
	buffer   *ringbuffer.Buffer
	log      *slog.Logger
}

// outcome is the terminal transition of a task run
type outcome struct {
	state  types.TaskState
	reason string
}

func (p *Pipeline) runTask(ctx context.Context, task *types.Task) {
	defer p.wg.Done()
	defer p.running.Add(-1)

	run := &taskRun{
		task:    task,
		skillID: task.SkillName,
		buffer:  p.Buffers.Get(task.ID),
		log:     slog.With("task_id", task.ID, "skill_id", task.SkillName),
	}
	run.log.Info("task pipeline started", "stream", task.StreamSource, "frame_rate", task.FrameRate, "duration_s", task.DurationSeconds)

	out := p.consume(ctx, run)

	// Release everything the task held before the terminal transition
	releaseCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	p.Skills.ReleaseTask(releaseCtx, run.skillID, task.ID)
	cancel()
	if run.analyzer != nil {
		run.analyzer.Forget(task.ID)
	}
	p.Buffers.Release(task.ID)

	if out.state == types.StateFailed {
		p.failed.Add(1)
		p.publishError(task, out.reason)
	}
	if err := p.Scheduler.Finish(task.ID, out.state, out.reason); err != nil {
		run.log.Error("failed to finish task", "error", err)
	}
}

// consume reads the task's frames until the stream ends, the duration
// elapses, a stop is requested or ctx is cancelled
func (p *Pipeline) consume(ctx context.Context, run *taskRun) outcome {
	task := run.task

	s, err := p.Skills.Get(run.skillID)
	if err != nil {
		return outcome{types.StateFailed, err.Error()}
	}
	if run.analyzer, err = p.Analyzers.For(run.skillID, s.Type()); err != nil {
		return outcome{types.StateFailed, err.Error()}
	}

	src, err := p.Open(task.StreamSource)
	if err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStream).Inc()
		return outcome{types.StateFailed, fmt.Sprintf("failed to open stream: %v", err)}
	}
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := src.Start(srcCtx); err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStream).Inc()
		return outcome{types.StateFailed, fmt.Sprintf("failed to start stream: %v", err)}
	}
	defer src.Stop()

	sampler := stream.NewSampler(src.FPS(), float64(task.FrameRate))

	var deadline <-chan time.Time
	if task.DurationSeconds > 0 {
		timer := time.NewTimer(time.Duration(task.DurationSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	processed := uint64(0)
	for {
		select {
		case <-ctx.Done():
			return outcome{types.StateStopped, "engine shutting down"}

		case <-deadline:
			run.log.Info("task duration elapsed", "frames", processed)
			return outcome{types.StateCompleted, ""}

		case frame, ok := <-src.Frames():
			if !ok {
				if err := src.Err(); err != nil {
					observability.ErrorsTotal.WithLabelValues(observability.ErrTypeStream).Inc()
					return outcome{types.StateFailed, fmt.Sprintf("stream error: %v", err)}
				}
				run.log.Info("stream exhausted", "frames", processed)
				return outcome{types.StateCompleted, ""}
			}
			if !sampler.Keep() {
				continue
			}
			if p.Scheduler.StopRequested(task.ID) {
				run.log.Info("stop flag observed", "frames", processed)
				return outcome{types.StateStopped, ""}
			}

			if err := p.processFrame(ctx, run, frame); err != nil {
				return outcome{types.StateFailed, err.Error()}
			}
			processed++
		}
	}
}

// processFrame handles one sampled frame. Skill and evidence failures are
// recovered here; only a panic aborts the task.
func (p *Pipeline) processFrame(ctx context.Context, run *taskRun, frame types.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame %d: panic: %v", frame.Seq, r)
		}
	}()

	task := run.task
	ts := frame.Offset

	run.buffer.Add(frame, ts)
	p.frames.Add(1)

	out, err := p.Skills.ExecuteSkill(ctx, run.skillID, skill.Input{
		TaskID: task.ID,
		Frame:  frame,
		ROI:    task.ROI,
	})
	if err != nil {
		errType := observability.ErrTypeInference
		if errors.Is(err, skill.ErrModelStartFailure) {
			errType = observability.ErrTypeModel
		}
		observability.ErrorsTotal.WithLabelValues(errType).Inc()
		run.log.Warn("skill execution failed", "seq", frame.Seq, "error", err)
		return nil
	}
	observability.FramesProcessedTotal.WithLabelValues(run.skillID).Inc()

	result := &types.Result{
		SkillID:    out.SkillID,
		TaskID:     task.ID,
		Status:     out.Status,
		AlertLevel: task.AlertLevel,
		Timestamp:  ts,
		FrameSeq:   frame.Seq,
		TraceID:    frame.TraceID,
		Detections: out.Detections,
		Labels:     task.Labels,
	}
	if !result.HasDetections() {
		return nil
	}

	run.analyzer.AddDetection(task.ID, result.Flatten(), ts)
	anomalies := run.analyzer.CheckAnomalies(task.ID)
	if len(anomalies) > 0 {
		for _, a := range anomalies {
			observability.AnomaliesTotal.WithLabelValues(run.skillID, a.Type).Inc()
		}
		result.Anomalies = anomalies
		result.Statistics = run.analyzer.Statistics(task.ID)
		p.attachEvidence(ctx, run, frame, result)
	}

	if err := p.Publisher.Publish(ctx, result); err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypePublish).Inc()
		run.log.Error("failed to publish result", "seq", frame.Seq, "error", err)
		return nil
	}
	p.results.Add(1)
	run.log.Debug("result published", "seq", frame.Seq, "anomalies", len(anomalies))
	return nil
}

// publishError reports a failed task on the message bus
func (p *Pipeline) publishError(task *types.Task, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	payload := &types.ErrorPayload{
		TaskID:    task.ID,
		SkillName: task.SkillName,
		Error:     reason,
		Timestamp: time.Now(),
	}
	if err := p.Publisher.Publish(ctx, payload); err != nil {
		observability.ErrorsTotal.WithLabelValues(observability.ErrTypePublish).Inc()
		slog.Error("failed to publish error payload", "task_id", task.ID, "error", err)
	}
}
