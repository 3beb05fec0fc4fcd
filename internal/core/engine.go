// Package core wires the engine together and exposes the task service used by
// the HTTP API and the MQTT control plane.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/analyzer"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/control"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/emitter"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/monitor"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/pipeline"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/scheduler"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/skill"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/state"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/storage"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/stream"
)

// healthInterval is the period of health messages on the MQTT health topic
const healthInterval = 30 * time.Second

// Option overrides a collaborator the engine would otherwise build from config
type Option func(*options)

type options struct {
	sampler   monitor.Sampler
	backend   inference.Backend
	publisher emitter.Publisher
	storage   storage.Storage
	opener    stream.Opener
}

// WithSampler replaces the host resource sampler
func WithSampler(s monitor.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithBackend replaces the configured inference backend
func WithBackend(b inference.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithPublisher replaces the configured result publisher
func WithPublisher(p emitter.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithStorage replaces the configured clip store
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithOpener replaces the frame source opener
func WithOpener(fn stream.Opener) Option {
	return func(o *options) { o.opener = fn }
}

// Engine is the main service orchestrator
type Engine struct {
	cfg *config.Config

	// Core components
	monitor   *monitor.Monitor
	store     state.Store
	scheduler *scheduler.Scheduler
	backend   inference.Backend
	skills    *skill.Orchestrator
	analyzers *analyzer.Registry
	buffers   *ringbuffer.Set
	storage   storage.Storage
	publisher emitter.Publisher
	pipeline  *pipeline.Pipeline

	controlHandler *control.Handler

	newID     func() string
	closeOnce sync.Once

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // for the shutdown command
}

// New builds every component from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, newID: uuid.NewString}

	if o.sampler == nil {
		o.sampler = monitor.HostSampler{}
	}
	e.monitor = monitor.New(o.sampler, time.Duration(cfg.Scheduler.SampleIntervalMS)*time.Millisecond)

	store, err := state.New(ctx, cfg.State, cfg.Scheduler.ResultRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to create task store: %w", err)
	}
	e.store = store

	e.scheduler = scheduler.New(
		scheduler.LimitsFrom(cfg.Scheduler),
		time.Duration(cfg.Scheduler.AdjustIntervalS)*time.Second,
		e.monitor,
		store,
	)

	if o.backend == nil {
		o.backend, err = inference.New(cfg.Inference)
		if err != nil {
			e.closeStores()
			return nil, fmt.Errorf("failed to create inference backend: %w", err)
		}
	}
	e.backend = o.backend
	e.skills = skill.NewOrchestrator(cfg.Skills, skill.NewLifecycle(e.backend))
	e.analyzers = analyzer.NewRegistry(analyzer.OptionsFrom(cfg.Analysis))

	enc, err := ringbuffer.NewEncoder(cfg.Buffer.Encoder)
	if err != nil {
		e.closeStores()
		return nil, fmt.Errorf("failed to create clip encoder: %w", err)
	}
	e.buffers = ringbuffer.NewSet(cfg.Buffer.Capacity, enc, cfg.Buffer.ClipFPS)

	if o.storage == nil {
		o.storage, err = storage.New(ctx, cfg.Storage)
		if err != nil {
			e.closeStores()
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}
	e.storage = o.storage

	if o.publisher == nil {
		o.publisher, err = emitter.New(cfg)
		if err != nil {
			e.closeStores()
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
	}
	e.publisher = o.publisher

	e.pipeline = pipeline.New(pipeline.Config{
		PollInterval: time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		BeforeFrames: cfg.Buffer.BeforeFrames,
		AfterFrames:  cfg.Buffer.AfterFrames,
	}, pipeline.Deps{
		Scheduler: e.scheduler,
		Skills:    e.skills,
		Analyzers: e.analyzers,
		Buffers:   e.buffers,
		Storage:   e.storage,
		Publisher: e.publisher,
		Open:      o.opener,
	})

	slog.Info("engine configured",
		"instance_id", cfg.InstanceID,
		"state_backend", cfg.State.Backend,
		"inference_backend", cfg.Inference.Backend,
		"storage_backend", cfg.Storage.Backend,
		"messaging_backend", cfg.Messaging.Backend,
		"skills", len(e.skills.List(skill.Filter{})),
	)
	return e, nil
}

// Run starts every loop and blocks until ctx is cancelled or a shutdown
// command arrives
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelCtx = cancel
	e.mu.Unlock()

	slog.Info("engine starting", "instance_id", e.cfg.InstanceID)

	if err := e.publisher.Connect(ctx); err != nil {
		e.setRunning(false)
		return fmt.Errorf("failed to connect publisher: %w", err)
	}

	// The control plane shares the MQTT client of the result emitter
	if mq, ok := e.publisher.(*emitter.MQTTEmitter); ok {
		e.controlHandler = control.NewHandler(e.cfg.Messaging.MQTT, mq.Client, e.Callbacks())
		if err := e.controlHandler.Start(ctx); err != nil {
			e.setRunning(false)
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.publishHealth(ctx, mq)
		}()
	}

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.pipeline.Run(ctx)
	}()

	slog.Info("engine running",
		"max_concurrent", e.scheduler.Limits().MaxConcurrent,
		"control_plane", e.controlHandler != nil,
	)

	<-ctx.Done()

	slog.Info("engine run loop exiting")
	return nil
}

// Shutdown waits for the loops started by Run and releases connections.
// Run must have returned (its context cancelled) before the wait can finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	running := e.isRunning
	cancel := e.cancelCtx
	e.mu.RUnlock()

	if !running {
		e.closeStores()
		return nil
	}
	if cancel != nil {
		cancel()
	}

	slog.Info("shutting down engine")

	// 1. Stop control plane (no new commands)
	if e.controlHandler != nil {
		if err := e.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Wait for task pipelines and background loops
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timeout, abandoning running pipelines", "error", ctx.Err())
	}

	// 3. Disconnect publisher, then close backends
	if err := e.publisher.Disconnect(); err != nil {
		slog.Error("failed to disconnect publisher", "error", err)
	}
	if err := e.backend.Close(); err != nil {
		slog.Error("failed to close inference backend", "error", err)
	}
	e.closeStores()

	e.mu.Lock()
	uptime := time.Since(e.started)
	e.isRunning = false
	e.mu.Unlock()

	slog.Info("engine shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (e *Engine) ShutdownTimeout() time.Duration {
	return e.cfg.ShutdownTimeout()
}

// Running reports whether Run is active
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.isRunning = v
	e.mu.Unlock()
}

func (e *Engine) closeStores() {
	e.closeOnce.Do(func() {
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				slog.Error("failed to close task store", "error", err)
			}
		}
		if e.storage != nil {
			if err := e.storage.Close(); err != nil {
				slog.Error("failed to close storage", "error", err)
			}
		}
	})
}

// shutdownViaControl cancels the run context, which makes Run return
func (e *Engine) shutdownViaControl() error {
	e.mu.RLock()
	cancel := e.cancelCtx
	e.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("engine is not running")
	}
	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}
