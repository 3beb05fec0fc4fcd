// Package scheduler implements resource-aware admission of analysis tasks.
//
// Tasks wait in one FIFO queue per priority tier. Next admits the head of the
// highest non-empty tier only while the active count is under the current
// limit and the latest resource snapshot is within thresholds; there is no
// queue timeout, a saturated host simply leaves tasks queued. A background
// loop (Run) moves the limit up or down depending on utilization.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-collections/collections/queue"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/observability"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/state"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

var (
	// ErrDuplicateTask is returned by Submit when the id is already known
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrNotFound is returned for ids the scheduler has never seen or no longer retains
	ErrNotFound = errors.New("task not found")
)

// storeTimeout bounds record writes done on behalf of Finish and Stop
const storeTimeout = 2 * time.Second

// SnapshotSource provides the latest resource utilization sample
type SnapshotSource interface {
	Latest() types.ResourceSnapshot
}

// Limits is the mutable part of the scheduler configuration
type Limits struct {
	MaxConcurrent   int
	Ceiling         int // upper bound for Adjust growth, 0 means unbounded
	CPUThreshold    float64
	MemoryThreshold float64
}

// normalize keeps MaxConcurrent at least 1 and a set ceiling at least MaxConcurrent
func (l Limits) normalize() Limits {
	if l.MaxConcurrent < 1 {
		l.MaxConcurrent = 1
	}
	if l.Ceiling < 0 {
		l.Ceiling = 0
	}
	if l.Ceiling > 0 && l.Ceiling < l.MaxConcurrent {
		l.Ceiling = l.MaxConcurrent
	}
	return l
}

// LimitsFrom converts the scheduler configuration section
func LimitsFrom(cfg config.SchedulerConfig) Limits {
	return Limits{
		MaxConcurrent:   cfg.MaxConcurrentTasks,
		Ceiling:         cfg.MaxConcurrentCeiling,
		CPUThreshold:    cfg.CPUThreshold,
		MemoryThreshold: cfg.MemoryThreshold,
	}
}

type activeTask struct {
	task *types.Task
	stop atomic.Bool
}

// Scheduler owns the task state machine up to the terminal transition
type Scheduler struct {
	monitor        SnapshotSource
	store          state.Store
	adjustInterval time.Duration
	now            func() time.Time

	mu     sync.Mutex
	limits Limits
	tiers  [3]*queue.Queue // indexed by types.Priority
	queued map[string]*types.Task
	active map[string]*activeTask

	submitted atomic.Uint64
	admitted  atomic.Uint64
	finished  atomic.Uint64
}

// New creates a scheduler. store receives the record of every task that
// reaches a terminal state.
func New(limits Limits, adjustInterval time.Duration, monitor SnapshotSource, store state.Store) *Scheduler {
	limits = limits.normalize()
	if adjustInterval <= 0 {
		adjustInterval = 60 * time.Second
	}

	s := &Scheduler{
		monitor:        monitor,
		store:          store,
		adjustInterval: adjustInterval,
		now:            time.Now,
		limits:         limits,
		queued:         make(map[string]*types.Task),
		active:         make(map[string]*activeTask),
	}
	for i := range s.tiers {
		s.tiers[i] = queue.New()
	}
	observability.MaxConcurrentTasks.Set(float64(limits.MaxConcurrent))
	return s
}

// Submit queues a task in Pending state
func (s *Scheduler) Submit(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	if task.Priority < types.PriorityLow || task.Priority > types.PriorityHigh {
		task.Priority = types.PriorityMedium
	}

	// Retained records count as known ids
	if _, err := s.store.Get(ctx, task.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to check task records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if _, ok := s.active[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	task.State = types.StatePending
	task.CreatedAt = s.now()
	s.tiers[task.Priority].Enqueue(task)
	s.queued[task.ID] = task
	s.submitted.Add(1)
	observability.TasksQueued.Set(float64(len(s.queued)))

	slog.Info("task queued",
		"task_id", task.ID,
		"skill_id", task.SkillName,
		"priority", task.Priority.String(),
		"queued", len(s.queued),
	)
	return nil
}

// Next admits the next task or returns nil. It never blocks.
func (s *Scheduler) Next() *types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queued) == 0 || len(s.active) >= s.limits.MaxConcurrent {
		return nil
	}
	if !s.withinThresholds(s.monitor.Latest()) {
		return nil
	}

	for p := types.PriorityHigh; p >= types.PriorityLow; p-- {
		q := s.tiers[p]
		for q.Len() > 0 {
			task := q.Dequeue().(*types.Task)
			// Entries stopped while queued are left in the tier and skipped here
			if s.queued[task.ID] != task {
				continue
			}
			delete(s.queued, task.ID)

			task.State = types.StateRunning
			s.active[task.ID] = &activeTask{task: task}
			s.admitted.Add(1)
			observability.TasksQueued.Set(float64(len(s.queued)))
			observability.TasksActive.Set(float64(len(s.active)))

			slog.Info("task admitted",
				"task_id", task.ID,
				"priority", task.Priority.String(),
				"active", len(s.active),
				"max_concurrent", s.limits.MaxConcurrent,
			)
			return task
		}
	}
	return nil
}

// withinThresholds must be called with mu held
func (s *Scheduler) withinThresholds(snap types.ResourceSnapshot) bool {
	return snap.CPUPercent <= s.limits.CPUThreshold && snap.MemPercent <= s.limits.MemoryThreshold
}

// Complete finishes a running task as Completed or Failed
func (s *Scheduler) Complete(taskID string, success bool) error {
	if success {
		return s.Finish(taskID, types.StateCompleted, "")
	}
	return s.Finish(taskID, types.StateFailed, "")
}

// Finish moves a running task to a terminal state and retains its record
func (s *Scheduler) Finish(taskID string, st types.TaskState, reason string) error {
	if !st.Terminal() {
		return fmt.Errorf("state %q is not terminal", st)
	}

	s.mu.Lock()
	at, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	rec := types.TaskRecord{
		TaskID:     taskID,
		SkillName:  at.task.SkillName,
		State:      st,
		Error:      reason,
		CreatedAt:  at.task.CreatedAt,
		FinishedAt: s.now(),
	}
	s.mu.Unlock()

	// The record is stored before the task leaves the active set so Status
	// never reports NotFound in between
	s.retain(rec)

	s.mu.Lock()
	at.task.State = st
	delete(s.active, taskID)
	active := len(s.active)
	s.mu.Unlock()

	s.finished.Add(1)
	observability.TasksActive.Set(float64(active))
	observability.TasksFinishedTotal.WithLabelValues(string(st)).Inc()

	slog.Info("task finished",
		"task_id", taskID,
		"state", st,
		"reason", reason,
		"active", active,
	)
	return nil
}

func (s *Scheduler) retain(rec types.TaskRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Put(ctx, rec); err != nil {
		slog.Error("failed to retain task record", "task_id", rec.TaskID, "error", err)
	}
}

// Stop cancels a task. A queued task is dropped and becomes Stopped right away;
// a running task gets its stop flag set and is finished by its pipeline.
// Stopping a task that already finished is a no-op.
func (s *Scheduler) Stop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	if at, ok := s.active[taskID]; ok {
		at.stop.Store(true)
		s.mu.Unlock()
		slog.Info("stop requested", "task_id", taskID)
		return nil
	}

	if task, ok := s.queued[taskID]; ok {
		delete(s.queued, taskID)
		task.State = types.StateStopped
		rec := types.TaskRecord{
			TaskID:     taskID,
			SkillName:  task.SkillName,
			State:      types.StateStopped,
			Error:      "stopped before admission",
			CreatedAt:  task.CreatedAt,
			FinishedAt: s.now(),
		}
		observability.TasksQueued.Set(float64(len(s.queued)))
		s.mu.Unlock()

		s.retain(rec)
		s.finished.Add(1)
		observability.TasksFinishedTotal.WithLabelValues(string(types.StateStopped)).Inc()
		slog.Info("queued task stopped", "task_id", taskID)
		return nil
	}
	s.mu.Unlock()

	if _, err := s.store.Get(ctx, taskID); err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, taskID)
}

// StopRequested reports whether Stop was called for a running task
func (s *Scheduler) StopRequested(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.active[taskID]
	return ok && at.stop.Load()
}

// Status returns the current state of a task
func (s *Scheduler) Status(ctx context.Context, taskID string) (types.TaskState, error) {
	s.mu.Lock()
	if at, ok := s.active[taskID]; ok {
		st := at.task.State
		s.mu.Unlock()
		return st, nil
	}
	if task, ok := s.queued[taskID]; ok {
		st := task.State
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	rec, err := s.store.Get(ctx, taskID)
	if errors.Is(err, state.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read task record: %w", err)
	}
	return rec.State, nil
}

// Record returns the retained record of a finished task
func (s *Scheduler) Record(ctx context.Context, taskID string) (types.TaskRecord, error) {
	rec, err := s.store.Get(ctx, taskID)
	if errors.Is(err, state.ErrNotFound) {
		return types.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return rec, err
}
