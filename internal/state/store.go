// Package state retains finished task records.
//
// The scheduler keeps queued and running tasks in memory; once a task reaches a
// terminal state its record is handed to a Store so GetTaskStatus keeps working
// after the task leaves the active set. Three backends exist: an in-process
// bounded map, Redis hashes (shared between engine replicas) and a BoltDB file
// (survives restarts on a single node).
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// ErrNotFound is returned when no record exists for a task id
var ErrNotFound = errors.New("state: task record not found")

// Store persists terminal task records
type Store interface {
	Put(ctx context.Context, rec types.TaskRecord) error
	Get(ctx context.Context, taskID string) (types.TaskRecord, error)
	List(ctx context.Context) ([]types.TaskRecord, error)
	Close() error
}

// New builds the store selected by configuration
func New(ctx context.Context, cfg config.StateConfig, retention int) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(retention), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, retention)
	case "bolt":
		return NewBoltStore(cfg.Bolt.Path, cfg.Bolt.Bucket, retention)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
