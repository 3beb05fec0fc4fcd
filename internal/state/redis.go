package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

const (
	redisRecordPrefix = "smartengine:task:"
	redisIndexKey     = "smartengine:tasks"
)

// RedisStore keeps records as hashes with an expiry, indexed by a sorted set
// scored by finish time
type RedisStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	retention int64
}

// NewRedisStore connects to redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, retention int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	ttl := time.Duration(cfg.TTLS) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, retention: int64(retention)}, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, rec types.TaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	key := redisRecordPrefix + rec.TaskID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"payload":     string(payload),
		"state":       string(rec.State),
		"finished_at": rec.FinishedAt.Unix(),
	})
	pipe.Expire(ctx, key, s.ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(rec.FinishedAt.UnixNano()),
		Member: rec.TaskID,
	})
	if s.retention > 0 {
		// keep only the newest `retention` ids in the index
		pipe.ZRemRangeByRank(ctx, redisIndexKey, 0, -s.retention-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store task record: %w", err)
	}
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, taskID string) (types.TaskRecord, error) {
	raw, err := s.rdb.HGet(ctx, redisRecordPrefix+taskID, "payload").Result()
	if errors.Is(err, redis.Nil) {
		return types.TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return types.TaskRecord{}, fmt.Errorf("failed to fetch task record: %w", err)
	}

	var rec types.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return types.TaskRecord{}, fmt.Errorf("failed to unmarshal task record: %w", err)
	}
	return rec, nil
}

// List implements Store. Expired hashes still in the index are skipped.
func (s *RedisStore) List(ctx context.Context) ([]types.TaskRecord, error) {
	ids, err := s.rdb.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}

	out := make([]types.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
