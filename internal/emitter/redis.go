package emitter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// streamMaxLen caps the results stream (approximate trimming)
const streamMaxLen = 100000

// RedisPublisher appends messages to a redis stream. Entries carry the tag,
// the key and the JSON payload as fields.
type RedisPublisher struct {
	cfg    config.RedisConfig
	client *redis.Client

	counters
}

// NewRedisPublisher creates a publisher; Connect opens the client
func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	return &RedisPublisher{cfg: cfg}
}

// NewRedisPublisherWithClient wraps an existing client
func NewRedisPublisherWithClient(client *redis.Client, stream string) *RedisPublisher {
	p := NewRedisPublisher(config.RedisConfig{Stream: stream})
	p.client = client
	p.setConnected(true)
	return p
}

// Connect implements Publisher
func (p *RedisPublisher) Connect(ctx context.Context) error {
	if p.client == nil {
		p.client = redis.NewClient(&redis.Options{
			Addr:     p.cfg.Addr,
			Password: p.cfg.Password,
			DB:       p.cfg.DB,
		})
	}
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	p.setConnected(true)
	slog.Info("redis publisher connected", "addr", p.cfg.Addr, "stream", p.cfg.Stream)
	return nil
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, msg types.Message) error {
	if p.client == nil {
		p.fail()
		return fmt.Errorf("redis publisher not connected")
	}
	payload, err := msg.ToJSON()
	if err != nil {
		p.fail()
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.cfg.Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"tag":     msg.Tag(),
			"key":     msg.Key(),
			"payload": payload,
		},
	}).Err()
	if err != nil {
		p.fail()
		return fmt.Errorf("xadd failed: %w", err)
	}

	p.ok(p.cfg.Stream)
	return nil
}

// Disconnect implements Publisher
func (p *RedisPublisher) Disconnect() error {
	p.setConnected(false)
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Stats implements Publisher
func (p *RedisPublisher) Stats() Stats { return p.snapshot() }
