// Package emitter publishes task results and error payloads to a message bus.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// Publisher publishes messages to a message broker
type Publisher interface {
	// Connect establishes connection to the broker
	Connect(ctx context.Context) error
	// Publish routes msg by its tag and key
	Publish(ctx context.Context, msg types.Message) error
	// Disconnect closes the connection
	Disconnect() error
	// Stats returns publisher statistics
	Stats() Stats
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"` // count per destination
	Errors    uint64            `json:"errors"`
}

// New creates the configured publisher. The MQTT emitter is returned as is so
// the control plane can share its client.
func New(cfg *config.Config) (Publisher, error) {
	switch cfg.Messaging.Backend {
	case "", "mqtt":
		return NewMQTTEmitter(cfg.InstanceID, cfg.Messaging.MQTT), nil
	case "redis":
		return NewRedisPublisher(cfg.Messaging.Redis), nil
	case "none":
		return NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("%w: unknown messaging backend %q", config.ErrConfig, cfg.Messaging.Backend)
	}
}

// counters tracks publish outcomes per destination
type counters struct {
	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func (c *counters) ok(dest string) {
	c.mu.Lock()
	if c.published == nil {
		c.published = make(map[string]uint64)
	}
	c.published[dest]++
	c.mu.Unlock()
}

func (c *counters) fail() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *counters) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *counters) isConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *counters) snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}
	return Stats{Connected: c.connected, Published: published, Errors: c.errors}
}

// LogPublisher writes messages to the log instead of a broker
type LogPublisher struct {
	counters
}

// NewLogPublisher creates a publisher for runs without a broker
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Connect implements Publisher
func (p *LogPublisher) Connect(context.Context) error {
	p.setConnected(true)
	return nil
}

// Publish implements Publisher
func (p *LogPublisher) Publish(_ context.Context, msg types.Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		p.fail()
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	slog.Info("message", "tag", msg.Tag(), "key", msg.Key(), "payload", string(payload))
	p.ok(msg.Tag())
	return nil
}

// Disconnect implements Publisher
func (p *LogPublisher) Disconnect() error {
	p.setConnected(false)
	return nil
}

// Stats implements Publisher
func (p *LogPublisher) Stats() Stats { return p.snapshot() }
