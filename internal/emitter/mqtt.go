package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// MQTTEmitter publishes messages to an MQTT broker under {results}/{tag}
type MQTTEmitter struct {
	instanceID string
	cfg        config.MQTTConfig
	Client     mqtt.Client // Exported for control plane

	counters
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(instanceID string, cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		instanceID: instanceID,
		cfg:        cfg,
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.instanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the destination topic for a message tag
func (e *MQTTEmitter) Topic(tag string) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topics.Results, tag)
}

// Publish publishes a message to {results}/{tag}. The task id travels inside the payload.
func (e *MQTTEmitter) Publish(ctx context.Context, msg types.Message) error {
	payload, err := msg.ToJSON()
	if err != nil {
		e.fail()
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	qosKey := "result"
	if msg.Tag() == "error" {
		qosKey = "error"
	}
	return e.PublishRaw(ctx, e.Topic(msg.Tag()), e.cfg.QoS[qosKey], payload)
}

// PublishRaw publishes bytes to an arbitrary topic
func (e *MQTTEmitter) PublishRaw(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.fail()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
	case <-time.After(2 * time.Second):
		e.fail()
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		e.fail()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		e.fail()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.ok(topic)
	slog.Debug("message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(ctx context.Context, payload []byte) error {
	return e.PublishRaw(ctx, e.cfg.Topics.Health, e.cfg.QoS["health"], payload)
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats { return e.snapshot() }
