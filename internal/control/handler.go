// Package control implements the MQTT control plane: JSON commands arrive on
// the control topic and responses are published on {control}/response.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// commandTimeout bounds the execution of one command
const commandTimeout = 10 * time.Second

// Command represents a control plane command
type Command struct {
	Command   string                 `json:"command"`
	RequestID string                 `json:"request_id,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string      `json:"command_ack"`
	RequestID  string      `json:"request_id,omitempty"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnStartTask     func(ctx context.Context, req types.StartTaskRequest) types.TaskResponse
	OnStopTask      func(ctx context.Context, taskID string) types.TaskResponse
	OnGetTaskStatus func(ctx context.Context, taskID string) (types.TaskState, error)
	OnListSkills    func(skillType string, enabled *bool) interface{}
	OnGetStatus     func() map[string]interface{}
	OnUpdateConfig  func(map[string]interface{}) error
	OnShutdown      func() error
}

// Handler handles control plane commands
type Handler struct {
	topics    config.MQTTTopics
	qos       map[string]byte
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	now       func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		topics:    cfg.Topics,
		qos:       cfg.QoS,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		now:       time.Now,
	}
}

// ResponseTopic is where command responses are published
func (h *Handler) ResponseTopic() string {
	return h.topics.Control + "/response"
}

// Start subscribes to the control topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	topic := h.topics.Control
	qos := h.qos["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command, "request_id", cmd.RequestID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp := h.Handle(ctx, cmd)
			h.sendResponse(resp)

			if cmd.Command == "shutdown" && resp.Status == "success" {
				go func() {
					time.Sleep(500 * time.Millisecond) // let the response go out first
					if err := h.callbacks.OnShutdown(); err != nil {
						slog.Error("shutdown callback failed", "error", err)
					}
				}()
			}
		}
	}
}

// Handle executes a command and returns its response. A shutdown command is
// only acknowledged here; the caller triggers it after responding.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	resp := Response{CommandAck: cmd.Command, RequestID: cmd.RequestID}
	fail := func(format string, args ...interface{}) Response {
		resp.Status = "error"
		resp.Error = fmt.Sprintf(format, args...)
		return resp
	}

	switch cmd.Command {
	case "start_task":
		if h.callbacks.OnStartTask == nil {
			return fail("start_task not implemented")
		}
		var req types.StartTaskRequest
		if err := decodeParams(cmd.Params, &req); err != nil {
			return fail("invalid start_task params: %v", err)
		}
		out := h.callbacks.OnStartTask(ctx, req)
		if out.ErrorCode != 0 {
			resp.Data = out
			return fail("%s", out.Message)
		}
		resp.Status = "success"
		resp.Data = out

	case "stop_task":
		if h.callbacks.OnStopTask == nil {
			return fail("stop_task not implemented")
		}
		taskID, ok := cmd.Params["task_id"].(string)
		if !ok || taskID == "" {
			return fail("missing or invalid 'task_id' parameter (expected string)")
		}
		out := h.callbacks.OnStopTask(ctx, taskID)
		if out.ErrorCode != 0 {
			resp.Data = out
			return fail("%s", out.Message)
		}
		resp.Status = "success"
		resp.Data = out

	case "get_task_status":
		if h.callbacks.OnGetTaskStatus == nil {
			return fail("get_task_status not implemented")
		}
		taskID, ok := cmd.Params["task_id"].(string)
		if !ok || taskID == "" {
			return fail("missing or invalid 'task_id' parameter (expected string)")
		}
		st, err := h.callbacks.OnGetTaskStatus(ctx, taskID)
		if err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"task_id": taskID, "status": st}

	case "list_skills":
		if h.callbacks.OnListSkills == nil {
			return fail("list_skills not implemented")
		}
		skillType, _ := cmd.Params["type"].(string)
		var enabled *bool
		if v, ok := cmd.Params["enabled"].(bool); ok {
			enabled = &v
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnListSkills(skillType, enabled)

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "update_config":
		if h.callbacks.OnUpdateConfig == nil {
			return fail("update_config not implemented")
		}
		if err := h.callbacks.OnUpdateConfig(cmd.Config); err != nil {
			return fail("%v", err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"config_updated": true}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail("shutdown not implemented")
		}
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		return fail("unknown command: %s", cmd.Command)
	}

	return resp
}

// decodeParams converts loosely typed JSON params into a request struct
func decodeParams(params map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// sendResponse publishes a response on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}
	if h.client == nil {
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.qos["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
