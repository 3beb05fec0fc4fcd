package control

import (
	"context"
	"errors"
	"testing"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

func testHandler(started *types.StartTaskRequest, updated *map[string]interface{}) *Handler {
	return NewHandler(config.MQTTConfig{Topics: config.MQTTTopics{Control: "smartengine/control/e1"}}, nil, CommandCallbacks{
		OnStartTask: func(_ context.Context, req types.StartTaskRequest) types.TaskResponse {
			if req.SkillName == "missing" {
				return types.TaskResponse{Status: "error", Message: "skill not found", ErrorCode: 1}
			}
			*started = req
			return types.TaskResponse{TaskID: "t-1", Status: "started", Message: "task submitted"}
		},
		OnStopTask: func(_ context.Context, taskID string) types.TaskResponse {
			return types.TaskResponse{TaskID: taskID, Status: "stopped"}
		},
		OnGetTaskStatus: func(_ context.Context, taskID string) (types.TaskState, error) {
			if taskID == "t-1" {
				return types.StateRunning, nil
			}
			return "", errors.New("task not found")
		},
		OnListSkills: func(skillType string, enabled *bool) interface{} {
			return []string{skillType}
		},
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"active": 1}
		},
		OnUpdateConfig: func(cfg map[string]interface{}) error {
			*updated = cfg
			return nil
		},
	})
}

// TestHandle verifies command dispatch and response statuses.
func TestHandle(t *testing.T) {
	var started types.StartTaskRequest
	var updated map[string]interface{}
	h := testHandler(&started, &updated)

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
	}{
		{"start", Command{Command: "start_task", Params: map[string]interface{}{
			"video_stream": "mock://cam", "skill_name": "helmet", "frame_rate": 5.0, "roi": []interface{}{0.0, 0.0, 1.0, 1.0},
		}}, "success"},
		{"start unknown skill", Command{Command: "start_task", Params: map[string]interface{}{
			"video_stream": "mock://cam", "skill_name": "missing",
		}}, "error"},
		{"stop", Command{Command: "stop_task", Params: map[string]interface{}{"task_id": "t-1"}}, "success"},
		{"stop without id", Command{Command: "stop_task"}, "error"},
		{"status", Command{Command: "get_task_status", Params: map[string]interface{}{"task_id": "t-1"}}, "success"},
		{"status unknown", Command{Command: "get_task_status", Params: map[string]interface{}{"task_id": "nope"}}, "error"},
		{"list skills", Command{Command: "list_skills", Params: map[string]interface{}{"type": "helmet_detection"}}, "success"},
		{"get status", Command{Command: "get_status"}, "success"},
		{"update config", Command{Command: "update_config", Config: map[string]interface{}{"max_concurrent_tasks": 3.0}}, "success"},
		{"shutdown without callback", Command{Command: "shutdown"}, "error"},
		{"unknown", Command{Command: "reboot"}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), tt.cmd)
			if resp.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s (error=%q)", tt.wantStatus, resp.Status, resp.Error)
			}
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("Expected ack %q, got %q", tt.cmd.Command, resp.CommandAck)
			}
		})
	}

	if started.FrameRate != 5 || len(started.ROI) != 4 {
		t.Errorf("start_task params not decoded: %+v", started)
	}
	if updated["max_concurrent_tasks"] != 3.0 {
		t.Errorf("update_config payload not passed through: %v", updated)
	}
}

// TestResponseTopic verifies responses go to the control response topic.
func TestResponseTopic(t *testing.T) {
	h := NewHandler(config.MQTTConfig{Topics: config.MQTTTopics{Control: "smartengine/control/e1"}}, nil, CommandCallbacks{})
	if got := h.ResponseTopic(); got != "smartengine/control/e1/response" {
		t.Errorf("Unexpected response topic %q", got)
	}
}
