package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/monitor"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/scheduler"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/skill"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

const engineYAML = `
instance_id: engine-test
scheduler:
  max_concurrent_tasks: 2
  poll_interval_ms: 20
  sample_interval_ms: 50
messaging:
  backend: none
buffer:
  capacity: 30
  before_frames: 5
  after_frames: 5
skills:
  helmet:
    type: helmet_detection
    name: Helmet
    models:
      - model_id: helmet-v1
        name: helmet_model
        type: object_detection
        mar_path: helmet.mar
  ppe:
    type: ppe_detection
    name: PPE
    enabled: false
    models:
      - model_id: ppe-v1
        name: ppe_model
        type: object_detection
        mar_path: ppe.mar
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	cfg, err := config.Parse([]byte(engineYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	e, err := New(context.Background(), cfg, WithSampler(monitor.NewStaticSampler(10, 10)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

// TestStartTask verifies request validation and queueing.
func TestStartTask(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      types.StartTaskRequest
		wantCode int
	}{
		{"valid", types.StartTaskRequest{TaskID: "t1", VideoStream: "mock://cam", SkillName: "helmet"}, 0},
		{"duplicate", types.StartTaskRequest{TaskID: "t1", VideoStream: "mock://cam", SkillName: "helmet"}, 1},
		{"unknown skill", types.StartTaskRequest{VideoStream: "mock://cam", SkillName: "fire"}, 1},
		{"disabled skill", types.StartTaskRequest{VideoStream: "mock://cam", SkillName: "ppe"}, 1},
		{"missing stream", types.StartTaskRequest{SkillName: "helmet"}, 1},
		{"bad roi", types.StartTaskRequest{VideoStream: "mock://cam", SkillName: "helmet", ROI: []float64{0, 0, 1}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.StartTask(ctx, tt.req)
			if resp.ErrorCode != tt.wantCode {
				t.Fatalf("Expected error_code %d, got %d (%s)", tt.wantCode, resp.ErrorCode, resp.Message)
			}
			if tt.wantCode == 0 && resp.Status != StatusStarted {
				t.Errorf("Expected status %q, got %q", StatusStarted, resp.Status)
			}
		})
	}

	st, err := e.GetTaskStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTaskStatus failed: %v", err)
	}
	if st != types.StatePending {
		t.Errorf("Expected pending before Run, got %s", st)
	}
}

// TestStartTaskGeneratesID verifies an id is assigned when the request has none.
func TestStartTaskGeneratesID(t *testing.T) {
	e := newTestEngine(t)
	e.newID = func() string { return "generated" }

	resp := e.StartTask(context.Background(), types.StartTaskRequest{VideoStream: "mock://cam", SkillName: "helmet"})
	if resp.ErrorCode != 0 {
		t.Fatalf("StartTask failed: %s", resp.Message)
	}
	if resp.TaskID != "generated" {
		t.Errorf("Expected generated id, got %q", resp.TaskID)
	}
}

// TestStopQueuedTask verifies a queued task stops immediately and unknown ids fail.
func TestStopQueuedTask(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.StartTask(ctx, types.StartTaskRequest{TaskID: "q1", VideoStream: "mock://cam", SkillName: "helmet"})

	resp := e.StopTask(ctx, "q1")
	if resp.ErrorCode != 0 || resp.Status != StatusStopped {
		t.Fatalf("Unexpected stop response: %+v", resp)
	}
	st, err := e.GetTaskStatus(ctx, "q1")
	if err != nil || st != types.StateStopped {
		t.Errorf("Expected stopped, got %s (%v)", st, err)
	}

	if resp := e.StopTask(ctx, "nope"); resp.ErrorCode != 1 {
		t.Errorf("Expected error_code 1 for unknown task, got %+v", resp)
	}
	_, err = e.GetTaskStatus(ctx, "nope")
	if !errors.Is(err, scheduler.ErrNotFound) || !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

// TestListSkills verifies filtering by type and enabled flag.
func TestListSkills(t *testing.T) {
	e := newTestEngine(t)
	enabled := true

	if got := len(e.ListSkills("", nil)); got != 2 {
		t.Errorf("Expected 2 skills, got %d", got)
	}
	if got := e.ListSkills("", &enabled); len(got) != 1 || got[0].ID != "helmet" {
		t.Errorf("Expected only helmet enabled, got %+v", got)
	}
	if got := e.ListSkills("ppe_detection", nil); len(got) != 1 || got[0].Enabled {
		t.Errorf("Expected disabled ppe skill, got %+v", got)
	}
}

// TestUpdateConfig verifies scheduler limits are reloadable.
func TestUpdateConfig(t *testing.T) {
	e := newTestEngine(t)

	err := e.UpdateConfig(map[string]interface{}{
		"scheduler": map[string]interface{}{
			"max_concurrent_tasks": float64(5),
			"cpu_threshold":        float64(90),
		},
	})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	l := e.scheduler.Limits()
	if l.MaxConcurrent != 5 || l.CPUThreshold != 90 {
		t.Errorf("Limits not applied: %+v", l)
	}

	if err := e.UpdateConfig(map[string]interface{}{
		"scheduler": map[string]interface{}{"max_concurrent_ceiling": float64(0)},
	}); err != nil {
		t.Fatalf("Clearing the ceiling failed: %v", err)
	}
	if l := e.scheduler.Limits(); l.Ceiling != 0 {
		t.Errorf("Expected unbounded ceiling, got %d", l.Ceiling)
	}

	bad := []map[string]interface{}{
		{},
		{"stream": map[string]interface{}{"fps": float64(10)}},
		{"scheduler": map[string]interface{}{}},
		{"scheduler": map[string]interface{}{"max_concurrent_tasks": float64(0)}},
		{"scheduler": map[string]interface{}{"memory_threshold": float64(150)}},
		{"scheduler": map[string]interface{}{"max_concurrent_ceiling": float64(2)}},
		{"scheduler": map[string]interface{}{"max_concurrent_ceiling": float64(-1)}},
	}
	for i, c := range bad {
		if err := e.UpdateConfig(c); !errors.Is(err, config.ErrConfig) {
			t.Errorf("case %d: expected ErrConfig, got %v", i, err)
		}
	}
}

// TestGetStatusModelMetrics verifies status reports backend statistics per loaded model.
func TestGetStatusModelMetrics(t *testing.T) {
	cfg, err := config.Parse([]byte(engineYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	backend := inference.NewMockBackend()
	e, err := New(context.Background(), cfg, WithSampler(monitor.NewStaticSampler(10, 10)), WithBackend(backend))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	frame := types.Frame{Seq: 1, Width: 4, Height: 2, Format: types.FormatBGR24, Data: make([]byte, 4*2*3)}
	for i := 0; i < 3; i++ {
		if _, err := e.skills.ExecuteSkill(ctx, "helmet", skill.Input{TaskID: "t1", Frame: frame}); err != nil {
			t.Fatalf("ExecuteSkill failed: %v", err)
		}
	}

	models, ok := e.GetStatus()["models"].([]modelStatus)
	if !ok {
		t.Fatalf("Unexpected models entry %T", e.GetStatus()["models"])
	}
	var helmet *modelStatus
	for i := range models {
		if models[i].ModelID == "helmet-v1" {
			helmet = &models[i]
		}
	}
	if helmet == nil || !helmet.Active || len(helmet.Consumers) != 1 {
		t.Fatalf("Expected active helmet model with one consumer, got %+v", models)
	}
	if helmet.Metrics == nil || helmet.Metrics.Requests != 3 || helmet.Metrics.Failures != 0 {
		t.Errorf("Unexpected metrics %+v", helmet.Metrics)
	}

	e.skills.ReleaseTask(ctx, "helmet", "t1")
	models = e.GetStatus()["models"].([]modelStatus)
	for _, m := range models {
		if m.Metrics != nil {
			t.Errorf("Expected no metrics for unloaded model %s", m.ModelID)
		}
	}
}

// TestReadiness verifies readiness reports 503 until the engine runs.
func TestReadiness(t *testing.T) {
	e := newTestEngine(t)
	mux := e.HealthMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", rec.Code)
	}
}

// TestRunCompletesTask verifies a finite stream runs to completion and the
// engine shuts down cleanly.
func TestRunCompletesTask(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	resp := e.StartTask(ctx, types.StartTaskRequest{
		TaskID:      "run-1",
		VideoStream: "mock://cam?fps=30&frames=6",
		SkillName:   "helmet",
	})
	if resp.ErrorCode != 0 {
		t.Fatalf("StartTask failed: %s", resp.Message)
	}

	deadline := time.Now().Add(5 * time.Second)
	var st types.TaskState
	for time.Now().Before(deadline) {
		var err error
		st, err = e.GetTaskStatus(ctx, "run-1")
		if err == nil && st.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st != types.StateCompleted {
		t.Fatalf("Expected completed, got %q", st)
	}

	status := e.GetStatus()
	if status["running"] != true {
		t.Errorf("Expected running status, got %v", status["running"])
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if e.Running() {
		t.Error("Engine should not be running after Shutdown")
	}
}
