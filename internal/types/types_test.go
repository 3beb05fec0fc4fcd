package types

import (
	"testing"
	"time"
)

// TestParsePriority verifies request priorities map to tiers.
func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"high", PriorityHigh},
		{" HIGH ", PriorityHigh},
		{"low", PriorityLow},
		{"medium", PriorityMedium},
		{"", PriorityMedium},
		{"urgent", PriorityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParsePriority(tt.in); got != tt.want {
				t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestStartTaskRequestValidate verifies required fields and ROI shape.
func TestStartTaskRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     StartTaskRequest
		wantErr bool
	}{
		{"valid", StartTaskRequest{VideoStream: "mock://a", SkillName: "helmet"}, false},
		{"valid roi", StartTaskRequest{VideoStream: "mock://a", SkillName: "helmet", ROI: []float64{0.1, 0.1, 0.5, 0.5}}, false},
		{"no stream", StartTaskRequest{SkillName: "helmet"}, true},
		{"no skill", StartTaskRequest{VideoStream: "mock://a"}, true},
		{"short roi", StartTaskRequest{VideoStream: "mock://a", SkillName: "helmet", ROI: []float64{0, 0}}, true},
		{"roi out of range", StartTaskRequest{VideoStream: "mock://a", SkillName: "helmet", ROI: []float64{0, 0, 1.5, 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestRequestTask verifies the task built from a request.
func TestRequestTask(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req := StartTaskRequest{
		VideoStream: "mock://a",
		SkillName:   "helmet",
		FrameRate:   5,
		ROI:         []float64{0.1, 0.2, 0.3, 0.4},
		Priority:    "high",
		UseGPU:      true,
	}

	task := req.Task("t1", now)
	if task.ID != "t1" || task.State != StatePending || !task.CreatedAt.Equal(now) {
		t.Errorf("Unexpected identity fields: %+v", task)
	}
	if task.Priority != PriorityHigh {
		t.Errorf("Expected high priority, got %s", task.Priority)
	}
	if task.Resources.GPUUnits != 1 || task.Resources.CPUCores != 1 || task.Resources.MemoryGB != 2 {
		t.Errorf("Unexpected resources: %+v", task.Resources)
	}
	if task.ROI != (NormalizedRect{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}) {
		t.Errorf("Unexpected roi: %+v", task.ROI)
	}
	if err := task.Validate(); err != nil {
		t.Errorf("Task should be valid: %v", err)
	}
}

// TestTerminal verifies which states end a task.
func TestTerminal(t *testing.T) {
	for st, want := range map[TaskState]bool{
		StatePending:   false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
		StateStopped:   true,
	} {
		if st.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, !want, want)
		}
	}
}

// TestResultFlatten verifies detections are merged in model name order.
func TestResultFlatten(t *testing.T) {
	r := &Result{Detections: map[string][]Detection{
		"b_model": {{Class: "helmet"}},
		"a_model": {{Class: "person"}, {Class: "vest"}},
		"c_model": nil,
	}}

	if !r.HasDetections() {
		t.Fatal("Expected detections")
	}
	got := r.Flatten()
	want := []string{"person", "vest", "helmet"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d detections, got %d", len(want), len(got))
	}
	for i, d := range got {
		if d.Class != want[i] {
			t.Errorf("detection %d: got %s, want %s", i, d.Class, want[i])
		}
	}

	empty := &Result{Detections: map[string][]Detection{"a": {}}}
	if empty.HasDetections() {
		t.Error("Empty model output should not count as detections")
	}
}

// TestROIHelpers verifies normalized to pixel conversion and containment.
func TestROIHelpers(t *testing.T) {
	if !RectFromSlice([]float64{0, 0, 1}).IsZero() {
		t.Error("Malformed slice should yield the zero rect")
	}

	px := RectFromSlice([]float64{0.25, 0.5, 0.5, 0.5}).ToPixels(100, 40)
	if px != (PixelRect{X: 25, Y: 20, Width: 50, Height: 20}) {
		t.Fatalf("Unexpected pixel rect %+v", px)
	}
	if !px.Contains(25, 20) || !px.Contains(75, 40) || px.Contains(24, 30) {
		t.Error("Contains should include edges only")
	}

	x, y, ok := BBox{10, 20, 30, 40}.Center()
	if !ok || x != 25 || y != 40 {
		t.Errorf("Center = (%v, %v, %v)", x, y, ok)
	}
	if _, _, ok := (BBox{1, 2}).Center(); ok {
		t.Error("Malformed bbox should not have a centre")
	}
}
