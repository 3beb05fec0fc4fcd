package skill

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/inference"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

func boolPtr(b bool) *bool { return &b }

func testSkills() map[string]config.SkillConfig {
	return map[string]config.SkillConfig{
		"helmet": {
			Type: TypeHelmet,
			Name: "Helmet detection",
			Models: []config.ModelConfig{
				{ModelID: "helmet-v1", Name: "helmet_model", Type: "object_detection", MarPath: "helmet.mar",
					Parameters: map[string]string{"confidence": "0.5"}},
			},
		},
		"ppe": {
			Type: TypePPE,
			Models: []config.ModelConfig{
				{ModelID: "helmet-v1", Name: "helmet_model", Type: "object_detection", MarPath: "helmet.mar"},
				{ModelID: "vest-v1", Name: "vest_model", Type: "object_detection", MarPath: "vest.mar"},
			},
		},
		"legacy": {
			Type:    TypeHelmet,
			Enabled: boolPtr(false),
			Models:  []config.ModelConfig{{Name: "old", Type: "object_detection", MarPath: "old.mar"}},
		},
		"fire": {
			Type:   "fire_detection",
			Models: []config.ModelConfig{{Name: "fire", Type: "object_detection", MarPath: "fire.mar"}},
		},
		"broken": {
			Type:   TypePPE,
			Models: []config.ModelConfig{{Name: "no_artifact", Type: "object_detection"}},
		},
	}
}

func frame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 100, Height: 100, Format: types.FormatBGR24, Data: make([]byte, 100*100*3)}
}

// TestLifecycleTransitions verifies start on first consumer and stop on last.
func TestLifecycleTransitions(t *testing.T) {
	backend := inference.NewMockBackend()
	lc := NewLifecycle(backend)
	lc.Handle(inference.Model{ID: "m", Name: "m"})
	ctx := context.Background()

	steps := []struct {
		name    string
		acquire bool
		task    string
		want    Transition
	}{
		{"first consumer starts", true, "a", TransitionStarted},
		{"second consumer", true, "b", TransitionNone},
		{"repeat acquire", true, "a", TransitionNone},
		{"one of two leaves", false, "a", TransitionNone},
		{"unknown task release", false, "zzz", TransitionNone},
		{"last consumer stops", false, "b", TransitionStopped},
		{"restart", true, "c", TransitionStarted},
	}

	for _, st := range steps {
		var got Transition
		var err error
		if st.acquire {
			got, err = lc.Acquire(ctx, "m", st.task)
		} else {
			got, err = lc.Release(ctx, "m", st.task)
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", st.name, err)
		}
		if got != st.want {
			t.Errorf("%s: got %s, want %s", st.name, got, st.want)
		}
	}

	if reg, unreg := backend.Calls("m"); reg != 2 || unreg != 1 {
		t.Errorf("Expected 2 registers and 1 unregister, got %d/%d", reg, unreg)
	}
	if _, err := lc.Acquire(ctx, "missing", "a"); err == nil {
		t.Error("Expected error for unknown model")
	}
}

// TestAcquireRegisterFailure verifies rollback when the backend refuses a model.
func TestAcquireRegisterFailure(t *testing.T) {
	backend := inference.NewMockBackend()
	lc := NewLifecycle(backend)
	h := lc.Handle(inference.Model{ID: "m", Name: "m"})
	ctx := context.Background()

	backend.FailRegister("m", errors.New("no gpu"))
	_, err := lc.Acquire(ctx, "m", "a")
	if !errors.Is(err, ErrModelStartFailure) {
		t.Fatalf("Expected ErrModelStartFailure, got %v", err)
	}
	if h.Active() || h.HasConsumer("a") {
		t.Fatal("Failed acquire must leave no membership and an inactive model")
	}
	if h.State().LastError == "" {
		t.Error("Expected the failure to be remembered")
	}

	backend.FailRegister("m", nil)
	if tr, err := lc.Acquire(ctx, "m", "a"); err != nil || tr != TransitionStarted {
		t.Fatalf("Expected retry to start the model, got %s %v", tr, err)
	}
}

// TestReleaseUnregisterFailure verifies unregister errors are best effort.
func TestReleaseUnregisterFailure(t *testing.T) {
	backend := inference.NewMockBackend()
	lc := NewLifecycle(backend)
	h := lc.Handle(inference.Model{ID: "m", Name: "m"})
	ctx := context.Background()

	lc.Acquire(ctx, "m", "a")
	// Unloading behind the arena's back makes the backend unregister fail
	backend.Unregister(ctx, "m")

	tr, err := lc.Release(ctx, "m", "a")
	if err != nil || tr != TransitionStopped {
		t.Fatalf("Expected stopped without error, got %s %v", tr, err)
	}
	if h.Active() {
		t.Error("Model should be inactive after its last consumer left")
	}
	if st := h.State(); st.LastError == "" || st.Leftover {
		t.Errorf("Expected a remembered failure and no leftover, got %+v", st)
	}

	// The backend no longer has it, so the next consumer registers again
	if tr, err := lc.Acquire(ctx, "m", "b"); err != nil || tr != TransitionStarted {
		t.Fatalf("Expected restart, got %s %v", tr, err)
	}
	if reg, _ := backend.Calls("m"); reg != 2 {
		t.Errorf("Expected a second register, got %d", reg)
	}
}

// TestLeftoverModelAdopted verifies a model that failed to unregister is
// adopted by the next first consumer and unregistered by the next last one.
func TestLeftoverModelAdopted(t *testing.T) {
	backend := inference.NewMockBackend()
	lc := NewLifecycle(backend)
	h := lc.Handle(inference.Model{ID: "m", Name: "m"})
	ctx := context.Background()

	if _, err := lc.Acquire(ctx, "m", "t1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	backend.FailUnregister("m", errors.New("worker busy"))
	if tr, err := lc.Release(ctx, "m", "t1"); err != nil || tr != TransitionStopped {
		t.Fatalf("Expected stopped, got %s %v", tr, err)
	}
	if !backend.Loaded("m") || !h.State().Leftover {
		t.Fatal("Expected the model to stay loaded and be marked leftover")
	}
	backend.FailUnregister("m", nil)

	tr, err := lc.Acquire(ctx, "m", "t2")
	if err != nil || tr != TransitionStarted {
		t.Fatalf("Expected leftover model to be adopted, got %s %v", tr, err)
	}
	if !h.Active() || h.State().Leftover {
		t.Errorf("Unexpected state after adoption %+v", h.State())
	}
	if _, err := backend.Infer(ctx, "m", frame(1)); err != nil {
		t.Errorf("Infer on adopted model failed: %v", err)
	}

	if tr, err := lc.Release(ctx, "m", "t2"); err != nil || tr != TransitionStopped {
		t.Fatalf("Expected stopped, got %s %v", tr, err)
	}
	if backend.Loaded("m") {
		t.Error("Expected the retried unregister to unload the model")
	}
	if reg, unreg := backend.Calls("m"); reg != 1 || unreg != 2 {
		t.Errorf("Expected 1 register and 2 unregisters, got %d/%d", reg, unreg)
	}
}

// TestConcurrentConsumers verifies a model is active iff it has consumers under
// concurrent add/remove from tasks sharing a skill.
func TestConcurrentConsumers(t *testing.T) {
	backend := inference.NewMockBackend()
	lc := NewLifecycle(backend)
	o := NewOrchestrator(testSkills(), lc)
	ctx := context.Background()

	ppe, err := o.Get("ppe")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	helmet, _ := o.Get("helmet")

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 200; i++ {
				taskID := fmt.Sprintf("task-%d", rng.Intn(6))
				s := ppe
				if rng.Intn(2) == 0 {
					s = helmet
				}
				if rng.Intn(2) == 0 {
					if err := s.AddTask(ctx, taskID); err != nil {
						t.Errorf("AddTask failed: %v", err)
						return
					}
				} else {
					s.RemoveTask(ctx, taskID)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, st := range o.Models() {
		if st.Active != (len(st.Consumers) > 0) {
			t.Errorf("Model %s: active=%v with %d consumers", st.ModelID, st.Active, len(st.Consumers))
		}
		if backend.Loaded(st.ModelID) != st.Active {
			t.Errorf("Model %s: backend loaded=%v, handle active=%v", st.ModelID, backend.Loaded(st.ModelID), st.Active)
		}
		reg, unreg := backend.Calls(st.ModelID)
		want := 0
		if st.Active {
			want = 1
		}
		if reg-unreg != want {
			t.Errorf("Model %s: %d registers vs %d unregisters", st.ModelID, reg, unreg)
		}
	}

	for i := 0; i < 6; i++ {
		ppe.RemoveTask(ctx, fmt.Sprintf("task-%d", i))
		helmet.RemoveTask(ctx, fmt.Sprintf("task-%d", i))
	}
	for _, st := range o.Models() {
		if st.Active || len(st.Consumers) != 0 {
			t.Errorf("Model %s still held: %+v", st.ModelID, st)
		}
	}
}

// TestOrchestratorRegistry verifies which configured skills end up registered.
func TestOrchestratorRegistry(t *testing.T) {
	o := NewOrchestrator(testSkills(), NewLifecycle(inference.NewMockBackend()))

	for id, want := range map[string]bool{
		"helmet": true,
		"ppe":    true,
		"legacy": false, // disabled
		"fire":   false, // unknown type
		"broken": false, // no mar_path
	} {
		if got := o.Has(id); got != want {
			t.Errorf("Has(%q) = %v, want %v", id, got, want)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"helmet", "legacy", "ppe"}},
		{"by type", Filter{Type: TypeHelmet}, []string{"helmet", "legacy"}},
		{"enabled only", Filter{Enabled: boolPtr(true)}, []string{"helmet", "ppe"}},
		{"disabled helmet", Filter{Type: TypeHelmet, Enabled: boolPtr(false)}, []string{"legacy"}},
		{"no match", Filter{Type: "fire_detection"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := o.List(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d skills, want %d", len(got), len(tt.want))
			}
			for i, d := range got {
				if d.ID != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, d.ID, tt.want[i])
				}
			}
		})
	}

	d := o.List(Filter{Type: TypeHelmet, Enabled: boolPtr(true)})[0]
	if d.Name != "Helmet detection" || d.ModelName != "helmet_model" || d.Parameters["confidence"] != "0.5" {
		t.Errorf("Unexpected descriptor: %+v", d)
	}
}

// TestExecuteSkill verifies lazy model start, partial results and ROI filtering.
func TestExecuteSkill(t *testing.T) {
	backend := inference.NewMockBackend()
	o := NewOrchestrator(testSkills(), NewLifecycle(backend))
	ctx := context.Background()

	if _, err := o.ExecuteSkill(ctx, "fire", Input{TaskID: "t1", Frame: frame(1)}); !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("Expected ErrSkillNotFound, got %v", err)
	}

	backend.SetDetectFunc(func(m inference.Model, f types.Frame) []types.Detection {
		return []types.Detection{
			{Class: types.ClassPerson, Confidence: 0.9, BBox: types.BBox{10, 10, 10, 10}}, // centre (15,15)
			{Class: types.ClassPerson, Confidence: 0.9, BBox: types.BBox{70, 70, 10, 10}}, // centre (75,75)
		}
	})
	backend.FailInfer("vest-v1", errors.New("cuda oom"))

	out, err := o.ExecuteSkill(ctx, "ppe", Input{
		TaskID: "t1",
		Frame:  frame(1),
		ROI:    types.NormalizedRect{X: 0, Y: 0, Width: 0.5, Height: 0.5},
	})
	if err != nil {
		t.Fatalf("ExecuteSkill failed: %v", err)
	}
	if out.Status != StatusSuccess || out.SkillID != "ppe" {
		t.Errorf("Unexpected output header: %+v", out)
	}
	if _, ok := out.Detections["vest_model"]; ok {
		t.Error("Failed model should be omitted")
	}
	if dets := out.Detections["helmet_model"]; len(dets) != 1 || dets[0].BBox[0] != 10 {
		t.Errorf("Expected only the detection inside the ROI, got %+v", dets)
	}

	ppe, _ := o.Get("ppe")
	if !ppe.HasTask("t1") {
		t.Error("Expected task to be registered as a consumer")
	}
	if !backend.Loaded("helmet-v1") || !backend.Loaded("vest-v1") {
		t.Error("Expected both models loaded")
	}

	o.ReleaseTask(ctx, "ppe", "t1")
	if backend.Loaded("helmet-v1") || ppe.HasTask("t1") {
		t.Error("Expected models released")
	}
}

// TestExecuteSkillStartFailure verifies a start failure surfaces to the caller.
func TestExecuteSkillStartFailure(t *testing.T) {
	backend := inference.NewMockBackend()
	o := NewOrchestrator(testSkills(), NewLifecycle(backend))
	backend.FailRegister("vest-v1", errors.New("bad archive"))

	_, err := o.ExecuteSkill(context.Background(), "ppe", Input{TaskID: "t1", Frame: frame(1)})
	if !errors.Is(err, ErrModelStartFailure) {
		t.Fatalf("Expected ErrModelStartFailure, got %v", err)
	}
	// The helmet model acquired first is released again
	if backend.Loaded("helmet-v1") {
		t.Error("Expected partial acquisition to be rolled back")
	}
}

// TestFilterROI verifies the bbox-centre rule.
func TestFilterROI(t *testing.T) {
	dets := []types.Detection{
		{Class: "a", BBox: types.BBox{0, 0, 20, 20}},   // centre (10,10)
		{Class: "b", BBox: types.BBox{80, 80, 10, 10}}, // centre (85,85)
		{Class: "c"},                                   // no bbox, kept
	}

	got := filterROI(dets, types.NormalizedRect{}, 100, 100)
	if len(got) != 3 {
		t.Errorf("Unset ROI should keep everything, got %d", len(got))
	}

	got = filterROI(dets, types.NormalizedRect{X: 0, Y: 0, Width: 0.5, Height: 0.5}, 100, 100)
	if len(got) != 2 || got[0].Class != "a" || got[1].Class != "c" {
		t.Errorf("Unexpected filtered detections: %+v", got)
	}
}
