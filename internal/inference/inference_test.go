package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

func testFrame(seq uint64) types.Frame {
	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     4,
		Height:    2,
		Format:    types.FormatBGR24,
		Data:      make([]byte, 4*2*3),
	}
}

// TestMockBackend verifies register, infer and unregister on the mock.
func TestMockBackend(t *testing.T) {
	b := NewMockBackend()
	ctx := context.Background()
	m := Model{ID: "helmet", Name: "helmet_detection"}

	if _, err := b.Infer(ctx, "helmet", testFrame(1)); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("Expected ErrModelNotLoaded, got %v", err)
	}
	if err := b.Register(ctx, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	dets, err := b.Infer(ctx, "helmet", testFrame(1))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Class != types.ClassPerson {
		t.Fatalf("Unexpected detections: %+v", dets)
	}
	if !dets[0].HasRelated(types.ClassHelmet, 0.5) {
		t.Error("Expected helmet on frame 1")
	}

	dets, _ = b.Infer(ctx, "helmet", testFrame(4))
	if len(dets[0].RelatedObjects) != 0 {
		t.Error("Expected no related objects on frame 4")
	}

	b.FailInfer("helmet", errors.New("boom"))
	if _, err := b.Infer(ctx, "helmet", testFrame(2)); err == nil {
		t.Error("Expected injected failure")
	}

	if err := b.Unregister(ctx, "helmet"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if b.Loaded("helmet") {
		t.Error("Model still loaded after Unregister")
	}
	if reg, unreg := b.Calls("helmet"); reg != 1 || unreg != 1 {
		t.Errorf("Expected 1/1 calls, got %d/%d", reg, unreg)
	}
}

// TestMessageFraming verifies the length-prefixed msgpack framing.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	resp := runnerResponse{Detections: []types.Detection{{Class: "person", Confidence: 0.8, BBox: types.BBox{1, 2, 3, 4}}}}

	if err := writeMessage(&buf, resp); err != nil {
		t.Fatalf("writeMessage failed: %v", err)
	}
	if err := writeMessage(&buf, runnerResponse{Error: "second"}); err != nil {
		t.Fatalf("writeMessage failed: %v", err)
	}

	var first, second runnerResponse
	if err := readMessage(&buf, &first); err != nil {
		t.Fatalf("readMessage failed: %v", err)
	}
	if err := readMessage(&buf, &second); err != nil {
		t.Fatalf("readMessage failed: %v", err)
	}
	if len(first.Detections) != 1 || first.Detections[0].BBox[3] != 4 {
		t.Errorf("Unexpected first message: %+v", first)
	}
	if second.Error != "second" {
		t.Errorf("Unexpected second message: %+v", second)
	}
	if err := readMessage(&buf, &first); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

// TestMessageFramingRejectsOversize verifies a corrupt length prefix fails fast.
func TestMessageFramingRejectsOversize(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var resp runnerResponse
	if err := readMessage(buf, &resp); err == nil {
		t.Fatal("Expected error for oversized message")
	}
}

// TestHelperProcess is not a real test. It acts as a model runner when the
// process backend spawns the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	for {
		var req runnerRequest
		if err := readMessage(os.Stdin, &req); err != nil {
			os.Exit(0)
		}
		resp := runnerResponse{Timing: map[string]float64{"total_ms": 1}}
		if req.Width == 0 {
			resp.Error = "empty frame"
		} else {
			resp.Detections = []types.Detection{{
				ID:         req.Meta.ModelID,
				Class:      types.ClassPerson,
				Confidence: 0.9,
				BBox:       types.BBox{0, 0, float64(req.Width), float64(req.Height)},
			}}
		}
		if err := writeMessage(os.Stdout, resp); err != nil {
			os.Exit(1)
		}
	}
}

// TestProcessBackend verifies a full round trip through a runner subprocess.
func TestProcessBackend(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	b := NewProcessBackend(os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, 5*time.Second)
	defer b.Close()
	ctx := context.Background()

	m := Model{ID: "det", Name: "detector", Type: "object_detection", ArtifactPath: "det.mar"}
	if err := b.Register(ctx, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		dets, err := b.Infer(ctx, "det", testFrame(seq))
		if err != nil {
			t.Fatalf("Infer %d failed: %v", seq, err)
		}
		if len(dets) != 1 || dets[0].ID != "det" || dets[0].BBox[2] != 4 {
			t.Fatalf("Unexpected detections: %+v", dets)
		}
	}

	if _, err := b.Infer(ctx, "det", types.Frame{}); err == nil || !strings.Contains(err.Error(), "empty frame") {
		t.Errorf("Expected runner error, got %v", err)
	}

	metrics := b.Metrics()["det"]
	if metrics.Requests != 4 || metrics.Failures != 1 {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}

	if err := b.Unregister(ctx, "det"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := b.Infer(ctx, "det", testFrame(5)); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded after Unregister, got %v", err)
	}
}

// TestTorchServeBackend verifies the REST calls made against TorchServe.
func TestTorchServeBackend(t *testing.T) {
	var registered, deleted string
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models":
			if r.URL.Query().Get("synchronous") != "true" || r.URL.Query().Get("url") != "helmet.mar" {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
			registered = r.URL.Query().Get("model_name")
			w.Write([]byte(`{"status":"ok"}`))
		case r.Method == http.MethodDelete:
			deleted = strings.TrimPrefix(r.URL.Path, "/models/")
			w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer mgmt.Close()

	infer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predictions/helmet_detection" || r.Header.Get("Content-Type") != "image/jpeg" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"detections": []types.Detection{{Class: "person", Confidence: 0.7}},
		})
	}))
	defer infer.Close()

	b := NewTorchServeBackend(config.TorchServeConfig{
		InferenceURL:  infer.URL,
		ManagementURL: mgmt.URL + "/",
	}, time.Second)
	ctx := context.Background()

	if err := b.Register(ctx, Model{ID: "m1", Name: "helmet_detection", ArtifactPath: "helmet.mar"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if registered != "helmet_detection" {
		t.Errorf("Expected model registered by name, got %q", registered)
	}

	dets, err := b.Infer(ctx, "m1", testFrame(1))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Confidence != 0.7 {
		t.Errorf("Unexpected detections: %+v", dets)
	}

	if err := b.Unregister(ctx, "m1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if deleted != "helmet_detection" {
		t.Errorf("Expected delete of helmet_detection, got %q", deleted)
	}
	if _, err := b.Infer(ctx, "m1", testFrame(2)); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded, got %v", err)
	}
}

// TestTorchServeLeftoverModel verifies a model left loaded by a failed
// unregister is adopted on the next register and a 404 delete reads as not loaded.
func TestTorchServeLeftoverModel(t *testing.T) {
	var mu sync.Mutex
	loaded := map[string]bool{}
	deletes := 0
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			name := r.URL.Query().Get("model_name")
			if loaded[name] {
				http.Error(w, "model already registered", http.StatusConflict)
				return
			}
			loaded[name] = true
		case http.MethodDelete:
			name := strings.TrimPrefix(r.URL.Path, "/models/")
			deletes++
			switch {
			case deletes == 1:
				http.Error(w, "worker busy", http.StatusInternalServerError)
			case !loaded[name]:
				http.Error(w, "model not found", http.StatusNotFound)
			default:
				delete(loaded, name)
			}
		}
	}))
	defer mgmt.Close()

	b := NewTorchServeBackend(config.TorchServeConfig{ManagementURL: mgmt.URL}, time.Second)
	ctx := context.Background()
	m := Model{ID: "m1", Name: "helmet_detection", ArtifactPath: "helmet.mar"}

	if err := b.Register(ctx, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := b.Unregister(ctx, "m1"); err == nil || errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("Expected a server error from the first unregister, got %v", err)
	}
	if err := b.Register(ctx, m); err != nil {
		t.Fatalf("Expected conflict to be adopted, got %v", err)
	}
	if err := b.Unregister(ctx, "m1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	// Gone on the server while still known locally
	if err := b.Register(ctx, m); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	mu.Lock()
	delete(loaded, "helmet_detection")
	mu.Unlock()
	if err := b.Unregister(ctx, "m1"); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("Expected ErrModelNotLoaded for a 404, got %v", err)
	}
}

// TestDecodePredictions verifies both accepted response shapes.
func TestDecodePredictions(t *testing.T) {
	for _, raw := range []string{
		`[{"class":"person","confidence":0.5}]`,
		`{"detections":[{"class":"person","confidence":0.5}]}`,
	} {
		dets, err := decodePredictions(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("decodePredictions(%s) failed: %v", raw, err)
		}
		if len(dets) != 1 || dets[0].Class != "person" {
			t.Errorf("decodePredictions(%s) = %+v", raw, dets)
		}
	}
	if _, err := decodePredictions(json.RawMessage(`"nope"`)); err == nil {
		t.Error("Expected error for string payload")
	}
}
