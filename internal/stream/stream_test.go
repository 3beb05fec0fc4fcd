package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

func drain(t *testing.T, src Source, timeout time.Duration) []types.Frame {
	t.Helper()
	var out []types.Frame
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-src.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatalf("stream did not end within %v (got %d frames)", timeout, len(out))
		}
	}
}

// TestMockStreamFinite verifies a bounded mock stream emits exactly its frame budget.
func TestMockStreamFinite(t *testing.T) {
	src, err := Open("mock://cam?width=4&height=2&fps=200&frames=5")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	frames := drain(t, src, 2*time.Second)
	if len(frames) != 5 {
		t.Fatalf("Expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("Frame %d: expected seq %d, got %d", i, i, f.Seq)
		}
		if f.Format != types.FormatBGR24 || len(f.Data) != 4*2*3 {
			t.Errorf("Frame %d: unexpected payload %s/%d bytes", i, f.Format, len(f.Data))
		}
		if want := float64(i) / 200; f.Offset != want {
			t.Errorf("Frame %d: expected offset %v, got %v", i, want, f.Offset)
		}
		if f.TraceID == "" {
			t.Errorf("Frame %d: missing trace id", i)
		}
	}
	if src.Err() != nil {
		t.Errorf("Expected nil Err for exhausted stream, got %v", src.Err())
	}
	if stats := src.Stats(); stats.FrameCount != 5 || stats.Resolution != "4x2" {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

// TestMockStreamStop verifies Stop ends an unbounded stream.
func TestMockStreamStop(t *testing.T) {
	src := NewMockStream(MockConfig{FPS: 500})
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-src.Frames()

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	drain(t, src, time.Second)

	if err := src.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

// TestOpenUnsupported verifies unknown schemes are rejected.
func TestOpenUnsupported(t *testing.T) {
	if _, err := Open("rtsp://camera/1"); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("Expected ErrUnsupportedSource, got %v", err)
	}
}

func writeJPEGs(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		var buf bytes.Buffer
		img := image.NewRGBA(image.Rect(0, 0, 8, 6))
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			t.Fatal(err)
		}
		name := filepath.Join(dir, fmt.Sprintf("frame_%03d.jpg", i))
		if err := os.WriteFile(name, buf.Bytes(), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

// TestDirStream verifies a directory is replayed in name order as JPEG frames.
func TestDirStream(t *testing.T) {
	dir := t.TempDir()
	writeJPEGs(t, dir, 3)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := Open("dir://" + dir + "?fps=100")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	frames := drain(t, src, 2*time.Second)
	if len(frames) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Format != types.FormatJPEG || f.Width != 8 || f.Height != 6 {
			t.Errorf("Frame %d: unexpected %s %dx%d", i, f.Format, f.Width, f.Height)
		}
	}
	if src.FPS() != 100 {
		t.Errorf("Expected fps 100, got %v", src.FPS())
	}
}

// TestDirStreamEmpty verifies a directory without frames cannot be opened.
func TestDirStreamEmpty(t *testing.T) {
	if _, err := NewDirStream(DirConfig{Path: t.TempDir()}); err == nil {
		t.Fatal("Expected error for empty directory")
	}
}

// TestCalculateProcessInterval verifies sampling intervals.
func TestCalculateProcessInterval(t *testing.T) {
	tests := []struct {
		fps, rate float64
		want      int
	}{
		{30, 5, 6},
		{30, 7, 5},
		{25, 1, 25},
		{10, 30, 1},
		{30, 0, 1},
		{0, 5, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0f/%.0f", tt.fps, tt.rate), func(t *testing.T) {
			if got := CalculateProcessInterval(tt.fps, tt.rate); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

// TestSampler verifies every interval-th frame is kept, starting with the first.
func TestSampler(t *testing.T) {
	s := NewSampler(30, 10)
	var kept []int
	for i := 0; i < 10; i++ {
		if s.Keep() {
			kept = append(kept, i)
		}
	}
	want := []int{0, 3, 6, 9}
	if fmt.Sprint(kept) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, kept)
	}
}
