package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// MockConfig configures a synthetic stream
type MockConfig struct {
	Width  int
	Height int
	FPS    int
	Frames int // 0 = unbounded
	Source string
}

// MockStream generates synthetic BGR24 frames
type MockStream struct {
	cfg MockConfig

	framesCh chan types.Frame
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockStream creates a new mock stream
func NewMockStream(cfg MockConfig) *MockStream {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &MockStream{
		cfg:      cfg,
		framesCh: make(chan types.Frame, 10),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockStream) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Debug("mock stream starting",
		"width", m.cfg.Width,
		"height", m.cfg.Height,
		"fps", m.cfg.FPS,
		"frames", m.cfg.Frames,
		"source", m.cfg.Source,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)

	return nil
}

// Frames returns the frames channel
func (m *MockStream) Frames() <-chan types.Frame {
	return m.framesCh
}

// Err implements Source. Synthetic streams never fail.
func (m *MockStream) Err() error { return nil }

// FPS implements Source
func (m *MockStream) FPS() float64 { return float64(m.cfg.FPS) }

// Stop stops the stream and waits for the generator to exit
func (m *MockStream) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		m.isRunning = false
		slog.Debug("mock stream stopped",
			"frames_emitted", m.framesEmitted,
			"duration", time.Since(m.startTime),
		)
	}
	return nil
}

// Stats returns stream statistics
func (m *MockStream) Stats() types.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.framesEmitted > 0 {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}

	return types.StreamStats{
		FrameCount:   m.framesEmitted,
		FPSTarget:    m.cfg.FPS,
		FPSReal:      fpsReal,
		SourceStream: m.cfg.Source,
		Resolution:   fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		IsConnected:  m.isRunning,
	}
}

// generateFrames emits frames at the target FPS and closes the channel when done
func (m *MockStream) generateFrames(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.framesCh)

	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame, ok := m.createFrame()
			if !ok {
				return
			}
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}
}

// createFrame creates the next synthetic frame, false once the frame budget is spent
func (m *MockStream) createFrame() (types.Frame, bool) {
	m.mu.Lock()
	seq := m.seq
	if m.cfg.Frames > 0 && seq >= uint64(m.cfg.Frames) {
		m.mu.Unlock()
		return types.Frame{}, false
	}
	m.seq++
	m.mu.Unlock()

	// Flat grey level cycling with the sequence number
	data := make([]byte, m.cfg.Width*m.cfg.Height*3)
	level := byte(seq % 256)
	for i := range data {
		data[i] = level
	}

	return types.Frame{
		Seq:          seq,
		Timestamp:    time.Now(),
		Offset:       float64(seq) / float64(m.cfg.FPS),
		Width:        m.cfg.Width,
		Height:       m.cfg.Height,
		Format:       types.FormatBGR24,
		Data:         data,
		SourceStream: m.cfg.Source,
		TraceID:      uuid.New().String(),
	}, true
}
