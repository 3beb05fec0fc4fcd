package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/imaging"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// DirConfig configures a JPEG directory replay
type DirConfig struct {
	Path   string
	FPS    int
	Loop   bool // replay forever
	Source string
}

// DirStream replays the JPEG files of a directory in name order
type DirStream struct {
	cfg   DirConfig
	files []string

	framesCh chan types.Frame
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	err           error
	framesEmitted uint64
	errors        uint64
	isRunning     bool
	startTime     time.Time
	resolution    string
}

// NewDirStream lists the directory. It fails when no JPEG files are found.
func NewDirStream(cfg DirConfig) (*DirStream, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 10
	}
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(cfg.Path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg frames in %s", cfg.Path)
	}
	sort.Strings(files)

	return &DirStream{
		cfg:      cfg,
		files:    files,
		framesCh: make(chan types.Frame, 10),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the replay
func (d *DirStream) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	d.isRunning = true
	d.startTime = time.Now()
	d.mu.Unlock()

	slog.Debug("dir stream starting", "path", d.cfg.Path, "files", len(d.files), "fps", d.cfg.FPS, "loop", d.cfg.Loop)

	d.wg.Add(1)
	go d.replay(ctx)
	return nil
}

// Frames returns the frames channel
func (d *DirStream) Frames() <-chan types.Frame { return d.framesCh }

// FPS implements Source
func (d *DirStream) FPS() float64 { return float64(d.cfg.FPS) }

// Err returns the read error that ended the replay, if any
func (d *DirStream) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Stop stops the replay
func (d *DirStream) Stop() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	d.mu.Lock()
	d.isRunning = false
	d.mu.Unlock()
	return nil
}

// Stats returns stream statistics
func (d *DirStream) Stats() types.StreamStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var fpsReal float64
	if d.framesEmitted > 0 {
		if elapsed := time.Since(d.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(d.framesEmitted) / elapsed
		}
	}
	return types.StreamStats{
		FrameCount:   d.framesEmitted,
		FPSTarget:    d.cfg.FPS,
		FPSReal:      fpsReal,
		SourceStream: d.cfg.Source,
		Resolution:   d.resolution,
		IsConnected:  d.isRunning,
		Errors:       d.errors,
	}
}

func (d *DirStream) replay(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.framesCh)

	ticker := time.NewTicker(time.Second / time.Duration(d.cfg.FPS))
	defer ticker.Stop()

	var seq uint64
	for {
		for _, path := range d.files {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
			}

			frame, err := d.readFrame(path, seq)
			if err != nil {
				d.mu.Lock()
				d.err = err
				d.errors++
				d.mu.Unlock()
				return
			}

			select {
			case d.framesCh <- frame:
				seq++
				d.mu.Lock()
				d.framesEmitted++
				d.mu.Unlock()
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			}
		}
		if !d.cfg.Loop {
			return
		}
	}
}

func (d *DirStream) readFrame(path string, seq uint64) (types.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, fmt.Errorf("failed to read frame %s: %w", path, err)
	}
	width, height, err := imaging.DecodeConfig(data)
	if err != nil {
		return types.Frame{}, fmt.Errorf("invalid jpeg frame %s: %w", path, err)
	}

	d.mu.Lock()
	d.resolution = fmt.Sprintf("%dx%d", width, height)
	d.mu.Unlock()

	return types.Frame{
		Seq:          seq,
		Timestamp:    time.Now(),
		Offset:       float64(seq) / float64(d.cfg.FPS),
		Width:        width,
		Height:       height,
		Format:       types.FormatJPEG,
		Data:         data,
		SourceStream: d.cfg.Source,
		TraceID:      uuid.New().String(),
	}, nil
}
