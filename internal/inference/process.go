package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// maxMessageSize guards against a corrupt length prefix
const maxMessageSize = 64 << 20

// stopGrace is how long a runner gets to exit after stdin is closed
const stopGrace = 2 * time.Second

// ProcessBackend runs one subprocess per registered model. Frames go to the
// runner's stdin and detections come back on stdout, both as msgpack messages
// with a 4-byte big-endian length prefix. Requests to one runner are serialized.
type ProcessBackend struct {
	command string
	args    []string
	timeout time.Duration

	mu      sync.Mutex
	runners map[string]*runner
}

// NewProcessBackend creates a backend that spawns `command args... --model <path> ...`
func NewProcessBackend(command string, args []string, timeout time.Duration) *ProcessBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProcessBackend{
		command: command,
		args:    args,
		timeout: timeout,
		runners: make(map[string]*runner),
	}
}

type runnerRequest struct {
	FrameData []byte     `msgpack:"frame_data"`
	Width     int        `msgpack:"width"`
	Height    int        `msgpack:"height"`
	Format    string     `msgpack:"format"`
	Meta      runnerMeta `msgpack:"meta"`
}

type runnerMeta struct {
	ModelID   string `msgpack:"model_id"`
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	TraceID   string `msgpack:"trace_id"`
}

type runnerResponse struct {
	Detections []types.Detection  `msgpack:"detections"`
	Error      string             `msgpack:"error"`
	Timing     map[string]float64 `msgpack:"timing"`
}

// runner is a single model subprocess
type runner struct {
	model Model

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	reqMu  sync.Mutex
	exited chan struct{}
	wg     sync.WaitGroup

	requests       atomic.Uint64
	failures       atomic.Uint64
	totalLatencyMS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// Register implements Backend
func (b *ProcessBackend) Register(_ context.Context, m Model) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runners[m.ID]; ok {
		return nil
	}

	r, err := b.spawn(m)
	if err != nil {
		return fmt.Errorf("failed to start runner for %s: %w", m.ID, err)
	}
	b.runners[m.ID] = r
	return nil
}

// spawn starts the runner subprocess
func (b *ProcessBackend) spawn(m Model) (*runner, error) {
	args := append([]string{}, b.args...)
	args = append(args,
		"--model", m.ArtifactPath,
		"--model-id", m.ID,
		"--name", m.Name,
		"--type", m.Type,
	)
	keys := make([]string, 0, len(m.Parameters))
	for k := range m.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--param", k+"="+m.Parameters[k])
	}

	r := &runner{model: m, exited: make(chan struct{})}
	r.cmd = exec.Command(b.command, args...)

	var err error
	if r.stdin, err = r.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if r.stdout, err = r.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if r.stderr, err = r.cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := r.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	r.lastSeenAt.Store(time.Now())

	slog.Info("model runner spawned",
		"model_id", m.ID,
		"artifact", m.ArtifactPath,
		"pid", r.cmd.Process.Pid,
	)

	r.wg.Add(2)
	go r.logStderr()
	go r.waitProcess()

	return r, nil
}

// Unregister implements Backend
func (b *ProcessBackend) Unregister(_ context.Context, modelID string) error {
	b.mu.Lock()
	r, ok := b.runners[modelID]
	delete(b.runners, modelID)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}
	return r.stop()
}

// Infer implements Backend
func (b *ProcessBackend) Infer(ctx context.Context, modelID string, frame types.Frame) ([]types.Detection, error) {
	b.mu.Lock()
	r, ok := b.runners[modelID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	dets, err := r.infer(ctx, frame)
	if err != nil {
		r.failures.Add(1)
		return nil, err
	}
	return dets, nil
}

// Metrics returns per-model runner statistics
func (b *ProcessBackend) Metrics() map[string]types.ModelMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]types.ModelMetrics, len(b.runners))
	for id, r := range b.runners {
		requests := r.requests.Load()
		var avg float64
		if requests > 0 {
			avg = float64(r.totalLatencyMS.Load()) / float64(requests)
		}
		var lastSeen time.Time
		if v := r.lastSeenAt.Load(); v != nil {
			lastSeen = v.(time.Time)
		}
		out[id] = types.ModelMetrics{
			Requests:     requests,
			Failures:     r.failures.Load(),
			AvgLatencyMS: avg,
			LastSeenAt:   lastSeen,
		}
	}
	return out
}

// Close stops every runner
func (b *ProcessBackend) Close() error {
	b.mu.Lock()
	runners := b.runners
	b.runners = make(map[string]*runner)
	b.mu.Unlock()

	var errs []error
	for _, r := range runners {
		if err := r.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// infer sends one request and waits for its response
func (r *runner) infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	select {
	case <-r.exited:
		return nil, fmt.Errorf("runner for %s has exited", r.model.ID)
	default:
	}

	req := runnerRequest{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    frame.Format,
		Meta: runnerMeta{
			ModelID:   r.model.ID,
			Seq:       frame.Seq,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
			TraceID:   frame.TraceID,
		},
	}

	start := time.Now()
	type result struct {
		resp runnerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		if err := writeMessage(r.stdin, req); err != nil {
			res.err = fmt.Errorf("failed to write request: %w", err)
		} else if err := readMessage(r.stdout, &res.resp); err != nil {
			res.err = fmt.Errorf("failed to read response: %w", err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		r.requests.Add(1)
		r.totalLatencyMS.Add(uint64(time.Since(start).Milliseconds()))
		r.lastSeenAt.Store(time.Now())
		if res.resp.Error != "" {
			return nil, fmt.Errorf("runner %s: %s", r.model.ID, res.resp.Error)
		}
		return res.resp.Detections, nil
	case <-ctx.Done():
		// The stream is out of sync after an abandoned request
		slog.Warn("model runner timed out, killing process",
			"model_id", r.model.ID,
			"error", ctx.Err(),
		)
		r.kill()
		return nil, fmt.Errorf("inference on %s: %w", r.model.ID, ctx.Err())
	}
}

func (r *runner) kill() {
	if r.cmd.Process != nil {
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("failed to kill model runner", "model_id", r.model.ID, "error", err)
		}
	}
}

// stop closes stdin and waits for the process, killing it after stopGrace
func (r *runner) stop() error {
	r.stdin.Close()

	select {
	case <-r.exited:
	case <-time.After(stopGrace):
		slog.Warn("model runner stop timeout, force killing process", "model_id", r.model.ID)
		r.kill()
		<-r.exited
	}
	r.wg.Wait()

	slog.Info("model runner stopped",
		"model_id", r.model.ID,
		"requests", r.requests.Load(),
		"failures", r.failures.Load(),
	)
	return nil
}

// logStderr forwards runner stderr to slog, mapping level markers
func (r *runner) logStderr() {
	defer r.wg.Done()

	scanner := bufio.NewScanner(r.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("model runner error", "model_id", r.model.ID, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("model runner warning", "model_id", r.model.ID, "log", line)
		default:
			slog.Debug("model runner log", "model_id", r.model.ID, "log", line)
		}
	}
}

// waitProcess reaps the process so it never lingers as a zombie
func (r *runner) waitProcess() {
	defer r.wg.Done()
	defer close(r.exited)

	if err := r.cmd.Wait(); err != nil {
		slog.Warn("model runner exited", "model_id", r.model.ID, "error", err)
		return
	}
	slog.Debug("model runner exited cleanly", "model_id", r.model.ID)
}

// writeMessage writes v as msgpack with a 4-byte big-endian length prefix
func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack: %w", err)
	}

	lengthPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthPrefix, uint32(len(payload)))
	if _, err := w.Write(lengthPrefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(rd io.Reader, v interface{}) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(rd, lengthBuf); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf)
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack: %w", err)
	}
	return nil
}
