package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/imaging"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// registerTimeout covers synchronous model loading, which is slow for big archives
const registerTimeout = 2 * time.Minute

// TorchServeBackend drives a TorchServe instance through its REST management
// and inference APIs. Models are registered under their configured name.
type TorchServeBackend struct {
	inferenceURL   string
	managementURL  string
	initialWorkers int
	client         *http.Client

	mu    sync.RWMutex
	names map[string]string // model id -> torchserve model name
}

// NewTorchServeBackend creates a backend for the given endpoints
func NewTorchServeBackend(cfg config.TorchServeConfig, timeout time.Duration) *TorchServeBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	workers := cfg.InitialWorkers
	if workers <= 0 {
		workers = 1
	}
	return &TorchServeBackend{
		inferenceURL:   strings.TrimRight(cfg.InferenceURL, "/"),
		managementURL:  strings.TrimRight(cfg.ManagementURL, "/"),
		initialWorkers: workers,
		client:         &http.Client{Timeout: timeout},
		names:          make(map[string]string),
	}
}

// Register implements Backend
func (b *TorchServeBackend) Register(ctx context.Context, m Model) error {
	q := url.Values{}
	q.Set("url", m.ArtifactPath)
	q.Set("model_name", m.Name)
	q.Set("initial_workers", strconv.Itoa(b.initialWorkers))
	q.Set("synchronous", "true")

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.managementURL+"/models?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	// Loading can outlast the per-inference client timeout
	client := &http.Client{Transport: b.client.Transport}
	err = b.do(client, req, nil)
	var se *statusError
	switch {
	case errors.As(err, &se) && se.code == http.StatusConflict:
		// Left loaded by an earlier unregister that failed
		slog.Warn("model already registered with torchserve, adopting it", "model_id", m.ID, "name", m.Name)
	case err != nil:
		return fmt.Errorf("register %s: %w", m.Name, err)
	}

	b.mu.Lock()
	b.names[m.ID] = m.Name
	b.mu.Unlock()

	slog.Info("model registered with torchserve", "model_id", m.ID, "name", m.Name, "mar_path", m.ArtifactPath)
	return nil
}

// Unregister implements Backend
func (b *TorchServeBackend) Unregister(ctx context.Context, modelID string) error {
	name, ok := b.name(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.managementURL+"/models/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	err = b.do(b.client, req, nil)
	var se *statusError
	switch {
	case errors.As(err, &se) && se.code == http.StatusNotFound:
		err = fmt.Errorf("unregister %s: %w", name, ErrModelNotLoaded)
	case err != nil:
		return fmt.Errorf("unregister %s: %w", name, err)
	}

	b.mu.Lock()
	delete(b.names, modelID)
	b.mu.Unlock()
	return err
}

// Infer implements Backend. Frames are uploaded as JPEG.
func (b *TorchServeBackend) Infer(ctx context.Context, modelID string, frame types.Frame) ([]types.Detection, error) {
	name, ok := b.name(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotLoaded, modelID)
	}

	body, err := imaging.EncodeJPEG(frame, imaging.DefaultQuality)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.inferenceURL+"/predictions/"+url.PathEscape(name), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	var raw json.RawMessage
	if err := b.do(b.client, req, &raw); err != nil {
		return nil, fmt.Errorf("predict %s: %w", name, err)
	}
	return decodePredictions(raw)
}

// Close implements Backend
func (b *TorchServeBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *TorchServeBackend) name(modelID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	name, ok := b.names[modelID]
	return name, ok
}

// do executes req and decodes a JSON body into out when out is non-nil
func (b *TorchServeBackend) do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, msg: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError is a non-2xx answer from torchserve
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("torchserve returned %d: %s", e.code, e.msg)
}

// decodePredictions accepts either a bare detection list or {"detections": [...]}
func decodePredictions(raw json.RawMessage) ([]types.Detection, error) {
	var dets []types.Detection
	if err := json.Unmarshal(raw, &dets); err == nil {
		return dets, nil
	}

	var wrapped struct {
		Detections []types.Detection `json:"detections"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode predictions: %w", err)
	}
	return wrapped.Detections, nil
}
