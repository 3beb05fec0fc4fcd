// Package stream provides the frame sources a task pipeline reads from.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// ErrUnsupportedSource is returned for stream URIs no source can open
var ErrUnsupportedSource = errors.New("unsupported stream source")

// Source provides a stream of video frames
type Source interface {
	// Start begins streaming frames
	Start(ctx context.Context) error
	// Frames returns a channel of frames, closed when the stream ends
	Frames() <-chan types.Frame
	// Err reports why Frames was closed. nil means the stream was exhausted.
	Err() error
	// FPS is the native frame rate of the source
	FPS() float64
	// Stop stops the stream
	Stop() error
	// Stats returns stream statistics
	Stats() types.StreamStats
}

// Opener creates a source for a task's stream URI
type Opener func(uri string) (Source, error)

// Open creates a source from a URI:
//
//	mock://name?width=64&height=48&fps=30&frames=0
//	dir:///var/frames?fps=10&loop=true
func Open(uri string) (Source, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid stream uri %q: %w", uri, err)
	}
	q := u.Query()

	switch u.Scheme {
	case "mock":
		return NewMockStream(MockConfig{
			Width:  intParam(q, "width", 64),
			Height: intParam(q, "height", 48),
			FPS:    intParam(q, "fps", 30),
			Frames: intParam(q, "frames", 0),
			Source: uri,
		}), nil
	case "dir":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		return NewDirStream(DirConfig{
			Path:   path,
			FPS:    intParam(q, "fps", 10),
			Loop:   q.Get("loop") == "true",
			Source: uri,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, u.Scheme)
	}
}

func intParam(q url.Values, key string, def int) int {
	v, err := strconv.Atoi(q.Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
