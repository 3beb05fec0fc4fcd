package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number within the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Offset is the number of seconds since the stream was opened
	Offset float64
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format of Data: "BGR24" (raw) or "JPEG"
	Format string
	// Data contains the frame payload
	Data []byte
	// SourceStream identifies the stream the frame came from
	SourceStream string
	// TraceID is a unique identifier for distributed tracing across the pipeline
	TraceID string
}

// Frame formats
const (
	FormatBGR24 = "BGR24"
	FormatJPEG  = "JPEG"
)

// NormalizedRect represents a rectangle with normalized coordinates (0.0 - 1.0)
// This allows ROIs to be resolution-agnostic and work across different stream qualities
type NormalizedRect struct {
	X      float64 `json:"x"`      // Top-left X (0.0 = left edge, 1.0 = right edge)
	Y      float64 `json:"y"`      // Top-left Y (0.0 = top edge, 1.0 = bottom edge)
	Width  float64 `json:"width"`  // Width as fraction of frame width
	Height float64 `json:"height"` // Height as fraction of frame height
}

// IsZero reports whether the rect is unset. An unset ROI covers the whole frame.
func (r NormalizedRect) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// RectFromSlice builds a NormalizedRect from [x, y, width, height].
// Anything that is not exactly four values yields the zero rect.
func RectFromSlice(v []float64) NormalizedRect {
	if len(v) != 4 {
		return NormalizedRect{}
	}
	return NormalizedRect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
}

// ToPixels converts normalized coordinates to pixel coordinates for a given frame size
func (r NormalizedRect) ToPixels(frameWidth, frameHeight int) PixelRect {
	return PixelRect{
		X:      int(r.X * float64(frameWidth)),
		Y:      int(r.Y * float64(frameHeight)),
		Width:  int(r.Width * float64(frameWidth)),
		Height: int(r.Height * float64(frameHeight)),
	}
}

// PixelRect represents a rectangle in pixel coordinates
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether the point lies inside the rectangle (edges inclusive)
func (r PixelRect) Contains(x, y int) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Clamp ensures the rectangle is within the given frame dimensions
func (r *PixelRect) Clamp(frameWidth, frameHeight int) {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
}

// StreamStats contains stream statistics
type StreamStats struct {
	FrameCount   uint64
	FPSTarget    int
	FPSReal      float64
	SourceStream string
	Resolution   string
	IsConnected  bool
	Errors       uint64
}
