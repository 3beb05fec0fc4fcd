// Package ringbuffer keeps the most recent frames of a task so a clip can be
// cut around an anomaly.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// ErrEmptyBuffer is returned when a clip is requested before any frame was added
var ErrEmptyBuffer = errors.New("buffer is empty")

// Latest selects the newest frame as the clip anchor
const Latest = -1

// Entry is one buffered frame. Frames must not be mutated after Add.
type Entry struct {
	Frame     types.Frame
	Timestamp float64
}

// Clip is an encoded extraction from the buffer
type Clip struct {
	Data        []byte
	StartTime   float64
	EndTime     float64
	FrameCount  int
	ContentType string
	Extension   string
}

// Buffer is a fixed-capacity ring of frames, oldest evicted first
type Buffer struct {
	encoder Encoder
	fps     int

	mu      sync.Mutex
	entries []Entry
	head    int // index of the oldest entry
	size    int
	added   uint64
	evicted uint64
}

// New creates a buffer holding up to capacity frames
func New(capacity int, enc Encoder, fps int) *Buffer {
	if capacity <= 0 {
		capacity = 150
	}
	if fps <= 0 {
		fps = 30
	}
	return &Buffer{
		encoder: enc,
		fps:     fps,
		entries: make([]Entry, capacity),
	}
}

// Add appends a frame, evicting the oldest one when full
func (b *Buffer) Add(frame types.Frame, timestamp float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.head+b.size)%capacity] = Entry{Frame: frame, Timestamp: timestamp}
		b.size++
	} else {
		b.entries[b.head] = Entry{Frame: frame, Timestamp: timestamp}
		b.head = (b.head + 1) % capacity
		b.evicted++
	}
	b.added++
}

// Len returns the number of buffered frames
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Newest returns the most recent entry
func (b *Buffer) Newest() (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Entry{}, false
	}
	return b.entries[(b.head+b.size-1)%len(b.entries)], true
}

// Frames returns the entries at positions [anchor-before, anchor+after],
// clamped to the buffer. Position 0 is the oldest frame; anchor Latest (or
// anything past the end) means the newest.
func (b *Buffer) Frames(before, after, anchor int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil, ErrEmptyBuffer
	}
	if anchor < 0 || anchor >= b.size {
		anchor = b.size - 1
	}
	if before < 0 {
		before = 0
	}
	if after < 0 {
		after = 0
	}

	start := anchor - before
	if start < 0 {
		start = 0
	}
	end := anchor + after + 1
	if end > b.size {
		end = b.size
	}

	out := make([]Entry, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, b.entries[(b.head+i)%len(b.entries)])
	}
	return out, nil
}

// GetClip extracts and encodes the frames around anchor. Start and end times
// are the timestamps of the first and last extracted frame.
func (b *Buffer) GetClip(before, after, anchor int) (*Clip, error) {
	frames, err := b.Frames(before, after, anchor)
	if err != nil {
		return nil, err
	}

	data, err := b.encoder.Encode(frames, b.fps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clip: %w", err)
	}

	return &Clip{
		Data:        data,
		StartTime:   frames[0].Timestamp,
		EndTime:     frames[len(frames)-1].Timestamp,
		FrameCount:  len(frames),
		ContentType: b.encoder.ContentType(),
		Extension:   b.encoder.Extension(),
	}, nil
}

// Clear drops every buffered frame
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.entries {
		b.entries[i] = Entry{}
	}
	b.head = 0
	b.size = 0
}

// Stats is a point-in-time view of a buffer
type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Added    uint64 `json:"added"`
	Evicted  uint64 `json:"evicted"`
}

// Stats returns buffer statistics
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Size: b.size, Capacity: len(b.entries), Added: b.added, Evicted: b.evicted}
}
