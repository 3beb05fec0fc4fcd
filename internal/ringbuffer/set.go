package ringbuffer

import "sync"

// Set keeps one buffer per task so clips never mix frames of different tasks
type Set struct {
	capacity int
	encoder  Encoder
	fps      int

	mu      sync.RWMutex
	buffers map[string]*Buffer
}

// NewSet creates an empty set; buffers are created on first use
func NewSet(capacity int, enc Encoder, fps int) *Set {
	return &Set{
		capacity: capacity,
		encoder:  enc,
		fps:      fps,
		buffers:  make(map[string]*Buffer),
	}
}

// Get returns the task's buffer, creating it if needed
func (s *Set) Get(taskID string) *Buffer {
	s.mu.RLock()
	b, ok := s.buffers[taskID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[taskID]; ok {
		return b
	}
	b = New(s.capacity, s.encoder, s.fps)
	s.buffers[taskID] = b
	return b
}

// Release drops the task's buffer
func (s *Set) Release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, taskID)
}

// Len returns the number of live buffers
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}
