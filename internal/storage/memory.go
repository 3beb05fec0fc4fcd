package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
)

type memoryObject struct {
	data    []byte
	meta    map[string]string
	created time.Time
}

// MemoryStorage keeps objects in process memory. Used for local runs and tests.
type MemoryStorage struct {
	now func() time.Time

	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		now: time.Now,
		buckets: map[string]map[string]memoryObject{
			KindVideo: {},
			KindImage: {},
		},
	}
}

// SaveClip implements Storage
func (m *MemoryStorage) SaveClip(_ context.Context, taskID string, clip *ringbuffer.Clip, info DetectionInfo) (string, error) {
	now := m.now()
	key := ClipKey(taskID, now, clip.StartTime, clip.EndTime, clip.Extension)
	m.put(KindVideo, key, clip.Data, clipMetadata(taskID, clip, info), now)
	return memoryURL(KindVideo, key), nil
}

// SaveKeyframe implements Storage
func (m *MemoryStorage) SaveKeyframe(_ context.Context, taskID string, jpeg []byte, ts float64, info DetectionInfo) (string, error) {
	now := m.now()
	key := KeyframeKey(taskID, now, ts)
	m.put(KindImage, key, jpeg, keyframeMetadata(taskID, ts, info), now)
	return memoryURL(KindImage, key), nil
}

func (m *MemoryStorage) put(kind, key string, data []byte, meta map[string]string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[kind][key] = memoryObject{data: append([]byte(nil), data...), meta: meta, created: now}
}

// ListDetections implements Storage
func (m *MemoryStorage) ListDetections(_ context.Context, taskID string, q Query) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listing := &Listing{Videos: []Object{}, Images: []Object{}}
	prefix := taskID + "/"
	for _, kind := range []string{KindVideo, KindImage} {
		for key, obj := range m.buckets[kind] {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			o := objectFromMetadata(kind, key, obj.meta)
			o.URL = memoryURL(kind, key)
			o.Size = int64(len(obj.data))
			o.CreatedAt = obj.created
			if !q.match(o) {
				continue
			}
			if kind == KindVideo {
				listing.Videos = append(listing.Videos, o)
			} else {
				listing.Images = append(listing.Images, o)
			}
		}
	}
	sortObjects(listing.Videos)
	sortObjects(listing.Images)
	return listing, nil
}

// Get returns a stored object's payload
func (m *MemoryStorage) Get(kind, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[kind][key]
	return obj.data, ok
}

// Close implements Storage
func (m *MemoryStorage) Close() error { return nil }

func memoryURL(kind, key string) string {
	return fmt.Sprintf("memory://%s/%s", kind, key)
}

func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool {
		if !objs[i].CreatedAt.Equal(objs[j].CreatedAt) {
			return objs[i].CreatedAt.Before(objs[j].CreatedAt)
		}
		return objs[i].Key < objs[j].Key
	})
}
