package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/types"
)

// BoltStore keeps records in a single bucket of a BoltDB file, JSON encoded
type BoltStore struct {
	db        *bolt.DB
	bucket    []byte
	retention int
}

// NewBoltStore opens (or creates) the database file and bucket
func NewBoltStore(path, bucket string, retention int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error in creating bucket %s: %w", bucket, err)
	}

	return &BoltStore{db: db, bucket: []byte(bucket), retention: retention}, nil
}

// Put implements Store
func (s *BoltStore) Put(_ context.Context, rec types.TaskRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if err := b.Put([]byte(rec.TaskID), buf); err != nil {
			return err
		}
		return s.prune(b)
	})
}

// prune deletes the oldest records beyond retention
func (s *BoltStore) prune(b *bolt.Bucket) error {
	if s.retention <= 0 {
		return nil
	}

	var recs []types.TaskRecord
	err := b.ForEach(func(_, v []byte) error {
		var rec types.TaskRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return err
	}
	if len(recs) <= s.retention {
		return nil
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].FinishedAt.Before(recs[j].FinishedAt) })
	for _, rec := range recs[:len(recs)-s.retention] {
		if err := b.Delete([]byte(rec.TaskID)); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store
func (s *BoltStore) Get(_ context.Context, taskID string) (types.TaskRecord, error) {
	var rec types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(taskID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return types.TaskRecord{}, err
	}
	return rec, nil
}

// List implements Store. Records come back ordered by finish time.
func (s *BoltStore) List(_ context.Context) ([]types.TaskRecord, error) {
	var recs []types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(_, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FinishedAt.Before(recs[j].FinishedAt) })
	return recs, nil
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}
