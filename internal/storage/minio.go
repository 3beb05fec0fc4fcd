package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/config"
	"github.com/TaihangLab/Taihang-VisionAI-SmartEngine/internal/ringbuffer"
)

// MinioStorage stores clips and keyframes in two S3 buckets
type MinioStorage struct {
	client      *minio.Client
	videoBucket string
	imageBucket string
	expiry      time.Duration
}

// NewMinioStorage connects and makes sure both buckets exist
func NewMinioStorage(ctx context.Context, cfg config.MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is required", config.ErrConfig)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	expiry := time.Duration(cfg.URLExpiryH) * time.Hour
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	s := &MinioStorage{
		client:      client,
		videoBucket: cfg.VideoBucket,
		imageBucket: cfg.ImageBucket,
		expiry:      expiry,
	}
	if err := s.ensureBuckets(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStorage) ensureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.videoBucket, s.imageBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		slog.Info("created bucket", "bucket", bucket)
	}
	return nil
}

func (s *MinioStorage) bucket(kind string) string {
	if kind == KindVideo {
		return s.videoBucket
	}
	return s.imageBucket
}

// SaveClip implements Storage
func (s *MinioStorage) SaveClip(ctx context.Context, taskID string, clip *ringbuffer.Clip, info DetectionInfo) (string, error) {
	key := ClipKey(taskID, time.Now(), clip.StartTime, clip.EndTime, clip.Extension)
	return s.put(ctx, KindVideo, key, clip.Data, clip.ContentType, clipMetadata(taskID, clip, info))
}

// SaveKeyframe implements Storage
func (s *MinioStorage) SaveKeyframe(ctx context.Context, taskID string, jpeg []byte, ts float64, info DetectionInfo) (string, error) {
	key := KeyframeKey(taskID, time.Now(), ts)
	return s.put(ctx, KindImage, key, jpeg, "image/jpeg", keyframeMetadata(taskID, ts, info))
}

func (s *MinioStorage) put(ctx context.Context, kind, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	bucket := s.bucket(kind)
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	slog.Debug("stored object", "bucket", bucket, "key", key, "bytes", len(data))
	return s.url(ctx, bucket, key)
}

func (s *MinioStorage) url(ctx context.Context, bucket, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// ListDetections implements Storage
func (s *MinioStorage) ListDetections(ctx context.Context, taskID string, q Query) (*Listing, error) {
	// cancelling stops the listing goroutines on early return
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listing := &Listing{Videos: []Object{}, Images: []Object{}}
	for _, kind := range []string{KindVideo, KindImage} {
		bucket := s.bucket(kind)
		for entry := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    taskID + "/",
			Recursive: true,
		}) {
			if entry.Err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", bucket, entry.Err)
			}

			stat, err := s.client.StatObject(ctx, bucket, entry.Key, minio.StatObjectOptions{})
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s/%s: %w", bucket, entry.Key, err)
			}

			o := objectFromMetadata(kind, entry.Key, stat.UserMetadata)
			o.Size = entry.Size
			o.CreatedAt = entry.LastModified
			if !q.match(o) {
				continue
			}
			if o.URL, err = s.url(ctx, bucket, entry.Key); err != nil {
				return nil, err
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

// Close implements Storage. The minio client holds no persistent connection.
func (s *MinioStorage) Close() error { return nil }
