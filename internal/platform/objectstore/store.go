package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrObjectNotFound is returned by every driver for a missing bucket or key.
var ErrObjectNotFound = errors.New("object not found")

// Store abstracts S3-compatible object storage.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// New opens the driver selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverMinIO:
		return NewMinioStore(cfg)
	case DriverS3:
		return NewS3Store(ctx, cfg)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported objectstore driver %q", cfg.Driver)
	}
}

// ReadAll fetches a whole object into memory.
func ReadAll(ctx context.Context, store Store, bucket, key string) ([]byte, error) {
	rc, _, err := store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// EnsureBuckets creates any configured bucket that does not exist yet.
func EnsureBuckets(ctx context.Context, store Store, buckets ...string) error {
	for _, bucket := range buckets {
		if bucket == "" {
			continue
		}
		exists, err := store.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := store.MakeBucket(ctx, bucket); err != nil {
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// CheckBuckets is the readiness probe for the object store.
func CheckBuckets(ctx context.Context, store Store, buckets ...string) error {
	for _, bucket := range buckets {
		if bucket == "" {
			continue
		}
		exists, err := store.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing: %s", bucket)
		}
	}
	return nil
}
