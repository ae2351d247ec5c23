package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink writes bundles to a Google Cloud Storage bucket using
// application default credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
}

func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	if bucket == "" {
		return nil, errors.New("gcs sink: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

func (s *GCSSink) Put(ctx context.Context, key string, data []byte, contentType string) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	// Objects are write-once.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, key); ok {
			return nil
		}
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (s *GCSSink) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs %s: %w", key, err)
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}
