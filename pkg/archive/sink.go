// Package archive exports verified evidence bundles of execution
// partitions to object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrObjectNotFound = errors.New("archive object not found")

// Sink is a write-once object store keyed by slash-separated paths.
type Sink interface {
	// Put stores data under key. Writing an existing key is a no-op.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// FileSink is a filesystem-backed Sink.
type FileSink struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileSink creates the base directory if needed.
func NewFileSink(baseDir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

func (s *FileSink) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileSink) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}
	// Write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: bundles are readable by operators
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit bundle: %w", err)
	}
	return nil
}

func (s *FileSink) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path) //nolint:gosec // key validated above
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return data, err
}

func (s *FileSink) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
