package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process EventStore. Each partition has its own lock,
// so executions never contend with each other.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	handlers   []EntryHandler
	now        func() time.Time
}

type partition struct {
	mu      sync.Mutex
	entries []*Entry
	head    string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		partitions: make(map[string]*partition),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) partition(executionID string, create bool) *partition {
	s.mu.RLock()
	p, ok := s.partitions[executionID]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[executionID]; ok {
		return p
	}
	p = &partition{head: Genesis}
	s.partitions[executionID] = p
	return p
}

func (s *MemoryStore) Append(_ context.Context, rec Record) (*Entry, error) {
	if rec.ExecutionID == "" {
		return nil, ErrMissingExecutionID
	}
	p := s.partition(rec.ExecutionID, true)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := newEntry(uuid.New().String(), rec, uint64(len(p.entries))+1, p.head, s.now())
	if err != nil {
		return nil, err
	}
	p.entries = append(p.entries, entry)
	p.head = entry.EntryHash

	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()
	for _, h := range handlers {
		h(entry.clone())
	}
	return entry.clone(), nil
}

func (s *MemoryStore) Query(_ context.Context, executionID string, filter QueryFilter) ([]*Entry, error) {
	p := s.partition(executionID, false)
	if p == nil {
		return []*Entry{}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	results := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		if filter.matches(e) {
			results = append(results, e.clone())
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results, nil
}

func (s *MemoryStore) Verify(_ context.Context, executionID string) error {
	p := s.partition(executionID, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return VerifyEntries(p.entries)
}

// ChainHead returns the hash of the last entry of a partition.
func (s *MemoryStore) ChainHead(executionID string) string {
	p := s.partition(executionID, false)
	if p == nil {
		return Genesis
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

func (s *MemoryStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}
