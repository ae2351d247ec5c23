package budget

import (
	"context"
	"sync"
)

// MemoryCounter is an in-process Counter. Each execution has its own lock;
// the map lock is only held to find it.
type MemoryCounter struct {
	mu     sync.RWMutex
	states map[string]*memoryState
}

type memoryState struct {
	mu sync.Mutex
	State
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{states: make(map[string]*memoryState)}
}

func (c *MemoryCounter) Init(_ context.Context, executionID string, maxCalls int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[executionID]; !ok {
		c.states[executionID] = &memoryState{State: State{ExecutionID: executionID, MaxCalls: maxCalls}}
	}
	return nil
}

func (c *MemoryCounter) lookup(executionID string) *memoryState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[executionID]
}

func (c *MemoryCounter) Increment(_ context.Context, executionID string) (Step, error) {
	s := c.lookup(executionID)
	if s == nil {
		return Step{}, ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Exceeded {
		return Step{CallCount: s.CallCount, MaxCalls: s.MaxCalls, Exceeded: true}, nil
	}
	s.CallCount++
	if s.CallCount > s.MaxCalls {
		s.Exceeded = true
		return Step{CallCount: s.CallCount, MaxCalls: s.MaxCalls, Exceeded: true, Transitioned: true}, nil
	}
	return Step{CallCount: s.CallCount, MaxCalls: s.MaxCalls}, nil
}

func (c *MemoryCounter) Get(_ context.Context, executionID string) (State, error) {
	s := c.lookup(executionID)
	if s == nil {
		return State{}, ErrNotBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, nil
}
