// Package tooling holds the tool registry read model and the Tool Policy
// Resolver that maps tool ids onto governance metadata.
package tooling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ToolRegistryEntry is the governance metadata registered for a tool.
// CapabilityCode and RiskClass may be blank on legacy entries.
type ToolRegistryEntry struct {
	ToolID         string `yaml:"tool_id" json:"tool_id"`
	CapabilityCode string `yaml:"capability_code" json:"capability_code"`
	RiskClass      string `yaml:"risk_class" json:"risk_class"`
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Registry is the read-only view of the tool registry. Lookup reports
// found=false for unknown tools; err is reserved for backend failures.
type Registry interface {
	Lookup(ctx context.Context, toolID string) (entry ToolRegistryEntry, found bool, err error)
}

// MemoryRegistry is an in-memory Registry keyed by normalized tool id.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]ToolRegistryEntry
}

func NewMemoryRegistry(entries ...ToolRegistryEntry) *MemoryRegistry {
	r := &MemoryRegistry{entries: make(map[string]ToolRegistryEntry, len(entries))}
	for _, e := range entries {
		r.Put(e)
	}
	return r
}

// Put registers or replaces an entry.
func (r *MemoryRegistry) Put(e ToolRegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[NormalizeToolID(e.ToolID)] = e
}

func (r *MemoryRegistry) Lookup(_ context.Context, toolID string) (ToolRegistryEntry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[NormalizeToolID(toolID)]
	return e, ok, nil
}

// Len returns the number of registered tools.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type registryFile struct {
	Tools []ToolRegistryEntry `yaml:"tools"`
}

// LoadRegistryFile reads a YAML document of the form
//
//	tools:
//	  - tool_id: fs.write
//	    capability_code: filesystem
//	    risk_class: high
func LoadRegistryFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry %s: %w", path, err)
	}
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tool registry %s: %w", path, err)
	}
	r := NewMemoryRegistry()
	for i, e := range doc.Tools {
		if e.ToolID == "" {
			return nil, fmt.Errorf("tool registry %s: tools[%d].tool_id is required", path, i)
		}
		r.Put(e)
	}
	return r, nil
}

// SQLRegistry reads entries from a tool_registry table. The governance core
// never writes to it.
type SQLRegistry struct {
	db    *sql.DB
	query string
}

// NewSQLRegistry returns a registry over db. Postgres drivers use $1
// placeholders; pass sqlite=true for "?".
func NewSQLRegistry(db *sql.DB, sqlite bool) *SQLRegistry {
	q := "SELECT tool_id, COALESCE(capability_code, ''), COALESCE(risk_class, '') FROM tool_registry WHERE tool_key = $1"
	if sqlite {
		q = "SELECT tool_id, COALESCE(capability_code, ''), COALESCE(risk_class, '') FROM tool_registry WHERE tool_key = ?"
	}
	return &SQLRegistry{db: db, query: q}
}

func (r *SQLRegistry) Lookup(ctx context.Context, toolID string) (ToolRegistryEntry, bool, error) {
	var e ToolRegistryEntry
	err := r.db.QueryRowContext(ctx, r.query, NormalizeToolID(toolID)).Scan(&e.ToolID, &e.CapabilityCode, &e.RiskClass)
	if errors.Is(err, sql.ErrNoRows) {
		return ToolRegistryEntry{}, false, nil
	}
	if err != nil {
		return ToolRegistryEntry{}, false, fmt.Errorf("lookup tool %q: %w", toolID, err)
	}
	return e, true, nil
}
