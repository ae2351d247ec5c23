package profile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ErrProfileNotFound is returned when no profile matches a reference.
var ErrProfileNotFound = errors.New("runtime profile not found")

// Source supplies runtime profiles by reference.
type Source interface {
	Get(ref string) (*RuntimeProfile, error)
	List() []*RuntimeProfile
}

type versioned struct {
	version *semver.Version
	profile *RuntimeProfile
}

// Catalog is an in-memory preset store. References are either a bare id
// ("security", highest version wins) or "id@constraint" ("security@^1").
//
// Replace swaps the whole set atomically. Profiles already handed out are
// clones and are not affected.
type Catalog struct {
	mu   sync.RWMutex
	byID map[string][]versioned // sorted by version, highest first
}

// NewCatalog builds a catalog from the given profiles.
func NewCatalog(profiles ...*RuntimeProfile) (*Catalog, error) {
	c := &Catalog{byID: map[string][]versioned{}}
	if err := c.Replace(profiles); err != nil {
		return nil, err
	}
	return c, nil
}

// NewPresetCatalog returns a catalog holding the built-in presets.
func NewPresetCatalog() (*Catalog, error) {
	presets, err := Presets()
	if err != nil {
		return nil, err
	}
	return NewCatalog(presets...)
}

// Replace validates every profile and swaps the catalog contents. On error
// the previous contents are kept.
func (c *Catalog) Replace(profiles []*RuntimeProfile) error {
	next := make(map[string][]versioned, len(profiles))
	for _, p := range profiles {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
		raw := p.Version
		if raw == "" {
			raw = "0.0.0"
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
		for _, existing := range next[p.ID] {
			if existing.version.Equal(v) {
				return fmt.Errorf("duplicate profile %s", p.Ref())
			}
		}
		next[p.ID] = append(next[p.ID], versioned{version: v, profile: p.Clone()})
	}
	for id := range next {
		list := next[id]
		sort.Slice(list, func(i, j int) bool { return list[i].version.GreaterThan(list[j].version) })
	}

	c.mu.Lock()
	c.byID = next
	c.mu.Unlock()
	return nil
}

// Get resolves a reference to a clone of the matching profile.
func (c *Catalog) Get(ref string) (*RuntimeProfile, error) {
	id, constraint, hasConstraint := strings.Cut(strings.TrimSpace(ref), "@")
	var cons *semver.Constraints
	if hasConstraint {
		var err error
		cons, err = semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("profile ref %q: %w", ref, err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.byID[id] {
		if cons == nil || cons.Check(v.version) {
			return v.profile.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, ref)
}

// List returns clones of every profile, sorted by id then descending version.
func (c *Catalog) List() []*RuntimeProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*RuntimeProfile
	for _, id := range ids {
		for _, v := range c.byID[id] {
			out = append(out, v.profile.Clone())
		}
	}
	return out
}
