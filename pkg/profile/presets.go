package profile

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// Built-in preset ids.
const (
	PresetSecurity = "security"
	PresetAgile    = "agile"
	PresetResearch = "research"
)

// Parse decodes a single YAML profile document and validates it.
func Parse(data []byte) (*RuntimeProfile, error) {
	var p RuntimeProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Presets returns the built-in security, agile and research profiles, sorted by id.
func Presets() ([]*RuntimeProfile, error) {
	entries, err := fs.ReadDir(presetFS, "presets")
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}
	out := make([]*RuntimeProfile, 0, len(entries))
	for _, e := range entries {
		data, err := presetFS.ReadFile(path.Join("presets", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read preset %s: %w", e.Name(), err)
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", e.Name(), err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MustPresets is Presets for package-level initialisation and tests.
func MustPresets() []*RuntimeProfile {
	p, err := Presets()
	if err != nil {
		panic(err)
	}
	return p
}
