package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

// LoadProfile loads a runtime profile by id from profile_<id>.yaml in the
// profiles directory.
func LoadProfile(profilesDir, id string) (*profile.RuntimeProfile, error) {
	id = strings.ToLower(id)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", id))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", id, err)
	}
	p, err := parseProfileFile(path, data)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory,
// sorted by file name.
func LoadAllProfiles(profilesDir string) ([]*profile.RuntimeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	profiles := make([]*profile.RuntimeProfile, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := parseProfileFile(path, data)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// LoadCatalog returns a catalog holding the built-in presets plus every
// profile found in profilesDir. An empty dir yields the presets only.
func LoadCatalog(profilesDir string) (*profile.Catalog, error) {
	all, err := catalogProfiles(profilesDir)
	if err != nil {
		return nil, err
	}
	return profile.NewCatalog(all...)
}

func catalogProfiles(profilesDir string) ([]*profile.RuntimeProfile, error) {
	all, err := profile.Presets()
	if err != nil {
		return nil, err
	}
	if profilesDir == "" {
		return all, nil
	}
	loaded, err := LoadAllProfiles(profilesDir)
	if err != nil {
		return nil, err
	}
	return append(all, loaded...), nil
}

func parseProfileFile(path string, data []byte) (*profile.RuntimeProfile, error) {
	var p profile.RuntimeProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.ID == "" {
		// profile_strict.yaml -> strict
		base := filepath.Base(path)
		p.ID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}
