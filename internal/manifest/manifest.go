// Package manifest describes the deployed cache generation: its version tag
// and the document paths pre-populated when a client installs it.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPrefix is the application cache prefix.
const DefaultPrefix = "offgrid"

// Manifest is one generation of application assets.
type Manifest struct {
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Version  string   `yaml:"version" json:"version"`
	Precache []string `yaml:"precache" json:"precache"`
}

// CacheName returns the namespace for this generation.
func (m Manifest) CacheName() string {
	return CacheName(m.Prefix, m.Version)
}

// CacheName derives a namespace from prefix and version.
func CacheName(prefix, version string) string {
	return prefix + "-" + version
}

// Validate checks required fields and normalizes paths.
func (m *Manifest) Validate() error {
	if m.Prefix == "" {
		m.Prefix = DefaultPrefix
	}
	m.Version = strings.TrimSpace(m.Version)
	if m.Version == "" {
		return errors.New("manifest version is required")
	}
	if strings.ContainsAny(m.Prefix, " /") {
		return fmt.Errorf("invalid manifest prefix %q", m.Prefix)
	}
	if len(m.Precache) == 0 {
		m.Precache = []string{"/"}
	}
	for i, p := range m.Precache {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d]: path %q must start with /", i, p)
		}
		m.Precache[i] = p
	}
	return nil
}

// Parse decodes and validates a YAML manifest.
func Parse(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads a manifest file.
func Load(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(b)
}
