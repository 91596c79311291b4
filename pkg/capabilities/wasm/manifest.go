package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name LoadDir looks for in each provider directory.
const ManifestFile = "manifest.yaml"

// Manifest describes one WASM provider module and the capabilities it
// exports.
type Manifest struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Description string `yaml:"description"`

	// Module is the .wasm file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the optional hex SHA-256 of the module.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	Capabilities []CapabilitySpec `yaml:"capabilities" validate:"required,min=1,dive"`

	// Path is the manifest location; set by LoadManifest.
	Path string `yaml:"-"`
}

// CapabilitySpec binds a capability ID to a guest export.
type CapabilitySpec struct {
	ID          string `yaml:"id" validate:"required"`
	Export      string `yaml:"export" validate:"required"`
	Description string `yaml:"description"`

	SideEffect bool `yaml:"side_effect"`
	Idempotent bool `yaml:"idempotent"`

	// RateLimit and Burst seed the capability's token bucket. Engine
	// settings override them.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if seen[c.ID] {
			return nil, fmt.Errorf("invalid manifest: capability %s declared twice", c.ID)
		}
		seen[c.ID] = true
	}

	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ModulePath resolves Module against the manifest directory.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// VerifyChecksum checks module against Checksum. An empty Checksum passes.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if !strings.EqualFold(computed, m.Checksum) {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// String returns name@version.
func (m *Manifest) String() string {
	return m.Name + "@" + m.Version
}
