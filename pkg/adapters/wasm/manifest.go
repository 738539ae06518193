package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes a provider plugin on disk.
//
//	provider: azure
//	version: 1.2.0
//	module: azure.wasm
//	checksum: 9f86d08...
//	timeout: 30s
//	memory_limit_pages: 256
type Manifest struct {
	// Provider is the provider name the plugin serves.
	Provider string `yaml:"provider" validate:"required"`

	// Version is the plugin version.
	Version string `yaml:"version,omitempty" validate:"omitempty,semver"`

	// Module is the path of the .wasm file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex SHA-256 of the module. Optional.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`

	// Timeout bounds every guest call.
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`

	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages,omitempty" validate:"lte=65536"`

	// Dir is the directory the manifest was read from.
	Dir string `yaml:"-"`
}

var validate = validator.New()

// LoadManifest reads and validates a plugin manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	m.Dir = filepath.Dir(path)
	return &m, nil
}

// ModulePath resolves the module path against the manifest directory.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Module) {
		return m.Module
	}
	return filepath.Join(m.Dir, m.Module)
}

// ReadModule reads the module bytes and verifies the checksum when one is set.
func (m *Manifest) ReadModule() ([]byte, error) {
	wasm, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if m.Checksum != "" {
		sum := sha256.Sum256(wasm)
		if got := hex.EncodeToString(sum[:]); got != m.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", m.ModulePath(), m.Checksum, got)
		}
	}
	return wasm, nil
}

// Config returns the host configuration the manifest asks for.
func (m *Manifest) Config() Config {
	return Config{Timeout: m.Timeout, MemoryLimitPages: m.MemoryLimitPages}
}
