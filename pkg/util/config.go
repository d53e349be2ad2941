// Package util provides configuration loading helpers for Pingu.
package util

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/supporttools/pingu/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML or JSON file.
// JSON is parsed by the YAML decoder, so both formats share one code path.
// Environment variables are substituted, defaults are applied, and validation is performed.
func LoadConfig(path string) (*types.PinguConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file %s: %w", types.ErrConfig, path, err)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}

// ParseConfig parses, defaults and validates an in-memory configuration document.
func ParseConfig(data []byte) (*types.PinguConfig, error) {
	// Substitute environment variables in raw data BEFORE parsing
	// so they also work in non-string fields (e.g. interval: ${INTERVAL})
	data = []byte(os.ExpandEnv(string(data)))

	var config types.PinguConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", types.ErrConfig, err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig writes the effective configuration as YAML. Used by
// `pingu validate --output`.
func SaveConfig(config *types.PinguConfig, path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported file extension: %s (use .yaml or .yml)", ext)
	}

	data, err := MarshalConfig(config)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MarshalConfig renders the effective configuration, defaults included.
func MarshalConfig(config *types.PinguConfig) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
