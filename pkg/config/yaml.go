package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML decodes the YAML file at path into target
func LoadYAML(path string, target interface{}) error {
	// #nosec G304 -- operator supplied config path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal YAML %s: %w", path, err)
	}
	return nil
}

// SaveYAML writes config to path with mode 0600
func SaveYAML(path string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write YAML file %s: %w", path, err)
	}
	return nil
}
