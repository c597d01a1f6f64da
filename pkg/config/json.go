package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fluxorio/unitpool/pkg/core"
)

// LoadJSON decodes the JSON file at path into target. An empty file is an error.
func LoadJSON(path string, target interface{}) error {
	// #nosec G304 -- operator supplied config path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file %s: %w", path, err)
	}
	if err := core.JSONDecode(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON %s: %w", path, err)
	}
	return nil
}

// SaveJSON writes config as indented JSON with mode 0600
func SaveJSON(path string, config interface{}) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write JSON file %s: %w", path, err)
	}
	return nil
}
