package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DeployRecordFileName is the JSON record a resolved config is persisted to,
// so later invocations (stop, sanity) can rehydrate the same configuration.
const DeployRecordFileName = "deploy-config.json"

// WriteDeployRecord persists the resolved config under its base directory.
// This is the only side effect of configuration resolution.
func (c Config) WriteDeployRecord() error {
	if err := os.MkdirAll(c.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deploy record: %w", err)
	}
	path := filepath.Join(c.BaseDir, DeployRecordFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write deploy record: %w", err)
	}
	return nil
}

// LoadDeployRecord reads a previously written deploy record back into a
// validated Config.
func LoadDeployRecord(baseDir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, DeployRecordFileName))
	if err != nil {
		return Config{}, fmt.Errorf("read deploy record: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse deploy record: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
