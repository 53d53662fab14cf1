package dconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Dir is the workstation directory holding per-deployment config
// documents, known_hosts, the vault key, and vault files (spec.md §4.4,
// §9 "global state").
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dcx-deploy"), nil
}

// ConfigPath returns the on-disk path for a deployment's config document.
func ConfigPath(deploymentID string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "configs", deploymentID+".json"), nil
}

// Load reads and parses a DeploymentConfig from path. Comments (// and
// /* */) are tolerated, matching the teacher's devcontainer.json parsing
// convention, since operators hand-edit these files.
func Load(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	clean := jsonc.ToJSON(raw)

	var cfg DeploymentConfig
	if err := json.Unmarshal(clean, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg *DeploymentConfig) error {
	data, err := MarshalCanonicalJSON(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
