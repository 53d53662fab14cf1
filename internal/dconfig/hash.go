package dconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// hashSchemaVersion is bumped whenever the shape of hashInput changes in
// a way that should force every existing config_hash to be recomputed.
const hashSchemaVersion = "1"

// hashInput is the subset of DeploymentConfig that participates in
// config_hash. Host credentials (Auth) are deliberately excluded per
// spec.md §3: "excluding host credentials" and §8 testable property 3
// ("permuting unrelated environment variables... does not change any
// emitted byte" — the stronger requirement here is that it also must not
// depend on the calling process's environment at all).
type hashInput struct {
	SchemaVersion   string            `json:"schema_version"`
	DeploymentID    string            `json:"deployment_id"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	User            string            `json:"user"`
	Runtime         Runtime           `json:"runtime"`
	ImageBase       string            `json:"image_base"`
	Resources       Resources         `json:"resources"`
	EnvPlain        map[string]string `json:"env_plain,omitempty"`
	SecretsRequired []string          `json:"secrets_required,omitempty"`
	DataDirs        []string          `json:"data_dirs,omitempty"`
	ExposedPorts    []string          `json:"exposed_ports,omitempty"`
	Retention       Retention         `json:"retention"`
}

// ComputeHash computes config_hash: a deterministic SHA-256 over the RFC
// 8785 JSON Canonicalization (JCS) of the config, excluding credentials.
// Grounded on the teacher's internal/config/hash.go, which uses the same
// jcs+sha256 recipe for its config_hash equivalent.
func ComputeHash(c *DeploymentConfig) (string, error) {
	input := hashInput{
		SchemaVersion:   hashSchemaVersion,
		DeploymentID:    c.DeploymentID,
		Host:            c.Host,
		Port:            c.PortOrDefault(),
		User:            c.User,
		Runtime:         c.Runtime,
		ImageBase:       c.ImageBase,
		Resources:       c.Resources,
		EnvPlain:        c.EnvPlain,
		SecretsRequired: append([]string(nil), c.SecretsRequired...),
		DataDirs:        append([]string(nil), c.DataDirs...),
		ExposedPorts:    append([]string(nil), c.ExposedPorts...),
		Retention:       c.Retention,
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal hash input: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize hash input: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
