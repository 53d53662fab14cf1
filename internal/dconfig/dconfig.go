// Package dconfig defines the DeploymentConfig data model — the input
// document the external CLI collaborator builds and hands to the
// Deployment Coordinator — along with its JSON (de)serialization,
// validation, and stable hashing.
package dconfig

import (
	"encoding/json"
	"regexp"
)

// AuthKind selects how the Remote Session authenticates to the host.
type AuthKind string

const (
	AuthKindKey   AuthKind = "key"
	AuthKindAgent AuthKind = "agent"
)

// Auth describes how C1 should authenticate. Exactly one of the fields
// relevant to Kind is populated.
type Auth struct {
	Kind AuthKind `json:"kind"`
	Path string   `json:"path,omitempty"` // local private key path, when Kind == key
}

// Resources caps CPU and memory for the rendered recipe. Zero values mean
// "unset" and cause the Recipe Renderer to emit its conservative defaults.
type Resources struct {
	CPU      float64 `json:"cpu,omitempty"`       // fractional cores, e.g. 0.5
	MemoryMB int64   `json:"memory_mb,omitempty"` // megabytes
}

// Retention governs how many Version/Backup records are kept.
type Retention struct {
	MaxCount   int `json:"max_count"`
	MaxAgeDays int `json:"max_age_days"`
}

// Runtime identifies the language runtime the Bootstrapper must ensure is
// present on the host, and the minimum acceptable version.
type Runtime struct {
	ID         string `json:"id"`          // e.g. "python", "node"
	MinVersion string `json:"min_version"` // e.g. "3.11"
}

// DeploymentConfig is the top-level, locally-persisted input document
// described in spec.md §3. It is read-only to the core: nothing in this
// module mutates a DeploymentConfig handed to it by the caller.
type DeploymentConfig struct {
	DeploymentID string `json:"deployment_id"`
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user"`
	Auth         Auth   `json:"auth"`

	Runtime   Runtime   `json:"runtime"`
	ImageBase string    `json:"image_base"`
	Resources Resources `json:"resources,omitempty"`

	EnvPlain        map[string]string `json:"env_plain,omitempty"`
	SecretsRequired []string          `json:"secrets_required,omitempty"`

	// DataDirs are host-side paths (relative to the deployment directory)
	// considered "user data" for backup's include_data option.
	DataDirs []string `json:"data_dirs,omitempty"`

	// ExposedPorts are docker-style port specs ("8080", "8080:80",
	// "8080:80/udp") the Recipe Renderer publishes on the container.
	// Most bot runtimes poll outward and need none of these.
	ExposedPorts []string `json:"exposed_ports,omitempty"`

	Retention Retention `json:"retention"`
}

// deploymentIDPattern enforces spec.md §3: ASCII [a-z0-9-]+, length 1-32.
var deploymentIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)

// ValidDeploymentID reports whether id satisfies the deployment_id grammar.
func ValidDeploymentID(id string) bool {
	return deploymentIDPattern.MatchString(id)
}

// PortOrDefault returns the configured shell port, defaulting to 22.
func (c *DeploymentConfig) PortOrDefault() int {
	if c.Port == 0 {
		return 22
	}
	return c.Port
}

// Clone returns a deep copy sufficient for safe concurrent read access
// across independent Coordinator operations.
func (c *DeploymentConfig) Clone() *DeploymentConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.EnvPlain = cloneStringMap(c.EnvPlain)
	clone.SecretsRequired = append([]string(nil), c.SecretsRequired...)
	clone.DataDirs = append([]string(nil), c.DataDirs...)
	clone.ExposedPorts = append([]string(nil), c.ExposedPorts...)
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarshalCanonicalJSON renders the config as indented JSON for local
// persistence (grounded on lockfile.Save's marshal-indent-plus-newline
// shape).
func MarshalCanonicalJSON(c *DeploymentConfig) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
