package dconfig

import (
	"fmt"
	"regexp"

	"github.com/docker/go-connections/nat"
	"github.com/griffithind/dcx-deploy/internal/derrors"
)

var secretNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ValidSecretName reports whether name satisfies spec.md §3's Secret.name
// grammar: [A-Z_][A-Z0-9_]*.
func ValidSecretName(name string) bool {
	return secretNamePattern.MatchString(name)
}

// Validate runs every pre-flight structural check spec.md §4.8 requires
// before any host mutation occurs. All failures are reported as a single
// ConfigInvalid error so the caller sees the full picture in one pass.
func Validate(c *DeploymentConfig) error {
	var problems []string

	if !ValidDeploymentID(c.DeploymentID) {
		problems = append(problems, fmt.Sprintf("deployment_id %q must match [a-z0-9-]{1,32}", c.DeploymentID))
	}
	if c.Host == "" {
		problems = append(problems, "host must not be empty")
	}
	if c.User == "" {
		problems = append(problems, "user must not be empty")
	}
	switch c.Auth.Kind {
	case AuthKindKey:
		if c.Auth.Path == "" {
			problems = append(problems, "auth.path is required when auth.kind is \"key\"")
		}
	case AuthKindAgent:
		// no extra fields required
	default:
		problems = append(problems, fmt.Sprintf("auth.kind %q must be \"key\" or \"agent\"", c.Auth.Kind))
	}

	if c.Runtime.ID == "" {
		problems = append(problems, "runtime.id must not be empty")
	}
	if c.ImageBase == "" {
		problems = append(problems, "image_base must not be empty")
	}

	if c.Resources.CPU < 0 {
		problems = append(problems, "resources.cpu must not be negative")
	}
	if c.Resources.MemoryMB < 0 {
		problems = append(problems, "resources.memory_mb must not be negative")
	}

	for _, name := range c.SecretsRequired {
		if !ValidSecretName(name) {
			problems = append(problems, fmt.Sprintf("secrets_required entry %q must match [A-Z_][A-Z0-9_]*", name))
		}
	}

	if len(c.ExposedPorts) > 0 {
		if _, _, err := nat.ParsePortSpecs(c.ExposedPorts); err != nil {
			problems = append(problems, fmt.Sprintf("exposed_ports: %v", err))
		}
	}

	if c.Retention.MaxCount < 0 {
		problems = append(problems, "retention.max_count must not be negative")
	}
	if c.Retention.MaxAgeDays < 0 {
		problems = append(problems, "retention.max_age_days must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}

	err := derrors.New(derrors.KindConfigInvalid, "deployment configuration failed validation")
	for i, p := range problems {
		err.WithContext(fmt.Sprintf("problem_%d", i), p)
	}
	return err
}
