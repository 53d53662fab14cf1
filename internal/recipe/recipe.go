// Package recipe implements the Recipe Renderer (C3): a pure function
// from deployment config + version id to a bundle of in-memory
// container recipe artifacts.
//
// Grounded on the teacher's internal/build/dockerfile.go (recipe
// content generation) and internal/compose (compose document
// assembly via compose-spec/compose-go); the template contract
// (fixed {{name}} placeholder set) uses stdlib text/template directly,
// matching the teacher's own avoidance of a templating framework for
// devcontainer substitution (internal/devcontainer/substitute.go does
// its own substitution without a third-party engine).
package recipe

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/docker/go-connections/nat"
	"github.com/griffithind/dcx-deploy/internal/dconfig"
)

const (
	defaultMemoryMB = 256
	defaultCPU      = 0.5
)

// Bundle is the set of rendered artifacts for one version.
type Bundle struct {
	Dockerfile string
	Compose    string
	Entrypoint string
	Makefile   string
}

// Renderer holds the named template set for one runtime id.
type Renderer struct {
	runtimeID  string
	dockerfile *template.Template
	compose    *template.Template
	entrypoint *template.Template
	makefile   *template.Template
}

// templateData is the fixed, documented set of placeholder names
// (spec.md §4.3's "to the template collaborator" note): deployment_id,
// image_base, env_plain, resource limits, entrypoint module, exposed
// ports.
type templateData struct {
	DeploymentID string
	VersionID    string
	ImageBase    string
	ConfigHash   string
	EnvPlain     map[string]string
	EnvNames     []string // sorted, for deterministic iteration in templates
	CPU          float64
	MemoryMB     int64
	RestartPolicy
	DataDirs []string

	// ExposedPorts is the normalized "hostPort:containerPort/proto"
	// (or "containerPort/proto" for an unbound publish) form of
	// config's exposed_ports, one entry per distinct container port.
	ExposedPorts []string
}

// RestartPolicy captures the restart behavior emitted into the
// orchestration document.
type RestartPolicy struct {
	Policy          string // "on-failure" (only supported policy today)
	BackoffSeconds  int
	MaxBackoffSteps int
}

func defaultRestartPolicy() RestartPolicy {
	return RestartPolicy{Policy: "on-failure", BackoffSeconds: 1, MaxBackoffSteps: 5}
}

// NewRenderer parses the four named templates for runtimeID. Template
// text is pure: it may only reference the fixed placeholder set above.
func NewRenderer(runtimeID, dockerfileTmpl, composeTmpl, entrypointTmpl, makefileTmpl string) (*Renderer, error) {
	r := &Renderer{runtimeID: runtimeID}
	var err error
	if r.dockerfile, err = template.New("dockerfile").Parse(dockerfileTmpl); err != nil {
		return nil, fmt.Errorf("parse dockerfile template: %w", err)
	}
	if r.compose, err = template.New("compose").Parse(composeTmpl); err != nil {
		return nil, fmt.Errorf("parse compose template: %w", err)
	}
	if r.entrypoint, err = template.New("entrypoint").Parse(entrypointTmpl); err != nil {
		return nil, fmt.Errorf("parse entrypoint template: %w", err)
	}
	if r.makefile, err = template.New("makefile").Parse(makefileTmpl); err != nil {
		return nil, fmt.Errorf("parse makefile template: %w", err)
	}
	return r, nil
}

// Render is pure: the same (config, versionID) against the same
// template set always yields byte-identical output, which is what
// makes config_hash reproducible (spec.md §4.3).
func (r *Renderer) Render(cfg *dconfig.DeploymentConfig, versionID string) (Bundle, error) {
	configHash, err := dconfig.ComputeHash(cfg)
	if err != nil {
		return Bundle{}, fmt.Errorf("compute config hash: %w", err)
	}
	data, err := buildTemplateData(cfg, versionID, configHash)
	if err != nil {
		return Bundle{}, err
	}

	dockerfile, err := renderOne(r.dockerfile, data)
	if err != nil {
		return Bundle{}, fmt.Errorf("render dockerfile: %w", err)
	}
	compose, err := renderOne(r.compose, data)
	if err != nil {
		return Bundle{}, fmt.Errorf("render compose document: %w", err)
	}
	entrypoint, err := renderOne(r.entrypoint, data)
	if err != nil {
		return Bundle{}, fmt.Errorf("render entrypoint script: %w", err)
	}
	makefile, err := renderOne(r.makefile, data)
	if err != nil {
		return Bundle{}, fmt.Errorf("render operator makefile: %w", err)
	}

	return Bundle{
		Dockerfile: dockerfile,
		Compose:    compose,
		Entrypoint: entrypoint,
		Makefile:   makefile,
	}, nil
}

func buildTemplateData(cfg *dconfig.DeploymentConfig, versionID, configHash string) (templateData, error) {
	cpu := cfg.Resources.CPU
	if cpu <= 0 {
		cpu = defaultCPU
	}
	memoryMB := cfg.Resources.MemoryMB
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}

	names := make([]string, 0, len(cfg.EnvPlain))
	for name := range cfg.EnvPlain {
		names = append(names, name)
	}
	sort.Strings(names)

	ports, err := normalizeExposedPorts(cfg.ExposedPorts)
	if err != nil {
		return templateData{}, fmt.Errorf("exposed ports: %w", err)
	}

	return templateData{
		DeploymentID:  cfg.DeploymentID,
		VersionID:     versionID,
		ImageBase:     cfg.ImageBase,
		ConfigHash:    configHash,
		EnvPlain:      cfg.EnvPlain,
		EnvNames:      names,
		CPU:           cpu,
		MemoryMB:      memoryMB,
		RestartPolicy: defaultRestartPolicy(),
		DataDirs:      append([]string(nil), cfg.DataDirs...),
		ExposedPorts:  ports,
	}, nil
}

// normalizeExposedPorts validates config's docker-style port specs
// through github.com/docker/go-connections/nat (the same port-spec
// grammar the compose tool itself accepts) and renders one
// deterministic "hostPort:containerPort/proto" (or bare
// "containerPort/proto" when unbound) entry per distinct container
// port, sorted for config_hash-stable template output.
func normalizeExposedPorts(specs []string) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, err
	}

	ports := make([]string, 0, len(exposed))
	for p := range exposed {
		ports = append(ports, string(p))
	}
	sort.Strings(ports)

	out := make([]string, 0, len(ports))
	for _, p := range ports {
		port := nat.Port(p)
		bounds := bindings[port]
		if len(bounds) == 0 {
			out = append(out, string(port))
			continue
		}
		for _, b := range bounds {
			if b.HostPort == "" {
				out = append(out, string(port))
				continue
			}
			out = append(out, fmt.Sprintf("%s:%s", b.HostPort, port))
		}
	}
	return out, nil
}

func renderOne(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
