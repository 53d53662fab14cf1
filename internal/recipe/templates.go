package recipe

// DefaultTemplates returns the built-in template set used when a
// deployment config does not name a custom one. Content mirrors the
// shape of the teacher's internal/build (Dockerfile assembly) and
// internal/compose (service override fields: image, environment,
// resource limits, restart policy) generalized to the bot-runtime
// domain and re-expressed through the C3 {{name}} placeholder
// contract instead of Go struct marshaling.
func DefaultTemplates() (dockerfile, compose, entrypoint, makefile string) {
	dockerfile = `FROM {{.ImageBase}}
LABEL dcx.deployment_id="{{.DeploymentID}}"
LABEL dcx.version_id="{{.VersionID}}"
WORKDIR /app
COPY entrypoint.sh /app/entrypoint.sh
RUN chmod +x /app/entrypoint.sh
ENTRYPOINT ["/app/entrypoint.sh"]
`

	compose = `services:
  {{.DeploymentID}}:
    image: {{.ImageBase}}
    container_name: {{.DeploymentID}}
    restart: {{.RestartPolicy.Policy}}
    labels:
      dcx.deployment_id: "{{.DeploymentID}}"
      dcx.version_id: "{{.VersionID}}"
      dcx.config_hash: "{{.ConfigHash}}"
    env_file:
      - ../../secrets.env
    environment:
{{range .EnvNames}}      {{.}}: "{{index $.EnvPlain .}}"
{{end}}    deploy:
      resources:
        limits:
          cpus: "{{.CPU}}"
          memory: {{.MemoryMB}}M
      restart_policy:
        condition: {{.RestartPolicy.Policy}}
        delay: {{.RestartPolicy.BackoffSeconds}}s
        max_attempts: {{.RestartPolicy.MaxBackoffSteps}}
    volumes:
{{range .DataDirs}}      - {{.}}:{{.}}
{{end}}{{if .ExposedPorts}}    ports:
{{range .ExposedPorts}}      - "{{.}}"
{{end}}{{end}}`

	entrypoint = `#!/bin/sh
set -eu
# Rendered for {{.DeploymentID}} @ {{.VersionID}}
exec "$@"
`

	makefile = `# Operator helper for {{.DeploymentID}} (version {{.VersionID}})
.PHONY: up down logs status

up:
	docker compose -p dcx_{{.DeploymentID}} -f compose.yaml up -d

down:
	docker compose -p dcx_{{.DeploymentID}} -f compose.yaml down

logs:
	docker compose -p dcx_{{.DeploymentID}} -f compose.yaml logs -f

status:
	docker compose -p dcx_{{.DeploymentID}} -f compose.yaml ps
`

	return dockerfile, compose, entrypoint, makefile
}
