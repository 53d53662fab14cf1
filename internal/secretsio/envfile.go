package secretsio

import (
	"sort"
	"strings"
)

// EnvFile renders name=value pairs using the "secrets.env" wire format
// from spec.md §6: one NAME=value line per secret, no quoting, no
// comments, sorted by name for determinism.
func EnvFile(values map[string]string) []byte {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(values[name])
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}
