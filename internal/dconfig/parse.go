package dconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemorySize parses a memory size string ("512m", "1.5g", "1024")
// into bytes. Grounded on the teacher's internal/parse/memory.go.
func ParseMemorySize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory string")
	}

	numEnd := 0
	hasDecimal := false
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
			numEnd = i + 1
		case c == '.' && !hasDecimal:
			hasDecimal = true
			numEnd = i + 1
		default:
			goto doneScanning
		}
	}
doneScanning:

	if numEnd == 0 {
		return 0, fmt.Errorf("invalid memory format: %s", s)
	}

	value, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in %q: %w", s, err)
	}

	unit := strings.TrimSuffix(s[numEnd:], "b")
	var multiplier int64
	switch unit {
	case "":
		multiplier = 1
	case "k":
		multiplier = 1024
	case "m":
		multiplier = 1024 * 1024
	case "g":
		multiplier = 1024 * 1024 * 1024
	case "t":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid unit %q in %q", unit, s)
	}

	return int64(value * float64(multiplier)), nil
}

// PortBinding is a host:container style port pair plus its protocol.
// Grounded on internal/parse/ports.go's PortBinding shape.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string
}

// ParsePortBinding parses "8080", "8080:80", or "8080:80/udp".
func ParsePortBinding(spec string) (PortBinding, error) {
	pb := PortBinding{Protocol: "tcp"}
	if spec == "" {
		return pb, fmt.Errorf("empty port spec")
	}

	if idx := strings.LastIndex(spec, "/"); idx != -1 {
		pb.Protocol = spec[idx+1:]
		spec = spec[:idx]
	}

	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		pb.HostPort = parts[0]
		pb.ContainerPort = parts[0]
	case 2:
		pb.HostPort = parts[0]
		pb.ContainerPort = parts[1]
	default:
		return pb, fmt.Errorf("invalid port spec %q", spec)
	}
	return pb, nil
}
