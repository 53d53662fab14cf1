// Package secretsio provides helpers for safely handling secret material
// in transit: masking secret values out of streamed output, and writing
// them to host-bound env files. Adapted from the teacher's
// internal/secrets package (masking.go, tempfile.go), generalized from
// "fetched external secrets" to "vault-decrypted deployment secrets".
package secretsio

import (
	"bytes"
	"io"
	"sort"
)

const maskString = "********"

// MaskingWriter wraps an io.Writer and replaces secret values in the
// written bytes with a fixed mask, so build/quiesce output streamed to an
// observer hook never leaks plaintext. Values are sorted longest-first so
// an overlapping shorter value can't partially match inside a longer one.
type MaskingWriter struct {
	inner  io.Writer
	values [][]byte
}

// NewMaskingWriter builds a MaskingWriter that scrubs every non-empty
// value in values from whatever is written to w.
func NewMaskingWriter(w io.Writer, values []string) *MaskingWriter {
	vs := make([][]byte, 0, len(values))
	for _, v := range values {
		if v != "" {
			vs = append(vs, []byte(v))
		}
	}
	sort.Slice(vs, func(i, j int) bool { return len(vs[i]) > len(vs[j]) })
	return &MaskingWriter{inner: w, values: vs}
}

// Write implements io.Writer. It always reports len(p) as written,
// regardless of any substitutions performed, to satisfy the io.Writer
// contract even though the byte count sent to inner may differ.
func (m *MaskingWriter) Write(p []byte) (int, error) {
	if len(m.values) == 0 {
		return m.inner.Write(p)
	}

	masked := p
	for _, v := range m.values {
		masked = bytes.ReplaceAll(masked, v, []byte(maskString))
	}

	if _, err := m.inner.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Mask replaces every occurrence of values in s with the mask string.
func Mask(s string, values []string) string {
	result := []byte(s)
	for _, v := range values {
		if v == "" {
			continue
		}
		result = bytes.ReplaceAll(result, []byte(v), []byte(maskString))
	}
	return string(result)
}
