package secretsio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskingWriterScrubsValues(t *testing.T) {
	var buf bytes.Buffer
	w := NewMaskingWriter(&buf, []string{"s3cr3t", "tok-987"})

	n, err := w.Write([]byte("connecting with token tok-987 and password s3cr3t\n"))
	require.NoError(t, err)
	assert.Equal(t, len("connecting with token tok-987 and password s3cr3t\n"), n)
	assert.Equal(t, "connecting with token ******** and password ********\n", buf.String())
}

func TestMaskingWriterPrefersLongerOverlappingValue(t *testing.T) {
	var buf bytes.Buffer
	w := NewMaskingWriter(&buf, []string{"ab", "abcdef"})

	_, err := w.Write([]byte("value is abcdef here"))
	require.NoError(t, err)
	assert.Equal(t, "value is ******** here", buf.String())
}

func TestMaskingWriterIgnoresEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	w := NewMaskingWriter(&buf, []string{"", "real"})

	_, err := w.Write([]byte("this is real data"))
	require.NoError(t, err)
	assert.Equal(t, "this is ******** data", buf.String())
}

func TestMaskingWriterPassthroughWithNoValues(t *testing.T) {
	var buf bytes.Buffer
	w := NewMaskingWriter(&buf, nil)

	_, err := w.Write([]byte("plain output"))
	require.NoError(t, err)
	assert.Equal(t, "plain output", buf.String())
}

func TestMask(t *testing.T) {
	got := Mask("user=admin password=hunter2", []string{"hunter2"})
	assert.Equal(t, "user=admin password=********", got)
}

func TestEnvFileSortsAndFormats(t *testing.T) {
	got := EnvFile(map[string]string{
		"ZEBRA": "z",
		"ALPHA": "a",
		"MID":   "m",
	})
	assert.Equal(t, "ALPHA=a\nMID=m\nZEBRA=z\n", string(got))
}

func TestEnvFileEmpty(t *testing.T) {
	got := EnvFile(map[string]string{})
	assert.Equal(t, "", string(got))
}
