package derrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, KindNetworkError, "dial failed")

	require.True(t, Is(err, KindNetworkError))
	assert.Equal(t, KindNetworkError, GetKind(err))
	assert.ErrorIs(t, err, cause)
}

func TestAsExtractsDeployError(t *testing.T) {
	err := New(KindAuthError, "bad key")
	wrapped := errors.New("outer: " + err.Error())

	_, ok := As(wrapped)
	assert.False(t, ok, "plain error should not be extracted")

	de, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindAuthError, de.Kind)
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindConfigInvalid, 2},
		{KindAuthError, 3},
		{KindNetworkError, 4},
		{KindRemoteExecError, 5},
		{KindDeploymentBusy, 6},
		{KindDeploymentInconsistent, 7},
		{KindBuildFailed, 1},
	}
	for _, c := range cases {
		err := New(c.kind, "x")
		assert.Equal(t, c.want, ExitCode(err), c.kind)
	}

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("unstructured")))
}

func TestEveryKindMapsToDocumentedExitCode(t *testing.T) {
	documented := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true}
	kinds := []Kind{
		KindConfigInvalid, KindAuthError, KindNetworkError, KindRemoteExecError,
		KindUnsupportedHostError, KindInstallVerificationError, KindBuildFailed,
		KindStartupTimeout, KindBackupNotQuiesced, KindNoPreviousVersion,
		KindSecretMissing, KindSecretCorrupt, KindDeploymentBusy, KindDeploymentInconsistent,
	}
	for _, k := range kinds {
		code := ExitCode(New(k, "x"))
		assert.True(t, documented[code], "kind %s mapped to undocumented exit code %d", k, code)
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(KindConfigInvalid, "bad").WithContext("field", "host").WithContext("reason", "empty")
	assert.Equal(t, "host", err.Context["field"])
	assert.Equal(t, "empty", err.Context["reason"])
}
