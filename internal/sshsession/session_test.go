package sshsession

import (
	"testing"

	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortOrDefault(t *testing.T) {
	assert.Equal(t, "22", portOrDefault(0))
	assert.Equal(t, "2222", portOrDefault(2222))
}

func TestAuthMethodsRejectsKeyKindWithoutPath(t *testing.T) {
	_, err := authMethods(Config{AuthKind: AuthKey})
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindConfigInvalid))
}

func TestAuthMethodsRejectsAgentKindWithoutSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	_, err := authMethods(Config{AuthKind: AuthAgent})
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindAuthError))
}

func TestAuthMethodsRejectsUnknownKind(t *testing.T) {
	_, err := authMethods(Config{AuthKind: AuthKind(99)})
	require.Error(t, err)
	assert.True(t, derrors.Is(err, derrors.KindConfigInvalid))
}

func TestIsHostKeyError(t *testing.T) {
	assert.True(t, isHostKeyError(assertErr{"ssh: handshake failed: knownhosts: key mismatch"}))
	assert.False(t, isHostKeyError(assertErr{"dial tcp: connection refused"}))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
