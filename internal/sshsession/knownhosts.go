package sshsession

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/griffithind/dcx-deploy/internal/dconfig"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHostsPath returns ~/.dcx-deploy/known_hosts.
func KnownHostsPath() (string, error) {
	dir, err := dconfig.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "known_hosts"), nil
}

// TrustOnFirstUse builds a host-key callback that accepts and records
// a host's key the first time it is seen, and fails with AuthError on
// any later mismatch — spec.md §4.1's "fingerprint is written and the
// user informed; subsequent mismatches fail with AuthError" behavior.
//
// informFunc, if non-nil, is called with the host and key fingerprint
// the first time a host is trusted.
func TrustOnFirstUse(informFunc func(host, fingerprint string)) (ssh.HostKeyCallback, error) {
	path, err := KnownHostsPath()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known_hosts directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts file: %w", err)
		}
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if ok := asKeyError(err, &keyErr); ok && len(keyErr.Want) == 0 {
			// Host genuinely unseen (no conflicting entries): trust it
			// and append, rather than failing closed forever.
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			f, openErr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if openErr != nil {
				return derrors.Wrap(openErr, derrors.KindAuthError, "open known_hosts for append")
			}
			defer func() { _ = f.Close() }()
			if _, writeErr := f.WriteString(line + "\n"); writeErr != nil {
				return derrors.Wrap(writeErr, derrors.KindAuthError, "record host key")
			}
			if informFunc != nil {
				informFunc(hostname, ssh.FingerprintSHA256(key))
			}
			return nil
		}

		return derrors.Wrap(err, derrors.KindAuthError, "host key verification failed")
	}, nil
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	keyErr, ok := err.(*knownhosts.KeyError)
	if !ok {
		return false
	}
	*target = keyErr
	return true
}
