package vault

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/griffithind/dcx-deploy/internal/dconfig"
)

// KeySize is the length, in bytes, of the symmetric key used to encrypt
// every vault on this workstation.
const KeySize = 32

// KeyPath returns ~/.dcx-deploy/key, the single workstation-wide key
// file spec.md §9 calls out as global state to be owned by one component.
func KeyPath() (string, error) {
	dir, err := dconfig.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "key"), nil
}

// LoadOrCreateKey reads the workstation key, generating one from
// crypto/rand on first use and persisting it with mode 0600. The key
// never leaves the workstation and is never logged.
func LoadOrCreateKey() ([]byte, error) {
	path, err := KeyPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s has unexpected length %d (want %d)", path, len(data), KeySize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
