// Package vault implements the Secret Vault (C4): an at-rest,
// authenticated-encryption key-value store for runtime secrets, plus
// materialization of decrypted values into an env file on a remote host.
//
// Plaintext never persists outside the materialized remote file; local
// storage is always ciphertext, encrypted under a key that never leaves
// the workstation (spec.md §4.4).
package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/griffithind/dcx-deploy/internal/dconfig"
	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/griffithind/dcx-deploy/internal/secretsio"
)

// Vault manages the encrypted secrets for a single deployment.
type Vault struct {
	path string
	key  []byte
}

// Open loads (or prepares to create) the vault for deploymentID, reading
// the workstation key as needed.
func Open(deploymentID string) (*Vault, error) {
	dir, err := dconfig.Dir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "vaults", deploymentID+".vault")

	key, err := LoadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("load vault key: %w", err)
	}

	return &Vault{path: path, key: key}, nil
}

// OpenAt is Open with an explicit vault file path, used by tests and by
// backup/restore when operating on a downloaded copy.
func OpenAt(path string, key []byte) *Vault {
	return &Vault{path: path, key: key}
}

func (v *Vault) lockPath() string {
	return v.path + ".lock"
}

// withLock guards every vault mutation with a local file lock, matching
// spec.md §5's "single-writer... protected by a file lock" requirement.
func (v *Vault) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	lock := flock.New(v.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire vault lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (v *Vault) readEntries() ([]entry, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	return decodeFile(data)
}

// writeEntries atomically replaces the vault file via write-temp-then-
// rename, mirroring the host-side materialize discipline spec.md §4.4
// requires and the teacher's lockfile.Save pattern.
func (v *Vault) writeEntries(entries []entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data := encodeFile(entries)
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp vault file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("rename vault file: %w", err)
	}
	return nil
}

// Set creates or updates a secret. Values containing newlines are
// rejected per spec.md §6 (env file format has no quoting/escaping).
func (v *Vault) Set(name, plaintext string) error {
	if strings.ContainsAny(plaintext, "\n\r") || strings.IndexByte(plaintext, 0) != -1 {
		return derrors.New(derrors.KindConfigInvalid, "secret value must not contain newlines or null bytes").
			WithContext("name", name)
	}

	return v.withLock(func() error {
		entries, err := v.readEntries()
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		nonce, sealed, err := seal(v.key, name, []byte(plaintext))
		if err != nil {
			return fmt.Errorf("seal secret %q: %w", name, err)
		}

		found := false
		for i := range entries {
			if entries[i].Name == name {
				entries[i].Nonce = nonce
				entries[i].Sealed = sealed
				entries[i].UpdatedAt = now
				found = true
				break
			}
		}
		if !found {
			entries = append(entries, entry{
				Name:      name,
				Nonce:     nonce,
				Sealed:    sealed,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}

		return v.writeEntries(entries)
	})
}

// Get decrypts and returns a secret's plaintext value.
func (v *Vault) Get(name string) (string, error) {
	var result string
	err := v.withLock(func() error {
		entries, err := v.readEntries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name != name {
				continue
			}
			plaintext, err := open(v.key, e.Name, e.Nonce, e.Sealed)
			if err != nil {
				return derrors.SecretCorrupt(name, err)
			}
			result = string(plaintext)
			return nil
		}
		return derrors.SecretMissing(name)
	})
	return result, err
}

// Remove deletes a secret. Idempotent: removing an absent secret is not
// an error.
func (v *Vault) Remove(name string) error {
	return v.withLock(func() error {
		entries, err := v.readEntries()
		if err != nil {
			return err
		}
		out := entries[:0]
		for _, e := range entries {
			if e.Name != name {
				out = append(out, e)
			}
		}
		return v.writeEntries(out)
	})
}

// List returns the names of every stored secret, never their values.
func (v *Vault) List() ([]string, error) {
	var names []string
	err := v.withLock(func() error {
		entries, err := v.readEntries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
		sort.Strings(names)
		return nil
	})
	return names, err
}

// ExportCiphertext returns the vault file's raw bytes as stored on
// disk, unchanged and still encrypted. Used by the Coordinator to
// mirror a host-side copy for the Backup Store to archive; never
// exposes plaintext.
func (v *Vault) ExportCiphertext() ([]byte, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}
	return data, nil
}

// Session is the subset of the Remote Session (C1) contract materialize
// needs: writing a file atomically on the host.
type Session interface {
	Upload(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error
}

// Materialize decrypts every secret in names and writes them as a
// name=value env file on the host at remotePath, mode 0600. Line
// ordering is sorted by name for determinism (spec.md §6).
//
// The invariant that the materialized file contains exactly the current
// secret set is enforced by the caller passing the authoritative name
// list (typically config.SecretsRequired) rather than vault.List(), so
// secrets removed from the config disappear from the host file on the
// next call even if they're still (or again) present in the vault.
func (v *Vault) Materialize(ctx context.Context, session Session, remotePath string, names []string) error {
	values := make(map[string]string, len(names))
	for _, name := range names {
		value, err := v.Get(name)
		if err != nil {
			return err
		}
		values[name] = value
	}

	return session.Upload(ctx, secretsio.EnvFile(values), remotePath, 0o600)
}
