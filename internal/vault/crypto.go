package vault

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// seal encrypts plaintext under key, binding name and the format version
// into the associated data so that renaming an entry on disk (swapping
// two names) is detected as tampering at decrypt time — spec.md §4.4's
// name-binding invariant and §8 testable property 5.
func seal(key []byte, name string, plaintext []byte) (nonce, sealed []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ad := associatedData(name)
	sealed = aead.Seal(nil, nonce, plaintext, ad)
	return nonce, sealed, nil
}

// open decrypts a sealed entry, returning derrors.SecretCorrupt-worthy
// failures as plain errors (the vault package wraps them with the secret
// name at the call site).
func open(key []byte, name string, nonce, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	ad := associatedData(name)
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

func associatedData(name string) []byte {
	ad := make([]byte, 0, len(name)+1)
	ad = append(ad, []byte(name)...)
	ad = append(ad, formatVersion)
	return ad
}
