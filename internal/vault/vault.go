package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// SecretPrefix marks a config value that names a sealed secret instead of
// carrying the value itself, e.g. api_key: "secret:anthropic".
const SecretPrefix = "secret:"

var ErrSealedTooShort = errors.New("sealed value too short")

// Vault seals provider credentials with AES-256-GCM under a key derived
// from a passphrase. Sealed values are nonce || ciphertext.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key with Argon2id. The salt is the SHA-256 of the
// passphrase so the same passphrase yields the same key across restarts.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrSealedTooShort
	}
	plaintext, err := v.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SecretLookup fetches a sealed value by name; it returns nil when missing.
type SecretLookup func(name string) ([]byte, error)

// Resolve returns value unchanged unless it is a secret reference, in which
// case the named secret is looked up and opened.
func (v *Vault) Resolve(value string, lookup SecretLookup) (string, error) {
	name, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	sealed, err := lookup(name)
	if err != nil {
		return "", fmt.Errorf("lookup secret %s: %w", name, err)
	}
	if sealed == nil {
		return "", fmt.Errorf("secret %s not found", name)
	}
	plain, err := v.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", name, err)
	}
	return string(plain), nil
}
