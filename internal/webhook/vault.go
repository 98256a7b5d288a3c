package webhook

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMissingMasterKey is a hard configuration error: outside explicit
// development mode, signing secrets are never stored unencrypted.
var ErrMissingMasterKey = errors.New("webhook: master key is required outside development mode")

const (
	ciphertextPrefix = "enc:"
	plaintextPrefix  = "plain:"
)

// Vault encrypts per-application webhook secrets at rest with authenticated
// encryption under a master key. In development mode it falls back to an
// explicitly labelled plaintext encoding.
type Vault struct {
	aead    cipher.AEAD
	devMode bool
}

// NewVault builds a vault from a raw master key. The key must be exactly
// chacha20poly1305.KeySize (32) bytes. An empty key is only accepted when
// devMode is set.
func NewVault(masterKey []byte, devMode bool) (*Vault, error) {
	if len(masterKey) == 0 {
		if !devMode {
			return nil, ErrMissingMasterKey
		}
		return &Vault{devMode: true}, nil
	}
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("webhook: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("webhook: init cipher: %w", err)
	}
	return &Vault{aead: aead, devMode: devMode}, nil
}

// Encrypt seals a secret for storage.
func (v *Vault) Encrypt(secret []byte) (string, error) {
	if v.aead == nil {
		// Development mode only; NewVault refuses this configuration
		// in production.
		return plaintextPrefix + base64.StdEncoding.EncodeToString(secret), nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, secret, nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers a stored secret.
func (v *Vault) Decrypt(stored string) ([]byte, error) {
	switch {
	case strings.HasPrefix(stored, plaintextPrefix):
		if !v.devMode {
			return nil, errors.New("webhook: plaintext secret found outside development mode")
		}
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, plaintextPrefix))
	case strings.HasPrefix(stored, ciphertextPrefix):
		if v.aead == nil {
			return nil, ErrMissingMasterKey
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, ciphertextPrefix))
		if err != nil {
			return nil, err
		}
		if len(raw) < chacha20poly1305.NonceSizeX {
			return nil, errors.New("webhook: ciphertext too short")
		}
		return v.aead.Open(nil, raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:], nil)
	default:
		return nil, errors.New("webhook: unrecognized secret encoding")
	}
}
