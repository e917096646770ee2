// Package vault encrypts secret values at rest.
//
// Ciphertexts are XChaCha20-Poly1305 sealed JSON documents, base64url
// encoded behind a version prefix.
package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/i2y/mcpgate/internal/domain"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

const prefix = "v1:"

// Vault seals and opens secret documents with a single symmetric key.
type Vault struct {
	key []byte
}

// New returns a Vault for the given 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Vault{key: append([]byte(nil), key...)}, nil
}

// Encrypt seals a document. An empty or nil map encrypts to "".
func (v *Vault) Encrypt(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal secrets: %w", err)
	}
	return v.seal(plaintext)
}

// Decrypt opens a document produced by Encrypt. "" decrypts to an empty map.
func (v *Vault) Decrypt(ciphertext string) (map[string]any, error) {
	out := map[string]any{}
	if ciphertext == "" {
		return out, nil
	}
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &domain.DecryptionError{Err: fmt.Errorf("decode document: %w", err)}
	}
	for k, val := range out {
		out[k] = restoreNumbers(val)
	}
	return out, nil
}

// restoreNumbers turns decoded json.Numbers back into int64 when integral
// and float64 otherwise, so integers survive beyond 2^53.
func restoreNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, val := range t {
			t[k] = restoreNumbers(val)
		}
	case []any:
		for i, val := range t {
			t[i] = restoreNumbers(val)
		}
	}
	return v
}

// EncryptString seals a single value. "" encrypts to "".
func (v *Vault) EncryptString(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return v.seal([]byte(s))
}

// DecryptString opens a value produced by EncryptString.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return nil, &domain.DecryptionError{Err: errors.New("unknown ciphertext version")}
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &domain.DecryptionError{Err: fmt.Errorf("decode base64: %w", err)}
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, &domain.DecryptionError{Err: errors.New("ciphertext too short")}
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &domain.DecryptionError{Err: err}
	}
	return plaintext, nil
}
