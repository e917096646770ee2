package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoKey is returned when no key is configured and generation is not allowed.
var ErrNoKey = errors.New("no encryption key configured")

// KeyConfig tells LoadKey where the vault key lives.
type KeyConfig struct {
	// Key is a base64 (standard or URL alphabet) encoded 32-byte key.
	Key string
	// File holds a base64 encoded key, read when Key is empty.
	File string
	// AllowGenerate permits creating File with a fresh random key when it does not exist.
	AllowGenerate bool
}

// LoadKey resolves the vault key: an explicit key first, then the key file,
// then (only when allowed) a freshly generated key persisted to the key file.
func LoadKey(cfg KeyConfig, logger *slog.Logger) ([]byte, error) {
	log := logger.With("component", "vault")

	if cfg.Key != "" {
		key, err := decodeKey(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("configured key: %w", err)
		}
		return key, nil
	}

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		switch {
		case err == nil:
			key, err := decodeKey(string(data))
			if err != nil {
				return nil, fmt.Errorf("key file %s: %w", cfg.File, err)
			}
			return key, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read key file %s: %w", cfg.File, err)
		}
	}

	if !cfg.AllowGenerate || cfg.File == "" {
		return nil, ErrNoKey
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(cfg.File, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", cfg.File, err)
	}
	log.Warn("Generated a new encryption key; back it up or secrets become unreadable",
		slog.String("key_file", cfg.File))
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("key must decode to %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("key is not valid base64")
}
