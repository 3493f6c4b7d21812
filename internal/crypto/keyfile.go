package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadEd25519PrivateKey reads an Ed25519 key file holding either a 64-byte
// private key or a 32-byte seed, raw or as hex/base64 (optionally prefixed
// with "hex:" or "base64:").
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	switch len(data) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(data), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(data), nil
	default:
		return nil, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

// LoadSecret reads an HMAC master secret using the same encodings as key files.
func LoadSecret(path string) ([]byte, error) {
	data, err := readKeyFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 32 {
		return nil, ErrSecretTooShort
	}
	return data, nil
}

func readKeyFile(path string) ([]byte, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeKeyMaterial(raw)
}

func decodeKeyMaterial(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty key file")
	}
	switch {
	case strings.HasPrefix(trimmed, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, "base64:"))
	case strings.HasPrefix(trimmed, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(trimmed, "hex:"))
	}
	if out, err := hex.DecodeString(trimmed); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return out, nil
	}
	// Raw binary only when no text encoding applies.
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
