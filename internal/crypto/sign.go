package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// DigestPrefix marks digest strings stored in entries, snapshots and pack
// manifests.
const DigestPrefix = "sha256:"

func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func DigestHex(data []byte) string {
	return hex.EncodeToString(DigestBytes(data))
}

func DigestWithPrefix(data []byte) string {
	return DigestPrefix + DigestHex(data)
}

// Signatures and MACs are only ever taken over a SHA-256 digest of a
// canonical entry, never over raw payloads.
func checkDigest(digest []byte) error {
	if len(digest) != sha256.Size {
		return ErrInvalidDigestLen
	}
	return nil
}

// KeyPairFromSeed derives an Ed25519 key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func SignEd25519(priv ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if err := checkDigest(digest); err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, digest), nil
}

func VerifyEd25519(pub ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if err := checkDigest(digest); err != nil {
		return false, err
	}
	return ed25519.Verify(pub, digest, sig), nil
}

func MACSHA256(key, digest []byte) ([]byte, error) {
	if err := checkDigest(digest); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest)
	return mac.Sum(nil), nil
}

// VerifyMACSHA256 compares in constant time.
func VerifyMACSHA256(key, digest, tag []byte) (bool, error) {
	want, err := MACSHA256(key, digest)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, tag), nil
}
