package crypto

import "errors"

var (
	ErrFloatNotAllowed  = errors.New("float values are not allowed")
	ErrNonStringMapKey  = errors.New("map keys must be strings")
	ErrUnsupportedType  = errors.New("unsupported type for canonicalization")
	ErrKeyCollision     = errors.New("normalized map key collision")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
	ErrInvalidDigestLen = errors.New("invalid digest length")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrNoActiveKey      = errors.New("no active signing key")
	ErrSecretTooShort   = errors.New("hmac secret must be at least 32 bytes")
)
