package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

type Algorithm string

const (
	AlgHMACSHA256 Algorithm = "hmac-sha256"
	AlgEd25519    Algorithm = "ed25519"
)

// Signer produces signatures over 32-byte digests.
type Signer interface {
	KeyID() string
	Sign(digest []byte) ([]byte, error)
}

// Verifier checks signatures made under any known key id.
type Verifier interface {
	Verify(keyID string, digest, sig []byte) (bool, error)
}

type keyEntry struct {
	alg    Algorithm
	secret []byte
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// Keyring holds every signing key ever used, one of which is active.
// Retired keys stay verifiable so rotation never orphans old entries.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string]keyEntry
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]keyEntry)}
}

// DeriveHMACKey expands a master secret into a per-key-id MAC key.
func DeriveHMACKey(master []byte, keyID string) ([]byte, error) {
	if len(master) < 32 {
		return nil, ErrSecretTooShort
	}
	r := hkdf.New(sha256.New, master, nil, []byte("tollgate/ledger/"+keyID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// AddHMAC registers a MAC key derived from master under keyID.
func (k *Keyring) AddHMAC(keyID string, master []byte) error {
	key, err := DeriveHMACKey(master, keyID)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = keyEntry{alg: AlgHMACSHA256, secret: key}
	if k.active == "" {
		k.active = keyID
	}
	return nil
}

// AddEd25519 registers a signing keypair under keyID.
func (k *Keyring) AddEd25519(keyID string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = keyEntry{alg: AlgEd25519, priv: priv, pub: priv.Public().(ed25519.PublicKey)}
	if k.active == "" {
		k.active = keyID
	}
}

// AddEd25519Public registers a verify-only key, e.g. one loaded from the store.
func (k *Keyring) AddEd25519Public(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[keyID]; ok {
		return
	}
	k.keys[keyID] = keyEntry{alg: AlgEd25519, pub: pub}
}

// Rotate makes keyID the key used for new signatures.
func (k *Keyring) Rotate(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.keys[keyID]
	if !ok {
		return ErrUnknownKey
	}
	if entry.alg == AlgEd25519 && entry.priv == nil {
		return ErrNoActiveKey
	}
	k.active = keyID
	return nil
}

func (k *Keyring) KeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Algorithm reports the algorithm bound to keyID.
func (k *Keyring) Algorithm(keyID string) (Algorithm, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.keys[keyID]
	return entry.alg, ok
}

// PublicKey returns the Ed25519 public key for keyID, nil for MAC keys.
func (k *Keyring) PublicKey(keyID string) ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[keyID].pub
}

func (k *Keyring) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveKey is a snapshot of one signing key. It keeps signing with that
// key after the keyring rotates.
type ActiveKey struct {
	KeyID string
	entry keyEntry
}

func (s ActiveKey) Sign(digest []byte) ([]byte, error) {
	switch s.entry.alg {
	case AlgHMACSHA256:
		return MACSHA256(s.entry.secret, digest)
	default:
		if s.entry.priv == nil {
			return nil, ErrNoActiveKey
		}
		return SignEd25519(s.entry.priv, digest)
	}
}

// Active returns the active key id and its key, read under one lock so a
// concurrent Rotate cannot split them.
func (k *Keyring) Active() (ActiveKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.keys[k.active]
	if !ok {
		return ActiveKey{}, ErrNoActiveKey
	}
	return ActiveKey{KeyID: k.active, entry: entry}, nil
}

// Sign signs digest with the active key.
func (k *Keyring) Sign(digest []byte) ([]byte, error) {
	signer, err := k.Active()
	if err != nil {
		return nil, err
	}
	return signer.Sign(digest)
}

func (k *Keyring) Verify(keyID string, digest, sig []byte) (bool, error) {
	k.mu.RLock()
	entry, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, ErrUnknownKey
	}
	switch entry.alg {
	case AlgHMACSHA256:
		return VerifyMACSHA256(entry.secret, digest, sig)
	default:
		return VerifyEd25519(entry.pub, digest, sig)
	}
}
