package ledger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const (
	KindBatchSealed        = "ledger.batch_sealed"
	KindIntegrityViolation = "ledger.integrity_violation"
	KindIntegrityOverride  = "ledger.integrity_override"
	KindKeyRotated         = "ledger.key_rotated"
)

type Entry struct {
	Sequence   int64           `json:"sequence" cbor:"1,keyasint"`
	Kind       string          `json:"kind" cbor:"2,keyasint"`
	Payload    json.RawMessage `json:"payload" cbor:"3,keyasint"`
	RecordedAt time.Time       `json:"recorded_at" cbor:"4,keyasint"`
	PrevHash   string          `json:"prev_hash" cbor:"5,keyasint"`
	Hash       string          `json:"hash" cbor:"6,keyasint"`
	KeyID      string          `json:"key_id" cbor:"7,keyasint"`
	Signature  []byte          `json:"signature" cbor:"8,keyasint"`
}

// Decode unmarshals the entry payload.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Domain returns the component prefix of the entry kind, e.g. "permit".
func (e Entry) Domain() string {
	if i := strings.IndexByte(e.Kind, '.'); i > 0 {
		return e.Kind[:i]
	}
	return e.Kind
}

// signingView is what the signature covers: every field except the
// signature and the entry's own hash. prevHash is passed explicitly so
// verification can substitute the recomputed chain.
func signingView(e Entry, prevHash string) map[string]any {
	return map[string]any{
		"sequence":       e.Sequence,
		"kind":           e.Kind,
		"recorded_at":    e.RecordedAt.UTC().Format(time.RFC3339Nano),
		"payload_digest": crypto.DigestWithPrefix(e.Payload),
		"prev_hash":      prevHash,
		"key_id":         e.KeyID,
	}
}

// signingDigest returns the 32-byte digest that is signed.
func signingDigest(e Entry, prevHash string) ([]byte, error) {
	canonical, err := crypto.Canonicalize(signingView(e, prevHash))
	if err != nil {
		return nil, err
	}
	return crypto.DigestBytes(canonical), nil
}

// entryHash is the chain hash of a signed entry.
func entryHash(e Entry, prevHash string) (string, error) {
	view := signingView(e, prevHash)
	view["signature"] = e.Signature
	canonical, err := crypto.Canonicalize(view)
	if err != nil {
		return "", err
	}
	return crypto.DigestWithPrefix(canonical), nil
}

// canonicalPayload renders any payload as canonical JSON bytes.
func canonicalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return crypto.CanonicalizeJSON(raw)
	}
	return crypto.Marshal(payload)
}
