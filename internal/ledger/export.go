package ledger

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const ExportFormat = "tollgate.ledger.export.v1"

// Export is the portable form of a ledger range. Keys carry the public
// halves needed to verify Ed25519 entries offline.
type Export struct {
	Format   string      `cbor:"1,keyasint"`
	From     int64       `cbor:"2,keyasint"`
	To       int64       `cbor:"3,keyasint"`
	PrevHash string      `cbor:"4,keyasint"`
	Keys     []ExportKey `cbor:"5,keyasint"`
	Entries  []Entry     `cbor:"6,keyasint"`
}

type ExportKey struct {
	KeyID     string `cbor:"1,keyasint"`
	Algorithm string `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint,omitempty"`
}

var (
	exportEnc cbor.EncMode
	exportDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	exportEnc, err = opts.EncMode()
	if err != nil {
		panic("ledger: cbor encoder initialization failed: " + err.Error())
	}
	exportDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ledger: cbor decoder initialization failed: " + err.Error())
	}
}

// BuildExport collects [from, to] plus the anchor hash and key table.
func (l *Ledger) BuildExport(from, to int64) (Export, error) {
	if from < 1 {
		from = 1
	}
	if to <= 0 {
		head, ok, err := l.store.LastEntry()
		if err != nil {
			return Export{}, err
		}
		if ok {
			to = head.Sequence
		}
	}
	entries, err := l.store.ListEntries(from, to)
	if err != nil {
		return Export{}, err
	}
	prevHash := GenesisHash
	if from > 1 {
		prior, err := l.store.ListEntries(from-1, from-1)
		if err != nil {
			return Export{}, err
		}
		if len(prior) == 1 {
			prevHash = prior[0].Hash
		}
	}
	keys, err := l.store.ListKeys()
	if err != nil {
		return Export{}, err
	}
	out := Export{Format: ExportFormat, From: from, To: to, PrevHash: prevHash, Entries: entries}
	for _, k := range keys {
		out.Keys = append(out.Keys, ExportKey{KeyID: k.KeyID, Algorithm: k.Algorithm, PublicKey: k.PublicKey})
	}
	return out, nil
}

// WriteExport encodes exp as deterministic CBOR inside a zstd frame.
func WriteExport(w io.Writer, exp Export) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := exportEnc.NewEncoder(zw).Encode(exp); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode export: %w", err)
	}
	return zw.Close()
}

// ReadExport decodes a stream produced by WriteExport.
func ReadExport(r io.Reader) (Export, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return Export{}, err
	}
	defer zr.Close()

	var exp Export
	if err := exportDec.NewDecoder(zr).Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("decode export: %w", err)
	}
	if exp.Format != ExportFormat {
		return Export{}, errors.New("unrecognized export format " + exp.Format)
	}
	return exp, nil
}

// Verify checks an exported range offline. ring must already hold any HMAC
// keys; Ed25519 public keys are taken from the export itself.
func (e Export) Verify(ring *crypto.Keyring) Report {
	for _, k := range e.Keys {
		if k.Algorithm == string(crypto.AlgEd25519) && len(k.PublicKey) > 0 {
			ring.AddEd25519Public(k.KeyID, k.PublicKey)
		}
	}
	return VerifyChain(e.Entries, e.From, e.PrevHash, ring, nil)
}
