package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
)

const (
	ViolationSequenceGap       = "sequence_gap"
	ViolationHashMismatch      = "hash_mismatch"
	ViolationSignatureInvalid  = "signature_invalid"
	ViolationUnknownKey        = "unknown_key"
	ViolationBatchRootMismatch = "batch_root_mismatch"
)

type Violation struct {
	Sequence int64  `json:"sequence"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type Report struct {
	From       int64       `json:"from"`
	To         int64       `json:"to"`
	Checked    int         `json:"checked"`
	Batches    int         `json:"batches"`
	Violations []Violation `json:"violations"`
}

func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// Count returns how many violations carry code.
func (r Report) Count(code string) int {
	n := 0
	for _, v := range r.Violations {
		if v.Code == code {
			n++
		}
	}
	return n
}

// LookupFunc fetches entries outside the verified slice, e.g. the start of
// a batch that straddles the requested range.
type LookupFunc func(from, to int64) ([]Entry, error)

// VerifyChain walks entries once and reports every discrepancy. The chain
// is recomputed from prevHash forward, so a modified entry breaks its own
// hash and every later link. Signatures are checked over each entry's
// stored fields, so only modified entries fail them.
func VerifyChain(entries []Entry, from int64, prevHash string, verifier crypto.Verifier, lookup LookupFunc) Report {
	report := Report{From: from, Violations: []Violation{}}
	add := func(seq int64, code, format string, args ...any) {
		report.Violations = append(report.Violations, Violation{Sequence: seq, Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	stored := make(map[int64]string, len(entries))
	expected := from
	running := prevHash
	for _, e := range entries {
		report.Checked++
		report.To = e.Sequence
		stored[e.Sequence] = e.Hash

		if e.Sequence != expected {
			add(e.Sequence, ViolationSequenceGap, "expected sequence %d, found %d", expected, e.Sequence)
		}
		expected = e.Sequence + 1

		digest, err := signingDigest(e, e.PrevHash)
		if err != nil {
			add(e.Sequence, ViolationSignatureInvalid, "cannot canonicalize entry: %v", err)
		} else {
			ok, err := verifier.Verify(e.KeyID, digest, e.Signature)
			switch {
			case errors.Is(err, crypto.ErrUnknownKey):
				add(e.Sequence, ViolationUnknownKey, "key %q is not in the keyring", e.KeyID)
			case err != nil:
				add(e.Sequence, ViolationSignatureInvalid, "verify: %v", err)
			case !ok:
				add(e.Sequence, ViolationSignatureInvalid, "signature does not match entry under key %q", e.KeyID)
			}
		}

		recomputed, err := entryHash(e, running)
		if err != nil || recomputed != e.Hash {
			detail := "entry hash does not match its contents"
			if e.PrevHash != running {
				detail = "previous hash does not link to the recomputed chain"
			}
			add(e.Sequence, ViolationHashMismatch, "%s", detail)
		}
		running = recomputed

		if e.Kind == KindBatchSealed {
			report.Batches++
			if msg := checkBatch(e, stored, lookup); msg != "" {
				add(e.Sequence, ViolationBatchRootMismatch, "%s", msg)
			}
		}
	}
	return report
}

func checkBatch(marker Entry, stored map[int64]string, lookup LookupFunc) string {
	var seal BatchSeal
	if err := marker.Decode(&seal); err != nil {
		return "unreadable batch marker: " + err.Error()
	}
	if seal.From < 1 || seal.To < seal.From || seal.To >= marker.Sequence {
		return fmt.Sprintf("batch range %d..%d is invalid", seal.From, seal.To)
	}
	hashes := make([]string, 0, seal.To-seal.From+1)
	var missing []Entry
	if _, ok := stored[seal.From]; !ok && lookup != nil {
		var err error
		if missing, err = lookup(seal.From, seal.To); err != nil {
			return "cannot load batch entries: " + err.Error()
		}
	}
	for _, e := range missing {
		if _, ok := stored[e.Sequence]; !ok {
			stored[e.Sequence] = e.Hash
		}
	}
	for seq := seal.From; seq <= seal.To; seq++ {
		h, ok := stored[seq]
		if !ok {
			if lookup == nil {
				return ""
			}
			return fmt.Sprintf("batch entry %d is missing", seq)
		}
		hashes = append(hashes, h)
	}
	if root := MerkleRoot(hashes); root != seal.Root {
		return fmt.Sprintf("batch %d..%d root %s does not match recorded %s", seal.From, seal.To, root, seal.Root)
	}
	return ""
}

type violationReport struct {
	Summary    string      `json:"summary"`
	From       int64       `json:"from"`
	To         int64       `json:"to"`
	Total      int         `json:"total"`
	Violations []Violation `json:"violations"`
}

const maxRecordedViolations = 32

// Verify checks [from, to] (to <= 0 means the head). A broken chain is
// recorded as a ledger.integrity_violation entry and halts further appends
// until Resume.
func (l *Ledger) Verify(ctx context.Context, from, to int64) (Report, error) {
	if from < 1 {
		from = 1
	}
	if to <= 0 {
		head, ok, err := l.store.LastEntry()
		if err != nil {
			return Report{}, err
		}
		if !ok {
			return Report{From: from, Violations: []Violation{}}, nil
		}
		to = head.Sequence
	}
	entries, err := l.store.ListEntries(from, to)
	if err != nil {
		return Report{}, err
	}
	prevHash := GenesisHash
	if from > 1 {
		prior, err := l.store.ListEntries(from-1, from-1)
		if err != nil {
			return Report{}, err
		}
		if len(prior) == 1 {
			prevHash = prior[0].Hash
		}
	}

	report := VerifyChain(entries, from, prevHash, l.keys, l.store.ListEntries)
	if report.OK() {
		return report, nil
	}

	summary := fmt.Sprintf("%d violation(s) in %d..%d, first %s at %d",
		len(report.Violations), from, to, report.Violations[0].Code, report.Violations[0].Sequence)
	if _, halted := l.Halted(); !halted {
		recorded := report.Violations
		if len(recorded) > maxRecordedViolations {
			recorded = recorded[:maxRecordedViolations]
		}
		payload := violationReport{Summary: summary, From: from, To: to, Total: len(report.Violations), Violations: recorded}
		if _, err := l.submit(ctx, &appendReq{kind: reqHalt, payload: payload}); err != nil {
			l.logger.Error("failed to record integrity violation", "error", err)
		}
	}
	return report, failure.Integrity("chain_broken", summary, nil)
}
