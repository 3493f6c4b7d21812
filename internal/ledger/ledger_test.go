package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	ring := crypto.NewKeyring()
	if err := ring.AddHMAC("k1", bytes.Repeat([]byte{0x11}, 32)); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return ring
}

func openTest(t *testing.T, store Store, ring *crypto.Keyring, opts Options) *Ledger {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := Open(store, ring, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(context.Background(), "test.event", map[string]any{"i": i, "note": "entry"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestAppendAndVerifyClean(t *testing.T) {
	l := openTest(t, NewInMemoryStore(), testKeyring(t), Options{})
	appendN(t, l, 10)

	report, err := l.Verify(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() || report.Checked != 10 {
		t.Fatalf("expected clean report over 10 entries, got %+v", report)
	}

	entries, _ := l.Entries(1, 10)
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first entry should link to genesis")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Fatalf("entry %d does not link to %d", entries[i].Sequence, entries[i-1].Sequence)
		}
	}
}

func TestTamperedPayloadIsReportedForensically(t *testing.T) {
	store := NewInMemoryStore()
	l := openTest(t, store, testKeyring(t), Options{})
	appendN(t, l, 10)

	store.mu.Lock()
	p := append(json.RawMessage(nil), store.entries[4].Payload...)
	p[len(p)-2] ^= 0x01
	store.entries[4].Payload = p
	store.mu.Unlock()

	report, err := l.Verify(context.Background(), 1, 10)
	if !errors.Is(err, failure.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if report.Count(ViolationSignatureInvalid) != 1 {
		t.Fatalf("expected exactly one signature_invalid, got %+v", report.Violations)
	}
	mismatches := map[int64]int{}
	for _, v := range report.Violations {
		switch v.Code {
		case ViolationSignatureInvalid:
			if v.Sequence != 5 {
				t.Fatalf("signature_invalid at %d, want 5", v.Sequence)
			}
		case ViolationHashMismatch:
			mismatches[v.Sequence]++
		default:
			t.Fatalf("unexpected violation %+v", v)
		}
	}
	for seq := int64(5); seq <= 10; seq++ {
		if mismatches[seq] != 1 {
			t.Fatalf("expected one hash_mismatch at %d, got %d", seq, mismatches[seq])
		}
	}
	if len(mismatches) != 6 {
		t.Fatalf("unexpected hash_mismatch spread %v", mismatches)
	}
}

func TestViolationHaltsAppendsUntilResume(t *testing.T) {
	store := NewInMemoryStore()
	l := openTest(t, store, testKeyring(t), Options{})
	appendN(t, l, 3)

	store.mu.Lock()
	store.entries[1].Hash = "sha256:forged"
	store.mu.Unlock()

	if _, err := l.Verify(context.Background(), 1, 0); err == nil {
		t.Fatalf("expected verify to fail")
	}
	head, _, _ := l.Head()
	if head.Kind != KindIntegrityViolation {
		t.Fatalf("expected violation entry at head, got %s", head.Kind)
	}
	if _, halted := l.Halted(); !halted {
		t.Fatalf("expected ledger to halt")
	}
	if _, err := l.Append(context.Background(), "test.event", nil); !errors.Is(err, failure.ErrIntegrity) {
		t.Fatalf("expected halted append to fail, got %v", err)
	}

	if _, err := l.Resume(context.Background(), "", ""); !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("expected validation error for empty override, got %v", err)
	}
	override, err := l.Resume(context.Background(), "ops@example.com", "forensics complete")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if override.Kind != KindIntegrityOverride {
		t.Fatalf("unexpected override kind %s", override.Kind)
	}
	if _, err := l.Append(context.Background(), "test.event", nil); err != nil {
		t.Fatalf("append after resume: %v", err)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	l := openTest(t, NewInMemoryStore(), testKeyring(t), Options{QueueDepth: 4})
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(context.Background(), "test.concurrent", map[string]any{"i": i}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, _ := l.Entries(1, 100)
	if len(entries) != 40 {
		t.Fatalf("expected 40 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i+1) {
			t.Fatalf("sequence gap at index %d: %d", i, e.Sequence)
		}
	}
	if report, err := l.Verify(context.Background(), 1, 0); err != nil || !report.OK() {
		t.Fatalf("verify: %v %+v", err, report)
	}
}

func TestAppendWithRollsBackOnApplyError(t *testing.T) {
	store := NewInMemoryStore()
	l := openTest(t, store, testKeyring(t), Options{})
	boom := errors.New("state write failed")
	_, err := l.AppendWith(context.Background(), "test.event", nil, func(tx Tx, e Entry) error {
		if err := tx.PutState(StateRecord{Kind: "permit", ID: "p1", Status: "ISSUED", LastSequence: e.Sequence}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if _, ok, _ := store.LastEntry(); ok {
		t.Fatalf("entry must not be written when apply fails")
	}
	if _, ok := store.GetState("permit", "p1"); ok {
		t.Fatalf("state must not be written when apply fails")
	}

	e, err := l.AppendWith(context.Background(), "test.event", nil, func(tx Tx, e Entry) error {
		return tx.PutState(StateRecord{Kind: "permit", ID: "p1", Status: "ISSUED", LastSequence: e.Sequence})
	})
	if err != nil || e.Sequence != 1 {
		t.Fatalf("expected sequence 1 after failed attempt, got %d %v", e.Sequence, err)
	}
	if rec, ok := store.GetState("permit", "p1"); !ok || rec.LastSequence != 1 {
		t.Fatalf("expected state committed with entry, got %+v", rec)
	}
}

func TestAppendTimeoutAbandonsQueuedRequest(t *testing.T) {
	store := NewInMemoryStore()
	l := openTest(t, store, testKeyring(t), Options{AppendTimeout: 50 * time.Millisecond, QueueDepth: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := l.AppendWith(context.Background(), "test.slow", nil, func(Tx, Entry) error {
			close(started)
			<-release
			return nil
		})
		firstDone <- err
	}()
	<-started

	if _, err := l.Append(context.Background(), "test.queued", nil); !errors.Is(err, ErrAppendTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("slow append should still succeed: %v", err)
	}

	e, err := l.Append(context.Background(), "test.after", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Sequence != 2 {
		t.Fatalf("abandoned request must not be written, got sequence %d", e.Sequence)
	}
}

func TestKeyRotationKeepsHistoryVerifiable(t *testing.T) {
	store := NewInMemoryStore()
	ring := testKeyring(t)
	l := openTest(t, store, ring, Options{})
	appendN(t, l, 3)

	priv, _, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{0x07}, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	ring.AddEd25519("k2", priv)
	if _, err := l.Rotate(context.Background(), "k2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	appendN(t, l, 3)

	entries, _ := l.Entries(1, 100)
	if entries[0].KeyID != "k1" || entries[len(entries)-1].KeyID != "k2" {
		t.Fatalf("expected key ids to follow rotation")
	}
	if report, err := l.Verify(context.Background(), 1, 0); err != nil || !report.OK() {
		t.Fatalf("verify after rotation: %v %+v", err, report)
	}
	if _, ok := store.GetKey("k2"); !ok {
		t.Fatalf("rotated key should be registered in the store")
	}

	stranger := crypto.NewKeyring()
	report := VerifyChain(entries, 1, GenesisHash, stranger, nil)
	if report.Count(ViolationUnknownKey) != len(entries) {
		t.Fatalf("expected unknown_key for every entry, got %+v", report.Violations)
	}
}

func TestBatchSealsAndRootMismatch(t *testing.T) {
	store := NewInMemoryStore()
	l := openTest(t, store, testKeyring(t), Options{BatchSize: 4})
	appendN(t, l, 8)

	entries, _ := l.Entries(1, 100)
	if len(entries) != 10 {
		t.Fatalf("expected 8 entries plus 2 seals, got %d", len(entries))
	}
	if entries[4].Kind != KindBatchSealed || entries[9].Kind != KindBatchSealed {
		t.Fatalf("expected seals at 5 and 10, got %s %s", entries[4].Kind, entries[9].Kind)
	}
	var seal BatchSeal
	if err := entries[9].Decode(&seal); err != nil || seal.From != 6 || seal.To != 9 {
		t.Fatalf("unexpected second seal %+v %v", seal, err)
	}

	report, err := l.Verify(context.Background(), 1, 0)
	if err != nil || report.Batches != 2 {
		t.Fatalf("verify: %v %+v", err, report)
	}

	// A range starting mid-batch still checks the straddling seal.
	if report, err := l.Verify(context.Background(), 3, 0); err != nil || report.Batches != 2 {
		t.Fatalf("partial verify: %v %+v", err, report)
	}

	store.mu.Lock()
	store.entries[1].Hash = "sha256:rewritten"
	store.mu.Unlock()
	report, _ = l.Verify(context.Background(), 1, 10)
	if report.Count(ViolationBatchRootMismatch) != 1 || report.Count(ViolationHashMismatch) != 1 {
		t.Fatalf("expected one root mismatch and one hash mismatch, got %+v", report.Violations)
	}
}

func TestConcurrentRotationKeepsSignaturesValid(t *testing.T) {
	ring := testKeyring(t)
	if err := ring.AddHMAC("k2", bytes.Repeat([]byte{0x22}, 32)); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	l := openTest(t, NewInMemoryStore(), ring, Options{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ids := []string{"k1", "k2"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = ring.Rotate(ids[i%2])
		}
	}()
	appendN(t, l, 200)
	close(stop)
	wg.Wait()

	report, err := l.Verify(context.Background(), 1, 0)
	if err != nil || !report.OK() {
		t.Fatalf("expected clean chain under rotation, got %v %+v", err, report.Violations)
	}
}

func TestReopenResumesChainHead(t *testing.T) {
	store := NewInMemoryStore()
	ring := testKeyring(t)
	l := openTest(t, store, ring, Options{BatchSize: 4})
	appendN(t, l, 6)
	l.Close()

	l2 := openTest(t, store, ring, Options{BatchSize: 4})
	e, err := l2.Append(context.Background(), "test.event", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.Sequence != 8 {
		t.Fatalf("expected sequence 8 after reopen, got %d", e.Sequence)
	}
	appendN(t, l2, 2)
	entries, _ := l2.Entries(1, 100)
	if len(entries) != 11 || entries[9].Kind != KindBatchSealed {
		t.Fatalf("expected reopened ledger to seal at sequence 10, got %d entries", len(entries))
	}
	var seal BatchSeal
	if err := entries[9].Decode(&seal); err != nil || seal.From != 6 || seal.To != 9 {
		t.Fatalf("expected seal over 6..9 spanning the reopen, got %+v %v", seal, err)
	}
	if entries[10].Kind == KindBatchSealed {
		t.Fatalf("sequence 11 starts a new batch")
	}
	if report, err := l2.Verify(context.Background(), 1, 0); err != nil {
		t.Fatalf("verify: %v %+v", err, report)
	}
}

func TestExportRoundTrip(t *testing.T) {
	ring := crypto.NewKeyring()
	priv, _, _ := crypto.KeyPairFromSeed(bytes.Repeat([]byte{0x09}, 32))
	ring.AddEd25519("ed1", priv)
	l := openTest(t, NewInMemoryStore(), ring, Options{})
	appendN(t, l, 5)

	exp, err := l.BuildExport(2, 0)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteExport(&buf, exp); err != nil {
		t.Fatalf("write export: %v", err)
	}
	got, err := ReadExport(&buf)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(got.Entries) != 4 || got.From != 2 || got.PrevHash == GenesisHash {
		t.Fatalf("unexpected export %+v", got)
	}
	if report := got.Verify(crypto.NewKeyring()); !report.OK() {
		t.Fatalf("exported range should verify offline: %+v", report.Violations)
	}

	if _, err := ReadExport(bytes.NewReader([]byte("not zstd"))); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestOpenRequiresKeyring(t *testing.T) {
	if _, err := Open(NewInMemoryStore(), crypto.NewKeyring(), Options{}); !errors.Is(err, ErrMissingKeyring) {
		t.Fatalf("expected ErrMissingKeyring, got %v", err)
	}
}
