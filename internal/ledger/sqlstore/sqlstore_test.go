package sqlstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testEntry(seq int64) ledger.Entry {
	return ledger.Entry{
		Sequence:   seq,
		Kind:       "test.event",
		Payload:    []byte(`{"b":1,"a":"x"}`),
		RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC),
		PrevHash:   fmt.Sprintf("sha256:prev%d", seq),
		Hash:       fmt.Sprintf("sha256:hash%d", seq),
		KeyID:      "k1",
		Signature:  []byte{0x01, 0x02},
	}
}

func TestStoreCRUD(t *testing.T) {
	s := openTestStore(t)

	key := ledger.KeyRecord{KeyID: "kid", Algorithm: "ed25519", PublicKey: []byte("pub"), CreatedAt: "2026-01-01T00:00:00Z"}
	if err := s.PutKey(key); err != nil {
		t.Fatalf("put key: %v", err)
	}
	if got, ok := s.GetKey("kid"); !ok || got.Algorithm != "ed25519" || string(got.PublicKey) != "pub" {
		t.Fatalf("get key mismatch: ok=%v got=%+v", ok, got)
	}
	if keys, err := s.ListKeys(); err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v %d", err, len(keys))
	}

	policy := ledger.PolicyVersionRecord{
		PolicyHash:    "ph",
		PolicyID:      "pid",
		PolicyVersion: "1",
		PolicyYAML:    "policy_id: pid\npolicy_version: \"1\"\n",
		CreatedAt:     "2026-01-01T00:00:00Z",
	}
	if err := s.PutPolicyVersion(policy); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if got, ok := s.GetPolicyVersion("ph"); !ok || got.PolicyID != "pid" {
		t.Fatalf("get policy mismatch: ok=%v got=%+v", ok, got)
	}

	if err := s.PutIdempotencyKey(ledger.IdempotencyKey{IdemKey: "idem1", RequestID: "req1", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("put idem: %v", err)
	}
	// First writer wins.
	if err := s.PutIdempotencyKey(ledger.IdempotencyKey{IdemKey: "idem1", RequestID: "req2", CreatedAt: "2026-01-01T00:00:01Z"}); err != nil {
		t.Fatalf("put idem again: %v", err)
	}
	if got, ok := s.GetIdempotencyKey("idem1"); !ok || got.RequestID != "req1" {
		t.Fatalf("get idem mismatch: ok=%v got=%+v", ok, got)
	}

	outbox := ledger.OutboxRecord{
		NotificationID: "n1",
		Event:          "request.created",
		Subject:        "req1",
		MessageJSON:    []byte(`{"request_id":"req1"}`),
		Status:         "pending",
		NextAttemptAt:  "2026-01-01T00:00:04Z",
		CreatedAt:      "2026-01-01T00:00:04Z",
		UpdatedAt:      "2026-01-01T00:00:04Z",
	}
	if err := s.PutOutbox(outbox); err != nil {
		t.Fatalf("put outbox: %v", err)
	}
	if got, ok := s.GetOutbox("n1"); !ok || got.Subject != "req1" {
		t.Fatalf("get outbox mismatch: ok=%v got=%+v", ok, got)
	}
	if due, err := s.ListOutboxDue("2026-01-02T00:00:00Z", 10); err != nil || len(due) != 1 {
		t.Fatalf("list due mismatch: err=%v len=%d", err, len(due))
	}
	if due, err := s.ListOutboxDue("2025-12-31T00:00:00Z", 10); err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: err=%v len=%d", err, len(due))
	}

	outbox.Status = "sent"
	sent := "2026-01-01T00:00:05Z"
	outbox.SentAt = &sent
	outbox.AttemptCount = 1
	if err := s.PutOutbox(outbox); err != nil {
		t.Fatalf("update outbox: %v", err)
	}
	if got, _ := s.GetOutbox("n1"); got.Status != "sent" || got.SentAt == nil || got.AttemptCount != 1 {
		t.Fatalf("outbox update not applied: %+v", got)
	}
}

func TestEntriesAndStates(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LastEntry(); err != nil || ok {
		t.Fatalf("expected empty ledger: ok=%v err=%v", ok, err)
	}
	if err := s.AppendEntry(testEntry(2)); err == nil {
		t.Fatalf("expected out-of-order append to fail")
	}

	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.AppendEntry(testEntry(1)); err != nil {
			return err
		}
		return tx.PutState(ledger.StateRecord{Kind: "permit", ID: "p1", Status: "ISSUED", BodyJSON: []byte(`{}`), LastSequence: 1, UpdatedAt: "t1"})
	})
	if err != nil {
		t.Fatalf("append with state: %v", err)
	}
	if err := s.AppendEntry(testEntry(2)); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	entries, err := s.ListEntries(1, 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("list entries: %v %d", err, len(entries))
	}
	want := testEntry(1)
	got := entries[0]
	if !got.RecordedAt.Equal(want.RecordedAt) || string(got.Payload) != string(want.Payload) || !bytes.Equal(got.Signature, want.Signature) {
		t.Fatalf("entry did not round-trip: %+v", got)
	}
	last, ok, err := s.LastEntry()
	if err != nil || !ok || last.Sequence != 2 {
		t.Fatalf("last entry: %v %v %+v", err, ok, last)
	}

	rec, ok := s.GetState("permit", "p1")
	if !ok || rec.Status != "ISSUED" || rec.LastSequence != 1 {
		t.Fatalf("state mismatch: ok=%v rec=%+v", ok, rec)
	}
	states, err := s.ListStates("permit")
	if err != nil || len(states) != 1 {
		t.Fatalf("list states: %v %d", err, len(states))
	}

	// A state may not point at an entry that does not exist.
	if err := s.PutState(ledger.StateRecord{Kind: "permit", ID: "p2", Status: "ISSUED", BodyJSON: []byte(`{}`), LastSequence: 99, UpdatedAt: "t2"}); err == nil {
		t.Fatalf("expected foreign key failure")
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")
	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.AppendEntry(testEntry(1)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok, _ := s.LastEntry(); ok {
		t.Fatalf("rolled back entry must not be visible")
	}
}

func TestLedgerOverSQLite(t *testing.T) {
	s := openTestStore(t)
	ring := crypto.NewKeyring()
	if err := ring.AddHMAC("k1", bytes.Repeat([]byte{0x42}, 32)); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	l, err := ledger.Open(s, ring, ledger.Options{BatchSize: 3, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	for i := 0; i < 7; i++ {
		if _, err := l.Append(context.Background(), "test.event", map[string]any{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	report, err := l.Verify(context.Background(), 1, 0)
	if err != nil || !report.OK() {
		t.Fatalf("verify: %v %+v", err, report)
	}
	if report.Batches != 2 {
		t.Fatalf("expected two sealed batches, got %d", report.Batches)
	}
	if _, err := s.DB().Exec(`UPDATE ledger_entries SET payload = '{"i":9}' WHERE sequence = 2`); err == nil {
		t.Fatalf("stored entries must be immutable")
	}
}
