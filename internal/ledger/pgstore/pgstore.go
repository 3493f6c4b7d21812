package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidahmann/tollgate/internal/ledger"
)

// appendLockKey serializes appenders across gateway replicas.
const appendLockKey = 0x746f6c6c

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// payload_raw keeps the signed bytes; the JSONB column is for querying.
const entryColumns = `sequence, kind, payload_raw, recorded_at, prev_hash, hash, key_id, signature`

func scanEntry(row scanner) (ledger.Entry, error) {
	var e ledger.Entry
	var payload string
	if err := row.Scan(&e.Sequence, &e.Kind, &payload, &e.RecordedAt, &e.PrevHash, &e.Hash, &e.KeyID, &e.Signature); err != nil {
		return ledger.Entry{}, err
	}
	e.RecordedAt = e.RecordedAt.UTC()
	e.Payload = []byte(payload)
	return e, nil
}

func (s *Store) AppendEntry(entry ledger.Entry) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.AppendEntry(entry) })
}

func (s *Store) ListEntries(from, to int64) ([]ledger.Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM tollgate_ledger_entries
WHERE sequence >= $1 AND sequence <= $2
ORDER BY sequence ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LastEntry() (ledger.Entry, bool, error) {
	e, err := scanEntry(s.db.QueryRow(`SELECT ` + entryColumns + ` FROM tollgate_ledger_entries ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return e, true, nil
}

func (s *Store) PutKey(key ledger.KeyRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutKey(key) })
}

func (s *Store) GetKey(keyID string) (ledger.KeyRecord, bool) {
	return getKey(s.db, keyID)
}

func (s *Store) ListKeys() ([]ledger.KeyRecord, error) {
	rows, err := s.db.Query(`SELECT key_id, algorithm, public_key, created_at::text, rotated_at::text FROM tollgate_keys ORDER BY key_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.KeyRecord{}
	for rows.Next() {
		var rec ledger.KeyRecord
		if err := rows.Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicKey, &rec.CreatedAt, &rec.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutOutbox(rec ledger.OutboxRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutOutbox(rec) })
}

func (s *Store) GetOutbox(notificationID string) (ledger.OutboxRecord, bool) {
	return getOutbox(s.db, notificationID)
}

const outboxColumns = `notification_id, event, subject, message_json::text, status, attempt_count, next_attempt_at::text, last_error, sent_at::text, created_at::text, updated_at::text`

func scanOutbox(row scanner) (ledger.OutboxRecord, error) {
	var rec ledger.OutboxRecord
	var msg string
	if err := row.Scan(&rec.NotificationID, &rec.Event, &rec.Subject, &msg, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OutboxRecord{}, err
	}
	rec.MessageJSON = []byte(msg)
	return rec, nil
}

func (s *Store) ListOutboxDue(now string, limit int) ([]ledger.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+outboxColumns+`
FROM tollgate_notify_outbox
WHERE status = 'pending' AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutPolicyVersion(policy) })
}

func (s *Store) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return getPolicyVersion(s.db, policyHash)
}

func (s *Store) PutState(rec ledger.StateRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutState(rec) })
}

func (s *Store) GetState(kind, id string) (ledger.StateRecord, bool) {
	return getState(s.db, kind, id)
}

const stateColumns = `kind, id, status, body_json::text, last_sequence, updated_at::text`

func scanState(row scanner) (ledger.StateRecord, error) {
	var rec ledger.StateRecord
	var body string
	if err := row.Scan(&rec.Kind, &rec.ID, &rec.Status, &body, &rec.LastSequence, &rec.UpdatedAt); err != nil {
		return ledger.StateRecord{}, err
	}
	rec.BodyJSON = []byte(body)
	return rec, nil
}

func (s *Store) ListStates(kind string) ([]ledger.StateRecord, error) {
	rows, err := s.db.Query(`SELECT `+stateColumns+` FROM tollgate_entity_states WHERE kind = $1 ORDER BY id ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.StateRecord{}
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutIdempotencyKey(key ledger.IdempotencyKey) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutIdempotencyKey(key) })
}

func (s *Store) GetIdempotencyKey(idemKey string) (ledger.IdempotencyKey, bool) {
	return getIdempotencyKey(s.db, idemKey)
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) AppendEntry(entry ledger.Entry) error {
	if !json.Valid(entry.Payload) {
		return errors.New("invalid entry payload")
	}
	if _, err := t.tx.Exec(`SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return err
	}
	var last int64
	if err := t.tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM tollgate_ledger_entries`).Scan(&last); err != nil {
		return err
	}
	if entry.Sequence != last+1 {
		return fmt.Errorf("entry sequence %d out of order, next is %d", entry.Sequence, last+1)
	}
	_, err := t.tx.Exec(`INSERT INTO tollgate_ledger_entries(sequence, kind, payload, payload_raw, recorded_at, prev_hash, hash, key_id, signature)
VALUES($1,$2,$3::jsonb,$4,$5,$6,$7,$8,$9)`,
		entry.Sequence,
		entry.Kind,
		string(entry.Payload),
		string(entry.Payload),
		entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		entry.PrevHash,
		entry.Hash,
		entry.KeyID,
		entry.Signature,
	)
	return err
}

func (t *Tx) PutKey(key ledger.KeyRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO tollgate_keys(key_id, algorithm, public_key, created_at, rotated_at)
VALUES($1,$2,$3,$4::timestamptz,$5::timestamptz)
ON CONFLICT(key_id) DO UPDATE SET rotated_at=COALESCE(excluded.rotated_at, tollgate_keys.rotated_at)`,
		key.KeyID,
		key.Algorithm,
		key.PublicKey,
		key.CreatedAt,
		key.RotatedAt,
	)
	return err
}

func (t *Tx) GetKey(keyID string) (ledger.KeyRecord, bool) {
	return getKey(t.tx, keyID)
}

func (t *Tx) PutOutbox(rec ledger.OutboxRecord) error {
	if !json.Valid(rec.MessageJSON) {
		return errors.New("invalid message_json")
	}
	_, err := t.tx.Exec(
		`INSERT INTO tollgate_notify_outbox(notification_id, event, subject, message_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7::timestamptz,$8,$9::timestamptz,$10::timestamptz,$11::timestamptz)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.NotificationID,
		rec.Event,
		rec.Subject,
		string(rec.MessageJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetOutbox(notificationID string) (ledger.OutboxRecord, bool) {
	return getOutbox(t.tx, notificationID)
}

func (t *Tx) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO tollgate_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES($1,$2,$3,$4,$5::timestamptz)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

func (t *Tx) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return getPolicyVersion(t.tx, policyHash)
}

func (t *Tx) PutState(rec ledger.StateRecord) error {
	if !json.Valid(rec.BodyJSON) {
		return errors.New("invalid body_json")
	}
	_, err := t.tx.Exec(`INSERT INTO tollgate_entity_states(kind, id, status, body_json, last_sequence, updated_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6::timestamptz)
ON CONFLICT(kind, id) DO UPDATE SET
  status=excluded.status,
  body_json=excluded.body_json,
  last_sequence=excluded.last_sequence,
  updated_at=excluded.updated_at`,
		rec.Kind,
		rec.ID,
		rec.Status,
		string(rec.BodyJSON),
		rec.LastSequence,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetState(kind, id string) (ledger.StateRecord, bool) {
	return getState(t.tx, kind, id)
}

func (t *Tx) PutIdempotencyKey(key ledger.IdempotencyKey) error {
	_, err := t.tx.Exec(`INSERT INTO tollgate_idempotency_keys(idem_key, request_id, created_at)
VALUES($1,$2,$3::timestamptz)
ON CONFLICT(idem_key) DO NOTHING`,
		key.IdemKey, key.RequestID, key.CreatedAt,
	)
	return err
}

func (t *Tx) GetIdempotencyKey(idemKey string) (ledger.IdempotencyKey, bool) {
	return getIdempotencyKey(t.tx, idemKey)
}

func getKey(q querier, keyID string) (ledger.KeyRecord, bool) {
	var rec ledger.KeyRecord
	row := q.QueryRow(`SELECT key_id, algorithm, public_key, created_at::text, rotated_at::text FROM tollgate_keys WHERE key_id = $1`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicKey, &rec.CreatedAt, &rec.RotatedAt); err != nil {
		return ledger.KeyRecord{}, false
	}
	return rec, true
}

func getOutbox(q querier, notificationID string) (ledger.OutboxRecord, bool) {
	rec, err := scanOutbox(q.QueryRow(`SELECT `+outboxColumns+` FROM tollgate_notify_outbox WHERE notification_id = $1`, notificationID))
	if err != nil {
		return ledger.OutboxRecord{}, false
	}
	return rec, true
}

func getPolicyVersion(q querier, policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := q.QueryRow(`SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at::text FROM tollgate_policy_versions WHERE policy_hash = $1`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

func getState(q querier, kind, id string) (ledger.StateRecord, bool) {
	rec, err := scanState(q.QueryRow(`SELECT `+stateColumns+` FROM tollgate_entity_states WHERE kind = $1 AND id = $2`, kind, id))
	if err != nil {
		return ledger.StateRecord{}, false
	}
	return rec, true
}

func getIdempotencyKey(q querier, idemKey string) (ledger.IdempotencyKey, bool) {
	var rec ledger.IdempotencyKey
	row := q.QueryRow(`SELECT idem_key, request_id, created_at::text FROM tollgate_idempotency_keys WHERE idem_key = $1`, idemKey)
	if err := row.Scan(&rec.IdemKey, &rec.RequestID, &rec.CreatedAt); err != nil {
		return ledger.IdempotencyKey{}, false
	}
	return rec, true
}
