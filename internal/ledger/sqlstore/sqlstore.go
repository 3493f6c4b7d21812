package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/tollgate/internal/ledger"
)

type Store struct {
	db *sql.DB
}

// OpenSQLite opens dsn with foreign keys enforced. SQLite has a single
// writer, so the pool is capped at one connection.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
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
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const entryColumns = `sequence, kind, payload, recorded_at, prev_hash, hash, key_id, signature`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var e ledger.Entry
	var payload, recorded string
	if err := row.Scan(&e.Sequence, &e.Kind, &payload, &recorded, &e.PrevHash, &e.Hash, &e.KeyID, &e.Signature); err != nil {
		return ledger.Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, recorded)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %d recorded_at: %w", e.Sequence, err)
	}
	e.RecordedAt = t.UTC()
	e.Payload = []byte(payload)
	return e, nil
}

func (s *Store) AppendEntry(entry ledger.Entry) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.AppendEntry(entry) })
}

func (s *Store) ListEntries(from, to int64) ([]ledger.Entry, error) {
	rows, err := s.db.Query(`SELECT `+entryColumns+` FROM ledger_entries
WHERE sequence >= ? AND sequence <= ?
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
	e, err := scanEntry(s.db.QueryRow(`SELECT ` + entryColumns + ` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`))
	if err == sql.ErrNoRows {
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
	rows, err := s.db.Query(`SELECT key_id, algorithm, public_key, created_at, rotated_at FROM signing_keys ORDER BY key_id ASC`)
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

const outboxColumns = `notification_id, event, subject, message_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

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
FROM notify_outbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, now, limit)
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
	rows, err := s.db.Query(`SELECT kind, id, status, body_json, last_sequence, updated_at FROM entity_states WHERE kind = ? ORDER BY id ASC`, kind)
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

// AppendEntry refuses anything but the next sequence so a second writer
// cannot fork the chain.
func (t *Tx) AppendEntry(entry ledger.Entry) error {
	var last int64
	if err := t.tx.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries`).Scan(&last); err != nil {
		return err
	}
	if entry.Sequence != last+1 {
		return fmt.Errorf("entry sequence %d out of order, next is %d", entry.Sequence, last+1)
	}
	_, err := t.tx.Exec(`INSERT INTO ledger_entries(`+entryColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		entry.Sequence,
		entry.Kind,
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
		`INSERT INTO signing_keys(key_id, algorithm, public_key, created_at, rotated_at)
VALUES(?,?,?,?,?)
ON CONFLICT(key_id) DO UPDATE SET rotated_at=COALESCE(excluded.rotated_at, signing_keys.rotated_at)`,
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
	_, err := t.tx.Exec(
		`INSERT INTO notify_outbox(`+outboxColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
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
		`INSERT INTO policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

func (t *Tx) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return getPolicyVersion(t.tx, policyHash)
}

func (t *Tx) PutState(rec ledger.StateRecord) error {
	_, err := t.tx.Exec(`INSERT INTO entity_states(kind, id, status, body_json, last_sequence, updated_at)
VALUES(?,?,?,?,?,?)
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
	_, err := t.tx.Exec(`INSERT INTO idempotency_keys(idem_key, request_id, created_at) VALUES(?,?,?)
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
	row := q.QueryRow(`SELECT key_id, algorithm, public_key, created_at, rotated_at FROM signing_keys WHERE key_id = ?`, keyID)
	if err := row.Scan(&rec.KeyID, &rec.Algorithm, &rec.PublicKey, &rec.CreatedAt, &rec.RotatedAt); err != nil {
		return ledger.KeyRecord{}, false
	}
	return rec, true
}

func getOutbox(q querier, notificationID string) (ledger.OutboxRecord, bool) {
	rec, err := scanOutbox(q.QueryRow(`SELECT `+outboxColumns+` FROM notify_outbox WHERE notification_id = ?`, notificationID))
	if err != nil {
		return ledger.OutboxRecord{}, false
	}
	return rec, true
}

func getPolicyVersion(q querier, policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := q.QueryRow(`SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM policy_versions WHERE policy_hash = ?`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

func getState(q querier, kind, id string) (ledger.StateRecord, bool) {
	rec, err := scanState(q.QueryRow(`SELECT kind, id, status, body_json, last_sequence, updated_at FROM entity_states WHERE kind = ? AND id = ?`, kind, id))
	if err != nil {
		return ledger.StateRecord{}, false
	}
	return rec, true
}

func getIdempotencyKey(q querier, idemKey string) (ledger.IdempotencyKey, bool) {
	var rec ledger.IdempotencyKey
	row := q.QueryRow(`SELECT idem_key, request_id, created_at FROM idempotency_keys WHERE idem_key = ?`, idemKey)
	if err := row.Scan(&rec.IdemKey, &rec.RequestID, &rec.CreatedAt); err != nil {
		return ledger.IdempotencyKey{}, false
	}
	return rec, true
}
