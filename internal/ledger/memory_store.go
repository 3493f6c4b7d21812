package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// InMemoryStore keeps the entry arena in a slice indexed by sequence-1.
type InMemoryStore struct {
	mu sync.RWMutex

	entries  []Entry
	keys     map[string]KeyRecord
	outbox   map[string]OutboxRecord
	policies map[string]PolicyVersionRecord
	states   map[string]StateRecord
	idemKeys map[string]IdempotencyKey
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		keys:     make(map[string]KeyRecord),
		outbox:   make(map[string]OutboxRecord),
		policies: make(map[string]PolicyVersionRecord),
		states:   make(map[string]StateRecord),
		idemKeys: make(map[string]IdempotencyKey),
	}
}

func stateKey(kind, id string) string {
	return kind + "/" + id
}

// WithTx stages writes and applies them only if fn succeeds.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{
		s:        s,
		keys:     map[string]KeyRecord{},
		outbox:   map[string]OutboxRecord{},
		policies: map[string]PolicyVersionRecord{},
		states:   map[string]StateRecord{},
		idemKeys: map[string]IdempotencyKey{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemoryStore) AppendEntry(entry Entry) error {
	return s.WithTx(func(tx Tx) error { return tx.AppendEntry(entry) })
}

func (s *InMemoryStore) ListEntries(from, to int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	if to > int64(len(s.entries)) {
		to = int64(len(s.entries))
	}
	if from > to {
		return []Entry{}, nil
	}
	out := make([]Entry, to-from+1)
	copy(out, s.entries[from-1:to])
	return out, nil
}

func (s *InMemoryStore) LastEntry() (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *InMemoryStore) PutKey(key KeyRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutKey(key) })
}

func (s *InMemoryStore) GetKey(keyID string) (KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	return key, ok
}

func (s *InMemoryStore) ListKeys() ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyRecord, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *InMemoryStore) PutOutbox(rec OutboxRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutOutbox(rec) })
}

func (s *InMemoryStore) GetOutbox(notificationID string) (OutboxRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.outbox[notificationID]
	return rec, ok
}

func (s *InMemoryStore) ListOutboxDue(now string, limit int) ([]OutboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []OutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status != "pending" || rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutPolicyVersion(policy PolicyVersionRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutPolicyVersion(policy) })
}

func (s *InMemoryStore) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[policyHash]
	return policy, ok
}

func (s *InMemoryStore) PutState(rec StateRecord) error {
	return s.WithTx(func(tx Tx) error { return tx.PutState(rec) })
}

func (s *InMemoryStore) GetState(kind, id string) (StateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.states[stateKey(kind, id)]
	return rec, ok
}

func (s *InMemoryStore) ListStates(kind string) ([]StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []StateRecord{}
	for _, rec := range s.states {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) PutIdempotencyKey(key IdempotencyKey) error {
	return s.WithTx(func(tx Tx) error { return tx.PutIdempotencyKey(key) })
}

func (s *InMemoryStore) GetIdempotencyKey(idemKey string) (IdempotencyKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.idemKeys[idemKey]
	return key, ok
}

// memTx runs under the store's write lock, so reads may consult the
// committed maps directly after checking staged writes.
type memTx struct {
	s *InMemoryStore

	entries  []Entry
	keys     map[string]KeyRecord
	outbox   map[string]OutboxRecord
	policies map[string]PolicyVersionRecord
	states   map[string]StateRecord
	idemKeys map[string]IdempotencyKey
}

func (t *memTx) commit() {
	t.s.entries = append(t.s.entries, t.entries...)
	for k, v := range t.keys {
		t.s.keys[k] = v
	}
	for k, v := range t.outbox {
		t.s.outbox[k] = v
	}
	for k, v := range t.policies {
		t.s.policies[k] = v
	}
	for k, v := range t.states {
		t.s.states[k] = v
	}
	for k, v := range t.idemKeys {
		t.s.idemKeys[k] = v
	}
}

func (t *memTx) AppendEntry(entry Entry) error {
	next := int64(len(t.s.entries)+len(t.entries)) + 1
	if entry.Sequence != next {
		return fmt.Errorf("entry sequence %d out of order, next is %d", entry.Sequence, next)
	}
	t.entries = append(t.entries, entry)
	return nil
}

func (t *memTx) PutKey(key KeyRecord) error {
	t.keys[key.KeyID] = key
	return nil
}

func (t *memTx) GetKey(keyID string) (KeyRecord, bool) {
	if key, ok := t.keys[keyID]; ok {
		return key, true
	}
	key, ok := t.s.keys[keyID]
	return key, ok
}

func (t *memTx) PutOutbox(rec OutboxRecord) error {
	t.outbox[rec.NotificationID] = rec
	return nil
}

func (t *memTx) GetOutbox(notificationID string) (OutboxRecord, bool) {
	if rec, ok := t.outbox[notificationID]; ok {
		return rec, true
	}
	rec, ok := t.s.outbox[notificationID]
	return rec, ok
}

func (t *memTx) PutPolicyVersion(policy PolicyVersionRecord) error {
	t.policies[policy.PolicyHash] = policy
	return nil
}

func (t *memTx) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	if policy, ok := t.policies[policyHash]; ok {
		return policy, true
	}
	policy, ok := t.s.policies[policyHash]
	return policy, ok
}

func (t *memTx) PutState(rec StateRecord) error {
	t.states[stateKey(rec.Kind, rec.ID)] = rec
	return nil
}

func (t *memTx) GetState(kind, id string) (StateRecord, bool) {
	if rec, ok := t.states[stateKey(kind, id)]; ok {
		return rec, true
	}
	rec, ok := t.s.states[stateKey(kind, id)]
	return rec, ok
}

func (t *memTx) PutIdempotencyKey(key IdempotencyKey) error {
	t.idemKeys[key.IdemKey] = key
	return nil
}

func (t *memTx) GetIdempotencyKey(idemKey string) (IdempotencyKey, bool) {
	if key, ok := t.idemKeys[idemKey]; ok {
		return key, true
	}
	key, ok := t.s.idemKeys[idemKey]
	return key, ok
}
