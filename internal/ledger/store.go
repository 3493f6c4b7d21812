package ledger

// Tx is the set of writes and point reads available inside one atomic unit.
// A state change and the ledger entry recording it share a Tx.
type Tx interface {
	AppendEntry(entry Entry) error

	PutKey(key KeyRecord) error
	GetKey(keyID string) (KeyRecord, bool)

	PutOutbox(rec OutboxRecord) error
	GetOutbox(notificationID string) (OutboxRecord, bool)

	PutPolicyVersion(policy PolicyVersionRecord) error
	GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool)

	PutState(rec StateRecord) error
	GetState(kind, id string) (StateRecord, bool)

	PutIdempotencyKey(key IdempotencyKey) error
	GetIdempotencyKey(idemKey string) (IdempotencyKey, bool)
}

// Store persists the entry arena and the projections derived from it.
// Entries are insert-only; readers never take the writer's lock.
type Store interface {
	Tx
	WithTx(fn func(Tx) error) error

	ListEntries(from, to int64) ([]Entry, error)
	LastEntry() (Entry, bool, error)
	ListKeys() ([]KeyRecord, error)
	ListOutboxDue(now string, limit int) ([]OutboxRecord, error)
	ListStates(kind string) ([]StateRecord, error)
}

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     string
}

type KeyRecord struct {
	KeyID     string
	Algorithm string
	PublicKey []byte
	CreatedAt string
	RotatedAt *string
}

type OutboxRecord struct {
	NotificationID string
	Event          string
	Subject        string
	MessageJSON    []byte
	Status         string // pending | sent
	AttemptCount   int
	NextAttemptAt  string
	LastError      *string
	SentAt         *string
	CreatedAt      string
	UpdatedAt      string
}

// StateRecord is the latest projection of a workflow entity (a permit or a
// certification record). LastSequence points at the entry that produced it.
type StateRecord struct {
	Kind         string
	ID           string
	Status       string
	BodyJSON     []byte
	LastSequence int64
	UpdatedAt    string
}

type IdempotencyKey struct {
	IdemKey   string
	RequestID string
	CreatedAt string
}
