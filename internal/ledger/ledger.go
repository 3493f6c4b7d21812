package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
)

var (
	ErrClosed         = errors.New("ledger closed")
	ErrAppendTimeout  = errors.New("ledger append timed out")
	ErrMissingKeyring = errors.New("ledger requires a keyring with an active key")
)

type Options struct {
	AppendTimeout time.Duration
	BatchSize     int
	QueueDepth    int
	Now           func() time.Time
	Logger        *slog.Logger
}

// Ledger is the single append path. One writer goroutine owns the chain
// head; callers hand it requests and wait a bounded time for the result.
type Ledger struct {
	store   Store
	keys    *crypto.Keyring
	timeout time.Duration
	batch   int
	now     func() time.Time
	logger  *slog.Logger

	reqs   chan *appendReq
	stop   chan struct{}
	done   chan struct{}
	closed sync.Once

	halted atomic.Pointer[haltState]

	// Owned by the writer goroutine.
	lastSeq  int64
	lastHash string
	sealFrom int64
}

type haltState struct {
	Reason string
	At     time.Time
}

type reqKind int

const (
	reqAppend reqKind = iota
	reqHalt
	reqResume
)

const (
	reqPending int32 = iota
	reqTaken
	reqAbandoned
)

type appendReq struct {
	kind    reqKind
	entry   string
	payload any
	apply   func(Tx, Entry) error
	state   atomic.Int32
	resp    chan appendResp
}

type appendResp struct {
	entry Entry
	err   error
}

// Open starts the writer goroutine over store. Every key in keys is
// registered in the store so exported ledgers stay verifiable.
func Open(store Store, keys *crypto.Keyring, opts Options) (*Ledger, error) {
	if keys == nil || keys.KeyID() == "" {
		return nil, ErrMissingKeyring
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Ledger{
		store:   store,
		keys:    keys,
		timeout: opts.AppendTimeout,
		batch:   opts.BatchSize,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "ledger"),
		reqs:    make(chan *appendReq, opts.QueueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := l.registerKeys(); err != nil {
		return nil, err
	}
	if err := l.loadHead(); err != nil {
		return nil, err
	}
	go l.run()
	return l, nil
}

func (l *Ledger) registerKeys() error {
	now := l.now().UTC().Format(time.RFC3339)
	for _, id := range l.keys.KeyIDs() {
		if _, ok := l.store.GetKey(id); ok {
			continue
		}
		alg, _ := l.keys.Algorithm(id)
		rec := KeyRecord{KeyID: id, Algorithm: string(alg), PublicKey: l.keys.PublicKey(id), CreatedAt: now}
		if err := l.store.PutKey(rec); err != nil {
			return fmt.Errorf("register key %s: %w", id, err)
		}
	}
	stored, err := l.store.ListKeys()
	if err != nil {
		return err
	}
	for _, rec := range stored {
		if rec.Algorithm == string(crypto.AlgEd25519) && len(rec.PublicKey) > 0 {
			l.keys.AddEd25519Public(rec.KeyID, rec.PublicKey)
		}
	}
	return nil
}

func (l *Ledger) loadHead() error {
	last, ok, err := l.store.LastEntry()
	if err != nil {
		return fmt.Errorf("load ledger head: %w", err)
	}
	if !ok {
		l.lastHash = GenesisHash
		l.sealFrom = 1
		return nil
	}
	l.lastSeq = last.Sequence
	l.lastHash = last.Hash
	l.sealFrom = 1

	from := last.Sequence - int64(l.batch)
	if from < 1 {
		from = 1
	}
	recent, err := l.store.ListEntries(from, last.Sequence)
	if err != nil {
		return err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Kind != KindBatchSealed {
			continue
		}
		var seal BatchSeal
		if err := recent[i].Decode(&seal); err == nil {
			l.sealFrom = recent[i].Sequence + 1
		}
		break
	}
	if l.sealFrom == 1 && last.Sequence > int64(l.batch) {
		l.sealFrom = from
	}
	return nil
}

// Append records one entry and returns it once durable.
func (l *Ledger) Append(ctx context.Context, kind string, payload any) (Entry, error) {
	return l.AppendWith(ctx, kind, payload, nil)
}

// AppendWith records an entry and runs apply in the same transaction, so a
// state projection commits together with the entry that justifies it. If
// apply fails nothing is written.
func (l *Ledger) AppendWith(ctx context.Context, kind string, payload any, apply func(Tx, Entry) error) (Entry, error) {
	if h := l.halted.Load(); h != nil {
		return Entry{}, failure.Integrity("ledger_halted", "ledger halted: "+h.Reason, nil)
	}
	return l.submit(ctx, &appendReq{kind: reqAppend, entry: kind, payload: payload, apply: apply})
}

func (l *Ledger) submit(ctx context.Context, req *appendReq) (Entry, error) {
	req.resp = make(chan appendResp, 1)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case l.reqs <- req:
	case <-l.stop:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case <-timer.C:
		return Entry{}, ErrAppendTimeout
	}

	select {
	case resp := <-req.resp:
		return resp.entry, resp.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(reqPending, reqAbandoned) {
			return Entry{}, ctx.Err()
		}
	case <-timer.C:
		if req.state.CompareAndSwap(reqPending, reqAbandoned) {
			return Entry{}, ErrAppendTimeout
		}
	}
	// The writer already took the request; its outcome is authoritative.
	resp := <-req.resp
	return resp.entry, resp.err
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.reqs:
			l.serve(req)
		case <-l.stop:
			for {
				select {
				case req := <-l.reqs:
					l.serve(req)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) serve(req *appendReq) {
	if !req.state.CompareAndSwap(reqPending, reqTaken) {
		return
	}
	var resp appendResp
	switch req.kind {
	case reqAppend:
		if h := l.halted.Load(); h != nil {
			resp.err = failure.Integrity("ledger_halted", "ledger halted: "+h.Reason, nil)
			break
		}
		resp.entry, resp.err = l.write(req.entry, req.payload, req.apply)
		if resp.err == nil {
			l.maybeSeal()
		}
	case reqHalt:
		resp.entry, resp.err = l.write(KindIntegrityViolation, req.payload, nil)
		reason := "integrity violation"
		if r, ok := req.payload.(violationReport); ok {
			reason = r.Summary
		}
		l.halted.Store(&haltState{Reason: reason, At: l.now().UTC()})
		l.logger.Error("ledger halted", "reason", reason)
	case reqResume:
		resp.entry, resp.err = l.write(KindIntegrityOverride, req.payload, nil)
		if resp.err == nil {
			l.halted.Store(nil)
			l.logger.Warn("ledger resumed by operator override", "sequence", resp.entry.Sequence)
		}
	}
	req.resp <- resp
}

// write signs and persists the next entry. The chain head only advances
// after the store commits.
func (l *Ledger) write(kind string, payload any, apply func(Tx, Entry) error) (Entry, error) {
	body, err := canonicalPayload(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	signer, err := l.keys.Active()
	if err != nil {
		return Entry{}, fmt.Errorf("sign entry: %w", err)
	}
	// Timestamps are truncated to what every store round-trips exactly.
	entry := Entry{
		Sequence:   l.lastSeq + 1,
		Kind:       kind,
		Payload:    body,
		RecordedAt: l.now().UTC().Truncate(time.Microsecond),
		PrevHash:   l.lastHash,
		KeyID:      signer.KeyID,
	}
	digest, err := signingDigest(entry, entry.PrevHash)
	if err != nil {
		return Entry{}, err
	}
	if entry.Signature, err = signer.Sign(digest); err != nil {
		return Entry{}, fmt.Errorf("sign entry: %w", err)
	}
	if entry.Hash, err = entryHash(entry, entry.PrevHash); err != nil {
		return Entry{}, err
	}

	err = l.store.WithTx(func(tx Tx) error {
		if err := tx.AppendEntry(entry); err != nil {
			return err
		}
		if apply != nil {
			return apply(tx, entry)
		}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", kind, err)
	}
	l.lastSeq = entry.Sequence
	l.lastHash = entry.Hash
	return entry, nil
}

// maybeSeal writes a batch marker once BatchSize entries follow the last one.
func (l *Ledger) maybeSeal() {
	if l.lastSeq-l.sealFrom+1 < int64(l.batch) {
		return
	}
	from, to := l.sealFrom, l.lastSeq
	entries, err := l.store.ListEntries(from, to)
	if err != nil {
		l.logger.Error("batch seal read failed", "from", from, "to", to, "error", err)
		return
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	seal := BatchSeal{From: from, To: to, Root: MerkleRoot(hashes)}
	marker, err := l.write(KindBatchSealed, seal, nil)
	if err != nil {
		l.logger.Error("batch seal failed", "from", from, "to", to, "error", err)
		return
	}
	l.sealFrom = marker.Sequence + 1
	l.logger.Debug("batch sealed", "from", from, "to", to, "root", seal.Root)
}

// Rotate switches the active signing key and records the rotation.
func (l *Ledger) Rotate(ctx context.Context, keyID string) (Entry, error) {
	if keyID == "" {
		return Entry{}, failure.Validation("key_id_required", "key_id is required")
	}
	previous := l.keys.KeyID()
	if err := l.keys.Rotate(keyID); err != nil {
		switch {
		case errors.Is(err, crypto.ErrUnknownKey):
			return Entry{}, failure.NotFound("key " + keyID)
		case errors.Is(err, crypto.ErrNoActiveKey):
			return Entry{}, failure.Validation("key_verify_only", "key "+keyID+" has no private half and cannot sign")
		}
		return Entry{}, err
	}
	if err := l.registerKeys(); err != nil {
		return Entry{}, err
	}
	return l.Append(ctx, KindKeyRotated, map[string]any{"previous_key_id": previous, "key_id": keyID})
}

// Halted reports the halt reason, if appends are currently refused.
func (l *Ledger) Halted() (string, bool) {
	if h := l.halted.Load(); h != nil {
		return h.Reason, true
	}
	return "", false
}

// Resume records an operator override and re-enables appends.
func (l *Ledger) Resume(ctx context.Context, operator, reason string) (Entry, error) {
	if operator == "" || reason == "" {
		return Entry{}, failure.Validation("override_incomplete", "operator and reason are required")
	}
	return l.submit(ctx, &appendReq{kind: reqResume, payload: map[string]any{"operator": operator, "reason": reason}})
}

// Entries reads a sequence range straight from the arena.
func (l *Ledger) Entries(from, to int64) ([]Entry, error) {
	return l.store.ListEntries(from, to)
}

// Head returns the latest entry.
func (l *Ledger) Head() (Entry, bool, error) {
	return l.store.LastEntry()
}

func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) Keyring() *crypto.Keyring {
	return l.keys
}

// Close drains queued requests and stops the writer.
func (l *Ledger) Close() {
	l.closed.Do(func() {
		close(l.stop)
		<-l.done
	})
}
