package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/pkg/types"
)

// StateKind is the ledger state-record kind for approval collections.
const StateKind = "quorum"

var ErrEngineClosed = errors.New("quorum engine closed")

// Resolver is told about a resolution once it is durable in the ledger.
type Resolver func(ctx context.Context, st State)

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Outcome answers a submission. Approval is the decision on record for the
// submitting approver, which is the original one when Duplicate is set.
type Outcome struct {
	State     State          `json:"state"`
	Approval  types.Approval `json:"approval"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// Engine runs one mailbox goroutine per open request. Events for a request
// are applied one at a time, written to the ledger, then committed to the
// mailbox's copy of the state. Different requests never share a goroutine.
type Engine struct {
	ledger *ledger.Ledger
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	boxes    map[string]*mailbox
	resolver Resolver
	stop     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

type mailbox struct {
	in   chan command
	done chan struct{}
}

type command struct {
	ctx   context.Context
	ev    Event
	reply chan result
}

type result struct {
	out Outcome
	err error
}

func NewEngine(l *ledger.Ledger, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		ledger: l,
		now:    opts.Now,
		logger: opts.Logger.With("component", "quorum"),
		boxes:  make(map[string]*mailbox),
		stop:   make(chan struct{}),
	}
}

// OnResolved registers the callback for resolutions.
func (e *Engine) OnResolved(fn Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = fn
}

// Persist writes st as the request's approval record inside tx. Callers
// opening a request use it in the same transaction as the creation entry.
func Persist(tx ledger.Tx, st State, seq int64, at time.Time) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.PutState(ledger.StateRecord{
		Kind:         StateKind,
		ID:           st.RequestID,
		Status:       string(st.Status),
		BodyJSON:     body,
		LastSequence: seq,
		UpdatedAt:    at.UTC().Format(time.RFC3339Nano),
	})
}

func decode(rec ledger.StateRecord) (State, error) {
	var st State
	if err := json.Unmarshal(rec.BodyJSON, &st); err != nil {
		return State{}, fmt.Errorf("decode quorum %s: %w", rec.ID, err)
	}
	return st, nil
}

// Get reads the committed approval record for requestID.
func (e *Engine) Get(requestID string) (State, error) {
	rec, ok := e.ledger.Store().GetState(StateKind, requestID)
	if !ok {
		return State{}, failure.NotFound("request:" + requestID)
	}
	return decode(rec)
}

// List returns every approval record, open or resolved, ordered by id.
func (e *Engine) List() ([]State, error) {
	recs, err := e.ledger.Store().ListStates(StateKind)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(recs))
	for _, rec := range recs {
		st, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Submit records one approver's decision.
func (e *Engine) Submit(ctx context.Context, a types.Approval) (Outcome, error) {
	if a.At.IsZero() {
		a.At = e.now().UTC()
	}
	return e.dispatch(ctx, a.RequestID, Event{Kind: EventSubmit, Approval: a, At: a.At})
}

// Withdraw resolves an open request as REJECTED("withdrawn").
func (e *Engine) Withdraw(ctx context.Context, requestID, by string) (State, error) {
	out, err := e.dispatch(ctx, requestID, Event{Kind: EventWithdraw, At: e.now().UTC(), Reason: by})
	return out.State, err
}

// CloseVote ends a board sitting and tallies the votes.
func (e *Engine) CloseVote(ctx context.Context, requestID string) (State, error) {
	out, err := e.dispatch(ctx, requestID, Event{Kind: EventCloseVote, At: e.now().UTC()})
	return out.State, err
}

// ExpireDue times out every open request whose SLA elapsed by now. Requests
// that resolve concurrently are skipped.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) ([]State, error) {
	all, err := e.List()
	if err != nil {
		return nil, err
	}
	var expired []State
	var errs []error
	for _, st := range all {
		if st.Resolved() || now.Before(st.Deadline) {
			continue
		}
		out, err := e.dispatch(ctx, st.RequestID, Event{Kind: EventExpire, At: now})
		switch {
		case err == nil:
			expired = append(expired, out.State)
		case errors.Is(err, failure.ErrConflict):
		default:
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) dispatch(ctx context.Context, requestID string, ev Event) (Outcome, error) {
	for {
		box, st, err := e.mailboxFor(requestID)
		if err != nil {
			return Outcome{}, err
		}
		if box == nil {
			// Resolved requests only answer duplicates and conflicts.
			return evaluate(st, ev)
		}
		cmd := command{ctx: ctx, ev: ev, reply: make(chan result, 1)}
		select {
		case box.in <- cmd:
		case <-box.done:
			continue
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
		select {
		case res := <-cmd.reply:
			return res.out, res.err
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

// mailboxFor returns the live mailbox for an open request, starting one
// from the committed record if needed. Resolved requests return nil and
// their committed state.
func (e *Engine) mailboxFor(requestID string) (*mailbox, State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, State{}, ErrEngineClosed
	}
	if box, ok := e.boxes[requestID]; ok {
		return box, State{}, nil
	}
	st, err := e.Get(requestID)
	if err != nil {
		return nil, State{}, err
	}
	if st.Resolved() {
		return nil, st, nil
	}
	box := &mailbox{in: make(chan command), done: make(chan struct{})}
	e.boxes[requestID] = box
	e.wg.Add(1)
	go e.run(box, st)
	return box, st, nil
}

func (e *Engine) run(box *mailbox, st State) {
	defer e.wg.Done()
	for {
		select {
		case cmd := <-box.in:
			next, out, err := e.apply(cmd.ctx, st, cmd.ev)
			if err == nil {
				st = next
			}
			if err == nil && st.Resolved() {
				e.retire(st.RequestID, box)
				e.resolved(cmd.ctx, st)
				cmd.reply <- result{out: out}
				return
			}
			cmd.reply <- result{out: out, err: err}
		case <-e.stop:
			e.retire(st.RequestID, box)
			return
		}
	}
}

func (e *Engine) retire(requestID string, box *mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.boxes[requestID] == box {
		delete(e.boxes, requestID)
	}
	close(box.done)
}

// apply validates ev against st and makes the result durable before it is
// returned. A failed ledger write leaves st as it was.
func (e *Engine) apply(ctx context.Context, st State, ev Event) (State, Outcome, error) {
	out, err := evaluate(st, ev)
	if err != nil || out.Duplicate {
		return st, out, err
	}
	next := out.State

	kind := "quorum." + string(ev.Kind)
	if next.Status == types.StatusExpired {
		kind = "quorum." + string(EventExpire)
	}
	payload := map[string]any{
		"request_id": next.RequestID,
		"event":      ev.Kind,
		"status":     next.Status,
		"reason":     next.Reason,
		"approvals":  len(next.Approvals),
	}
	if ev.Kind == EventSubmit {
		payload["approval"] = out.Approval
	}
	if ev.Reason != "" {
		payload["by"] = ev.Reason
	}
	_, err = e.ledger.AppendWith(ctx, kind, payload, func(tx ledger.Tx, entry ledger.Entry) error {
		return Persist(tx, next, entry.Sequence, entry.RecordedAt)
	})
	if err != nil {
		e.logger.Error("quorum event not recorded", "request_id", st.RequestID, "event", ev.Kind, "error", err)
		return st, Outcome{}, err
	}
	if next.Resolved() {
		e.logger.Info("quorum resolved", "request_id", next.RequestID, "status", next.Status, "reason", next.Reason)
	}
	return next, out, nil
}

// evaluate runs the pure transition and shapes the answer to the caller.
func evaluate(st State, ev Event) (Outcome, error) {
	if ev.Kind == EventSubmit {
		if prior, ok := st.Prior(ev.Approval.ApproverID); ok {
			return Outcome{State: st, Approval: prior, Duplicate: true}, nil
		}
	}
	next, err := st.Apply(ev)
	if err != nil {
		return Outcome{State: st}, err
	}
	out := Outcome{State: next}
	if ev.Kind == EventSubmit {
		if a, ok := next.Prior(ev.Approval.ApproverID); ok {
			out.Approval = a
		}
	}
	return out, nil
}

func (e *Engine) resolved(ctx context.Context, st State) {
	e.mu.Lock()
	fn := e.resolver
	e.mu.Unlock()
	if fn == nil {
		return
	}
	fn(context.WithoutCancel(ctx), st)
}

// Open lists requests still collecting decisions, oldest deadline first.
func (e *Engine) Open() ([]State, error) {
	all, err := e.List()
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, st := range all {
		if !st.Resolved() {
			open = append(open, st)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Deadline.Before(open[j].Deadline) })
	return open, nil
}

// Close stops every mailbox. Requests stay open in the store and resume
// on the next engine.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
}
