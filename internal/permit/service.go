package permit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/keylock"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/notify"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/internal/risk"
	"github.com/davidahmann/tollgate/pkg/types"
)

const (
	requestIDPrefix  = "req_"
	approvalIDPrefix = "apr_"

	// BlockNotCertified is returned for requesters with no certification record.
	BlockNotCertified = "not_certified"
	// BlockApproverUnqualified is returned for approvers without a usable
	// certification record.
	BlockApproverUnqualified = "approver_not_qualified"
)

type Options struct {
	Env      ExecutionEnvironment
	Notifier Notifier
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service drives requests and permits through their lifecycle. All writes
// for one request happen under its try-lock; a second writer gets a
// Conflict naming the current state instead of waiting.
type Service struct {
	ledger   *ledger.Ledger
	policy   policy.LoadedPolicy
	registry *certification.Registry
	quorum   *quorum.Engine
	env      ExecutionEnvironment
	notifier Notifier
	locks    *keylock.Set
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(l *ledger.Ledger, p policy.LoadedPolicy, reg *certification.Registry, q *quorum.Engine, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = LogEnvironment{Logger: opts.Logger}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	s := &Service{
		ledger:   l,
		policy:   p,
		registry: reg,
		quorum:   q,
		env:      opts.Env,
		notifier: opts.Notifier,
		locks:    keylock.New(),
		now:      opts.Now,
		logger:   opts.Logger.With("component", "permit"),
	}
	q.OnResolved(s.onQuorumResolved)
	return s
}

type Submission struct {
	Requester  string                    `json:"requester"`
	Descriptor types.OperationDescriptor `json:"descriptor"`
}

// Result answers a submission. Permit is set when the request was issued
// in the same call (the tier-0 path) or had been issued before a replay.
type Result struct {
	Request  types.RequestView `json:"request"`
	Permit   *types.PermitView `json:"permit,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Replayed bool              `json:"replayed,omitempty"`
}

// Submit assesses the descriptor, checks the requester's certification and
// opens a request. Requests needing no quorum are approved and issued
// before Submit returns. Resubmitting a descriptor whose request is still
// in flight replays that request.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	if sub.Requester == "" {
		return Result{}, failure.Validation("requester_required", "requester is required")
	}
	assessment, err := risk.Assess(s.policy, sub.Descriptor)
	if err != nil {
		return Result{}, err
	}
	digest, err := crypto.Digest(map[string]any{"requester": sub.Requester, "descriptor": sub.Descriptor})
	if err != nil {
		return Result{}, fmt.Errorf("submission digest: %w", err)
	}
	base := "submit:" + digest

	unlock, ok := s.locks.TryLock(base)
	if !ok {
		return Result{}, failure.Conflict("submission_in_progress", "submission:"+digest, "")
	}
	defer unlock()

	key, prior, found, err := s.lookupSubmission(base)
	if err != nil {
		return Result{}, err
	}
	if found {
		s.logger.Info("submission replayed", "request_id", prior.RequestID, "status", prior.Status)
		return s.result(prior, true), nil
	}

	_, elig, err := s.registry.Check(ctx, sub.Requester, certification.Query{
		RequiredTier: assessment.RequiredTier,
		Domain:       sub.Descriptor.Domain,
		Environment:  sub.Descriptor.Environment,
	})
	if failure.KindOf(err) == failure.KindNotFound {
		elig, err = certification.Eligibility{Reason: BlockNotCertified, Remediation: "onboard the actor before requesting permits"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !elig.Eligible {
		s.recordBlocked(ctx, sub, assessment, elig)
		return Result{}, elig.Err(sub.Requester)
	}

	spec, needsQuorum, err := s.policy.Policy.Quorum.QuorumFor(assessment.RequiredTier, sub.Descriptor.Emergency)
	if err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	rec := Record{
		RequestID:  requestIDPrefix + uuid.NewString(),
		Requester:  sub.Requester,
		Descriptor: sub.Descriptor,
		Assessment: assessment,
		Emergency:  sub.Descriptor.Emergency,
		Status:     types.StatusRequested,
		CreatedAt:  now,
		UpdatedAt:  now,
		Warnings:   elig.Warnings,
	}
	if needsQuorum {
		rec.Quorum = &spec
	}

	unlockReq, _ := s.locks.TryLock(rec.RequestID)
	defer unlockReq()
	_, err = s.ledger.AppendWith(ctx, "request.created", map[string]any{
		"request_id":    rec.RequestID,
		"requester":     rec.Requester,
		"descriptor":    rec.Descriptor,
		"assessment_id": assessment.AssessmentID,
		"score":         assessment.Score,
		"required_tier": assessment.RequiredTier,
		"policy_hash":   s.policy.Hash,
		"warnings":      rec.Warnings,
	}, func(tx ledger.Tx, e ledger.Entry) error {
		rec.UpdatedAt = e.RecordedAt
		if err := putRecord(tx, rec, e); err != nil {
			return err
		}
		return tx.PutIdempotencyKey(ledger.IdempotencyKey{
			IdemKey:   key,
			RequestID: rec.RequestID,
			CreatedAt: e.RecordedAt.Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		s.logger.Error("request not recorded", "requester", rec.Requester, "error", err)
		return Result{}, err
	}
	s.logger.Info("request created", "request_id", rec.RequestID, "requester", rec.Requester,
		"score", assessment.Score, "required_tier", assessment.RequiredTier, "emergency", rec.Emergency)
	s.notify(ctx, notify.EventRequestCreated, rec, requestView(rec, nil))

	rec, err = s.advance(ctx, rec)
	if err != nil {
		return s.result(rec, false), err
	}
	return s.result(rec, false), nil
}

// lookupSubmission follows the chain of submission keys for one
// (requester, descriptor) pair. A request that is still in flight is
// returned for replay; once it has ended the next key in the chain is free.
func (s *Service) lookupSubmission(base string) (string, Record, bool, error) {
	store := s.ledger.Store()
	key := base
	for {
		prior, ok := store.GetIdempotencyKey(key)
		if !ok {
			return key, Record{}, false, nil
		}
		rec, err := loadRecord(store, prior.RequestID)
		if err != nil {
			return "", Record{}, false, err
		}
		if !ended(rec.Status) {
			return key, rec, true, nil
		}
		key = base + "/" + rec.RequestID
	}
}

func ended(st types.PermitStatus) bool {
	return st.Terminal() || st == types.StatusClosed || st == types.StatusArchived
}

func (s *Service) recordBlocked(ctx context.Context, sub Submission, a types.RiskAssessment, elig certification.Eligibility) {
	_, err := s.ledger.Append(ctx, "request.blocked", map[string]any{
		"requester":     sub.Requester,
		"action":        sub.Descriptor.Action,
		"domain":        sub.Descriptor.Domain,
		"environment":   sub.Descriptor.Environment,
		"assessment_id": a.AssessmentID,
		"required_tier": a.RequiredTier,
		"reason":        elig.Reason,
	})
	if err != nil {
		s.logger.Error("blocked request not recorded", "requester", sub.Requester, "error", err)
	}
	s.logger.Info("request blocked", "requester", sub.Requester, "reason", elig.Reason, "required_tier", a.RequiredTier)
}

// advance moves a freshly created request to review, or approves and
// issues it when no quorum applies. The caller holds the request lock.
func (s *Service) advance(ctx context.Context, rec Record) (Record, error) {
	if rec.Status != types.StatusRequested {
		return rec, nil
	}
	if rec.Quorum != nil {
		return s.openReview(ctx, rec)
	}
	next, err := s.transition(ctx, rec, EventAutoApprove, nil, map[string]any{"required_tier": rec.Assessment.RequiredTier}, nil)
	if err != nil {
		return rec, err
	}
	return s.issue(ctx, next)
}

func (s *Service) openReview(ctx context.Context, rec Record) (Record, error) {
	st := quorum.New(rec.RequestID, rec.Requester, *rec.Quorum, s.now().UTC())
	next, err := s.transition(ctx, rec, EventReview, nil, map[string]any{
		"quorum":   st.Spec,
		"deadline": st.Deadline,
	}, func(tx ledger.Tx, e ledger.Entry) error {
		return quorum.Persist(tx, st, e.Sequence, e.RecordedAt)
	})
	if err != nil {
		return rec, err
	}
	s.notify(ctx, notify.EventQuorumPending, next, requestView(next, &st))
	return next, nil
}

// issue freezes the operation snapshot and time window. The caller holds
// the request lock and rec is APPROVED.
func (s *Service) issue(ctx context.Context, rec Record) (Record, error) {
	now := s.now().UTC()
	window, ceiling := s.policy.Policy.WindowAt(now, rec.Emergency)
	snap := types.OperationSnapshot{
		Descriptor:   rec.Descriptor,
		Assessment:   rec.Assessment,
		Conditions:   rec.Assessment.Conditions,
		Restrictions: rec.Assessment.Restrictions,
	}
	digest, err := crypto.Digest(snap)
	if err != nil {
		return rec, fmt.Errorf("snapshot digest: %w", err)
	}
	snap.Digest = digest
	permitID := permitIDPrefix + uuid.NewString()
	safety := s.policy.Policy.Permit.Safety

	next, err := s.transition(ctx, rec, EventIssue, func(r *Record) {
		r.PermitID = permitID
		r.Snapshot = &snap
		r.Window = window
		r.Safety = safety
		r.Temporary = r.Emergency
		r.HardCeiling = ceiling
		r.IssuedAt = &now
	}, map[string]any{
		"window":          window,
		"hard_ceiling":    ceiling,
		"temporary":       rec.Emergency,
		"safety":          safety,
		"snapshot_digest": digest,
		"policy_hash":     s.policy.Hash,
	}, nil)
	if err != nil {
		return rec, err
	}
	view := permitView(next, nil)
	s.notify(ctx, notify.EventPermitIssued, next, view)
	if err := s.env.Authorize(ctx, view); err != nil {
		s.logger.Warn("execution environment did not acknowledge permit", "permit_id", permitID, "error", err)
	}
	return next, nil
}

// ApprovalInput is one approver's decision on a request.
type ApprovalInput struct {
	ApproverID string         `json:"approver_id"`
	Role       string         `json:"role"`
	Decision   types.Decision `json:"decision"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// Approve submits a decision to the request's quorum. When the decision
// resolves the quorum, the request has been moved on by the time Approve
// returns.
func (s *Service) Approve(ctx context.Context, requestID string, in ApprovalInput) (quorum.Outcome, error) {
	rec, err := loadRecord(s.ledger.Store(), requestID)
	if err != nil {
		return quorum.Outcome{}, err
	}
	if rec.Quorum == nil {
		return quorum.Outcome{}, failure.Conflict("no_quorum", rec.entity(), string(rec.Status))
	}
	if err := s.qualifyApprover(ctx, in.ApproverID); err != nil {
		return quorum.Outcome{}, err
	}
	return s.quorum.Submit(ctx, types.Approval{
		ApprovalID: approvalIDPrefix + uuid.NewString(),
		RequestID:  rec.RequestID,
		ApproverID: in.ApproverID,
		Role:       in.Role,
		Decision:   in.Decision,
		Reasoning:  in.Reasoning,
		At:         s.now().UTC(),
	})
}

// qualifyApprover admits approvers holding a certification record that is
// not suspended, revoked or expired.
func (s *Service) qualifyApprover(ctx context.Context, approverID string) error {
	if approverID == "" {
		return failure.Validation("approver_required", "an approval must name the approver")
	}
	rec, err := s.registry.RecordOf(ctx, approverID)
	if failure.KindOf(err) == failure.KindNotFound {
		return failure.Blocked(BlockApproverUnqualified, "approver "+approverID+" has no certification record", "onboard the approver before they decide on requests")
	}
	if err != nil {
		return err
	}
	switch rec.Status {
	case types.CertSuspended, types.CertRevoked, types.CertExpired:
		return failure.Blocked(BlockApproverUnqualified, "approver "+approverID+" certification is "+string(rec.Status), "reinstate or recertify the approver")
	}
	return nil
}

// CloseVote ends a board sitting on the request.
func (s *Service) CloseVote(ctx context.Context, requestID string) (quorum.State, error) {
	rec, err := loadRecord(s.ledger.Store(), requestID)
	if err != nil {
		return quorum.State{}, err
	}
	return s.quorum.CloseVote(ctx, rec.RequestID)
}

// Withdraw ends a request that has not been approved yet. Only the
// requester may withdraw.
func (s *Service) Withdraw(ctx context.Context, requestID, by string) (types.RequestView, error) {
	rec, err := loadRecord(s.ledger.Store(), requestID)
	if err != nil {
		return types.RequestView{}, err
	}
	if by != rec.Requester {
		return requestView(rec, nil), failure.Validation("not_requester", "only the requester may withdraw a request")
	}
	if rec.Status == types.StatusUnderReview {
		if _, err := s.quorum.Withdraw(ctx, rec.RequestID, by); err != nil {
			return requestView(rec, nil), err
		}
		return s.RequestView(rec.RequestID)
	}
	rec, err = s.locked(rec.RequestID, func(rec Record) (Record, error) {
		return s.transition(ctx, rec, EventWithdraw, func(r *Record) {
			r.TerminalReason = quorum.ReasonWithdrawn
		}, map[string]any{"by": by}, nil)
	})
	if err != nil {
		return requestView(rec, nil), err
	}
	s.notify(ctx, notify.EventRequestResolved, rec, requestView(rec, nil))
	return requestView(rec, nil), nil
}

func (s *Service) onQuorumResolved(ctx context.Context, st quorum.State) {
	_, err := s.locked(st.RequestID, func(rec Record) (Record, error) {
		return s.settle(ctx, rec, st)
	})
	if err != nil {
		s.logger.Warn("quorum outcome not applied, reconcile will retry", "request_id", st.RequestID, "status", st.Status, "error", err)
	}
}

// settle applies a resolved quorum to a request under review. The caller
// holds the request lock.
func (s *Service) settle(ctx context.Context, rec Record, st quorum.State) (Record, error) {
	if rec.Status != types.StatusUnderReview || !st.Resolved() {
		return rec, nil
	}
	var ev Event
	switch st.Status {
	case types.StatusApproved:
		ev = EventQuorumApproved
	case types.StatusExpired:
		ev = EventQuorumExpired
	default:
		ev = EventQuorumRejected
		if st.Reason == quorum.ReasonWithdrawn {
			ev = EventWithdraw
		}
	}
	next, err := s.transition(ctx, rec, ev, func(r *Record) {
		if ev != EventQuorumApproved {
			r.TerminalReason = st.Reason
		}
	}, map[string]any{
		"reason":    st.Reason,
		"approvals": len(st.Approvals),
	}, nil)
	if err != nil {
		return rec, err
	}
	s.notify(ctx, notify.EventRequestResolved, next, requestView(next, &st))
	if ev != EventQuorumApproved {
		return next, nil
	}
	return s.issue(ctx, next)
}

// Reconcile finishes work a crash or a failed write left behind: requests
// still REQUESTED, reviews whose quorum has resolved, and APPROVED requests
// never issued. Busy requests are skipped. It returns how many requests
// moved.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	recs, err := listRecords(s.ledger.Store())
	if err != nil {
		return 0, err
	}
	moved := 0
	var errs []error
	for _, r := range recs {
		switch r.Status {
		case types.StatusRequested, types.StatusUnderReview, types.StatusApproved:
		default:
			continue
		}
		var before types.PermitStatus
		after, err := s.locked(r.RequestID, func(rec Record) (Record, error) {
			before = rec.Status
			switch rec.Status {
			case types.StatusRequested:
				return s.advance(ctx, rec)
			case types.StatusApproved:
				return s.issue(ctx, rec)
			case types.StatusUnderReview:
				st, err := s.quorum.Get(rec.RequestID)
				if err != nil {
					return rec, err
				}
				return s.settle(ctx, rec, st)
			}
			return rec, nil
		})
		switch {
		case err == nil:
			if after.Status != before {
				moved++
			}
		case errors.Is(err, failure.ErrConflict):
		default:
			errs = append(errs, fmt.Errorf("reconcile %s: %w", r.RequestID, err))
		}
	}
	if moved > 0 {
		s.logger.Info("reconciled requests", "moved", moved)
	}
	return moved, errors.Join(errs...)
}

// RequestView returns the request with its approvals so far.
func (s *Service) RequestView(id string) (types.RequestView, error) {
	rec, err := loadRecord(s.ledger.Store(), id)
	if err != nil {
		return types.RequestView{}, err
	}
	return requestView(rec, s.quorumState(rec)), nil
}

// PermitView returns the permit issued for id, which may be a permit or a
// request id.
func (s *Service) PermitView(id string) (types.PermitView, error) {
	rec, err := loadRecord(s.ledger.Store(), id)
	if err != nil {
		return types.PermitView{}, err
	}
	if rec.PermitID == "" {
		return types.PermitView{}, failure.NotFound("permit:" + id)
	}
	return permitView(rec, s.quorumState(rec)), nil
}

// Record returns the stored lifecycle for a permit or request id.
func (s *Service) Record(id string) (Record, error) {
	return loadRecord(s.ledger.Store(), id)
}

// List returns every request, oldest first.
func (s *Service) List() ([]types.RequestView, error) {
	recs, err := listRecords(s.ledger.Store())
	if err != nil {
		return nil, err
	}
	out := make([]types.RequestView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, requestView(rec, s.quorumState(rec)))
	}
	return out, nil
}

// Live returns the permits the supervisor watches.
func (s *Service) Live() ([]Record, error) {
	recs, err := listRecords(s.ledger.Store())
	if err != nil {
		return nil, err
	}
	live := recs[:0]
	for _, rec := range recs {
		if rec.Status.Live() {
			live = append(live, rec)
		}
	}
	return live, nil
}

func (s *Service) quorumState(rec Record) *quorum.State {
	if rec.Quorum == nil || rec.Status == types.StatusRequested {
		return nil
	}
	st, err := s.quorum.Get(rec.RequestID)
	if err != nil {
		return nil
	}
	return &st
}

func (s *Service) result(rec Record, replayed bool) Result {
	res := Result{
		Request:  requestView(rec, s.quorumState(rec)),
		Warnings: rec.Warnings,
		Replayed: replayed,
	}
	if rec.PermitID != "" {
		v := permitView(rec, nil)
		res.Permit = &v
	}
	return res
}

// locked runs fn on the current record under the request's try-lock and
// returns the record fn produced.
func (s *Service) locked(id string, fn func(Record) (Record, error)) (Record, error) {
	store := s.ledger.Store()
	requestID, err := requestIDFor(store, id)
	if err != nil {
		return Record{}, err
	}
	unlock, ok := s.locks.TryLock(requestID)
	if !ok {
		rec, err := loadRecord(store, requestID)
		if err != nil {
			return Record{}, failure.Conflict("entity_busy", "request:"+requestID, "")
		}
		return rec, failure.Conflict("entity_busy", rec.entity(), string(rec.Status))
	}
	defer unlock()
	rec, err := loadRecord(store, requestID)
	if err != nil {
		return rec, err
	}
	return fn(rec)
}

// transition moves rec along ev. edit adjusts the new record before it is
// written; also runs inside the same ledger transaction. On failure rec is
// returned unchanged.
func (s *Service) transition(ctx context.Context, rec Record, ev Event, edit func(*Record), payload map[string]any, also func(ledger.Tx, ledger.Entry) error) (Record, error) {
	to, err := Next(rec.Status, ev)
	if err != nil {
		if fe, ok := failure.As(err); ok {
			fe.Entity = rec.entity()
		}
		return rec, err
	}
	next := rec
	next.Status = to
	if edit != nil {
		edit(&next)
	}
	body := map[string]any{"event": ev, "from": rec.Status, "to": to}
	for k, v := range payload {
		body[k] = v
	}
	out, err := s.write(ctx, rec, next, "permit."+string(ev), body, also)
	if err != nil {
		return rec, err
	}
	s.logger.Info("permit transition", "request_id", out.RequestID, "permit_id", out.PermitID,
		"event", ev, "from", rec.Status, "to", to, "reason", out.TerminalReason)
	return out, nil
}

// write appends kind and stores next in one transaction.
func (s *Service) write(ctx context.Context, prev, next Record, kind string, payload map[string]any, also func(ledger.Tx, ledger.Entry) error) (Record, error) {
	body := map[string]any{"request_id": next.RequestID}
	if next.PermitID != "" {
		body["permit_id"] = next.PermitID
	}
	for k, v := range payload {
		body[k] = v
	}
	newRef := next.PermitID != "" && prev.PermitID == ""
	_, err := s.ledger.AppendWith(ctx, kind, body, func(tx ledger.Tx, e ledger.Entry) error {
		next.UpdatedAt = e.RecordedAt
		if err := putRecord(tx, next, e); err != nil {
			return err
		}
		if newRef {
			if err := putRef(tx, next, e); err != nil {
				return err
			}
		}
		if also != nil {
			return also(tx, e)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("permit change not recorded", "request_id", prev.RequestID, "kind", kind, "error", err)
		return prev, err
	}
	return next, nil
}

func (s *Service) notify(ctx context.Context, event string, rec Record, payload any) {
	if err := s.notifier.Enqueue(ctx, event, rec.entity(), payload); err != nil {
		s.logger.Warn("notification not queued", "event", event, "entity", rec.entity(), "error", err)
	}
}
