package certification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/keylock"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/pkg/types"
)

// StateKind is the ledger state-record kind for certification records.
const StateKind = "certification"

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry owns certification records. Records change only through the
// methods below, each of which writes its ledger entry and the new record in
// one transaction before returning it.
type Registry struct {
	ledger *ledger.Ledger
	policy policy.CertificationPolicy
	locks  *keylock.Set
	now    func() time.Time
	logger *slog.Logger
}

// Change is an administrative or time-driven transition request.
type Change struct {
	Event  Event  `json:"event"`
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// Outcome is one finished operation credited to an actor's record.
type Outcome struct {
	PermitID  string `json:"permit_id"`
	Succeeded bool   `json:"succeeded"`
	Incident  bool   `json:"incident,omitempty"`
}

func NewRegistry(l *ledger.Ledger, p policy.CertificationPolicy, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		ledger: l,
		policy: p,
		locks:  keylock.New(),
		now:    opts.Now,
		logger: opts.Logger.With("component", "certification"),
	}
}

// Onboard creates a probationary tier-0 record. An expired actor may be
// onboarded again; any other existing record is a conflict.
func (r *Registry) Onboard(ctx context.Context, actorID string, domains []string, supervised bool, by string) (types.CertificationRecord, error) {
	if actorID == "" {
		return types.CertificationRecord{}, failure.Validation("actor_required", "actor_id is required")
	}
	var out types.CertificationRecord
	err := r.locked(actorID, func() error {
		if existing, ok, err := r.load(actorID); err != nil {
			return err
		} else if ok && existing.Status != types.CertExpired && !expiredAt(existing, r.now()) {
			return failure.Conflict("already_certified", entity(actorID), string(existing.Status))
		}
		now := r.now().UTC()
		rec := types.CertificationRecord{
			ActorID:    actorID,
			Tier:       0,
			Status:     types.CertProbationary,
			Domains:    append([]string(nil), domains...),
			Supervised: supervised,
			GrantedAt:  now,
			ExpiresAt:  now.Add(r.policy.Validity),
			TierSince:  now,
		}
		sort.Strings(rec.Domains)
		var err error
		out, err = r.write(ctx, rec, "certification.onboarded", map[string]any{
			"actor_id":   actorID,
			"domains":    rec.Domains,
			"supervised": supervised,
			"by":         by,
			"expires_at": rec.ExpiresAt,
		})
		return err
	})
	return out, err
}

// RecordOf returns the actor's record, recording an expiry first if the
// validity period has lapsed since the last write.
func (r *Registry) RecordOf(ctx context.Context, actorID string) (types.CertificationRecord, error) {
	rec, ok, err := r.load(actorID)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, failure.NotFound(entity(actorID))
	}
	if !r.lapsed(rec) {
		return rec, nil
	}
	unlock, ok := r.locks.TryLock(actorID)
	if !ok {
		// The holder will record the expiry; readers still see it.
		rec.Status = types.CertExpired
		return rec, nil
	}
	defer unlock()
	return r.expireLocked(ctx, actorID)
}

// List returns every record ordered by actor id, for compliance readers.
func (r *Registry) List() ([]types.CertificationRecord, error) {
	recs, err := r.ledger.Store().ListStates(StateKind)
	if err != nil {
		return nil, err
	}
	out := make([]types.CertificationRecord, 0, len(recs))
	for _, sr := range recs {
		rec, err := decode(sr)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

// Check answers whether actorID may take on an operation described by q.
func (r *Registry) Check(ctx context.Context, actorID string, q Query) (types.CertificationRecord, Eligibility, error) {
	rec, err := r.RecordOf(ctx, actorID)
	if err != nil {
		return rec, Eligibility{}, err
	}
	return rec, EvaluateEligibility(r.policy, rec, q, r.now()), nil
}

// Transition applies ch to the actor's record.
func (r *Registry) Transition(ctx context.Context, actorID string, ch Change) (types.CertificationRecord, error) {
	if ch.By == "" {
		return types.CertificationRecord{}, failure.Validation("actor_required", "transitions must name who requested them")
	}
	return r.mutate(ctx, actorID, func(rec types.CertificationRecord) (types.CertificationRecord, string, map[string]any, error) {
		next, err := apply(rec, ch.Event)
		if err != nil {
			return rec, "", nil, err
		}
		if next.Tier != rec.Tier {
			next.TierSince = r.now().UTC()
		}
		return next, "certification." + string(ch.Event), map[string]any{
			"actor_id": actorID,
			"event":    ch.Event,
			"from":     rec.Status,
			"to":       next.Status,
			"tier":     next.Tier,
			"by":       ch.By,
			"reason":   ch.Reason,
		}, nil
	})
}

// Upgrade evaluates the record's own performance snapshot and, if every
// condition holds, applies upgrade_approved. A blocked upgrade returns the
// decision with an EligibilityBlocked error.
func (r *Registry) Upgrade(ctx context.Context, actorID, by string) (types.CertificationRecord, UpgradeDecision, error) {
	var decision UpgradeDecision
	rec, err := r.mutate(ctx, actorID, func(rec types.CertificationRecord) (types.CertificationRecord, string, map[string]any, error) {
		decision = EvaluateUpgrade(r.policy, rec, rec.Performance, r.now())
		if err := decision.Err(actorID); err != nil {
			return rec, "", nil, err
		}
		next, err := apply(rec, EventUpgradeApproved)
		if err != nil {
			return rec, "", nil, err
		}
		if next.Tier != rec.Tier {
			next.TierSince = r.now().UTC()
		}
		return next, "certification." + string(EventUpgradeApproved), map[string]any{
			"actor_id":    actorID,
			"event":       EventUpgradeApproved,
			"from":        rec.Status,
			"to":          next.Status,
			"tier":        next.Tier,
			"by":          by,
			"performance": rec.Performance,
		}, nil
	})
	if err != nil && failure.KindOf(err) == failure.KindEligibilityBlocked {
		r.logger.Info("upgrade blocked", "actor_id", actorID, "failures", decision.Failures)
	}
	return rec, decision, err
}

// RecordOutcome credits a finished operation to the actor's performance.
func (r *Registry) RecordOutcome(ctx context.Context, actorID string, o Outcome) (types.CertificationRecord, error) {
	return r.mutate(ctx, actorID, func(rec types.CertificationRecord) (types.CertificationRecord, string, map[string]any, error) {
		rec.Performance.CompletedOperations++
		if o.Succeeded {
			rec.Performance.SuccessfulOperations++
		}
		if o.Incident {
			rec.Performance.Incidents++
		}
		return rec, "certification.outcome_recorded", map[string]any{
			"actor_id":    actorID,
			"outcome":     o,
			"performance": rec.Performance,
		}, nil
	})
}

// Recommend records a peer or managerial recommendation.
func (r *Registry) Recommend(ctx context.Context, actorID, by string) (types.CertificationRecord, error) {
	if by == "" || by == actorID {
		return types.CertificationRecord{}, failure.Validation("invalid_recommender", "recommendations need a recommender other than the actor")
	}
	return r.mutate(ctx, actorID, func(rec types.CertificationRecord) (types.CertificationRecord, string, map[string]any, error) {
		rec.Performance.Recommendations++
		return rec, "certification.recommended", map[string]any{
			"actor_id":        actorID,
			"by":              by,
			"recommendations": rec.Performance.Recommendations,
		}, nil
	})
}

type mutation func(rec types.CertificationRecord) (types.CertificationRecord, string, map[string]any, error)

// mutate runs fn under the actor's lock. A lapsed record is expired first,
// so fn never sees a stale status.
func (r *Registry) mutate(ctx context.Context, actorID string, fn mutation) (types.CertificationRecord, error) {
	var out types.CertificationRecord
	err := r.locked(actorID, func() error {
		rec, ok, err := r.load(actorID)
		if err != nil {
			return err
		}
		if !ok {
			return failure.NotFound(entity(actorID))
		}
		if r.lapsed(rec) {
			if rec, err = r.expireLocked(ctx, actorID); err != nil {
				return err
			}
		}
		next, kind, payload, err := fn(rec)
		if err != nil {
			out = rec
			return err
		}
		out, err = r.write(ctx, next, kind, payload)
		return err
	})
	return out, err
}

func (r *Registry) locked(actorID string, fn func() error) error {
	unlock, ok := r.locks.TryLock(actorID)
	if !ok {
		state := ""
		if rec, found, _ := r.load(actorID); found {
			state = string(rec.Status)
		}
		return failure.Conflict("entity_busy", entity(actorID), state)
	}
	defer unlock()
	return fn()
}

func (r *Registry) lapsed(rec types.CertificationRecord) bool {
	switch rec.Status {
	case types.CertRevoked, types.CertExpired:
		return false
	}
	return !r.now().Before(rec.ExpiresAt)
}

func (r *Registry) expireLocked(ctx context.Context, actorID string) (types.CertificationRecord, error) {
	rec, ok, err := r.load(actorID)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, failure.NotFound(entity(actorID))
	}
	if !r.lapsed(rec) {
		return rec, nil
	}
	from := rec.Status
	next, err := apply(rec, EventExpire)
	if err != nil {
		return rec, err
	}
	r.logger.Info("certification expired", "actor_id", actorID, "expires_at", rec.ExpiresAt)
	return r.write(ctx, next, "certification."+string(EventExpire), map[string]any{
		"actor_id":   actorID,
		"event":      EventExpire,
		"from":       from,
		"to":         next.Status,
		"tier":       next.Tier,
		"by":         "system",
		"expires_at": rec.ExpiresAt,
	})
}

// write records the ledger entry and the new record together. Until it
// returns, readers keep seeing the previous record.
func (r *Registry) write(ctx context.Context, rec types.CertificationRecord, kind string, payload map[string]any) (types.CertificationRecord, error) {
	_, err := r.ledger.AppendWith(ctx, kind, payload, func(tx ledger.Tx, e ledger.Entry) error {
		rec.UpdatedAt = e.RecordedAt
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.PutState(ledger.StateRecord{
			Kind:         StateKind,
			ID:           rec.ActorID,
			Status:       string(rec.Status),
			BodyJSON:     body,
			LastSequence: e.Sequence,
			UpdatedAt:    e.RecordedAt.Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		r.logger.Error("certification change not recorded", "actor_id", rec.ActorID, "kind", kind, "error", err)
		return types.CertificationRecord{}, err
	}
	return rec, nil
}

func (r *Registry) load(actorID string) (types.CertificationRecord, bool, error) {
	sr, ok := r.ledger.Store().GetState(StateKind, actorID)
	if !ok {
		return types.CertificationRecord{}, false, nil
	}
	rec, err := decode(sr)
	return rec, err == nil, err
}

func decode(sr ledger.StateRecord) (types.CertificationRecord, error) {
	var rec types.CertificationRecord
	if err := json.Unmarshal(sr.BodyJSON, &rec); err != nil {
		return rec, fmt.Errorf("decode certification %s: %w", sr.ID, err)
	}
	return rec, nil
}
