package permit

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/notify"
	"github.com/davidahmann/tollgate/pkg/types"
)

// Start moves an issued permit to EXECUTING. It is refused outside the
// permit's start window and at or after an emergency ceiling.
func (s *Service) Start(ctx context.Context, id string) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		now := s.now().UTC()
		if rec.Status == types.StatusIssued && !startable(rec, now) {
			err := failure.Conflict("outside_start_window", rec.entity(), string(rec.Status))
			err.Message = fmt.Sprintf("start allowed from %s to %s",
				rec.Window.EarliestStart.Format(time.RFC3339), rec.Window.LatestStart.Format(time.RFC3339))
			return rec, err
		}
		return s.transition(ctx, rec, EventStart, func(r *Record) {
			r.StartedAt = &now
		}, nil, nil)
	})
	return permitView(rec, nil), err
}

func startable(rec Record, now time.Time) bool {
	if rec.HardCeiling != nil && !now.Before(*rec.HardCeiling) {
		return false
	}
	return rec.Window.Contains(now)
}

// Complete records a successful execution.
func (s *Service) Complete(ctx context.Context, id, summary string) (types.PermitView, error) {
	return s.finish(ctx, id, EventComplete, summary)
}

// Fail records an execution that ended in error.
func (s *Service) Fail(ctx context.Context, id, summary string) (types.PermitView, error) {
	return s.finish(ctx, id, EventFail, summary)
}

func (s *Service) finish(ctx context.Context, id string, ev Event, summary string) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		return s.transition(ctx, rec, ev, func(r *Record) {
			r.ExecutionSummary = summary
		}, map[string]any{"summary": summary}, nil)
	})
	if err != nil {
		return permitView(rec, nil), err
	}
	s.credit(ctx, rec, ev == EventComplete, false)
	return permitView(rec, nil), nil
}

// Verdict ends a live permit. Event is EventRevoke or EventExpire.
type Verdict struct {
	Event    Event
	Reason   string
	By       string
	Halt     bool
	Rollback bool
	Incident bool
}

// Judge decides whether a live permit must end at now.
type Judge func(rec Record, now time.Time) (Verdict, bool)

// Enforce evaluates judge against the current record under the permit's
// lock and applies the verdict, if any. acted reports whether a verdict was
// applied. A busy permit returns a Conflict and is left for the next pass.
func (s *Service) Enforce(ctx context.Context, id string, judge Judge) (rec Record, acted bool, err error) {
	rec, err = s.locked(id, func(rec Record) (Record, error) {
		if !rec.Status.Live() {
			return rec, nil
		}
		v, ok := judge(rec, s.now().UTC())
		if !ok {
			return rec, nil
		}
		acted = true
		return s.end(ctx, rec, v)
	})
	return rec, acted, err
}

// Revoke ends a live permit on an operator's or approver's decision. A
// running operation is halted.
func (s *Service) Revoke(ctx context.Context, id, reason, by string) (types.PermitView, error) {
	if reason == "" {
		return types.PermitView{}, failure.Validation("reason_required", "revocation needs a reason code")
	}
	if by == "" {
		return types.PermitView{}, failure.Validation("actor_required", "revocation must name who requested it")
	}
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		return s.end(ctx, rec, Verdict{
			Event:  EventRevoke,
			Reason: reason,
			By:     by,
			Halt:   rec.Status == types.StatusExecuting,
		})
	})
	return permitView(rec, nil), err
}

// end applies v to rec. The caller holds the permit lock.
func (s *Service) end(ctx context.Context, rec Record, v Verdict) (Record, error) {
	wasExecuting := rec.Status == types.StatusExecuting
	next, err := s.transition(ctx, rec, v.Event, func(r *Record) {
		r.TerminalReason = v.Reason
		if v.Rollback {
			r.RollbackPending = true
		}
	}, map[string]any{
		"reason":   v.Reason,
		"by":       v.By,
		"halt":     v.Halt,
		"rollback": v.Rollback,
	}, nil)
	if err != nil {
		return rec, err
	}

	event := notify.EventPermitRevoked
	if v.Event == EventExpire {
		event = notify.EventPermitExpired
	}
	s.notify(ctx, event, next, permitView(next, nil))
	if v.Halt {
		if err := s.env.Halt(ctx, next.PermitID, v.Reason); err != nil {
			s.logger.Error("halt not acknowledged", "permit_id", next.PermitID, "reason", v.Reason, "error", err)
		}
	}
	if wasExecuting {
		s.credit(ctx, next, false, v.Incident)
	}
	if v.Rollback {
		return s.rollback(ctx, next)
	}
	return next, nil
}

// rollback asks the environment to undo a revoked operation. A failure is
// recorded, leaves the rollback pending and blocks closure until resolved.
func (s *Service) rollback(ctx context.Context, rec Record) (Record, error) {
	rbErr := s.env.Rollback(ctx, rec.PermitID)
	if rbErr == nil {
		return s.write(ctx, rec, withRecord(rec, func(r *Record) { r.RollbackPending = false }),
			"permit.rollback_completed", nil, nil)
	}
	s.logger.Error("rollback failed", "severity", "critical", "permit_id", rec.PermitID, "error", rbErr)
	next, err := s.write(ctx, rec, rec, "permit.rollback_failed", map[string]any{"error": rbErr.Error()}, nil)
	if err != nil {
		next = rec
	}
	s.notify(ctx, notify.EventRollbackFailed, next, permitView(next, nil))
	return next, failure.Revocation("rollback_failed", fmt.Sprintf("rollback of %s failed", rec.PermitID), rbErr)
}

// ResolveRollback records that an operator completed a failed rollback by
// other means.
func (s *Service) ResolveRollback(ctx context.Context, id, operator, note string) (types.PermitView, error) {
	if operator == "" {
		return types.PermitView{}, failure.Validation("operator_required", "rollback resolution must name the operator")
	}
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		if !rec.RollbackPending {
			return rec, failure.Conflict("no_pending_rollback", rec.entity(), string(rec.Status))
		}
		return s.write(ctx, rec, withRecord(rec, func(r *Record) { r.RollbackPending = false }),
			"permit.rollback_resolved", map[string]any{"operator": operator, "note": note}, nil)
	})
	return permitView(rec, nil), err
}

// ReportBreach records a safety report from the execution environment. Only
// an error rate above the permit's threshold, or a named constraint, is a
// breach; other reports are ignored. The supervisor acts on it.
func (s *Service) ReportBreach(ctx context.Context, id string, b Breach) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		if !rec.Status.Live() {
			return rec, failure.Conflict("not_live", rec.entity(), string(rec.Status))
		}
		if rec.Breach != nil || (b.Constraint == "" && b.ErrorRateBps <= rec.Safety.MaxErrorRateBps) {
			return rec, nil
		}
		b.ReportedAt = s.now().UTC()
		return s.write(ctx, rec, withRecord(rec, func(r *Record) { r.Breach = &b }),
			"permit.breach_reported", map[string]any{"breach": b, "max_error_rate_bps": rec.Safety.MaxErrorRateBps}, nil)
	})
	return permitView(rec, nil), err
}

// ReportResources records the resources an operation touched. Any resource
// outside the frozen snapshot is a scope expansion.
func (s *Service) ReportResources(ctx context.Context, id string, resources []string) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		if !rec.Status.Live() {
			return rec, failure.Conflict("not_live", rec.entity(), string(rec.Status))
		}
		var outside []string
		for _, res := range resources {
			if rec.Snapshot == nil || !rec.Snapshot.Descriptor.Covers(res) {
				outside = append(outside, res)
			}
		}
		if len(outside) == 0 {
			return rec, nil
		}
		exp := ScopeExpansion{Resources: outside, ReportedAt: s.now().UTC()}
		if rec.ScopeExpansion != nil {
			exp.Resources = append(append([]string(nil), rec.ScopeExpansion.Resources...), outside...)
		}
		return s.write(ctx, rec, withRecord(rec, func(r *Record) { r.ScopeExpansion = &exp }),
			"permit.scope_expansion_reported", map[string]any{"resources": outside}, nil)
	})
	return permitView(rec, nil), err
}

// CloseInput carries the execution summary and, when a failed rollback is
// still pending, the administrative override that allows closure anyway.
type CloseInput struct {
	Summary  string    `json:"summary,omitempty"`
	Override *Override `json:"override,omitempty"`
}

// Close moves a terminal request or permit to CLOSED.
func (s *Service) Close(ctx context.Context, id string, in CloseInput) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		var override *Override
		if rec.RollbackPending {
			if in.Override == nil {
				_, auditErr := s.ledger.Append(ctx, "permit.close_refused", map[string]any{
					"request_id": rec.RequestID,
					"permit_id":  rec.PermitID,
					"reason":     "rollback_unresolved",
				})
				if auditErr != nil {
					s.logger.Error("close refusal not recorded", "severity", "critical", "permit_id", rec.PermitID, "error", auditErr)
				}
				return rec, failure.Revocation("rollback_unresolved",
					"a failed rollback must be resolved or overridden before closing", auditErr)
			}
			if in.Override.Operator == "" || in.Override.Reason == "" {
				return rec, failure.Validation("override_incomplete", "an override needs an operator and a reason")
			}
			o := *in.Override
			override = &o
		}
		now := s.now().UTC()
		if override != nil {
			override.At = now
		}
		return s.transition(ctx, rec, EventClose, func(r *Record) {
			r.ClosedAt = &now
			if in.Summary != "" {
				r.ExecutionSummary = in.Summary
			}
			if override != nil {
				r.Override = override
			}
		}, map[string]any{"summary": in.Summary, "override": override}, nil)
	})
	return permitView(rec, nil), err
}

// Archive is called by the storage tier once a closed record is archived.
func (s *Service) Archive(ctx context.Context, id string) (types.PermitView, error) {
	rec, err := s.locked(id, func(rec Record) (Record, error) {
		now := s.now().UTC()
		return s.transition(ctx, rec, EventArchive, func(r *Record) {
			r.ArchivedAt = &now
		}, nil, nil)
	})
	return permitView(rec, nil), err
}

// credit feeds a finished operation into the requester's certification.
func (s *Service) credit(ctx context.Context, rec Record, succeeded, incident bool) {
	_, err := s.registry.RecordOutcome(ctx, rec.Requester, certification.Outcome{
		PermitID:  rec.PermitID,
		Succeeded: succeeded,
		Incident:  incident,
	})
	if err != nil {
		s.logger.Warn("outcome not credited", "permit_id", rec.PermitID, "actor_id", rec.Requester, "error", err)
	}
}

func withRecord(rec Record, edit func(*Record)) Record {
	edit(&rec)
	return rec
}
