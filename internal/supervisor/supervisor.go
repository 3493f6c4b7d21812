// Package supervisor ends permits that outlive their authority. On each
// tick it times out overdue quorums, reconciles requests left behind, and
// revokes or expires live permits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/pkg/types"
)

const defaultInterval = 15 * time.Second

// Actor is recorded as the author of every supervisor verdict.
const Actor = "supervisor"

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Supervisor struct {
	permits  *permit.Service
	quorum   *quorum.Engine
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Report counts what one tick did. Busy permits were held by another
// writer and are retried on the next tick.
type Report struct {
	QuorumsExpired int `json:"quorums_expired"`
	Reconciled     int `json:"reconciled"`
	Ended          int `json:"ended"`
	Busy           int `json:"busy"`
}

func (r Report) changed() bool {
	return r.QuorumsExpired+r.Reconciled+r.Ended > 0
}

func New(p *permit.Service, q *quorum.Engine, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		permits:  p,
		quorum:   q,
		interval: opts.Interval,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "supervisor"),
	}
}

// Judge applies the supervision rules to a live permit in order: emergency
// ceiling, safety breach, scope expansion, completion deadline, missed
// start window. The first rule that holds decides.
func Judge(rec permit.Record, now time.Time) (permit.Verdict, bool) {
	executing := rec.Status == types.StatusExecuting
	switch {
	case rec.HardCeiling != nil && !now.Before(*rec.HardCeiling):
		return permit.Verdict{Event: permit.EventRevoke, Reason: permit.ReasonEmergencyCeiling, By: Actor, Halt: true}, true
	case rec.Breach != nil:
		return permit.Verdict{
			Event:    permit.EventRevoke,
			Reason:   permit.ReasonSafetyViolation,
			By:       Actor,
			Halt:     executing,
			Rollback: executing && rec.Safety.AutoRollbackOnError,
			Incident: true,
		}, true
	case rec.ScopeExpansion != nil:
		return permit.Verdict{Event: permit.EventRevoke, Reason: permit.ReasonScopeExpansion, By: Actor, Halt: true, Incident: true}, true
	case now.After(rec.Window.MustCompleteBy):
		if executing {
			return permit.Verdict{Event: permit.EventRevoke, Reason: permit.ReasonTimeExceeded, By: Actor, Halt: true}, true
		}
		return permit.Verdict{Event: permit.EventExpire, Reason: permit.ReasonTimeExceeded, By: Actor}, true
	case rec.Status == types.StatusIssued && now.After(rec.Window.LatestStart):
		return permit.Verdict{Event: permit.EventExpire, Reason: permit.ReasonStartWindowMissed, By: Actor}, true
	}
	return permit.Verdict{}, false
}

// Tick runs one supervision pass.
func (s *Supervisor) Tick(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	expired, err := s.quorum.ExpireDue(ctx, s.now().UTC())
	rep.QuorumsExpired = len(expired)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire quorums: %w", err))
	}

	moved, err := s.permits.Reconcile(ctx)
	rep.Reconciled = moved
	if err != nil {
		errs = append(errs, err)
	}

	live, err := s.permits.Live()
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	for _, rec := range live {
		ended, acted, err := s.permits.Enforce(ctx, rec.RequestID, Judge)
		if acted {
			rep.Ended++
			s.logger.Info("permit ended", "permit_id", ended.PermitID, "status", ended.Status, "reason", ended.TerminalReason)
		}
		switch {
		case err == nil:
		case errors.Is(err, failure.ErrConflict):
			rep.Busy++
			s.logger.Debug("permit busy, retrying next tick", "permit_id", rec.PermitID)
		default:
			errs = append(errs, fmt.Errorf("enforce %s: %w", rec.PermitID, err))
		}
	}
	return rep, errors.Join(errs...)
}

// Run ticks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("supervisor started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopped")
			return
		case <-ticker.C:
			rep, err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("supervisor tick failed", "error", err)
			}
			if rep.changed() {
				s.logger.Info("supervisor tick", "quorums_expired", rep.QuorumsExpired, "reconciled", rep.Reconciled, "ended", rep.Ended, "busy", rep.Busy)
			}
		}
	}
}
