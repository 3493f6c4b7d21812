package supervisor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/pkg/types"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	mu        sync.Mutex
	halts     []string
	rollbacks []string
}

func (e *env) Authorize(context.Context, types.PermitView) error { return nil }

func (e *env) Halt(_ context.Context, permitID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halts = append(e.halts, permitID+":"+reason)
	return nil
}

func (e *env) Rollback(_ context.Context, permitID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollbacks = append(e.rollbacks, permitID)
	return nil
}

type fixture struct {
	ledger  *ledger.Ledger
	clock   *clock
	env     *env
	reg     *certification.Registry
	permits *permit.Service
	sup     *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ring := crypto.NewKeyring()
	require.NoError(t, ring.AddHMAC("k1", bytes.Repeat([]byte{0x55}, 32)))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{clock: &clock{now: t0}, env: &env{}}
	l, err := ledger.Open(ledger.NewInMemoryStore(), ring, ledger.Options{Now: f.clock.Now, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(l.Close)
	f.ledger = l
	f.reg = certification.NewRegistry(l, policy.Default().Certification, certification.Options{Now: f.clock.Now, Logger: logger})
	q := quorum.NewEngine(l, quorum.Options{Now: f.clock.Now, Logger: logger})
	t.Cleanup(q.Close)
	f.permits = permit.NewService(l, policy.MustDefault(), f.reg, q, permit.Options{Env: f.env, Now: f.clock.Now, Logger: logger})
	f.sup = New(f.permits, q, Options{Interval: 10 * time.Millisecond, Now: f.clock.Now, Logger: logger})
	for _, approver := range []string{"alice", "ic"} {
		f.certify(t, approver, 2)
	}
	return f
}

func (f *fixture) certify(t *testing.T, actor string, tier int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reg.Onboard(ctx, actor, nil, false, "admin")
	require.NoError(t, err)
	for i := 0; i <= tier; i++ {
		_, err := f.reg.Transition(ctx, actor, certification.Change{Event: certification.EventUpgradeApproved, By: "admin"})
		require.NoError(t, err)
	}
}

func lowRisk() types.OperationDescriptor {
	return types.OperationDescriptor{
		Action:         "restart",
		Resources:      []string{"svc/cache"},
		Environment:    types.EnvLocal,
		Reversibility:  types.FullyReversible,
		ImpactScope:    types.ScopeComponent,
		CustomerImpact: types.CustomerNone,
	}
}

func scenarioA() types.OperationDescriptor {
	return types.OperationDescriptor{
		Action:         "deploy",
		Resources:      []string{"svc/checkout"},
		Environment:    types.EnvProduction,
		Reversibility:  types.AutomatedRollback,
		ImpactScope:    types.ScopeService,
		CustomerImpact: types.CustomerNone,
	}
}

func (f *fixture) issue(t *testing.T) types.PermitView {
	t.Helper()
	f.certify(t, "agent-7", 0)
	res, err := f.permits.Submit(context.Background(), permit.Submission{Requester: "agent-7", Descriptor: lowRisk()})
	require.NoError(t, err)
	require.NotNil(t, res.Permit)
	return *res.Permit
}

func (f *fixture) lastReason(t *testing.T) string {
	t.Helper()
	head, ok, err := f.ledger.Head()
	require.NoError(t, err)
	require.True(t, ok)
	var payload map[string]any
	require.NoError(t, head.Decode(&payload))
	reason, _ := payload["reason"].(string)
	return reason
}

func TestScenarioCIssuedPermitExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pv := f.issue(t)

	f.clock.Advance(31 * time.Minute)
	rep, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Ended)

	got, err := f.permits.PermitView(pv.PermitID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, got.Status)
	require.Equal(t, permit.ReasonTimeExceeded, got.TerminalReason)
	require.Equal(t, permit.ReasonTimeExceeded, f.lastReason(t))
	require.Empty(t, f.env.halts)
}

func TestScenarioDEmergencyCeilingRevokesRunningPermit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.certify(t, "agent-7", 2)
	d := scenarioA()
	d.Emergency = true
	res, err := f.permits.Submit(ctx, permit.Submission{Requester: "agent-7", Descriptor: d})
	require.NoError(t, err)
	_, err = f.permits.Approve(ctx, res.Request.RequestID, permit.ApprovalInput{
		ApproverID: "ic", Role: "incident_commander", Decision: types.DecisionApproved,
	})
	require.NoError(t, err)
	pv, err := f.permits.PermitView(res.Request.RequestID)
	require.NoError(t, err)
	_, err = f.permits.Start(ctx, pv.PermitID)
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	rep, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Ended)

	f.clock.Advance(time.Minute)
	rep, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Ended)

	got, err := f.permits.PermitView(pv.PermitID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRevoked, got.Status)
	require.Equal(t, permit.ReasonEmergencyCeiling, got.TerminalReason)
	require.Equal(t, []string{pv.PermitID + ":" + permit.ReasonEmergencyCeiling}, f.env.halts)
}

func TestBreachRevokesAndRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pv := f.issue(t)
	_, err := f.permits.Start(ctx, pv.PermitID)
	require.NoError(t, err)
	_, err = f.permits.ReportBreach(ctx, pv.PermitID, permit.Breach{ErrorRateBps: 1200})
	require.NoError(t, err)

	rep, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Ended)

	rec, err := f.permits.Record(pv.PermitID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRevoked, rec.Status)
	require.Equal(t, permit.ReasonSafetyViolation, rec.TerminalReason)
	require.False(t, rec.RollbackPending)
	require.Equal(t, []string{pv.PermitID}, f.env.rollbacks)
	require.Len(t, f.env.halts, 1)
}

func TestScopeExpansionRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pv := f.issue(t)
	_, err := f.permits.Start(ctx, pv.PermitID)
	require.NoError(t, err)
	_, err = f.permits.ReportResources(ctx, pv.PermitID, []string{"db/orders"})
	require.NoError(t, err)

	_, err = f.sup.Tick(ctx)
	require.NoError(t, err)
	got, err := f.permits.PermitView(pv.PermitID)
	require.NoError(t, err)
	require.Equal(t, types.StatusRevoked, got.Status)
	require.Equal(t, permit.ReasonScopeExpansion, got.TerminalReason)
}

func TestJudgeRuleOrder(t *testing.T) {
	ceiling := t0.Add(time.Hour)
	base := permit.Record{
		Status: types.StatusIssued,
		Window: types.TimeWindow{
			EarliestStart:  t0,
			LatestStart:    t0.Add(10 * time.Minute),
			MustCompleteBy: t0.Add(30 * time.Minute),
		},
		Safety: types.SafetyThresholds{MaxErrorRateBps: 500, AutoRollbackOnError: true},
	}
	cases := []struct {
		name   string
		edit   func(*permit.Record)
		at     time.Time
		ends   bool
		event  permit.Event
		reason string
	}{
		{"within window", func(*permit.Record) {}, t0.Add(5 * time.Minute), false, "", ""},
		{"start window missed", func(*permit.Record) {}, t0.Add(11 * time.Minute), true, permit.EventExpire, permit.ReasonStartWindowMissed},
		{"deadline beats start window", func(*permit.Record) {}, t0.Add(31 * time.Minute), true, permit.EventExpire, permit.ReasonTimeExceeded},
		{"executing past deadline", func(r *permit.Record) { r.Status = types.StatusExecuting }, t0.Add(31 * time.Minute), true, permit.EventRevoke, permit.ReasonTimeExceeded},
		{"executing inside deadline", func(r *permit.Record) { r.Status = types.StatusExecuting }, t0.Add(20 * time.Minute), false, "", ""},
		{"scope beats deadline", func(r *permit.Record) {
			r.ScopeExpansion = &permit.ScopeExpansion{Resources: []string{"x"}}
		}, t0.Add(31 * time.Minute), true, permit.EventRevoke, permit.ReasonScopeExpansion},
		{"breach beats scope", func(r *permit.Record) {
			r.ScopeExpansion = &permit.ScopeExpansion{Resources: []string{"x"}}
			r.Breach = &permit.Breach{ErrorRateBps: 900}
		}, t0.Add(time.Minute), true, permit.EventRevoke, permit.ReasonSafetyViolation},
		{"ceiling beats breach", func(r *permit.Record) {
			r.HardCeiling = &ceiling
			r.Breach = &permit.Breach{ErrorRateBps: 900}
		}, ceiling, true, permit.EventRevoke, permit.ReasonEmergencyCeiling},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := base
			tc.edit(&rec)
			v, ok := Judge(rec, tc.at)
			require.Equal(t, tc.ends, ok)
			if !ok {
				return
			}
			require.Equal(t, tc.event, v.Event)
			require.Equal(t, tc.reason, v.Reason)
			require.Equal(t, Actor, v.By)
		})
	}
}

func TestJudgeRollsBackOnlyRunningOperations(t *testing.T) {
	rec := permit.Record{
		Status: types.StatusIssued,
		Breach: &permit.Breach{ErrorRateBps: 900},
		Safety: types.SafetyThresholds{MaxErrorRateBps: 500, AutoRollbackOnError: true},
		Window: types.TimeWindow{LatestStart: t0.Add(time.Hour), MustCompleteBy: t0.Add(time.Hour)},
	}
	v, _ := Judge(rec, t0)
	require.False(t, v.Rollback)
	require.False(t, v.Halt)

	rec.Status = types.StatusExecuting
	v, _ = Judge(rec, t0)
	require.True(t, v.Rollback)
	require.True(t, v.Halt)

	rec.Safety.AutoRollbackOnError = false
	v, _ = Judge(rec, t0)
	require.False(t, v.Rollback)
}

func TestLostRaceIsRetriedNextTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pv := f.issue(t)
	f.clock.Advance(31 * time.Minute)

	// Another writer holds the permit while the supervisor runs.
	done := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = f.permits.Enforce(ctx, pv.PermitID, func(permit.Record, time.Time) (permit.Verdict, bool) {
			close(started)
			<-done
			return permit.Verdict{}, false
		})
	}()
	<-started

	rep, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Busy)
	require.Zero(t, rep.Ended)
	close(done)

	require.Eventually(t, func() bool {
		rep, err := f.sup.Tick(ctx)
		return err == nil && rep.Ended == 1
	}, time.Second, 10*time.Millisecond)
	got, err := f.permits.PermitView(pv.PermitID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, got.Status)
}

func TestTickExpiresOverdueQuorum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.certify(t, "agent-7", 2)
	res, err := f.permits.Submit(ctx, permit.Submission{Requester: "agent-7", Descriptor: scenarioA()})
	require.NoError(t, err)

	f.clock.Advance(4*time.Hour + time.Second)
	rep, err := f.sup.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.QuorumsExpired)

	view, err := f.permits.RequestView(res.Request.RequestID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, view.Status)

	_, err = f.permits.Approve(ctx, res.Request.RequestID, permit.ApprovalInput{
		ApproverID: "alice", Role: "service_owner", Decision: types.DecisionApproved,
	})
	require.ErrorIs(t, err, failure.ErrConflict)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	pv := f.issue(t)
	f.clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.sup.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool {
		got, err := f.permits.PermitView(pv.PermitID)
		return err == nil && got.Status == types.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
