package api

import (
	"testing"
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

func TestDetermineNextActionBeforeIssue(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		status types.PermitStatus
		action NextAction
	}{
		{types.StatusRequested, ActionAwaitApproval},
		{types.StatusUnderReview, ActionAwaitApproval},
		{types.StatusApproved, ActionAwaitApproval},
		{types.StatusRejected, ActionReturnDenied},
		{types.StatusClosed, ActionNone},
	}

	for _, tc := range cases {
		got := DetermineNextAction(types.RequestView{Status: tc.status}, nil, now)
		if got != tc.action {
			t.Fatalf("status %s expected %s got %s", tc.status, tc.action, got)
		}
	}
}

func TestDetermineNextActionIssuedWindow(t *testing.T) {
	start := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	p := &types.PermitView{
		Status: types.StatusIssued,
		Window: types.TimeWindow{EarliestStart: start, LatestStart: start.Add(10 * time.Minute), MustCompleteBy: start.Add(30 * time.Minute)},
	}
	req := types.RequestView{Status: types.StatusIssued}

	if got := DetermineNextAction(req, p, start.Add(-time.Minute)); got != ActionWaitForWindow {
		t.Fatalf("expected wait_for_window, got %s", got)
	}
	if got := DetermineNextAction(req, p, start.Add(5*time.Minute)); got != ActionStart {
		t.Fatalf("expected start, got %s", got)
	}
	if got := DetermineNextAction(req, p, start.Add(11*time.Minute)); got != ActionNone {
		t.Fatalf("expected none after the window, got %s", got)
	}

	ceiling := start.Add(2 * time.Minute)
	p.HardCeiling = &ceiling
	if got := DetermineNextAction(req, p, start.Add(5*time.Minute)); got != ActionNone {
		t.Fatalf("expected none past the ceiling, got %s", got)
	}
}

func TestDetermineNextActionAfterExecution(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	req := types.RequestView{Status: types.StatusIssued}

	if got := DetermineNextAction(req, &types.PermitView{Status: types.StatusExecuting}, now); got != ActionReportOutcome {
		t.Fatalf("expected report_outcome, got %s", got)
	}
	if got := DetermineNextAction(req, &types.PermitView{Status: types.StatusRevoked, RollbackPending: true}, now); got != ActionResolveRollback {
		t.Fatalf("expected resolve_rollback, got %s", got)
	}
	if got := DetermineNextAction(req, &types.PermitView{Status: types.StatusCompleted}, now); got != ActionClose {
		t.Fatalf("expected close, got %s", got)
	}
}
