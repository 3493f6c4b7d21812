package api

import (
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

type NextAction string

const (
	ActionAwaitApproval   NextAction = "await_approval"
	ActionWaitForWindow   NextAction = "wait_for_window"
	ActionStart           NextAction = "start"
	ActionReportOutcome   NextAction = "report_outcome"
	ActionReturnDenied    NextAction = "return_denied"
	ActionResolveRollback NextAction = "resolve_rollback"
	ActionClose           NextAction = "close"
	ActionNone            NextAction = "none"
)

// DetermineNextAction tells the caller what the request or permit is
// waiting on.
func DetermineNextAction(req types.RequestView, p *types.PermitView, now time.Time) NextAction {
	status := req.Status
	if p != nil {
		status = p.Status
	}
	switch status {
	case types.StatusRequested, types.StatusUnderReview, types.StatusApproved:
		return ActionAwaitApproval
	case types.StatusIssued:
		if p == nil {
			return ActionNone
		}
		if now.Before(p.Window.EarliestStart) {
			return ActionWaitForWindow
		}
		if p.Window.Contains(now) && (p.HardCeiling == nil || now.Before(*p.HardCeiling)) {
			return ActionStart
		}
		return ActionNone
	case types.StatusExecuting:
		return ActionReportOutcome
	case types.StatusRejected:
		return ActionReturnDenied
	case types.StatusCompleted, types.StatusFailed, types.StatusRevoked, types.StatusExpired:
		if p != nil && p.RollbackPending {
			return ActionResolveRollback
		}
		return ActionClose
	default:
		return ActionNone
	}
}
