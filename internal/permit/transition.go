// Package permit orchestrates a request from submission through approval,
// issuance, execution and closure. Every transition is written to the
// ledger together with the new state under the permit's lock.
package permit

import (
	"fmt"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/pkg/types"
)

type Event string

const (
	EventReview         Event = "review_opened"
	EventAutoApprove    Event = "auto_approved"
	EventQuorumApproved Event = "quorum_approved"
	EventQuorumRejected Event = "quorum_rejected"
	EventQuorumExpired  Event = "quorum_expired"
	EventWithdraw       Event = "withdrawn"
	EventIssue          Event = "issued"
	EventStart          Event = "started"
	EventComplete       Event = "completed"
	EventFail           Event = "failed"
	EventRevoke         Event = "revoked"
	EventExpire         Event = "expired"
	EventClose          Event = "closed"
	EventArchive        Event = "archived"
)

// Terminal reasons set by the core itself.
const (
	ReasonTimeExceeded      = "time_exceeded"
	ReasonSafetyViolation   = "safety_violation"
	ReasonScopeExpansion    = "scope_expansion"
	ReasonEmergencyCeiling  = "emergency_ceiling"
	ReasonStartWindowMissed = "start_window_missed"
)

type edge struct {
	from  types.PermitStatus
	event Event
}

var table = map[edge]types.PermitStatus{
	{types.StatusRequested, EventReview}:           types.StatusUnderReview,
	{types.StatusRequested, EventAutoApprove}:      types.StatusApproved,
	{types.StatusRequested, EventWithdraw}:         types.StatusRejected,
	{types.StatusUnderReview, EventQuorumApproved}: types.StatusApproved,
	{types.StatusUnderReview, EventQuorumRejected}: types.StatusRejected,
	{types.StatusUnderReview, EventQuorumExpired}:  types.StatusExpired,
	{types.StatusUnderReview, EventWithdraw}:       types.StatusRejected,
	{types.StatusApproved, EventIssue}:             types.StatusIssued,
	{types.StatusIssued, EventStart}:               types.StatusExecuting,
	{types.StatusIssued, EventRevoke}:              types.StatusRevoked,
	{types.StatusIssued, EventExpire}:              types.StatusExpired,
	{types.StatusExecuting, EventComplete}:         types.StatusCompleted,
	{types.StatusExecuting, EventFail}:             types.StatusFailed,
	{types.StatusExecuting, EventRevoke}:           types.StatusRevoked,
	{types.StatusRejected, EventClose}:             types.StatusClosed,
	{types.StatusExpired, EventClose}:              types.StatusClosed,
	{types.StatusCompleted, EventClose}:            types.StatusClosed,
	{types.StatusFailed, EventClose}:               types.StatusClosed,
	{types.StatusRevoked, EventClose}:              types.StatusClosed,
	{types.StatusClosed, EventArchive}:             types.StatusArchived,
}

// Next is the permit transition function. It is total: every pair not in
// the table is an illegal transition.
func Next(from types.PermitStatus, ev Event) (types.PermitStatus, error) {
	to, ok := table[edge{from, ev}]
	if !ok {
		err := failure.Conflict("illegal_transition", "", string(from))
		err.Message = fmt.Sprintf("no transition from %s on %s", from, ev)
		return from, err
	}
	return to, nil
}
