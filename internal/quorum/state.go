// Package quorum collects approval decisions for a permit request and
// resolves them against the request's quorum spec.
package quorum

import (
	"fmt"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/pkg/types"
)

type EventKind string

const (
	EventSubmit    EventKind = "submitted"
	EventExpire    EventKind = "expired"
	EventWithdraw  EventKind = "withdrawn"
	EventCloseVote EventKind = "vote_closed"
)

// Resolution reasons.
const (
	ReasonQuorumMet   = "quorum_met"
	ReasonRejected    = "rejected_by_approver"
	ReasonWithdrawn   = "withdrawn"
	ReasonSLAExpired  = "sla_expired"
	ReasonVoteFailed  = "vote_failed"
	ReasonVoteCarried = "vote_carried"
)

type Event struct {
	Kind     EventKind      `json:"kind"`
	Approval types.Approval `json:"approval"`
	At       time.Time      `json:"at"`
	Reason   string         `json:"reason,omitempty"`
}

// State is the approval collection for one request. Status is one of
// UNDER_REVIEW, APPROVED, REJECTED or EXPIRED. Position counts completed
// steps of an ordered quorum (sequential roles or board pre-review).
type State struct {
	RequestID  string             `json:"request_id"`
	Requester  string             `json:"requester"`
	Spec       types.QuorumSpec   `json:"spec"`
	OpenedAt   time.Time          `json:"opened_at"`
	Deadline   time.Time          `json:"deadline"`
	Status     types.PermitStatus `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	Approvals  []types.Approval   `json:"approvals"`
	Position   int                `json:"position"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
}

// New opens a request's approval collection; the SLA starts at openedAt.
func New(requestID, requester string, spec types.QuorumSpec, openedAt time.Time) State {
	return State{
		RequestID: requestID,
		Requester: requester,
		Spec:      spec,
		OpenedAt:  openedAt,
		Deadline:  openedAt.Add(spec.SLA),
		Status:    types.StatusUnderReview,
		Approvals: []types.Approval{},
	}
}

func (s State) Resolved() bool {
	return s.Status != types.StatusUnderReview
}

func (s State) entity() string {
	return "request:" + s.RequestID
}

// Prior returns the decision approverID already submitted, if any.
func (s State) Prior(approverID string) (types.Approval, bool) {
	for _, a := range s.Approvals {
		if a.ApproverID == approverID {
			return a, true
		}
	}
	return types.Approval{}, false
}

// NextRole names the role whose turn it is in an ordered quorum. Parallel
// quorums and board votes accept any listed role and return "".
func (s State) NextRole() string {
	if s.Resolved() {
		return ""
	}
	switch s.Spec.Mode {
	case types.ModeSequential:
		if s.Position < len(s.Spec.Roles) {
			return s.Spec.Roles[s.Position]
		}
	case types.ModeBoard:
		if s.Position < len(s.Spec.PreReview) {
			return s.Spec.PreReview[s.Position]
		}
	}
	return ""
}

// Apply returns the state after e. It never mutates s. A repeated decision
// from the same approver returns s unchanged; callers detect it with Prior.
func (s State) Apply(e Event) (State, error) {
	switch e.Kind {
	case EventSubmit:
		return s.submit(e)
	case EventExpire:
		if s.Resolved() {
			return s, s.resolvedConflict()
		}
		if e.At.Before(s.Deadline) {
			return s, failure.Validation("sla_not_elapsed", fmt.Sprintf("quorum deadline is %s", s.Deadline.Format(time.RFC3339)))
		}
		return s.resolve(types.StatusExpired, ReasonSLAExpired, e.At), nil
	case EventWithdraw:
		if s.Resolved() {
			return s, s.resolvedConflict()
		}
		return s.resolve(types.StatusRejected, ReasonWithdrawn, e.At), nil
	case EventCloseVote:
		return s.closeVote(e)
	default:
		return s, failure.Validation("unknown_event", fmt.Sprintf("unknown quorum event %q", e.Kind))
	}
}

func (s State) submit(e Event) (State, error) {
	a := e.Approval
	if a.ApproverID == "" || a.Role == "" {
		return s, failure.Validation("approval_incomplete", "approver_id and role are required")
	}
	if a.Decision != types.DecisionApproved && a.Decision != types.DecisionRejected {
		return s, failure.Validation("invalid_decision", fmt.Sprintf("decision must be approved or rejected, got %q", a.Decision))
	}
	if _, dup := s.Prior(a.ApproverID); dup {
		return s, nil
	}
	if s.Resolved() {
		return s, s.resolvedConflict()
	}
	if e.At.After(s.Deadline) {
		// A late decision cannot count; the request times out instead.
		return s.resolve(types.StatusExpired, ReasonSLAExpired, e.At), nil
	}
	if a.ApproverID == s.Requester {
		return s, failure.Validation("self_approval", "requesters may not approve their own operations")
	}
	if a.At.IsZero() {
		a.At = e.At
	}

	switch s.Spec.Mode {
	case types.ModeSequential:
		return s.submitOrdered(a, s.Spec.Roles, e.At)
	case types.ModeBoard:
		if s.Position < len(s.Spec.PreReview) {
			return s.submitOrdered(a, s.Spec.PreReview, e.At)
		}
		if !s.Spec.HasRole(a.Role) {
			return s, failure.Validation("role_not_in_quorum", fmt.Sprintf("role %q may not vote on this request", a.Role))
		}
		// Votes are tallied when the sitting closes.
		return s.record(a), nil
	default:
		return s.submitParallel(a, e.At)
	}
}

func (s State) submitParallel(a types.Approval, at time.Time) (State, error) {
	if !s.Spec.HasRole(a.Role) {
		return s, failure.Validation("role_not_in_quorum", fmt.Sprintf("role %q is not part of this quorum", a.Role))
	}
	next := s.record(a)
	if a.Decision == types.DecisionRejected {
		if s.Spec.AllowRejectOverride {
			return next, nil
		}
		return next.resolve(types.StatusRejected, ReasonRejected, at), nil
	}
	if next.distinctApprovedRoles() >= s.Spec.RequiredCount {
		return next.resolve(types.StatusApproved, ReasonQuorumMet, at), nil
	}
	return next, nil
}

func (s State) submitOrdered(a types.Approval, order []string, at time.Time) (State, error) {
	expected := order[s.Position]
	if a.Role != expected {
		err := failure.Conflict("out_of_order", s.entity(), string(s.Status))
		err.Remediation = fmt.Sprintf("awaiting role %q", expected)
		return s, err
	}
	next := s.record(a)
	if a.Decision == types.DecisionRejected {
		return next.resolve(types.StatusRejected, ReasonRejected, at), nil
	}
	next.Position++
	if s.Spec.Mode == types.ModeSequential && next.Position >= s.sequentialTarget() {
		return next.resolve(types.StatusApproved, ReasonQuorumMet, at), nil
	}
	return next, nil
}

func (s State) closeVote(e Event) (State, error) {
	if s.Spec.Mode != types.ModeBoard {
		return s, failure.Validation("not_a_board", "only board quorums hold a vote")
	}
	if s.Resolved() {
		return s, s.resolvedConflict()
	}
	if s.Position < len(s.Spec.PreReview) {
		err := failure.Conflict("pre_review_incomplete", s.entity(), string(s.Status))
		err.Remediation = fmt.Sprintf("awaiting pre-review by %q", s.Spec.PreReview[s.Position])
		return s, err
	}
	voters := map[string]struct{}{}
	for _, a := range s.Approvals[s.Position:] {
		if a.Decision == types.DecisionApproved {
			voters[a.ApproverID] = struct{}{}
		}
	}
	if len(voters) >= s.Spec.RequiredCount {
		return s.resolve(types.StatusApproved, ReasonVoteCarried, e.At), nil
	}
	return s.resolve(types.StatusRejected, ReasonVoteFailed, e.At), nil
}

func (s State) sequentialTarget() int {
	if s.Spec.RequiredCount > 0 && s.Spec.RequiredCount < len(s.Spec.Roles) {
		return s.Spec.RequiredCount
	}
	return len(s.Spec.Roles)
}

func (s State) distinctApprovedRoles() int {
	roles := map[string]struct{}{}
	for _, a := range s.Approvals {
		if a.Decision == types.DecisionApproved {
			roles[a.Role] = struct{}{}
		}
	}
	return len(roles)
}

func (s State) record(a types.Approval) State {
	next := s
	next.Approvals = make([]types.Approval, len(s.Approvals), len(s.Approvals)+1)
	copy(next.Approvals, s.Approvals)
	next.Approvals = append(next.Approvals, a)
	return next
}

func (s State) resolve(status types.PermitStatus, reason string, at time.Time) State {
	at = at.UTC()
	s.Status = status
	s.Reason = reason
	s.ResolvedAt = &at
	return s
}

func (s State) resolvedConflict() *failure.Error {
	err := failure.Conflict("quorum_resolved", s.entity(), string(s.Status))
	err.Message = fmt.Sprintf("request already resolved %s (%s)", s.Status, s.Reason)
	return err
}
