package types

import "time"

type PermitStatus string

const (
	StatusRequested   PermitStatus = "REQUESTED"
	StatusUnderReview PermitStatus = "UNDER_REVIEW"
	StatusApproved    PermitStatus = "APPROVED"
	StatusRejected    PermitStatus = "REJECTED"
	StatusIssued      PermitStatus = "ISSUED"
	StatusExecuting   PermitStatus = "EXECUTING"
	StatusCompleted   PermitStatus = "COMPLETED"
	StatusFailed      PermitStatus = "FAILED"
	StatusRevoked     PermitStatus = "REVOKED"
	StatusExpired     PermitStatus = "EXPIRED"
	StatusClosed      PermitStatus = "CLOSED"
	StatusArchived    PermitStatus = "ARCHIVED"
)

// Terminal reports whether the status ends a permit's working life; only
// administrative closure follows.
func (s PermitStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusCompleted, StatusFailed, StatusRevoked:
		return true
	}
	return false
}

// Live reports whether the supervisor watches permits in this status.
func (s PermitStatus) Live() bool {
	return s == StatusIssued || s == StatusExecuting
}

type QuorumMode string

const (
	ModeParallel   QuorumMode = "parallel"
	ModeSequential QuorumMode = "sequential"
	ModeBoard      QuorumMode = "board"
)

// QuorumSpec says who must approve and how. For sequential mode Roles is
// the required order. For board mode PreReview runs in order before the
// vote, and Roles lists the roles allowed to vote.
type QuorumSpec struct {
	Mode                QuorumMode    `json:"mode" yaml:"mode"`
	Roles               []string      `json:"roles" yaml:"roles"`
	RequiredCount       int           `json:"required_count" yaml:"required_count"`
	PreReview           []string      `json:"pre_review,omitempty" yaml:"pre_review"`
	SLA                 time.Duration `json:"sla" yaml:"sla"`
	AllowRejectOverride bool          `json:"allow_reject_override,omitempty" yaml:"allow_reject_override"`
	Emergency           bool          `json:"emergency,omitempty" yaml:"-"`
}

func (q QuorumSpec) HasRole(role string) bool {
	for _, r := range q.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

type Approval struct {
	ApprovalID string    `json:"approval_id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	Role       string    `json:"role"`
	Decision   Decision  `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	At         time.Time `json:"at"`
}

type TimeWindow struct {
	EarliestStart  time.Time `json:"earliest_start"`
	LatestStart    time.Time `json:"latest_start"`
	MustCompleteBy time.Time `json:"must_complete_by"`
}

// Contains reports whether t falls inside [EarliestStart, LatestStart].
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.EarliestStart) && !t.After(w.LatestStart)
}

type SafetyThresholds struct {
	MaxErrorRateBps     int  `json:"max_error_rate_bps" yaml:"max_error_rate_bps"`
	AutoRollbackOnError bool `json:"auto_rollback_on_error" yaml:"auto_rollback_on_error"`
}

// OperationSnapshot is the authorized scope, frozen at issuance.
type OperationSnapshot struct {
	Descriptor   OperationDescriptor `json:"descriptor"`
	Assessment   RiskAssessment      `json:"assessment"`
	Conditions   []string            `json:"conditions,omitempty"`
	Restrictions []string            `json:"restrictions,omitempty"`
	Digest       string              `json:"digest"`
}

type RequestView struct {
	RequestID         string              `json:"request_id"`
	Requester         string              `json:"requester"`
	Descriptor        OperationDescriptor `json:"descriptor"`
	Assessment        RiskAssessment      `json:"assessment"`
	Quorum            QuorumSpec          `json:"quorum"`
	CreatedAt         time.Time           `json:"created_at"`
	Deadline          time.Time           `json:"deadline"`
	EstimatedApproval time.Duration       `json:"estimated_approval"`
	Status            PermitStatus        `json:"status"`
	NextRole          string              `json:"next_role,omitempty"`
	Approvals         []Approval          `json:"approvals"`
	PermitID          string              `json:"permit_id,omitempty"`
}

type PermitView struct {
	PermitID         string            `json:"permit_id"`
	RequestID        string            `json:"request_id"`
	Requester        string            `json:"requester"`
	Status           PermitStatus      `json:"status"`
	Snapshot         OperationSnapshot `json:"snapshot"`
	Window           TimeWindow        `json:"window"`
	Safety           SafetyThresholds  `json:"safety"`
	Temporary        bool              `json:"temporary,omitempty"`
	HardCeiling      *time.Time        `json:"hard_ceiling,omitempty"`
	IssuedAt         time.Time         `json:"issued_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	TerminalReason   string            `json:"terminal_reason,omitempty"`
	ExecutionSummary string            `json:"execution_summary,omitempty"`
	RollbackPending  bool              `json:"rollback_pending,omitempty"`
	Approvals        []Approval        `json:"approvals,omitempty"`
}
