package certification

import (
	"fmt"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/pkg/types"
)

type Event string

const (
	EventUpgradeApproved Event = "upgrade_approved"
	EventSuspend         Event = "suspended"
	EventReinstate       Event = "reinstated"
	EventRevoke          Event = "revoked"
	EventExpire          Event = "expired"
)

type edge struct {
	from  types.CertStatus
	event Event
}

var transitions = map[edge]types.CertStatus{
	{types.CertProbationary, EventUpgradeApproved}: types.CertActive,
	{types.CertActive, EventUpgradeApproved}:       types.CertActive,
	{types.CertActive, EventSuspend}:               types.CertSuspended,
	{types.CertSuspended, EventReinstate}:          types.CertActive,
	{types.CertSuspended, EventRevoke}:             types.CertRevoked,
	{types.CertProbationary, EventExpire}:          types.CertExpired,
	{types.CertActive, EventExpire}:                types.CertExpired,
	{types.CertSuspended, EventExpire}:             types.CertExpired,
}

// Next is the certification transition table. Revoked and expired records
// accept no events.
func Next(from types.CertStatus, ev Event) (types.CertStatus, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		err := failure.Conflict("illegal_transition", "", string(from))
		err.Message = fmt.Sprintf("certification cannot go from %s on %s", from, ev)
		err.Remediation = "re-read the certification record"
		return from, err
	}
	return to, nil
}

// apply returns rec after ev. Promotion of an active record raises its tier;
// activation of a probationary one keeps it.
func apply(rec types.CertificationRecord, ev Event) (types.CertificationRecord, error) {
	to, err := Next(rec.Status, ev)
	if err != nil {
		if fe, ok := failure.As(err); ok {
			fe.Entity = entity(rec.ActorID)
		}
		return rec, err
	}
	if ev == EventUpgradeApproved && rec.Status == types.CertActive {
		if rec.Tier >= policy.MaxTier {
			return rec, failure.Validation("max_tier", fmt.Sprintf("actor %s already holds tier %d", rec.ActorID, rec.Tier))
		}
		rec.Tier++
	}
	rec.Status = to
	return rec, nil
}

func entity(actorID string) string {
	return "certification:" + actorID
}
