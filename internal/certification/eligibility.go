// Package certification tracks each actor's authorization tier, status and
// domain qualifications, and answers eligibility and upgrade questions.
package certification

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/pkg/types"
)

// Blocking reasons.
const (
	BlockExpired                  = "certification_expired"
	BlockRevoked                  = "certification_revoked"
	BlockSuspended                = "certification_suspended"
	BlockTierBelowRequirement     = "tier_below_requirement"
	BlockDomainMismatch           = "domain_not_qualified"
	BlockProbationaryUnsupervised = "probationary_unsupervised"
)

// Warnings attached to an eligible answer.
const (
	WarnRenewalDue             = "renewal_due"
	WarnSupervisedProbationary = "supervised_probationary"
)

// Query is what an operation needs from its requester.
type Query struct {
	RequiredTier int
	Domain       string
	Environment  types.Environment
}

type Eligibility struct {
	Eligible    bool     `json:"eligible"`
	Reason      string   `json:"reason,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Err converts a blocked answer into an EligibilityBlocked failure.
func (e Eligibility) Err(actorID string) error {
	if e.Eligible {
		return nil
	}
	return failure.Blocked(e.Reason, fmt.Sprintf("actor %s is not eligible", actorID), e.Remediation)
}

func blocked(reason, remediation string) Eligibility {
	return Eligibility{Reason: reason, Remediation: remediation}
}

// expiredAt reports whether rec has lapsed by now, whatever its stored status.
func expiredAt(rec types.CertificationRecord, now time.Time) bool {
	return rec.Status == types.CertExpired || !now.Before(rec.ExpiresAt)
}

// EvaluateEligibility applies the hard blocks in a fixed order, so the
// reason reported is always the most fundamental one.
func EvaluateEligibility(p policy.CertificationPolicy, rec types.CertificationRecord, q Query, now time.Time) Eligibility {
	switch {
	case rec.Status == types.CertRevoked:
		return blocked(BlockRevoked, "revocation is terminal")
	case expiredAt(rec, now):
		return blocked(BlockExpired, "onboard the actor again")
	case rec.Status == types.CertSuspended:
		return blocked(BlockSuspended, "request reinstatement from a certification administrator")
	}

	var warnings []string
	if rec.Status == types.CertProbationary && q.Environment == types.EnvProduction {
		if !rec.Supervised || !p.AllowSupervisedProbationary {
			return blocked(BlockProbationaryUnsupervised, "probationary actors need supervised access for production")
		}
		warnings = append(warnings, WarnSupervisedProbationary)
	}
	if rec.Tier < q.RequiredTier {
		return blocked(BlockTierBelowRequirement, fmt.Sprintf("operation requires tier %d, actor holds tier %d", q.RequiredTier, rec.Tier))
	}
	if !p.Qualifies(rec.Domains, q.Domain) {
		return blocked(BlockDomainMismatch, fmt.Sprintf("obtain a qualification for domain %q", q.Domain))
	}
	if p.RenewalGrace > 0 && rec.ExpiresAt.Sub(now) <= p.RenewalGrace {
		warnings = append(warnings, WarnRenewalDue)
	}
	return Eligibility{Eligible: true, Warnings: warnings}
}

// Upgrade failure codes.
const (
	UpgradeStatus          = "status_not_upgradable"
	UpgradeMaxTier         = "max_tier"
	UpgradeTimeInTier      = "min_time_in_tier"
	UpgradeOperations      = "min_operations"
	UpgradeSuccessRate     = "success_rate"
	UpgradeIncidents       = "incidents"
	UpgradeRecommendations = "min_recommendations"
	UpgradeNoRuleForTier   = "no_rule_for_tier"
)

// UpgradeDecision lists every failing condition, not just the first.
type UpgradeDecision struct {
	Eligible   bool     `json:"eligible"`
	TargetTier int      `json:"target_tier"`
	Failures   []string `json:"failures,omitempty"`
}

func (d UpgradeDecision) Err(actorID string) error {
	if d.Eligible {
		return nil
	}
	return failure.Blocked("upgrade_blocked",
		fmt.Sprintf("actor %s cannot move to tier %d: %s", actorID, d.TargetTier, strings.Join(d.Failures, ", ")),
		"accumulate the missing performance record and re-evaluate")
}

// targetTier is the tier an upgrade lands on: activation keeps a
// probationary actor's tier, promotion adds one.
func targetTier(rec types.CertificationRecord) int {
	if rec.Status == types.CertProbationary {
		return rec.Tier
	}
	return rec.Tier + 1
}

// EvaluateUpgrade checks snap against the rule gating the target tier.
func EvaluateUpgrade(p policy.CertificationPolicy, rec types.CertificationRecord, snap types.PerformanceSnapshot, now time.Time) UpgradeDecision {
	d := UpgradeDecision{TargetTier: targetTier(rec)}
	fail := func(code string) { d.Failures = append(d.Failures, code) }

	if rec.Status != types.CertProbationary && rec.Status != types.CertActive {
		fail(UpgradeStatus)
		return d
	}
	if expiredAt(rec, now) {
		fail(UpgradeStatus)
		return d
	}
	if d.TargetTier > policy.MaxTier {
		fail(UpgradeMaxTier)
		return d
	}
	rule, ok := p.Upgrade[d.TargetTier]
	if !ok {
		fail(UpgradeNoRuleForTier)
		return d
	}

	if rec.TimeInTier(now) < rule.MinTimeInTier {
		fail(UpgradeTimeInTier)
	}
	if snap.CompletedOperations < rule.MinOperations {
		fail(UpgradeOperations)
	}
	// Integer comparison keeps the threshold exact: successful/completed >= bps/10000.
	if snap.CompletedOperations == 0 || snap.SuccessfulOperations*10000 < p.MinSuccessRateBps*snap.CompletedOperations {
		fail(UpgradeSuccessRate)
	}
	if snap.Incidents > p.MaxIncidents {
		fail(UpgradeIncidents)
	}
	if d.TargetTier >= 2 && snap.Recommendations < rule.MinRecommendations {
		fail(UpgradeRecommendations)
	}
	d.Eligible = len(d.Failures) == 0
	return d
}
