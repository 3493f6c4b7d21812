package policy

import (
	"errors"
	"fmt"

	"github.com/davidahmann/tollgate/pkg/types"
)

const MaxTier = 4

// Severity orders of each factor table, least severe first.
var (
	EnvironmentOrder    = []string{string(types.EnvLocal), string(types.EnvDevelopment), string(types.EnvStaging), string(types.EnvProduction)}
	ReversibilityOrder  = []string{string(types.FullyReversible), string(types.AutomatedRollback), string(types.ManualRollback), string(types.Irreversible)}
	ImpactScopeOrder    = []string{string(types.ScopeComponent), string(types.ScopeService), string(types.ScopeMultiService), string(types.ScopeSystemWide), string(types.ScopeMultiRegion)}
	CustomerImpactOrder = []string{string(types.CustomerNone), string(types.CustomerInternal), string(types.CustomerSegment), string(types.CustomerAll)}
	SensitivityClasses  = []string{"pii", "phi", "financial", "credentials"}
)

var ErrInvalidPolicy = errors.New("invalid policy")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

// Validate checks the policy once at load so the risk engine and quorum
// resolution never see an inconsistent table.
func (p Policy) Validate() error {
	if p.PolicyID == "" {
		return invalid("policy_id is required")
	}
	if err := p.Risk.validate(); err != nil {
		return err
	}
	for tier := 1; tier <= MaxTier; tier++ {
		spec, ok := p.Quorum.Tiers[tier]
		if !ok {
			return invalid("quorum.tiers[%d] is required", tier)
		}
		if err := validateQuorum(spec); err != nil {
			return invalid("quorum.tiers[%d]: %v", tier, err)
		}
	}
	if err := validateQuorum(p.Quorum.Emergency.Quorum); err != nil {
		return invalid("quorum.emergency: %v", err)
	}
	if p.Quorum.Emergency.Quorum.RequiredCount != 1 {
		return invalid("quorum.emergency.required_count must be 1")
	}
	if p.Quorum.Emergency.Ceiling <= 0 {
		return invalid("quorum.emergency.ceiling must be positive")
	}
	if p.Permit.StartWindow <= 0 || p.Permit.MaxDuration <= 0 {
		return invalid("permit.start_window and permit.max_duration must be positive")
	}
	if p.Permit.StartDelay < 0 || p.Permit.StartDelay+p.Permit.StartWindow > p.Permit.MaxDuration {
		return invalid("permit start window must end before max_duration")
	}
	if p.Permit.Safety.MaxErrorRateBps < 0 || p.Permit.Safety.MaxErrorRateBps > 10000 {
		return invalid("permit.safety.max_error_rate_bps must be within 0..10000")
	}
	return p.Certification.validate()
}

func (r RiskPolicy) validate() error {
	tables := []struct {
		name  string
		table map[string]int
		order []string
	}{
		{"environment", r.Environment, EnvironmentOrder},
		{"reversibility", r.Reversibility, ReversibilityOrder},
		{"impact_scope", r.ImpactScope, ImpactScopeOrder},
		{"customer_impact", r.CustomerImpact, CustomerImpactOrder},
	}
	for _, t := range tables {
		prev := -1
		for _, key := range t.order {
			score, ok := t.table[key]
			if !ok {
				return invalid("risk.%s.%s is required", t.name, key)
			}
			if score < 0 || score > 10 {
				return invalid("risk.%s.%s must be within 0..10", t.name, key)
			}
			if score < prev {
				return invalid("risk.%s must not decrease with severity (%s)", t.name, key)
			}
			prev = score
		}
	}
	for _, class := range SensitivityClasses {
		score, ok := r.Sensitivity[class]
		if !ok {
			return invalid("risk.sensitivity.%s is required", class)
		}
		if score < 0 || score > 10 {
			return invalid("risk.sensitivity.%s must be within 0..10", class)
		}
	}

	if len(r.Thresholds) == 0 {
		return invalid("risk.thresholds is required")
	}
	prevScore, prevTier := -1, -1
	for i, th := range r.Thresholds {
		if th.MaxScore <= prevScore {
			return invalid("risk.thresholds[%d].max_score must be strictly ascending", i)
		}
		if th.Tier < prevTier {
			return invalid("risk.thresholds[%d].tier must not decrease", i)
		}
		if th.Tier < 0 || th.Tier > MaxTier {
			return invalid("risk.thresholds[%d].tier must be within 0..%d", i, MaxTier)
		}
		prevScore, prevTier = th.MaxScore, th.Tier
	}
	if prevScore < 50 {
		return invalid("risk.thresholds must cover scores up to 50")
	}

	for name, tier := range map[string]int{
		"read_only_tier":     r.ReadOnlyTier,
		"sensitive_min_tier": r.SensitiveMinTier,
		"multi_region_tier":  r.MultiRegionTier,
	} {
		if tier < 0 || tier > MaxTier {
			return invalid("risk.%s must be within 0..%d", name, MaxTier)
		}
	}
	return nil
}

func validateQuorum(q types.QuorumSpec) error {
	switch q.Mode {
	case types.ModeParallel, types.ModeBoard:
		if q.RequiredCount < 1 {
			return fmt.Errorf("required_count must be at least 1")
		}
	case types.ModeSequential:
		if q.RequiredCount != 0 && q.RequiredCount != len(q.Roles) {
			return fmt.Errorf("sequential required_count must equal the number of roles")
		}
	default:
		return fmt.Errorf("unknown mode %q", q.Mode)
	}
	if len(q.Roles) == 0 {
		return fmt.Errorf("roles is required")
	}
	if q.Mode == types.ModeParallel && q.RequiredCount > len(q.Roles) {
		return fmt.Errorf("required_count exceeds distinct roles")
	}
	if q.SLA <= 0 {
		return fmt.Errorf("sla must be positive")
	}
	return nil
}

func (c CertificationPolicy) validate() error {
	if c.Validity <= 0 {
		return invalid("certification.validity must be positive")
	}
	if c.RenewalGrace < 0 || c.RenewalGrace >= c.Validity {
		return invalid("certification.renewal_grace must be shorter than validity")
	}
	if c.MinSuccessRateBps < 0 || c.MinSuccessRateBps > 10000 {
		return invalid("certification.min_success_rate_bps must be within 0..10000")
	}
	for tier := 0; tier <= MaxTier; tier++ {
		rule, ok := c.Upgrade[tier]
		if !ok {
			return invalid("certification.upgrade[%d] is required", tier)
		}
		if tier >= 2 && rule.MinRecommendations < 1 {
			return invalid("certification.upgrade[%d].min_recommendations must be at least 1", tier)
		}
	}
	return nil
}
