package risk

import (
	"fmt"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/pkg/types"
)

const (
	FactorEnvironment    = "environment"
	FactorReversibility  = "reversibility"
	FactorSensitivity    = "data_sensitivity"
	FactorImpactScope    = "impact_scope"
	FactorCustomerImpact = "customer_impact"

	OverrideReadOnly    = "read_only"
	OverrideSensitive   = "sensitive_data"
	OverrideMultiRegion = "multi_region"

	ConditionRollbackPlan = "rollback_plan_required"
	ConditionChangeWindow = "change_window_required"
	ConditionPostIncident = "post_incident_review_required"
	ConditionDataHandling = "data_handling_review_required"

	RestrictionMaintenanceWindow = "maintenance_window_only"
	RestrictionOnCallPresent     = "on_call_engineer_present"
	RestrictionNoFridayDeploys   = "no_friday_or_pre_holiday_execution"
	RestrictionLowTraffic        = "low_traffic_period"
	RestrictionPhasedRollout     = "phased_rollout"
	RestrictionTestedRollback    = "tested_rollback_procedure"
)

const (
	changeWindowConditionTier = 3
	phasedRolloutTier         = 3
	maintenanceWindowTier     = 4
)

// Assess scores a descriptor against the loaded policy. It is pure: the same
// policy and descriptor always yield the same assessment and assessment id.
func Assess(p policy.LoadedPolicy, d types.OperationDescriptor) (types.RiskAssessment, error) {
	if err := Validate(d); err != nil {
		return types.RiskAssessment{}, err
	}
	tables := p.Policy.Risk

	factors := make([]types.RiskFactor, 0, 5)
	add := func(name, value string, table map[string]int) error {
		score, ok := table[value]
		if !ok {
			return failure.Validation("unknown_"+name, fmt.Sprintf("%s %q is not scored by policy", name, value))
		}
		factors = append(factors, types.RiskFactor{Name: name, Value: value, Score: score})
		return nil
	}
	if err := add(FactorEnvironment, string(d.Environment), tables.Environment); err != nil {
		return types.RiskAssessment{}, err
	}
	if err := add(FactorReversibility, string(d.Reversibility), tables.Reversibility); err != nil {
		return types.RiskAssessment{}, err
	}
	factors = append(factors, sensitivityFactor(tables, d.Sensitive))
	if err := add(FactorImpactScope, string(d.ImpactScope), tables.ImpactScope); err != nil {
		return types.RiskAssessment{}, err
	}
	if err := add(FactorCustomerImpact, string(d.CustomerImpact), tables.CustomerImpact); err != nil {
		return types.RiskAssessment{}, err
	}

	score := 0
	for _, f := range factors {
		score += f.Score
	}

	scoreTier := tables.TierForScore(score)
	tier := scoreTier
	var overrides []types.TierOverride
	if d.ReadOnly {
		tier = tables.ReadOnlyTier
		overrides = append(overrides, types.TierOverride{Code: OverrideReadOnly, MinTier: tables.ReadOnlyTier})
	}
	if d.Sensitive.Any() && tier < tables.SensitiveMinTier {
		tier = tables.SensitiveMinTier
		overrides = append(overrides, types.TierOverride{Code: OverrideSensitive, MinTier: tables.SensitiveMinTier})
	}
	if d.ImpactScope == types.ScopeMultiRegion && tier < tables.MultiRegionTier {
		tier = tables.MultiRegionTier
		overrides = append(overrides, types.TierOverride{Code: OverrideMultiRegion, MinTier: tables.MultiRegionTier})
	}

	assessment := types.RiskAssessment{
		PolicyHash:   p.Hash,
		Score:        score,
		ScoreTier:    scoreTier,
		RequiredTier: tier,
		Factors:      factors,
		Overrides:    overrides,
		Conditions:   conditions(d, tier),
		Restrictions: restrictions(d, tier),
	}
	id, err := assessmentID(d, assessment)
	if err != nil {
		return types.RiskAssessment{}, err
	}
	assessment.AssessmentID = id
	return assessment, nil
}

// Validate rejects descriptors with missing or unknown enum values.
func Validate(d types.OperationDescriptor) error {
	if d.Action == "" {
		return failure.Validation("missing_action", "descriptor.action is required")
	}
	checks := []struct {
		name  string
		value string
		known []string
	}{
		{FactorEnvironment, string(d.Environment), policy.EnvironmentOrder},
		{FactorReversibility, string(d.Reversibility), policy.ReversibilityOrder},
		{FactorImpactScope, string(d.ImpactScope), policy.ImpactScopeOrder},
		{FactorCustomerImpact, string(d.CustomerImpact), policy.CustomerImpactOrder},
	}
	for _, c := range checks {
		if c.value == "" {
			return failure.Validation("missing_"+c.name, "descriptor."+c.name+" is required")
		}
		if !contains(c.known, c.value) {
			return failure.Validation("unknown_"+c.name, fmt.Sprintf("%s %q is not recognized", c.name, c.value))
		}
	}
	return nil
}

func sensitivityFactor(tables policy.RiskPolicy, s types.SensitiveData) types.RiskFactor {
	factor := types.RiskFactor{Name: FactorSensitivity, Value: "none"}
	for _, flag := range s.Flags() {
		if score := tables.Sensitivity[flag]; score > factor.Score || factor.Value == "none" {
			factor.Score = score
			factor.Value = flag
		}
	}
	return factor
}

func conditions(d types.OperationDescriptor, tier int) []string {
	var out []string
	if d.Reversibility == types.Irreversible {
		out = append(out, ConditionRollbackPlan)
	}
	if tier >= changeWindowConditionTier && !d.Emergency {
		out = append(out, ConditionChangeWindow)
	}
	if d.Emergency {
		out = append(out, ConditionPostIncident)
	}
	if d.Sensitive.Any() {
		out = append(out, ConditionDataHandling)
	}
	return out
}

// restrictions limit how an authorized operation may run. Emergency work is
// exempt from scheduling limits but not from rollback readiness.
func restrictions(d types.OperationDescriptor, tier int) []string {
	var out []string
	if !d.Emergency {
		switch {
		case tier >= maintenanceWindowTier:
			out = append(out, RestrictionMaintenanceWindow, RestrictionOnCallPresent, RestrictionNoFridayDeploys)
		case tier >= phasedRolloutTier:
			out = append(out, RestrictionLowTraffic, RestrictionPhasedRollout)
		}
	}
	if d.Environment == types.EnvProduction && !d.ReadOnly {
		out = append(out, RestrictionTestedRollback)
	}
	return out
}

func assessmentID(d types.OperationDescriptor, a types.RiskAssessment) (string, error) {
	descriptorDigest, err := crypto.Digest(d)
	if err != nil {
		return "", err
	}
	view := map[string]any{
		"descriptor_digest": descriptorDigest,
		"policy_hash":       a.PolicyHash,
		"score":             a.Score,
		"score_tier":        a.ScoreTier,
		"required_tier":     a.RequiredTier,
		"factors":           a.Factors,
		"overrides":         a.Overrides,
		"conditions":        a.Conditions,
		"restrictions":      a.Restrictions,
	}
	return crypto.Digest(view)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
