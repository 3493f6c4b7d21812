package policy

import (
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

const day = 24 * time.Hour

// Default returns the canonical policy. policies/tollgate.yaml mirrors it.
func Default() Policy {
	return Policy{
		PolicyID:      "tollgate-default",
		PolicyVersion: "2026-10-01",
		Risk: RiskPolicy{
			Environment:    map[string]int{"local": 0, "development": 2, "staging": 5, "production": 10},
			Reversibility:  map[string]int{"fully_reversible": 0, "automated_rollback": 3, "manual_rollback": 6, "irreversible": 10},
			// Sensitive data raises the tier through SensitiveMinTier, not the score.
			Sensitivity:    map[string]int{"pii": 0, "phi": 0, "financial": 0, "credentials": 0},
			ImpactScope:    map[string]int{"component": 1, "service": 3, "multi_service": 6, "system_wide": 8, "multi_region": 10},
			CustomerImpact: map[string]int{"none": 0, "internal": 2, "segment": 6, "all": 10},
			Thresholds: []Threshold{
				{MaxScore: 5, Tier: 0},
				{MaxScore: 20, Tier: 2},
				{MaxScore: 35, Tier: 3},
				{MaxScore: 50, Tier: 4},
			},
			ReadOnlyTier:     1,
			SensitiveMinTier: 3,
			MultiRegionTier:  4,
		},
		Quorum: QuorumPolicy{
			Tiers: map[int]types.QuorumSpec{
				1: {Mode: types.ModeParallel, Roles: []string{"peer_reviewer", "service_owner"}, RequiredCount: 1, SLA: time.Hour},
				2: {Mode: types.ModeParallel, Roles: []string{"service_owner", "peer_reviewer", "team_lead"}, RequiredCount: 1, SLA: 4 * time.Hour},
				3: {Mode: types.ModeParallel, Roles: []string{"service_owner", "security_reviewer"}, RequiredCount: 2, SLA: day},
				4: {Mode: types.ModeBoard, PreReview: []string{"change_manager"}, Roles: []string{"board_member"}, RequiredCount: 3, SLA: 3 * day},
			},
			Emergency: EmergencyPolicy{
				Quorum:  types.QuorumSpec{Mode: types.ModeParallel, Roles: []string{"incident_commander"}, RequiredCount: 1, SLA: 15 * time.Minute},
				Ceiling: time.Hour,
			},
		},
		Permit: PermitPolicy{
			StartDelay:  0,
			StartWindow: 10 * time.Minute,
			MaxDuration: 30 * time.Minute,
			Safety:      types.SafetyThresholds{MaxErrorRateBps: 500, AutoRollbackOnError: true},
		},
		Certification: CertificationPolicy{
			Validity:                    365 * day,
			RenewalGrace:                30 * day,
			AllowSupervisedProbationary: true,
			CrossQualification:          map[string][]string{"payments": {"billing"}, "storage": {"database"}},
			MinSuccessRateBps:           9500,
			MaxIncidents:                0,
			Upgrade: map[int]UpgradeRule{
				0: {MinTimeInTier: 7 * day, MinOperations: 5},
				1: {MinTimeInTier: 30 * day, MinOperations: 10},
				2: {MinTimeInTier: 60 * day, MinOperations: 25, MinRecommendations: 1},
				3: {MinTimeInTier: 90 * day, MinOperations: 50, MinRecommendations: 2},
				4: {MinTimeInTier: 180 * day, MinOperations: 100, MinRecommendations: 3},
			},
		},
	}
}

// MustDefault returns Default wrapped as a LoadedPolicy; it panics only if
// the built-in table is inconsistent.
func MustDefault() LoadedPolicy {
	loaded, err := Loaded(Default())
	if err != nil {
		panic(err)
	}
	return loaded
}
