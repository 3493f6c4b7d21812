package policy

import (
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

type Policy struct {
	PolicyID      string              `yaml:"policy_id"`
	PolicyVersion string              `yaml:"policy_version"`
	Risk          RiskPolicy          `yaml:"risk"`
	Quorum        QuorumPolicy        `yaml:"quorum"`
	Permit        PermitPolicy        `yaml:"permit"`
	Certification CertificationPolicy `yaml:"certification"`
}

// RiskPolicy holds the factor tables (each value 0..10) and the ascending
// score-to-tier thresholds.
type RiskPolicy struct {
	Environment      map[string]int `yaml:"environment"`
	Reversibility    map[string]int `yaml:"reversibility"`
	Sensitivity      map[string]int `yaml:"sensitivity"`
	ImpactScope      map[string]int `yaml:"impact_scope"`
	CustomerImpact   map[string]int `yaml:"customer_impact"`
	Thresholds       []Threshold    `yaml:"thresholds"`
	ReadOnlyTier     int            `yaml:"read_only_tier"`
	SensitiveMinTier int            `yaml:"sensitive_min_tier"`
	MultiRegionTier  int            `yaml:"multi_region_tier"`
}

// Threshold maps every score <= MaxScore (and above the previous row) to Tier.
type Threshold struct {
	MaxScore int `yaml:"max_score"`
	Tier     int `yaml:"tier"`
}

type QuorumPolicy struct {
	Tiers     map[int]types.QuorumSpec `yaml:"tiers"`
	Emergency EmergencyPolicy          `yaml:"emergency"`
}

type EmergencyPolicy struct {
	Quorum  types.QuorumSpec `yaml:"quorum"`
	Ceiling time.Duration    `yaml:"ceiling"`
}

// PermitPolicy sets the time window computed at issuance.
type PermitPolicy struct {
	StartDelay  time.Duration          `yaml:"start_delay"`
	StartWindow time.Duration          `yaml:"start_window"`
	MaxDuration time.Duration          `yaml:"max_duration"`
	Safety      types.SafetyThresholds `yaml:"safety"`
}

type CertificationPolicy struct {
	Validity                    time.Duration       `yaml:"validity"`
	RenewalGrace                time.Duration       `yaml:"renewal_grace"`
	AllowSupervisedProbationary bool                `yaml:"allow_supervised_probationary"`
	CrossQualification          map[string][]string `yaml:"cross_qualification"`
	MinSuccessRateBps           int                 `yaml:"min_success_rate_bps"`
	MaxIncidents                int                 `yaml:"max_incidents"`
	Upgrade                     map[int]UpgradeRule `yaml:"upgrade"`
}

// UpgradeRule gates promotion into the tier it is keyed by.
type UpgradeRule struct {
	MinTimeInTier      time.Duration `yaml:"min_time_in_tier"`
	MinOperations      int           `yaml:"min_operations"`
	MinRecommendations int           `yaml:"min_recommendations"`
}
