package types

type RiskFactor struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Score int    `json:"score"`
}

type TierOverride struct {
	Code    string `json:"code"`
	MinTier int    `json:"min_tier"`
}

// RiskAssessment is a derived value stamped onto a request. AssessmentID is
// the digest of its canonical form so two identical assessments share an id.
type RiskAssessment struct {
	AssessmentID string         `json:"assessment_id"`
	PolicyHash   string         `json:"policy_hash"`
	Score        int            `json:"score"`
	ScoreTier    int            `json:"score_tier"`
	RequiredTier int            `json:"required_tier"`
	Factors      []RiskFactor   `json:"factors"`
	Overrides    []TierOverride `json:"overrides,omitempty"`
	Conditions   []string       `json:"conditions,omitempty"`
	Restrictions []string       `json:"restrictions,omitempty"`
}
