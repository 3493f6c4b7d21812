package types

import "time"

type CertStatus string

const (
	CertProbationary CertStatus = "probationary"
	CertActive       CertStatus = "active"
	CertSuspended    CertStatus = "suspended"
	CertRevoked      CertStatus = "revoked"
	CertExpired      CertStatus = "expired"
)

// PerformanceSnapshot is kept as counts; rates are derived so the record
// canonicalizes without floats.
type PerformanceSnapshot struct {
	CompletedOperations  int `json:"completed_operations"`
	SuccessfulOperations int `json:"successful_operations"`
	Incidents            int `json:"incidents"`
	Recommendations      int `json:"recommendations"`
}

func (p PerformanceSnapshot) SuccessRate() float64 {
	if p.CompletedOperations == 0 {
		return 0
	}
	return float64(p.SuccessfulOperations) / float64(p.CompletedOperations)
}

type CertificationRecord struct {
	ActorID     string              `json:"actor_id"`
	Tier        int                 `json:"tier"`
	Status      CertStatus          `json:"status"`
	Domains     []string            `json:"domains,omitempty"`
	Supervised  bool                `json:"supervised,omitempty"`
	GrantedAt   time.Time           `json:"granted_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	TierSince   time.Time           `json:"tier_since"`
	Performance PerformanceSnapshot `json:"performance"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (r CertificationRecord) QualifiedFor(domain string) bool {
	for _, d := range r.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

func (r CertificationRecord) TimeInTier(now time.Time) time.Duration {
	return now.Sub(r.TierSince)
}
