package policy

import (
	"fmt"
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

// TierForScore maps a score through the ascending threshold table.
func (r RiskPolicy) TierForScore(score int) int {
	for _, th := range r.Thresholds {
		if score <= th.MaxScore {
			return th.Tier
		}
	}
	return r.Thresholds[len(r.Thresholds)-1].Tier
}

// QuorumFor resolves the quorum spec for a required tier. Tier 0 needs no
// quorum and returns ok=false.
func (q QuorumPolicy) QuorumFor(tier int, emergency bool) (types.QuorumSpec, bool, error) {
	if emergency {
		spec := q.Emergency.Quorum
		spec.Emergency = true
		return cloneSpec(spec), true, nil
	}
	if tier == 0 {
		return types.QuorumSpec{}, false, nil
	}
	spec, ok := q.Tiers[tier]
	if !ok {
		return types.QuorumSpec{}, false, fmt.Errorf("no quorum configured for tier %d", tier)
	}
	return cloneSpec(spec), true, nil
}

func cloneSpec(spec types.QuorumSpec) types.QuorumSpec {
	spec.Roles = append([]string(nil), spec.Roles...)
	if spec.PreReview != nil {
		spec.PreReview = append([]string(nil), spec.PreReview...)
	}
	if spec.Mode == types.ModeSequential && spec.RequiredCount == 0 {
		spec.RequiredCount = len(spec.Roles)
	}
	return spec
}

// WindowAt computes a permit's time window from its issuance time. An
// emergency permit's completion deadline is its hard ceiling.
func (p Policy) WindowAt(issuedAt time.Time, emergency bool) (types.TimeWindow, *time.Time) {
	earliest := issuedAt.Add(p.Permit.StartDelay)
	window := types.TimeWindow{
		EarliestStart:  earliest,
		LatestStart:    earliest.Add(p.Permit.StartWindow),
		MustCompleteBy: issuedAt.Add(p.Permit.MaxDuration),
	}
	if !emergency {
		return window, nil
	}
	ceiling := issuedAt.Add(p.Quorum.Emergency.Ceiling)
	window.MustCompleteBy = ceiling
	if window.LatestStart.After(ceiling) {
		window.LatestStart = ceiling
	}
	return window, &ceiling
}

// Qualifies reports whether an actor qualified in domains may act in domain,
// directly or through the cross-qualification map.
func (c CertificationPolicy) Qualifies(domains []string, domain string) bool {
	if domain == "" {
		return true
	}
	for _, d := range domains {
		if d == domain {
			return true
		}
		for _, alt := range c.CrossQualification[domain] {
			if d == alt {
				return true
			}
		}
	}
	return false
}
