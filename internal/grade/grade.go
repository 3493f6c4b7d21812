package grade

import (
	"sort"

	"github.com/davidahmann/tollgate/pkg/types"
)

type Result struct {
	Grade   string   `json:"grade"`
	Reasons []string `json:"reasons"`
}

// Input is the evidence for one request. ChainValid reports whether the
// ledger range holding its entries verified cleanly.
type Input struct {
	ChainValid bool
	Request    types.RequestView
	Permit     *types.PermitView
}

// Evaluate grades how complete and trustworthy a request's evidence is.
func Evaluate(in Input) Result {
	if !in.ChainValid {
		return Result{Grade: "F", Reasons: []string{"invalid_chain"}}
	}

	missing := map[string]bool{}

	if in.Request.Assessment.PolicyHash == "" {
		missing["policy_hash"] = true
	}
	if in.Permit != nil && in.Permit.Snapshot.Digest == "" {
		missing["snapshot_digest"] = true
	}

	if in.Request.Quorum.Mode != "" && in.Permit != nil {
		approved := 0
		for _, a := range in.Request.Approvals {
			if a.Decision == types.DecisionApproved {
				approved++
			}
		}
		if approved == 0 {
			missing["approval"] = true
		}
	}

	if in.Permit != nil {
		if in.Permit.RollbackPending {
			missing["rollback_resolution"] = true
		}
		closed := in.Permit.Status == types.StatusClosed || in.Permit.Status == types.StatusArchived
		if !closed {
			missing["closure"] = true
		} else if in.Permit.ExecutionSummary == "" {
			missing["execution_summary"] = true
		}
	}

	// Heuristic grading.
	grade := "A"
	switch {
	case missing["policy_hash"] || missing["snapshot_digest"]:
		grade = "F"
	case missing["approval"]:
		grade = "D"
	case missing["rollback_resolution"]:
		grade = "C"
	case missing["closure"] || missing["execution_summary"]:
		grade = "B"
	}

	reasons := []string{}
	for k, v := range missing {
		if v {
			reasons = append(reasons, "missing_"+k)
		}
	}
	sort.Strings(reasons)

	return Result{Grade: grade, Reasons: reasons}
}
