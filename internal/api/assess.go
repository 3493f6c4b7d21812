package api

import (
	"net/http"

	"github.com/davidahmann/tollgate/internal/risk"
	"github.com/davidahmann/tollgate/pkg/types"
)

type AssessRequest struct {
	Descriptor types.OperationDescriptor `json:"descriptor"`
}

// AssessResponse previews what a submission would need. Quorum is nil when
// the tier is issued without approvals.
type AssessResponse struct {
	Assessment types.RiskAssessment `json:"assessment"`
	Quorum     *types.QuorumSpec    `json:"quorum,omitempty"`
}

// Assess scores a descriptor against the gateway's policy without opening
// a request or writing to the ledger.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Policy.Hash != "", "policy") {
		return
	}
	var req AssessRequest
	if !decode(w, r, &req) {
		return
	}
	assessment, err := risk.Assess(h.Policy, req.Descriptor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	spec, needsQuorum, err := h.Policy.Policy.Quorum.QuorumFor(assessment.RequiredTier, req.Descriptor.Emergency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res := AssessResponse{Assessment: assessment}
	if needsQuorum {
		res.Quorum = &spec
	}
	writeJSON(w, http.StatusOK, res)
}
