package api

import (
	"net/http"
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
)

type MetricsResponse struct {
	TotalDecisions int                        `json:"total_decisions"`
	Pending        int                        `json:"pending"`
	Requests       map[types.PermitStatus]int `json:"requests"`
	LedgerHead     int64                      `json:"ledger_head"`
	LedgerHalted   bool                       `json:"ledger_halted"`
	Certifications int                        `json:"certifications"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// Metrics reports decision counts by request status. A request counts as
// decided once it has left review.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	views, err := h.Permits.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res := MetricsResponse{Requests: map[types.PermitStatus]int{}, Timestamp: h.now()}
	for _, v := range views {
		res.Requests[v.Status]++
		switch v.Status {
		case types.StatusRequested, types.StatusUnderReview:
			res.Pending++
		default:
			res.TotalDecisions++
		}
	}
	if h.Ledger != nil {
		head, ok, err := h.Ledger.Head()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if ok {
			res.LedgerHead = head.Sequence
		}
		_, res.LedgerHalted = h.Ledger.Halted()
	}
	if h.Registry != nil {
		recs, err := h.Registry.List()
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		res.Certifications = len(recs)
	}
	writeJSON(w, http.StatusOK, res)
}
