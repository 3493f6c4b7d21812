package api

import (
	"net/http"
	"strconv"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
)

const maxAuditPage = 500

type AuditPage struct {
	Entries []ledger.Entry `json:"entries"`
	Next    int64          `json:"next,omitempty"`
}

type VerifyResponse struct {
	Valid  bool          `json:"valid"`
	Report ledger.Report `json:"report"`
}

type ResumeRequest struct {
	Reason string `json:"reason"`
}

type RotateRequest struct {
	KeyID string `json:"key_id"`
}

// rangeParams reads from and to. A missing from starts at 1; a missing to
// means the head.
func rangeParams(r *http.Request) (int64, int64, error) {
	parse := func(name string, def int64) (int64, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return def, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, failure.Validation("invalid_range", name+" must be a non-negative sequence number")
		}
		return n, nil
	}
	from, err := parse("from", 1)
	if err != nil {
		return 0, 0, err
	}
	to, err := parse("to", 0)
	if err != nil {
		return 0, 0, err
	}
	if from < 1 {
		from = 1
	}
	if to > 0 && to < from {
		return 0, 0, failure.Validation("invalid_range", "to must not precede from")
	}
	return from, to, nil
}

// AuditEntries pages through the ledger, at most maxAuditPage entries at a
// time. Next is the sequence to ask for when more entries follow.
func (h *Handler) AuditEntries(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Ledger != nil, "ledger") {
		return
	}
	from, to, err := rangeParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	head, ok, err := h.Ledger.Head()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page := AuditPage{Entries: []ledger.Entry{}}
	if !ok {
		writeJSON(w, http.StatusOK, page)
		return
	}
	if to == 0 || to > head.Sequence {
		to = head.Sequence
	}
	if to-from+1 > maxAuditPage {
		to = from + maxAuditPage - 1
	}
	if from <= to {
		entries, err := h.Ledger.Entries(from, to)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		page.Entries = entries
	}
	if to < head.Sequence {
		page.Next = to + 1
	}
	writeJSON(w, http.StatusOK, page)
}

// AuditVerify recomputes the chain over the range. A broken chain is
// answered with 200 and valid=false; the ledger halts appends until an
// operator resumes it.
func (h *Handler) AuditVerify(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Ledger != nil, "ledger") {
		return
	}
	from, to, err := rangeParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.Ledger.Verify(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: report.OK(), Report: report})
}

// AuditExport streams the range as deterministic CBOR in a zstd frame.
func (h *Handler) AuditExport(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Ledger != nil, "ledger") {
		return
	}
	from, to, err := rangeParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	exp, err := h.Ledger.BuildExport(from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	name := "tollgate-ledger-" + strconv.FormatInt(exp.From, 10) + "-" + strconv.FormatInt(exp.To, 10) + ".cbor.zst"
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.WriteHeader(http.StatusOK)
	if err := ledger.WriteExport(w, exp); err != nil {
		h.logger().Error("audit export interrupted", "from", exp.From, "to", exp.To, "error", err)
	}
}

// AuditResume records an operator override for a halted ledger.
func (h *Handler) AuditResume(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Ledger != nil, "ledger") {
		return
	}
	var req ResumeRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.Resume(r.Context(), claims.Subject, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// AuditRotate switches the signing key for new entries. The key must already
// be loaded in the gateway's keyring; the rotation itself is a ledger entry.
func (h *Handler) AuditRotate(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Ledger != nil, "ledger") {
		return
	}
	var req RotateRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Ledger.Rotate(r.Context(), req.KeyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger().Info("signing key rotated", "key_id", req.KeyID, "operator", claims.Subject, "sequence", entry.Sequence)
	writeJSON(w, http.StatusOK, entry)
}
