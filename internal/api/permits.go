package api

import (
	"net/http"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/pack"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/pkg/types"
)

// Execution events reported against a permit.
const (
	EventStarted        = "started"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventSafetyBreach   = "safety_breach"
	EventScopeExpansion = "scope_expansion"
)

type PermitEventRequest struct {
	Type         string   `json:"type"`
	Summary      string   `json:"summary,omitempty"`
	Constraint   string   `json:"constraint,omitempty"`
	ErrorRateBps int      `json:"error_rate_bps,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	Resources    []string `json:"resources,omitempty"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}

type CloseRequest struct {
	Summary        string `json:"summary,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

type RollbackResolvedRequest struct {
	Note string `json:"note"`
}

type PermitResponse struct {
	Permit     types.PermitView `json:"permit"`
	NextAction NextAction       `json:"next_action"`
}

func (h *Handler) GetPermit(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	view, err := h.Permits.PermitView(r.PathValue("id"))
	h.writePermit(w, r, view, err)
}

// PermitEvent takes execution reports from the environment running the
// operation. Breach and scope reports are judged straight away when an
// enforcement judge is configured; otherwise the supervisor picks them up
// on its next tick.
func (h *Handler) PermitEvent(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req PermitEventRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")
	var (
		view types.PermitView
		err  error
	)
	switch req.Type {
	case EventStarted:
		view, err = h.Permits.Start(ctx, id)
	case EventCompleted:
		view, err = h.Permits.Complete(ctx, id, req.Summary)
	case EventFailed:
		view, err = h.Permits.Fail(ctx, id, req.Summary)
	case EventSafetyBreach:
		view, err = h.Permits.ReportBreach(ctx, id, permit.Breach{Constraint: req.Constraint, ErrorRateBps: req.ErrorRateBps, Detail: req.Detail})
		view, err = h.enforce(r, id, view, err)
	case EventScopeExpansion:
		view, err = h.Permits.ReportResources(ctx, id, req.Resources)
		view, err = h.enforce(r, id, view, err)
	default:
		err = failure.Validation("unknown_event", "event type must be one of started, completed, failed, safety_breach, scope_expansion")
	}
	h.writePermit(w, r, view, err)
}

func (h *Handler) enforce(r *http.Request, id string, view types.PermitView, err error) (types.PermitView, error) {
	if err != nil || h.Judge == nil {
		return view, err
	}
	_, acted, err := h.Permits.Enforce(r.Context(), id, h.Judge)
	if err != nil && failure.KindOf(err) != failure.KindRevocation {
		// The report is recorded; the supervisor retries enforcement.
		h.logger().Warn("immediate enforcement deferred", "permit_id", id, "error", err)
		return view, nil
	}
	if !acted {
		return view, err
	}
	latest, verr := h.Permits.PermitView(id)
	if verr != nil {
		return view, verr
	}
	return latest, err
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req RevokeRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Permits.Revoke(r.Context(), r.PathValue("id"), req.Reason, claims.Subject)
	h.writePermit(w, r, view, err)
}

// Close closes a finished permit. An override reason closes it even with a
// rollback still pending, recording the caller as the operator.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}
	in := permit.CloseInput{Summary: req.Summary}
	if req.OverrideReason != "" {
		in.Override = &permit.Override{Operator: claims.Subject, Reason: req.OverrideReason}
	}
	view, err := h.Permits.Close(r.Context(), r.PathValue("id"), in)
	h.writePermit(w, r, view, err)
}

func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	view, err := h.Permits.Archive(r.Context(), r.PathValue("id"))
	h.writePermit(w, r, view, err)
}

func (h *Handler) RollbackResolved(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req RollbackResolvedRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Permits.ResolveRollback(r.Context(), r.PathValue("id"), claims.Subject, req.Note)
	h.writePermit(w, r, view, err)
}

// Pack serves the zip evidence bundle for a permit.
func (h *Handler) Pack(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil && h.Ledger != nil, "pack") {
		return
	}
	view, err := h.Permits.PermitView(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.Permits.RequestView(view.RequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	evidence, err := pack.Collect(r.Context(), h.Ledger, view.RequestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	zipBytes, err := pack.BuildZip(pack.Input{
		Request:  req,
		Permit:   &view,
		Evidence: evidence,
		Policy:   h.Policy.Bytes,
	}, baseURL(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=tollgate-"+view.PermitID+".zip")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(zipBytes)
}

func (h *Handler) writePermit(w http.ResponseWriter, r *http.Request, view types.PermitView, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req types.RequestView
	if view.RequestID != "" {
		req, _ = h.Permits.RequestView(view.RequestID)
	}
	writeJSON(w, http.StatusOK, PermitResponse{Permit: view, NextAction: DetermineNextAction(req, &view, h.now())})
}
