package api

import (
	"net/http"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/pkg/types"
)

type SubmitRequest struct {
	Descriptor types.OperationDescriptor `json:"descriptor"`
}

type SubmitResponse struct {
	Request    types.RequestView `json:"request"`
	Permit     *types.PermitView `json:"permit,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Replayed   bool              `json:"replayed,omitempty"`
	NextAction NextAction        `json:"next_action"`
}

type RequestResponse struct {
	Request    types.RequestView `json:"request"`
	NextAction NextAction        `json:"next_action"`
}

type ApproveRequest struct {
	Role      string         `json:"role"`
	Decision  types.Decision `json:"decision"`
	Reasoning string         `json:"reasoning,omitempty"`
}

type ApproveResponse struct {
	Approval   types.Approval    `json:"approval"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	Quorum     quorum.State      `json:"quorum"`
	Request    types.RequestView `json:"request"`
	NextAction NextAction        `json:"next_action"`
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.Ledger != nil {
		if reason, halted := h.Ledger.Halted(); halted {
			body["status"] = "halted"
			body["reason"] = reason
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// SubmitOperation opens a request for the caller. The authenticated
// subject is the requester.
func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Permits.Submit(r.Context(), permit.Submission{Requester: claims.Subject, Descriptor: req.Descriptor})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, SubmitResponse{
		Request:    res.Request,
		Permit:     res.Permit,
		Warnings:   res.Warnings,
		Replayed:   res.Replayed,
		NextAction: DetermineNextAction(res.Request, res.Permit, h.now()),
	})
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	views, err := h.Permits.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	view, err := h.Permits.RequestView(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestResponse{Request: view, NextAction: h.nextAction(view)})
}

// Approve records the caller's decision in the role they name. The token
// must grant that role, and the caller must hold a usable certification.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Role == "" {
		h.writeError(w, r, failure.Validation("role_required", "an approval must name the approver's role"))
		return
	}
	if !claims.HasRole(req.Role) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "role " + req.Role + " not granted to " + claims.Subject, Code: "role_not_granted"})
		return
	}

	requestID := r.PathValue("id")
	out, err := h.Permits.Approve(r.Context(), requestID, permit.ApprovalInput{
		ApproverID: claims.Subject,
		Role:       req.Role,
		Decision:   req.Decision,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.Permits.RequestView(requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveResponse{
		Approval:   out.Approval,
		Duplicate:  out.Duplicate,
		Quorum:     out.State,
		Request:    view,
		NextAction: h.nextAction(view),
	})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Permits != nil, "permit service") {
		return
	}
	view, err := h.Permits.Withdraw(r.Context(), r.PathValue("id"), claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RequestResponse{Request: view, NextAction: h.nextAction(view)})
}

func (h *Handler) nextAction(view types.RequestView) NextAction {
	var p *types.PermitView
	if view.PermitID != "" {
		if pv, err := h.Permits.PermitView(view.PermitID); err == nil {
			p = &pv
		}
	}
	return DetermineNextAction(view, p, h.now())
}
