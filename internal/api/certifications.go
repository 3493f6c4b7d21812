package api

import (
	"net/http"

	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/pkg/types"
)

type OnboardRequest struct {
	ActorID    string   `json:"actor_id"`
	Domains    []string `json:"domains,omitempty"`
	Supervised bool     `json:"supervised,omitempty"`
}

type TransitionRequest struct {
	Event  certification.Event `json:"event"`
	Reason string              `json:"reason,omitempty"`
}

type UpgradeResponse struct {
	Record   types.CertificationRecord     `json:"record"`
	Decision certification.UpgradeDecision `json:"decision"`
}

func (h *Handler) ListCertifications(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	recs, err := h.Registry.List()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"certifications": recs})
}

func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	var req OnboardRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Registry.Onboard(r.Context(), req.ActorID, req.Domains, req.Supervised, claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetCertification(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	rec, err := h.Registry.RecordOf(r.Context(), r.PathValue("actor"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) TransitionCertification(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.Registry.Transition(r.Context(), r.PathValue("actor"), certification.Change{
		Event:  req.Event,
		By:     claims.Subject,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// UpgradeCertification evaluates the actor's own performance record. A
// blocked upgrade answers 403 naming every unmet condition.
func (h *Handler) UpgradeCertification(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	rec, decision, err := h.Registry.Upgrade(r.Context(), r.PathValue("actor"), claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpgradeResponse{Record: rec, Decision: decision})
}

func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok || !h.ensureService(w, h.Registry != nil, "certification registry") {
		return
	}
	rec, err := h.Registry.Recommend(r.Context(), r.PathValue("actor"), claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
