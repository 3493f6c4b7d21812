package api

import "net/http"

func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /metrics", h.Metrics)

	mux.HandleFunc("POST /v1/assess", h.Assess)

	mux.HandleFunc("POST /v1/operations", h.SubmitOperation)
	mux.HandleFunc("GET /v1/requests", h.ListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", h.GetRequest)
	mux.HandleFunc("POST /v1/requests/{id}/approvals", h.Approve)
	mux.HandleFunc("POST /v1/requests/{id}/withdraw", h.Withdraw)

	mux.HandleFunc("GET /v1/permits/{id}", h.GetPermit)
	mux.HandleFunc("POST /v1/permits/{id}/events", h.PermitEvent)
	mux.HandleFunc("POST /v1/permits/{id}/revoke", h.Revoke)
	mux.HandleFunc("POST /v1/permits/{id}/close", h.Close)
	mux.HandleFunc("POST /v1/permits/{id}/archive", h.Archive)
	mux.HandleFunc("POST /v1/permits/{id}/rollback-resolved", h.RollbackResolved)
	mux.HandleFunc("GET /v1/permits/{id}/pack", h.Pack)

	mux.HandleFunc("GET /v1/audit", h.AuditEntries)
	mux.HandleFunc("GET /v1/audit/verify", h.AuditVerify)
	mux.HandleFunc("GET /v1/audit/export", h.AuditExport)
	mux.HandleFunc("POST /v1/audit/resume", h.AuditResume)
	mux.HandleFunc("POST /v1/audit/rotate", h.AuditRotate)

	mux.HandleFunc("GET /v1/certifications", h.ListCertifications)
	mux.HandleFunc("POST /v1/certifications", h.Onboard)
	mux.HandleFunc("GET /v1/certifications/{actor}", h.GetCertification)
	mux.HandleFunc("POST /v1/certifications/{actor}/transition", h.TransitionCertification)
	mux.HandleFunc("POST /v1/certifications/{actor}/upgrade", h.UpgradeCertification)
	mux.HandleFunc("POST /v1/certifications/{actor}/recommend", h.Recommend)

	return mux
}
