package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/policy"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Auth     auth.Authenticator
	Permits  *permit.Service
	Registry *certification.Registry
	Ledger   *ledger.Ledger
	Policy   policy.LoadedPolicy
	Now      func() time.Time
	Logger   *slog.Logger

	// Judge, when set, is applied as soon as a breach or scope report is
	// recorded.
	Judge permit.Judge
}

type errorBody struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	Code        string `json:"code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Entity      string `json:"entity,omitempty"`
	State       string `json:"state,omitempty"`
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// authenticate writes a 401 and returns false when the caller has no
// valid bearer token.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := h.Auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return auth.Claims{}, false
	}
	return claims, true
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	_, ok := h.authenticate(w, r)
	return ok
}

func (h *Handler) ensureService(w http.ResponseWriter, ok bool, name string) bool {
	if !ok {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: name + " not configured"})
		return false
	}
	return true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return false
	}
	return true
}

// writeError maps failures to their HTTP status and hides anything else
// behind a 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := failure.As(err)
	if !ok {
		h.logger().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, fe.HTTPStatus(), errorBody{
		Error:       fe.Error(),
		Kind:        string(fe.Kind),
		Code:        fe.Code,
		Remediation: fe.Remediation,
		Entity:      fe.Entity,
		State:       fe.State,
	})
}

func baseURL(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
