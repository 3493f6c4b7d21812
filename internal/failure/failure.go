package failure

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindEligibilityBlocked Kind = "eligibility_blocked"
	KindQuorumTimeout      Kind = "quorum_timeout"
	KindConflict           Kind = "conflict"
	KindIntegrity          Kind = "integrity_violation"
	KindRevocation         Kind = "revocation"
	KindNotFound           Kind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrEligibilityBlocked = &Error{Kind: KindEligibilityBlocked}
	ErrQuorumTimeout      = &Error{Kind: KindQuorumTimeout}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrIntegrity          = &Error{Kind: KindIntegrity}
	ErrRevocation         = &Error{Kind: KindRevocation}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

var httpStatusMap = map[Kind]int{
	KindValidation:         http.StatusBadRequest,
	KindEligibilityBlocked: http.StatusForbidden,
	KindQuorumTimeout:      http.StatusGone,
	KindConflict:           http.StatusConflict,
	KindIntegrity:          http.StatusServiceUnavailable,
	KindRevocation:         http.StatusBadGateway,
	KindNotFound:           http.StatusNotFound,
}

// Error is a structured failure with a stable reason code.
type Error struct {
	Kind        Kind   `json:"kind"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	// Entity and State name the contended entity for conflicts.
	Entity string `json:"entity,omitempty"`
	State  string `json:"state,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += "." + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s state=%s)", e.Entity, e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus returns the status code an API should answer with.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatusMap[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Remediation: "correct the request and resubmit"}
}

func Blocked(code, message, remediation string) *Error {
	return &Error{Kind: KindEligibilityBlocked, Code: code, Message: message, Remediation: remediation}
}

func Conflict(code, entity, state string) *Error {
	return &Error{
		Kind:        KindConflict,
		Code:        code,
		Message:     "concurrent or out-of-order transition",
		Remediation: "re-read current state and retry with backoff",
		Entity:      entity,
		State:       state,
	}
}

func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: entity + " not found", Entity: entity}
}

func Integrity(code, message string, err error) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Message: message, Remediation: "operator intervention required", Err: err}
}

func Revocation(code, message string, err error) *Error {
	return &Error{Kind: KindRevocation, Code: code, Message: message, Remediation: "resolve rollback or record an administrative override", Err: err}
}

// KindOf extracts the failure kind, or "" for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// As returns the *Error wrapped in err, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
