package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("submit: %w", Conflict("busy", "permit:p1", "ISSUED"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict match")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("unexpected validation match")
	}
	if errors.Is(err, &Error{Kind: KindConflict, Code: "other"}) {
		t.Fatalf("code-qualified target should not match")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[*Error]int{
		Validation("bad", "x"):           http.StatusBadRequest,
		Blocked("tier", "x", "y"):        http.StatusForbidden,
		Conflict("busy", "e", "s"):       http.StatusConflict,
		Integrity("halted", "x", nil):    http.StatusServiceUnavailable,
		Revocation("rollback", "x", nil): http.StatusBadGateway,
		NotFound("permit"):               http.StatusNotFound,
		{Kind: "mystery"}:                http.StatusInternalServerError,
	}
	for e, want := range cases {
		if got := e.HTTPStatus(); got != want {
			t.Fatalf("%s: expected %d, got %d", e.Kind, want, got)
		}
	}
}

func TestErrorMessageIncludesEntity(t *testing.T) {
	err := Conflict("busy", "request:r1", "UNDER_REVIEW")
	want := "conflict.busy: concurrent or out-of-order transition (entity=request:r1 state=UNDER_REVIEW)"
	if err.Error() != want {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind")
	}
	wrapped := fmt.Errorf("x: %w", Integrity("halted", "ledger halted", errors.New("boom")))
	if KindOf(wrapped) != KindIntegrity {
		t.Fatalf("expected integrity kind")
	}
	fe, ok := As(wrapped)
	if !ok || fe.Unwrap() == nil {
		t.Fatalf("expected wrapped cause")
	}
}
