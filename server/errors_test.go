package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"oidcrp/client"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("callback: %w", newError(KindStateMismatch, "flow.CompleteAuthn", errors.New("state does not match")))

	if !errors.Is(err, ErrStateMismatch) {
		t.Fatal("expected errors.Is to match on kind")
	}
	if errors.Is(err, ErrMissingCode) {
		t.Fatal("different kind must not match")
	}
	if KindOf(err) != KindStateMismatch {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
}

func TestForbiddenChainKeepsValidationCause(t *testing.T) {
	err := newError(KindForbidden, "op", newError(KindTokenValidation, "op", fmt.Errorf("%w: bad", client.ErrAudienceMismatch)))

	for _, target := range []error{ErrForbidden, ErrTokenValidation, client.ErrAudienceMismatch} {
		if !errors.Is(err, target) {
			t.Fatalf("expected chain to contain %v", target)
		}
	}
	if KindOf(err) != KindForbidden {
		t.Fatalf("outermost kind = %s", KindOf(err))
	}
}

func TestKindHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindConfiguration:       http.StatusInternalServerError,
		KindStore:               http.StatusInternalServerError,
		KindUnknown:             http.StatusInternalServerError,
		KindForbidden:           http.StatusForbidden,
		KindStateMismatch:       http.StatusBadRequest,
		KindMissingCode:         http.StatusBadRequest,
		KindAuthorizationDenied: http.StatusBadRequest,
		KindTokenExchange:       http.StatusBadRequest,
		KindTransport:           http.StatusBadRequest,
		KindTokenValidation:     http.StatusBadRequest,
		KindProtocol:            http.StatusBadRequest,
	}
	for kind, want := range tests {
		if got := kind.HTTPStatus(); got != want {
			t.Fatalf("%s: status %d, want %d", kind, got, want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: KindTokenExchange, Op: "flow.Refresh", Code: "invalid_grant", Description: "expired", Err: errors.New("400")}
	if got := err.Error(); got != "flow.Refresh: TokenExchangeError: invalid_grant: expired: 400" {
		t.Fatalf("Error() = %q", got)
	}
	if got := err.message(); got != "TokenExchangeError: invalid_grant: expired: 400" {
		t.Fatalf("message() = %q", got)
	}
	if got := ErrForbidden.Error(); got != "ForbiddenError" {
		t.Fatalf("sentinel Error() = %q", got)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors have no kind")
	}
	if Kind(99).String() != "Error" {
		t.Fatal("unknown kind name")
	}
}
