package server

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies relying-party failures so callers can tell a rejected
// login apart from broken infrastructure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindStateMismatch
	KindMissingCode
	KindAuthorizationDenied
	KindTokenExchange
	KindTransport
	KindTokenValidation
	KindForbidden
	KindProtocol
	KindStore
)

var kindNames = map[Kind]string{
	KindUnknown:             "Error",
	KindConfiguration:       "ConfigurationError",
	KindStateMismatch:       "StateMismatchError",
	KindMissingCode:         "MissingCodeError",
	KindAuthorizationDenied: "AuthorizationDeniedError",
	KindTokenExchange:       "TokenExchangeError",
	KindTransport:           "TransportError",
	KindTokenValidation:     "TokenValidationError",
	KindForbidden:           "ForbiddenError",
	KindProtocol:            "ProtocolError",
	KindStore:               "StoreError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// HTTPStatus maps a kind to the status the front-end answers with. IdP and
// token failures are the caller's bad request, not a server fault.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindConfiguration, KindStore, KindUnknown:
		return http.StatusInternalServerError
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Error is the error type returned by the flow engine, the registrar and
// configuration checks.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "flow.CompleteAuthn".
	Op string
	// Code and Description carry an OAuth error response when there is one.
	Code        string
	Description string
	Err         error
}

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrStateMismatch       = &Error{Kind: KindStateMismatch}
	ErrMissingCode         = &Error{Kind: KindMissingCode}
	ErrAuthorizationDenied = &Error{Kind: KindAuthorizationDenied}
	ErrTokenExchange       = &Error{Kind: KindTokenExchange}
	ErrTransport           = &Error{Kind: KindTransport}
	ErrTokenValidation     = &Error{Kind: KindTokenValidation}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrStore               = &Error{Kind: KindStore}
)

func (e *Error) Error() string {
	if e.Op == "" {
		return e.message()
	}
	return e.Op + ": " + e.message()
}

// message is the error text without the operation prefix.
func (e *Error) message() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	for _, part := range []string{e.Code, e.Description} {
		if part != "" {
			b.WriteString(": ")
			b.WriteString(part)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
