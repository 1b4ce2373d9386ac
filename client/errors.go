package client

import "errors"

// Validation failures returned by Validator.Validate. Callers match them with
// errors.Is; every one of them means the token must not be trusted.
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrSignature        = errors.New("signature verification failed")
	ErrExpired          = errors.New("token expired or not yet valid")
)
