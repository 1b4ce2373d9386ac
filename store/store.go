// Package store defines the persistence contract of the relying party and
// the records it exchanges with the flow engine.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Session binds an opaque session handle to the tokens obtained for a user.
// Field names are the storage contract.
type Session struct {
	ID           string `json:"id"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	UserSub      string `json:"user_sub"`
}

// User is keyed by the subject asserted by the IdP. Email is nil when the
// provider did not release it.
type User struct {
	Sub   string  `json:"sub"`
	Email *string `json:"email"`
}

// EmailValue returns the email or an empty string.
func (u User) EmailValue() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// DynamicRegistration is the client credential pair obtained through
// dynamic client registration, persisted per application name.
type DynamicRegistration struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret"`
	ClientSecretExpiresAt   *int64 `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// Valid reports whether the client secret is still usable at now. A missing
// expiry, or an expiry of 0, never expires.
func (r DynamicRegistration) Valid(now time.Time) bool {
	if r.ClientSecretExpiresAt == nil || *r.ClientSecretExpiresAt == 0 {
		return true
	}
	return now.Unix() < *r.ClientSecretExpiresAt
}

// Renewable reports whether the IdP handed out registration management
// credentials that allow rotating the secret.
func (r DynamicRegistration) Renewable() bool {
	return r.RegistrationAccessToken != "" && r.RegistrationClientURI != ""
}

// Store persists sessions, users and dynamic registrations.
type Store interface {
	GetSession(ctx context.Context, id string) (Session, User, error)
	SaveSession(ctx context.Context, sess Session, user User) error
	GetDynamicRegistration(ctx context.Context, appName string) (DynamicRegistration, error)
	SaveDynamicRegistration(ctx context.Context, appName string, reg DynamicRegistration) error
}

// PendingAuthn is an authorization request awaiting its callback.
type PendingAuthn struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingStore keeps pending authorization requests per browser context.
// TakePending removes the record it returns, so a state is usable once.
type PendingStore interface {
	PutPending(ctx context.Context, key string, p PendingAuthn) error
	TakePending(ctx context.Context, key string) (PendingAuthn, error)
}

func cloneEmail(email *string) *string {
	if email == nil {
		return nil
	}
	v := *email
	return &v
}

// CloneUser returns a copy that does not share the email pointer.
func CloneUser(u User) User {
	return User{Sub: u.Sub, Email: cloneEmail(u.Email)}
}
