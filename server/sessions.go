package server

import (
	"net/http"
	"time"
)

const (
	loginCookieName   = "rp_login"
	sessionCookieName = "rp_session"
	loginCookieTTL    = 15 * time.Minute
)

// CookieManager issues the browser cookies of the relying party: the login
// context cookie that keys the pending state, and the session cookie.
type CookieManager struct {
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewCookieManager constructs a cookie manager honouring config.
func NewCookieManager(cfg Config) *CookieManager {
	// The callback is a cross-site top-level navigation from the IdP, so
	// Strict would drop the login cookie.
	return &CookieManager{
		secure:       !cfg.Server.DevMode,
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// LoginKey returns the login context id, creating the cookie when absent.
func (cm *CookieManager) LoginKey(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(loginCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	key, err := randomToken(TokenLength)
	if err != nil {
		return "", err
	}
	cm.set(w, loginCookieName, key, loginCookieTTL)
	return key, nil
}

// ExistingLoginKey returns the login context id sent by the browser.
func (cm *CookieManager) ExistingLoginKey(r *http.Request) string {
	c, err := r.Cookie(loginCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SessionID returns the session handle sent by the browser.
func (cm *CookieManager) SessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// SetSession stores the session handle in a session cookie.
func (cm *CookieManager) SetSession(w http.ResponseWriter, id string) {
	cm.set(w, sessionCookieName, id, 0)
}

// ClearLogin drops the login context cookie once the callback is handled.
func (cm *CookieManager) ClearLogin(w http.ResponseWriter) {
	cm.set(w, loginCookieName, "", -1)
}

// ClearSession removes the session cookie for logout.
func (cm *CookieManager) ClearSession(w http.ResponseWriter) {
	cm.set(w, sessionCookieName, "", -1)
}

func (cm *CookieManager) set(w http.ResponseWriter, name, value string, ttl time.Duration) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cm.cookieDomain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: cm.sameSite,
	}
	switch {
	case ttl < 0:
		cookie.MaxAge = -1
	case ttl > 0:
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)
}
