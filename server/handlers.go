package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"oidcrp/store"
)

// App bundles runtime dependencies for the HTTP front-end.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Engine  *Engine
	Store   store.Store
	Cookies *CookieManager
}

// NewApp wires the front-end around an initialized engine.
func NewApp(cfg Config, engine *Engine, st store.Store, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Config:  cfg,
		Logger:  logger,
		Engine:  engine,
		Store:   st,
		Cookies: NewCookieManager(cfg),
	}
}

type sessionView struct {
	Sub             string  `json:"sub"`
	Email           *string `json:"email"`
	HasIDToken      bool    `json:"has_id_token"`
	HasRefreshToken bool    `json:"has_refresh_token"`
}

func newSessionView(sess store.Session, user store.User) sessionView {
	return sessionView{
		Sub:             user.Sub,
		Email:           user.Email,
		HasIDToken:      sess.IDToken != "",
		HasRefreshToken: sess.RefreshToken != "",
	}
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

// handleIndex shows the signed-in user, or starts a login.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	if sid := a.Cookies.SessionID(r); sid != "" {
		sess, user, err := a.Store.GetSession(r.Context(), sid)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, newSessionView(sess, user))
			return
		case !errors.Is(err, store.ErrNotFound):
			a.writeError(w, r, newError(KindStore, "app.index", err))
			return
		}
		a.Cookies.ClearSession(w)
	}
	a.startLogin(w, r, "", false)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("forceAuthN"))
	a.startLogin(w, r, q.Get("acr"), force)
}

func (a *App) startLogin(w http.ResponseWriter, r *http.Request, acr string, force bool) {
	key, err := a.Cookies.LoginKey(w, r)
	if err != nil {
		a.writeError(w, r, newError(KindConfiguration, "app.login", err))
		return
	}
	redirectURL, err := a.Engine.BeginAuthn(r.Context(), key, acr, force)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	key := a.Cookies.ExistingLoginKey(r)
	a.Cookies.ClearLogin(w)

	sess, _, err := a.Engine.CompleteAuthn(r.Context(), key, CallbackParamsFromQuery(r.URL.Query()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Cookies.SetSession(w, sess.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sid := a.Cookies.SessionID(r)
	if sid == "" {
		a.writeError(w, r, newError(KindProtocol, "app.refresh", errors.New("no session")))
		return
	}
	sess, user, err := a.Engine.RefreshSession(r.Context(), sid)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess, user))
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	sid := a.Cookies.SessionID(r)
	a.Cookies.ClearSession(w)
	if sid != "" {
		sess, _, err := a.Store.GetSession(r.Context(), sid)
		switch {
		case err == nil:
			for _, tok := range []string{sess.RefreshToken, sess.AccessToken} {
				if tok == "" {
					continue
				}
				if err := a.Engine.Revoke(r.Context(), tok); err != nil {
					a.writeError(w, r, err)
					return
				}
			}
		case !errors.Is(err, store.ErrNotFound):
			a.writeError(w, r, newError(KindStore, "app.logout", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := kind.HTTPStatus()
	message := err.Error()
	var e *Error
	if errors.As(err, &e) {
		message = e.message()
	}

	attrs := []any{"request_id", RequestIDFromContext(r.Context()), "kind", kind.String(), "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", attrs...)
	} else {
		a.Logger.Warn("request rejected", attrs...)
	}

	writeJSON(w, status, errorResponse{Success: false, Message: message, StatusCode: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
