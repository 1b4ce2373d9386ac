package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router of the relying party.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/", a.handleIndex)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Post("/refresh", a.handleRefresh)
	r.Post("/logout", a.handleLogout)
	r.Get("/healthz", a.handleHealthz)

	return r
}
