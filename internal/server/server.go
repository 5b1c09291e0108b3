// Package server provides the HTTP handler assembly for the Burrow daemon.
// It accepts all dependencies as parameters so that both main() and tests
// can build the same handler chain without route drift.
//
// Authentication is out of scope: the caller identity arrives in the
// X-Burrow-User header set by the fronting layer.
package server

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/config"
	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/middleware"
	"github.com/burrowvpn/burrow/internal/secrets"
	"github.com/burrowvpn/burrow/internal/sessions"
)

// UserHeader carries the caller identity set by the fronting layer.
const UserHeader = "X-Burrow-User"

// App holds all dependencies needed to build the HTTP handler.
type App struct {
	DB        *db.DB
	Manager   *sessions.Manager
	Audit     *audit.Recorder
	Secrets   *secrets.Manager
	Artifacts configstore.ArtifactStore
	Config    *config.Config
}

// Handler builds and returns the complete HTTP handler with all routes
// registered and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	// Bind the handlers package to this App's dependencies.
	h := &handlers{app: a}

	// Observability endpoints
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/api/load", h.handleLoad)

	// Session API routes
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionByID)

	// Audit query route
	mux.HandleFunc("/api/audit", h.handleAuditQuery)

	var handler http.Handler = mux
	if a.Config != nil && a.Config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(rate.Limit(a.Config.RateLimit), a.Config.RateBurst)
		handler = limiter.Middleware(handler)
	}
	return middleware.SecurityHeaders(middleware.RequestID(handler))
}
