package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/sessions"
)

// handlers binds HTTP handlers to the App's dependencies.
type handlers struct {
	app *App
}

// sessionResponse is the JSON view of a session record.
type sessionResponse struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	InstanceRef      string     `json:"instance_ref,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	TerminatedAt     *time.Time `json:"terminated_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds,omitempty"`
}

func toSessionResponse(s *db.Session) sessionResponse {
	resp := sessionResponse{
		ID:               s.ID,
		UserID:           s.UserID,
		Status:           string(s.Status),
		InstanceRef:      s.InstanceRef,
		BytesTransferred: s.BytesTransferred,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
		TerminatedAt:     s.TerminatedAt,
	}
	if s.TerminatedAt != nil {
		resp.DurationSeconds = s.TerminatedAt.Sub(s.CreatedAt).Seconds()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError maps the orchestrator's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *sessions.ValidationError
		notFound   *sessions.NotFoundError
		conflict   *sessions.ConflictError
		admission  *sessions.AdmissionError
		provider   *sessions.ProviderError
	)

	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.As(err, &validation):
		status, code = http.StatusBadRequest, "VALIDATION"
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &conflict):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.As(err, &admission):
		status, code = http.StatusTooManyRequests, string(admission.Reason)
	case errors.As(err, &provider):
		status, code = http.StatusBadGateway, "PROVIDER"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail is for the logs, not the caller.
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// requireUser extracts the caller identity from the fronting layer's header.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing " + UserHeader + " header",
			"code":  "VALIDATION",
		})
		return "", false
	}
	return user, true
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.app.DB.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	checks := map[string]bool{
		"store":   h.app.DB.Ping() == nil,
		"compute": h.app.Manager.Healthy(r.Context()),
		"secrets": h.app.Secrets.Healthy(r.Context()),
	}
	for _, ok := range checks {
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": checks})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (h *handlers) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agg, err := h.app.Manager.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"active_sessions":         agg.ActiveSessionCount,
		"total_bytes_transferred": agg.TotalBytesTransferred,
	}
	if h.app.Config != nil {
		resp["max_sessions"] = h.app.Config.MaxSessions
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSessions(w, r)
	case http.MethodPost:
		h.createSession(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := h.app.Manager.ListSessions(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]sessionResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toSessionResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Image string `json:"image"`
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, "Invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	session, err := h.app.Manager.RequestProvision(r.Context(), user, sessions.ProvisionSpec{Image: req.Image})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// handleSessionByID routes /api/sessions/{id} and its subresources.
func (h *handlers) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.getSession(w, r, id)
		case http.MethodDelete:
			h.deleteSession(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "activity":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.recordActivity(w, r, id)
	case "config":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.downloadClientConfig(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	session, err := h.app.Manager.GetSession(r.Context(), id, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	session, err := h.app.Manager.RequestDeprovision(r.Context(), id, user, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *handlers) recordActivity(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Bytes int64 `json:"bytes"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	session, err := h.app.Manager.RecordActivity(r.Context(), id, user, req.Bytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// downloadClientConfig streams the session's WireGuard client config. The
// artifact disappears when the session is deprovisioned or the row expires.
func (h *handlers) downloadClientConfig(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, err := h.app.Manager.GetSession(r.Context(), id, user); err != nil {
		writeError(w, err)
		return
	}

	cfg, err := h.app.DB.GetClientConfig(id)
	if err != nil {
		writeError(w, &sessions.InternalError{Op: "get client config", Err: err})
		return
	}
	if cfg == nil || cfg.Expired(time.Now().UTC()) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "client config not available",
			"code":  "NOT_FOUND",
		})
		return
	}

	artifact, err := h.app.Artifacts.Get(cfg.ArtifactPath)
	if err != nil {
		if errors.Is(err, configstore.ErrArtifactNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "client config not available",
				"code":  "NOT_FOUND",
			})
			return
		}
		writeError(w, &sessions.InternalError{Op: "get client config artifact", Err: err})
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.conf"`)
	if _, err := io.Copy(w, artifact); err != nil {
		slog.Warn("failed to stream client config", "session_id", id, "error", err)
	}
}

func (h *handlers) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := db.AuditEventFilter{
		SessionID: r.URL.Query().Get("session_id"),
		UserID:    r.URL.Query().Get("user_id"),
		EventType: r.URL.Query().Get("event_type"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	events, err := h.app.Audit.Query(filter)
	if err != nil {
		writeError(w, &sessions.InternalError{Op: "query audit events", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, events)
}
