package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/config"
	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db/dbtest"
	"github.com/burrowvpn/burrow/internal/provisioner"
	"github.com/burrowvpn/burrow/internal/secrets"
	"github.com/burrowvpn/burrow/internal/server"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func newTestApp(t *testing.T) (*server.App, *provisioner.FakeProvisioner) {
	t.Helper()
	database := dbtest.NewTestDB(t)
	compute := provisioner.NewFakeProvisioner()
	secretMgr := secrets.NewManagerWithProvider(secrets.NewMemoryProvider())
	artifacts := configstore.NewLocalStore(t.TempDir())
	recorder := audit.NewRecorder(database)
	manager := sessions.NewManager(database, compute, secretMgr, artifacts, recorder, sessions.Options{
		GlobalCap: 5,
	})
	return &server.App{
		DB:        database,
		Manager:   manager,
		Audit:     recorder,
		Secrets:   secretMgr,
		Artifacts: artifacts,
		Config:    &config.Config{MaxSessions: 5},
	}, compute
}

func doRequest(t *testing.T, handler http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(server.UserHeader, user)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	app, _ := newTestApp(t)
	handler := app.Handler()

	if w := doRequest(t, handler, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", w.Code)
	}
	if w := doRequest(t, handler, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", w.Code)
	}
	if w := doRequest(t, handler, http.MethodPost, "/healthz", "", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", w.Code)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	app, compute := newTestApp(t)
	compute.Bytes = 4096
	handler := app.Handler()

	// Create
	w := doRequest(t, handler, http.MethodPost, "/api/sessions", "alice", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/sessions = %d: %s", w.Code, w.Body.String())
	}
	created := decodeSession(t, w)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created session has no id")
	}
	if created["status"] != "active" {
		t.Errorf("status = %v, want active", created["status"])
	}

	// Get
	w = doRequest(t, handler, http.MethodGet, "/api/sessions/"+id, "alice", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET session = %d: %s", w.Code, w.Body.String())
	}

	// List
	w = doRequest(t, handler, http.MethodGet, "/api/sessions", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/sessions = %d", w.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("list has %d sessions, want 1", len(list))
	}

	// Heartbeat
	w = doRequest(t, handler, http.MethodPost, "/api/sessions/"+id+"/activity", "alice", `{"bytes": 100}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST activity = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeSession(t, w)["bytes_transferred"]; got != float64(100) {
		t.Errorf("bytes_transferred = %v, want 100", got)
	}

	// Client config download
	w = doRequest(t, handler, http.MethodGet, "/api/sessions/"+id+"/config", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET config = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "[Interface]") {
		t.Error("config download is not a WireGuard config")
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, id) {
		t.Errorf("Content-Disposition = %q, want filename with session id", cd)
	}

	// Stop
	w = doRequest(t, handler, http.MethodDelete, "/api/sessions/"+id, "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE session = %d: %s", w.Code, w.Body.String())
	}
	stopped := decodeSession(t, w)
	if stopped["status"] != "terminated" {
		t.Errorf("status = %v, want terminated", stopped["status"])
	}
	if stopped["duration_seconds"] == nil {
		t.Error("terminated session response has no duration")
	}

	// Config is gone after termination.
	w = doRequest(t, handler, http.MethodGet, "/api/sessions/"+id+"/config", "alice", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("GET config after stop = %d, want 404", w.Code)
	}

	// Audit trail is queryable.
	w = doRequest(t, handler, http.MethodGet, "/api/audit?session_id="+id, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/audit = %d", w.Code)
	}
	var events []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode audit events: %v", err)
	}
	if len(events) == 0 {
		t.Error("no audit events for the session")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	app, _ := newTestApp(t)
	handler := app.Handler()

	// Missing user header.
	if w := doRequest(t, handler, http.MethodGet, "/api/sessions", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing user header = %d, want 400", w.Code)
	}

	// Unknown session.
	if w := doRequest(t, handler, http.MethodGet, "/api/sessions/nope", "alice", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", w.Code)
	}

	// Duplicate session is an admission rejection.
	if w := doRequest(t, handler, http.MethodPost, "/api/sessions", "alice", ""); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	w := doRequest(t, handler, http.MethodPost, "/api/sessions", "alice", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("duplicate create = %d, want 429", w.Code)
	}
	if resp := decodeSession(t, w); resp["code"] != "DUPLICATE_SESSION" {
		t.Errorf("code = %v, want DUPLICATE_SESSION", resp["code"])
	}

	// Negative heartbeat is a validation error.
	list := doRequest(t, handler, http.MethodGet, "/api/sessions", "alice", "")
	var ls []map[string]any
	if err := json.Unmarshal(list.Body.Bytes(), &ls); err != nil || len(ls) == 0 {
		t.Fatalf("list sessions: %v", err)
	}
	id := ls[0]["id"].(string)
	if w := doRequest(t, handler, http.MethodPost, "/api/sessions/"+id+"/activity", "alice", `{"bytes": -5}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative heartbeat = %d, want 400", w.Code)
	}

	// Invalid JSON body.
	if w := doRequest(t, handler, http.MethodPost, "/api/sessions", "zed", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}
}

func TestSessionOwnershipOverHTTP(t *testing.T) {
	app, _ := newTestApp(t)
	handler := app.Handler()

	w := doRequest(t, handler, http.MethodPost, "/api/sessions", "alice", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	id := decodeSession(t, w)["id"].(string)

	// Other users cannot see, stop, or download the session.
	if w := doRequest(t, handler, http.MethodGet, "/api/sessions/"+id, "bob", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET by non-owner = %d, want 404", w.Code)
	}
	if w := doRequest(t, handler, http.MethodDelete, "/api/sessions/"+id, "bob", ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE by non-owner = %d, want 404", w.Code)
	}
	if w := doRequest(t, handler, http.MethodGet, "/api/sessions/"+id+"/config", "bob", ""); w.Code != http.StatusNotFound {
		t.Errorf("config by non-owner = %d, want 404", w.Code)
	}
}

func TestLoadEndpoint(t *testing.T) {
	app, _ := newTestApp(t)
	handler := app.Handler()

	if w := doRequest(t, handler, http.MethodPost, "/api/sessions", "alice", ""); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	w := doRequest(t, handler, http.MethodGet, "/api/load", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/load = %d", w.Code)
	}
	resp := decodeSession(t, w)
	if resp["active_sessions"] != float64(1) {
		t.Errorf("active_sessions = %v, want 1", resp["active_sessions"])
	}
	if resp["max_sessions"] != float64(5) {
		t.Errorf("max_sessions = %v, want 5", resp["max_sessions"])
	}
}

func TestRateLimiting(t *testing.T) {
	app, _ := newTestApp(t)
	app.Config.RateLimit = 1
	app.Config.RateBurst = 1
	handler := app.Handler()

	first := doRequest(t, handler, http.MethodGet, "/healthz", "", "")
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}
	second := doRequest(t, handler, http.MethodGet, "/healthz", "", "")
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429 with burst 1", second.Code)
	}
}
