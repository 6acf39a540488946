package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claude-session-broker/broker/internal/agentclient"
	"github.com/claude-session-broker/broker/internal/sessionmgr"
	"github.com/claude-session-broker/broker/internal/store"
)

func fakeAgentScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\nread -r _line\nprintf '{\"type\":\"text_delta\",\"text\":\"ok\"}\\n'\nprintf '{\"type\":\"done\"}\\n'\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write fake agent script: %v", err)
	}
	return path
}

func testServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	scriptPath := fakeAgentScript(t)

	buildOptions := func(userID, cwd, resumeToken string) agentclient.AgentOptions {
		return agentclient.AgentOptions{ResumeToken: resumeToken}
	}
	newClient := func(opts agentclient.AgentOptions, cwd string) *agentclient.Client {
		return agentclient.NewClient(agentclient.ClientConfig{
			Command:     scriptPath,
			WorkDir:     cwd,
			TurnTimeout: 2 * time.Second,
			CloseGrace:  time.Second,
			Options:     opts,
		})
	}
	limits := func() sessionmgr.Limits {
		return sessionmgr.Limits{MaxSessions: 10, MaxSessionsPerUser: 10, MaxConcurrentRequests: 10}
	}

	mgr := sessionmgr.New(st, t.TempDir(), true, limits, buildOptions, newClient, nil, nil)
	return NewServer(mgr, WithStorageKind("memory"))
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMetricsHandlerMountedWhenProvided(t *testing.T) {
	st := store.NewMemoryStore()
	limits := func() sessionmgr.Limits {
		return sessionmgr.Limits{MaxSessions: 10, MaxSessionsPerUser: 10, MaxConcurrentRequests: 10}
	}
	mgr := sessionmgr.New(st, t.TempDir(), true, limits, nil, nil, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("probe_ok 1\n"))
	})
	srv := NewServer(mgr, WithMetricsHandler(mux))

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "probe_ok 1\n" {
		t.Fatalf("expected metrics handler to be reachable, got status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestNoMetricsHandlerMeansMetricsRouteIs404(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unmounted /metrics, got %d", rec.Code)
	}
}

func TestCreateSessionAndGet(t *testing.T) {
	srv := testServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var info sessionInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Status != "active" {
		t.Errorf("status = %q, want active", info.Status)
	}

	rec2 := doJSON(t, srv, "GET", "/api/v1/sessions/"+info.SessionID, nil)
	if rec2.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec2.Code)
	}
}

func TestCreateSessionInvalidUserIDReturns400(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "../evil"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListSessionsWithFilterExpr(t *testing.T) {
	srv := testServer(t)
	doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "alice"})
	doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "bob"})

	rec := doJSON(t, srv, "GET", "/api/v1/sessions?filter="+url.QueryEscape(`user_id == "alice"`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var ids []string
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("got %d ids, want 1: %v", len(ids), ids)
	}
}

func TestListSessionsWithMalformedFilterReturns400(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "GET", "/api/v1/sessions?filter="+url.QueryEscape("not(valid expr"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestGetMissingSessionReturns404(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "GET", "/api/v1/sessions/sess_doesnotexist", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestChatEndToEnd(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "bob"})
	var info sessionInfoResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &info)

	chatRec := doJSON(t, srv, "POST", "/api/v1/chat", chatRequest{SessionID: info.SessionID, Message: "hi"})
	if chatRec.Code != http.StatusOK {
		t.Fatalf("chat status = %d, body=%s", chatRec.Code, chatRec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(chatRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q, want ok", resp.Text)
	}
}

func TestChatEmptyMessageReturns400(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/chat", chatRequest{SessionID: "sess_x", Message: ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatStreamEmitsDoneRecord(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "carol"})
	var info sessionInfoResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &info)

	streamRec := doJSON(t, srv, "POST", "/api/v1/chat/stream", chatRequest{SessionID: info.SessionID, Message: "hi"})
	if streamRec.Code != http.StatusOK {
		t.Fatalf("stream status = %d, body=%s", streamRec.Code, streamRec.Body.String())
	}
	body := streamRec.Body.String()
	if !bytes.Contains([]byte(body), []byte(`"type":"done"`)) {
		t.Errorf("expected a done record in stream, got: %s", body)
	}
}

func TestDeleteSessionThenGetNotFound(t *testing.T) {
	srv := testServer(t)
	rec := doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "dave"})
	var info sessionInfoResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &info)

	delRec := doJSON(t, srv, "DELETE", "/api/v1/sessions/"+info.SessionID, nil)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRec.Code)
	}

	getRec := doJSON(t, srv, "GET", "/api/v1/sessions/"+info.SessionID, nil)
	if getRec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", getRec.Code)
	}
}

func TestHealthzReportsBothSessionCounts(t *testing.T) {
	srv := testServer(t)
	doJSON(t, srv, "POST", "/api/v1/sessions", createSessionRequest{UserID: "erin"})

	rec := doJSON(t, srv, "GET", "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.ActiveSessionsLive != 1 || health.ActiveSessionsTotal != 1 {
		t.Errorf("got live=%d total=%d, want 1/1", health.ActiveSessionsLive, health.ActiveSessionsTotal)
	}
}
