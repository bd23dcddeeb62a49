package management

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"yatangaki/internal/config"
	"yatangaki/internal/configstore"
	"yatangaki/internal/logger"
	"yatangaki/internal/logstore"
	"yatangaki/internal/metrics"
	"yatangaki/internal/tlsca"
)

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	dir := t.TempDir()
	log := logger.New("TEST", "error")

	store, err := configstore.Open(t.Context(), dir, log)
	if err != nil {
		t.Fatalf("configstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck // test cleanup

	logs := logstore.New(log)
	if err := logs.SelectProject(t.Context(), dir, "default"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}
	t.Cleanup(func() { logs.Close() }) //nolint:errcheck // test cleanup

	ca, err := tlsca.LoadOrGenerateCA(dir+"/ca.pem", dir+"/ca_key.pem", log)
	if err != nil {
		t.Fatalf("LoadOrGenerateCA: %v", err)
	}

	cfg := &config.Config{
		BaseDir:         dir,
		ProxyPort:       8080,
		ManagementPort:  8081,
		ManagementToken: token,
	}
	srv := New(cfg, store, logs, metrics.New(), ca, log)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus_OK(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer(t, "secret123")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestCreateProxy_AppearsInList(t *testing.T) {
	srv := newTestServer(t, "")
	body := `{"proxyId":1,"port":8090,"autoStart":false}`
	req := httptest.NewRequest(http.MethodPost, "/proxies", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create proxy: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/proxies", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list proxies: expected 200, got %d", w.Code)
	}
	var rows []proxyView
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(rows) != 1 || rows[0].ProxyID != 1 || rows[0].Port != 8090 {
		t.Errorf("unexpected proxy list: %+v", rows)
	}
	if rows[0].State != "stopped" {
		t.Errorf("expected stopped state, got %q", rows[0].State)
	}
}

func TestCreateProxy_InvalidPort(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/proxies", strings.NewReader(`{"port":0}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStartStopProxy_TransitionsState(t *testing.T) {
	srv := newTestServer(t, "")
	create := httptest.NewRequest(http.MethodPost, "/proxies", strings.NewReader(`{"proxyId":2,"port":18099}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, create)
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d", w.Code)
	}

	start := httptest.NewRequest(http.MethodPost, "/proxies/2/start", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, start)
	if w.Code != http.StatusOK {
		t.Fatalf("start: %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		list := httptest.NewRequest(http.MethodGet, "/proxies", nil)
		w = httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, list)
		var rows []proxyView
		json.Unmarshal(w.Body.Bytes(), &rows) //nolint:errcheck // best-effort poll
		if len(rows) == 1 && rows[0].State == "running" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop := httptest.NewRequest(http.MethodPost, "/proxies/2/stop", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, stop)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: %d", w.Code)
	}
}

func TestStartProxy_UnknownID(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/proxies/999/start", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDeleteProxy_RemovesFromList(t *testing.T) {
	srv := newTestServer(t, "")
	create := httptest.NewRequest(http.MethodPost, "/proxies", strings.NewReader(`{"proxyId":3,"port":18100}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, create)

	del := httptest.NewRequest(http.MethodDelete, "/proxies/3", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, del)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: %d: %s", w.Code, w.Body.String())
	}

	list := httptest.NewRequest(http.MethodGet, "/proxies", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, list)
	var rows []proxyView
	json.Unmarshal(w.Body.Bytes(), &rows) //nolint:errcheck
	if len(rows) != 0 {
		t.Errorf("expected proxy removed, got %+v", rows)
	}
}

func TestProjects_CreateListDelete(t *testing.T) {
	srv := newTestServer(t, "")

	create := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"name":"scratch"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, create)
	if w.Code != http.StatusOK {
		t.Fatalf("create project: %d: %s", w.Code, w.Body.String())
	}

	list := httptest.NewRequest(http.MethodGet, "/projects", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, list)
	var names []string
	if err := json.Unmarshal(w.Body.Bytes(), &names); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "scratch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected scratch in project list, got %v", names)
	}

	del := httptest.NewRequest(http.MethodDelete, "/projects/scratch", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, del)
	if w.Code != http.StatusOK {
		t.Fatalf("delete project: %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateProject_MissingName(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestLogs_ListAndGet(t *testing.T) {
	srv := newTestServer(t, "")

	reqParts := logstore.RequestParts{Method: "GET", Authority: "example.test", Path: "/a"}
	resp := &logstore.ResponseParts{Status: 200, Body: []byte("hi")}
	packetID, err := srv.logs.InsertPair(context.Background(), 1, reqParts, nil, resp)
	if err != nil {
		t.Fatalf("InsertPair: %v", err)
	}

	list := httptest.NewRequest(http.MethodGet, "/logs", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, list)
	if w.Code != http.StatusOK {
		t.Fatalf("list logs: %d", w.Code)
	}
	var rows []logstore.PacketMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(rows) != 1 || rows[0].PacketID != packetID {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	get := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/logs/%d", packetID), nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, get)
	if w.Code != http.StatusOK {
		t.Fatalf("get log: %d: %s", w.Code, w.Body.String())
	}
}

func TestLogs_GetUnknownPacket(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/logs/999", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMetrics_ReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
