package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("t1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitTenant(context.Background(), "t1", "test"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestEmitAndListSignals(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/signals", map[string]any{
		"name":       "order.created",
		"payload":    map[string]any{"order_id": "o-1"},
		"dedupe_key": "order:o-1",
	}, map[string]string{"X-Actor-ID": "tester"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("emit status %d: %s", res.StatusCode, string(data))
	}
	var emitted EmitSignalResponse
	if err := json.Unmarshal(data, &emitted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !emitted.Created || emitted.Signal.Name != "order.created" {
		t.Fatalf("emit response %+v", emitted)
	}
	if emitted.Signal.ActorID == nil || *emitted.Signal.ActorID != "tester" {
		t.Fatalf("actor not taken from header: %v", emitted.Signal.ActorID)
	}

	// duplicate dedupe key returns the original with created=false
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/signals", map[string]any{
		"name":       "order.created",
		"dedupe_key": "order:o-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("duplicate emit status %d: %s", res.StatusCode, string(data))
	}
	var dup EmitSignalResponse
	if err := json.Unmarshal(data, &dup); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dup.Created || dup.Signal.ID != emitted.Signal.ID {
		t.Fatalf("duplicate response %+v", dup)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/t1/signals?name=order.created", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedSignals
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items %d, want 1", len(page.Items))
	}
}

func TestEmitRejectsCredentialPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tenants/t1/signals", map[string]any{
		"name":    "order.created",
		"payload": map[string]any{"api_key": "sk-123"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code %q: %s", envelope.Error.Code, string(data))
	}
}

func TestDirectiveLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/directives", map[string]any{
		"name":            "demo.task",
		"idempotency_key": "req-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created CreateDirectiveResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Directive.Status != domain.DirectiveRequested {
		t.Fatalf("status %s", created.Directive.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/directives/"+created.Directive.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var canceled domain.Directive
	if err := json.Unmarshal(data, &canceled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if canceled.Status != domain.DirectiveCanceled {
		t.Fatalf("status %s", canceled.Status)
	}

	// repeat cancel is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/directives/"+created.Directive.ID+"/cancel", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat cancel status %d: %s", res.StatusCode, string(data))
	}

	// rerun works once the directive is terminal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/directives/"+created.Directive.ID+"/rerun", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rerun status %d: %s", res.StatusCode, string(data))
	}
}

func TestGetDirectiveNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tenants/t1/directives/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestPackagesAndInstallationsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/packages", map[string]any{
		"slug":    "starter",
		"version": "1.0.0",
		"includes": map[string]any{
			"agents": []map[string]any{{"name": "triager", "system_prompt": "triage incoming work"}},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/installations", map[string]any{
		"package_slug": "starter",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("request install status %d: %s", res.StatusCode, string(data))
	}
	var install CreateDirectiveResponse
	if err := json.Unmarshal(data, &install); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if install.Directive.Name != "package.install" {
		t.Fatalf("directive %+v", install.Directive)
	}

	// unknown package is a 404
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tenants/t1/installations", map[string]any{
		"package_slug": "ghost",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost install status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
