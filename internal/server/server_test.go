package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"opsledger/internal/config"
	"opsledger/internal/domain"
	"opsledger/internal/engine"
	"opsledger/internal/orchestrator"
	"opsledger/internal/store"
	opsledgersdk "opsledger/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*Config)) (*testServer, func()) {
	t.Helper()
	s := store.New(t.TempDir())
	if err := s.EnsureDir(); err != nil {
		t.Fatalf("ensure data dir: %v", err)
	}
	cfg := Config{
		Engine:       engine.New(s, config.Default()),
		Orchestrator: orchestrator.New("http://127.0.0.1:1"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func TestCreateAndFetchTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/task", map[string]any{
		"title":       "Reindex workspace",
		"description": "walk the tree and rebuild the index",
		"priority":    "high",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated id")
	}
	if created.State != "pending" || created.Priority != "high" || created.CreatedAt == "" {
		t.Fatalf("unexpected defaults: %+v", created)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/task/"+created.ID, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched domain.Task
	if err := json.Unmarshal(getBody, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if fetched.ID != created.ID || fetched.Title != created.Title || fetched.CreatedAt != created.CreatedAt {
		t.Fatalf("fetched task differs: %+v vs %+v", fetched, created)
	}
}

func TestCreateTaskMissingTitle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/task", map[string]any{
		"description": "no title supplied",
	})
	if res.StatusCode != http.StatusUnprocessableEntity && res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 422 or 400, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code == "" || envelope.Error.Message == "" {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/task/ghost", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %s", envelope.Error.Code)
	}
	if envelope.Error.Message != "Task ghost not found" {
		t.Fatalf("unexpected message %q", envelope.Error.Message)
	}
}

func TestPatchTask(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/task", map[string]any{
		"title":       "Fix flaky watcher",
		"description": "debounce restarts",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	_ = json.Unmarshal(data, &created)

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/task/"+created.ID, map[string]any{
		"state":  "done",
		"result": "debounced to 500ms",
	})
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchBody))
	}
	var updated domain.Task
	if err := json.Unmarshal(patchBody, &updated); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if updated.State != "done" {
		t.Fatalf("expected state done, got %s", updated.State)
	}
	if updated.Title != created.Title || updated.Description != created.Description {
		t.Fatalf("untouched fields changed: %+v", updated)
	}
	if updated.UpdatedAt == nil {
		t.Fatal("expected updated_at to be set")
	}

	missingRes, missingBody := doJSON(t, client, http.MethodPatch, srv.URL+"/task/ghost", map[string]any{
		"state": "done",
	})
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing id, got %d: %s", missingRes.StatusCode, string(missingBody))
	}

	emptyRes, emptyBody := doJSON(t, client, http.MethodPatch, srv.URL+"/task/"+created.ID, map[string]any{})
	if emptyRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d: %s", emptyRes.StatusCode, string(emptyBody))
	}
}

func TestListTasksLimit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/task", map[string]any{
			"title":       "task",
			"description": "d",
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create task: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/tasks?limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/tasks?limit=0", nil)
	if badRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for limit=0, got %d: %s", badRes.StatusCode, string(badBody))
	}
	badRes, badBody = doJSON(t, client, http.MethodGet, srv.URL+"/tasks?limit=1001", nil)
	if badRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for limit=1001, got %d: %s", badRes.StatusCode, string(badBody))
	}
}

func TestFixAppliedFilterValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/fixes?applied=maybe", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "applied must be true or false") {
		t.Fatalf("unexpected body: %s", string(data))
	}
}

func TestStatusReport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/task", map[string]any{
		"title": "t", "description": "d", "state": "done",
	}); res.StatusCode != http.StatusCreated {
		t.Fatalf("seed task: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/diagnostic", map[string]any{
		"kind": "system", "description": "d", "severity": "critical",
	}); res.StatusCode != http.StatusCreated {
		t.Fatalf("seed diagnostic: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/fix", map[string]any{
		"description": "d", "applied": true,
	}); res.StatusCode != http.StatusCreated {
		t.Fatalf("seed fix: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/suggestion", map[string]any{
		"kind": "optimization", "title": "s", "description": "d",
	}); res.StatusCode != http.StatusCreated {
		t.Fatalf("seed suggestion: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var report engine.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Status != "online" {
		t.Fatalf("expected online, got %s", report.Status)
	}
	if report.Tasks.Total != 1 || report.Tasks.ByState["done"] != 1 {
		t.Fatalf("unexpected task counts: %+v", report.Tasks)
	}
	if report.Diagnostics.BySeverity["critical"] != 1 {
		t.Fatalf("unexpected diagnostic counts: %+v", report.Diagnostics)
	}
	if report.Fixes.Applied != 1 || report.Fixes.Pending != 0 {
		t.Fatalf("unexpected fix counts: %+v", report.Fixes)
	}
	if report.Suggestions.Pending != 1 {
		t.Fatalf("unexpected suggestion counts: %+v", report.Suggestions)
	}
}

func TestBanner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("banner: %d %s", res.StatusCode, string(data))
	}
	var banner BannerResponse
	if err := json.Unmarshal(data, &banner); err != nil {
		t.Fatalf("unmarshal banner: %v", err)
	}
	if banner.Status != "online" || banner.Message == "" || banner.Timestamp == "" {
		t.Fatalf("unexpected banner: %+v", banner)
	}
}

func TestBasePathPrefix(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *Config) { cfg.BasePath = "/api" })
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("prefixed status: %d %s", res.StatusCode, string(data))
	}
}

func TestOrchestratorProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system-orchestrator/status":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"cycles": 7, "state": "idle"})
		case "/api/system-orchestrator/execute-cycle":
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, "boom")
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.Orchestrator = orchestrator.New(upstream.URL)
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/orchestrator/cycles", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycles: %d %s", res.StatusCode, string(data))
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal cycles: %v", err)
	}
	if body["state"] != "idle" {
		t.Fatalf("unexpected proxy body: %v", body)
	}

	// Upstream HTTP errors still come back as 200 with an error payload.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/orchestrator/execute-cycle", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute-cycle: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal execute-cycle: %v", err)
	}
	if body["error"] != "error executing orchestrator cycle" {
		t.Fatalf("unexpected error payload: %v", body)
	}
	if body["status_code"] != float64(http.StatusInternalServerError) {
		t.Fatalf("expected status_code 500, got %v", body["status_code"])
	}
}

func TestOrchestratorUnreachable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/orchestrator/cycles", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycles: %d %s", res.StatusCode, string(data))
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg, _ := body["error"].(string)
	if !strings.HasPrefix(msg, "error connecting to orchestrator") {
		t.Fatalf("unexpected payload: %v", body)
	}
	if _, hasCode := body["status_code"]; hasCode {
		t.Fatalf("transport failures carry no status_code: %v", body)
	}
}

func TestSDKRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	sdk := opsledgersdk.New(srv.URL)

	created, err := sdk.CreateTask(ctx, map[string]any{
		"title":       "SDK task",
		"description": "created through the client library",
	})
	if err != nil {
		t.Fatalf("sdk create: %v", err)
	}
	updated, err := sdk.UpdateTask(ctx, created.ID, map[string]any{"state": "in_progress"})
	if err != nil {
		t.Fatalf("sdk update: %v", err)
	}
	if updated.State != "in_progress" {
		t.Fatalf("expected in_progress, got %s", updated.State)
	}
	tasks, err := sdk.Tasks(ctx, opsledgersdk.TaskListOptions{State: "in_progress"})
	if err != nil {
		t.Fatalf("sdk list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", tasks)
	}
	report, err := sdk.Status(ctx)
	if err != nil {
		t.Fatalf("sdk status: %v", err)
	}
	if report.Tasks.Total != 1 {
		t.Fatalf("unexpected status: %+v", report)
	}
	if _, err := sdk.Task(ctx, "ghost"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}
