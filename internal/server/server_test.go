package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"clawmarket/internal/engine"
	"clawmarket/internal/store"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mod func(*Config)) *testServer {
	t.Helper()
	backend, err := store.Open(store.Config{
		Backend: store.BackendFile,
		Path:    filepath.Join(t.TempDir(), "state.json"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	e := engine.New(backend)
	cfg := Config{
		Engine:              e,
		NudgeSilenceSeconds: 3600,
		NudgeLimit:          10,
	}
	if mod != nil {
		mod(&cfg)
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			backend.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, map[string]any) {
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
	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode body %q: %v", string(data), err)
		}
	}
	return res, decoded
}

func createTask(t *testing.T, srv *testServer, requester, title string) string {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/tasks", map[string]any{
		"requester": requester,
		"title":     title,
		"budget":    20,
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("create task: status %d body %v", res.StatusCode, body)
	}
	return body["task"].(map[string]any)["id"].(string)
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil)
	if res.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", res.StatusCode, body)
	}
	createTask(t, srv, "+1000", "one")
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/status", nil)
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("status: %d %v", res.StatusCode, body)
	}
	counts := body["counts"].(map[string]any)
	if counts["tasks"].(float64) != 1 || counts["open_tasks"].(float64) != 1 || counts["users"].(float64) != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	requester, worker := "+15550001111", "+15550002222"

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/users/register", map[string]any{
		"phone": worker, "role": "worker",
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("register: %d %v", res.StatusCode, body)
	}

	taskID := createTask(t, srv, requester, "clean gutters")

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/propose", map[string]any{
		"task": taskID, "worker": worker, "price": 18, "eta": "2h",
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("propose: %d %v", res.StatusCode, body)
	}
	if body["proposal"].(map[string]any)["price"].(float64) != 18 {
		t.Fatalf("proposal = %v", body["proposal"])
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/award", map[string]any{
		"task": taskID, "requester": requester, "worker": worker,
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("award: %d %v", res.StatusCode, body)
	}

	// domain failure keeps HTTP 200 with the failure envelope
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/propose", map[string]any{
		"task": taskID, "worker": "+3000", "price": 5,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("propose after award status = %d", res.StatusCode)
	}
	if body["ok"] != false || body["error"] != "task_not_open" || body["status"] != "awarded" {
		t.Fatalf("failure envelope = %v", body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/update", map[string]any{
		"task": taskID, "worker": worker, "message": "halfway",
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("update: %d %v", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/submit", map[string]any{
		"task": taskID, "worker": worker, "result": "done",
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("submit: %d %v", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/approve", map[string]any{
		"task": taskID, "requester": requester,
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("approve: %d %v", res.StatusCode, body)
	}
	if body["task"].(map[string]any)["status"] != "approved" {
		t.Fatalf("final task = %v", body["task"])
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks/T999999", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if body["ok"] != false || body["error"] != "task_not_found" {
		t.Fatalf("body = %v", body)
	}
}

func TestViewerRedaction(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	requester, worker, outsider := "+1000", "+2000", "+9999"
	taskID := createTask(t, srv, requester, "private job")

	// open tasks are visible to anyone in full
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/tasks/"+taskID+"?viewer="+outsider, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	task := body["task"].(map[string]any)
	if task["redacted"] == true || task["requester"] != requester {
		t.Fatalf("open task redacted: %v", task)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/tasks/award", map[string]any{
		"task": taskID, "requester": requester, "worker": worker,
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("award: %v", body)
	}

	// an uninvolved viewer gets the redacted rendering
	_, body = doJSON(t, client, http.MethodGet, srv.URL+"/tasks/"+taskID+"?viewer="+outsider, nil)
	task = body["task"].(map[string]any)
	if task["redacted"] != true {
		t.Fatalf("expected redaction: %v", task)
	}
	for _, hidden := range []string{"requester", "awardedTo", "proposals", "acceptedBy", "updates", "submission", "history"} {
		if _, present := task[hidden]; present {
			t.Fatalf("redacted task leaks %q: %v", hidden, task)
		}
	}
	if task["status"] != "awarded" || task["title"] != "private job" {
		t.Fatalf("non-sensitive fields missing: %v", task)
	}

	// both participants still see everything
	for _, viewer := range []string{requester, worker} {
		_, body = doJSON(t, client, http.MethodGet, srv.URL+"/tasks/"+taskID+"?viewer="+viewer, nil)
		task = body["task"].(map[string]any)
		if task["redacted"] == true {
			t.Fatalf("participant %s redacted: %v", viewer, task)
		}
		if task["awardedTo"] != worker {
			t.Fatalf("participant %s missing awardedTo: %v", viewer, task)
		}
	}

	// no viewer means a trusted caller
	_, body = doJSON(t, client, http.MethodGet, srv.URL+"/tasks/"+taskID, nil)
	if body["task"].(map[string]any)["requester"] != requester {
		t.Fatalf("viewerless fetch redacted: %v", body)
	}
}

func TestOpenTasksViewerFilter(t *testing.T) {
	srv := newTestServer(t, nil)
	createTask(t, srv, "+1000", "mine")
	createTask(t, srv, "+2000", "theirs")

	_, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks/open", nil)
	if len(body["tasks"].([]any)) != 2 {
		t.Fatalf("tasks = %v", body["tasks"])
	}

	_, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/tasks/open?viewer=%2B1000", nil)
	tasks := body["tasks"].([]any)
	if len(tasks) != 1 || tasks[0].(map[string]any)["title"] != "theirs" {
		t.Fatalf("viewer filter: %v", tasks)
	}
}

func TestRegisterRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.RegisterPerMinute = 5
	})
	client := srv.Client()
	for i := 0; i < 5; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/users/register", map[string]any{
			"phone": "+1000",
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d body %v", i+1, res.StatusCode, body)
		}
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/users/register", map[string]any{
		"phone": "+1000",
	})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("sixth request status = %d", res.StatusCode)
	}
	if body["ok"] != false || body["error"] != "rate_limited" {
		t.Fatalf("body = %v", body)
	}
	// read routes are not throttled
	for i := 0; i < 10; i++ {
		res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/status", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status read throttled: %d", res.StatusCode)
		}
	}
}

func TestNudgeEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.Engine.Now = func() time.Time { return clock }

	taskID := createTask(t, srv, "+1000", "slow job")
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/tasks/award", map[string]any{
		"task": taskID, "requester": "+1000", "worker": "+2000",
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("award: %v", body)
	}

	clock = clock.Add(2 * time.Hour)
	_, body = doJSON(t, client, http.MethodGet, srv.URL+"/admin/needs-nudge", nil)
	stale := body["stale"].([]any)
	if len(stale) != 1 {
		t.Fatalf("stale = %v", body)
	}
	hit := stale[0].(map[string]any)
	if hit["worker"] != "+2000" || hit["requester"] != "+1000" {
		t.Fatalf("hit = %v", hit)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/admin/mark-nudged", map[string]any{
		"task": taskID,
	})
	if res.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("mark-nudged: %d %v", res.StatusCode, body)
	}

	_, body = doJSON(t, client, http.MethodGet, srv.URL+"/admin/needs-nudge", nil)
	if len(body["stale"].([]any)) != 0 {
		t.Fatalf("nudged task surfaced again: %v", body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/admin/mark-nudged", map[string]any{
		"task": "T999999",
	})
	if res.StatusCode != http.StatusNotFound || body["error"] != "task_not_found" {
		t.Fatalf("mark-nudged unknown: %d %v", res.StatusCode, body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, nil)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil)
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	got, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	got.Body.Close()
	if got.Header.Get("X-Request-Id") != "abc-123" {
		t.Fatalf("request id not echoed: %q", got.Header.Get("X-Request-Id"))
	}
}
