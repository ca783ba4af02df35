package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/eventproto"
	"github.com/hochfrequenz/pytest-orchestrator/internal/executor"
	"github.com/hochfrequenz/pytest-orchestrator/internal/metrics"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runstore"
)

type mockRunner struct {
	mu       sync.Mutex
	snap     runner.Snapshot
	cat      *domain.Catalog
	startErr error
	requests []runner.RunRequest
	stops    int
	// nextRunID replaces the snapshot's run right after Start, as if the
	// run ended and another client started a new one
	nextRunID string
}

func (m *mockRunner) Start(_ context.Context, req runner.RunRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.requests = append(m.requests, req)
	m.snap.RunID = req.ID
	if m.nextRunID != "" {
		m.snap.RunID = m.nextRunID
	}
	m.snap.Phase = domain.PhaseRunning
	return nil
}

func (m *mockRunner) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *mockRunner) Snapshot() runner.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockRunner) Catalog() *domain.Catalog {
	return m.cat
}

func (m *mockRunner) lastRequest(t *testing.T) runner.RunRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatal("no run was started")
	}
	return m.requests[len(m.requests)-1]
}

func testCatalog() *domain.Catalog {
	cat := domain.NewCatalog("/proj")
	file := cat.AddNode(0, domain.NewNode("tests/test_a.py", "test_a.py", domain.NodeFile))
	fast := domain.NewNode("tests/test_a.py::test_fast", "test_fast", domain.NodeFunction)
	slow := domain.NewNode("tests/test_a.py::test_slow", "test_slow", domain.NodeFunction)
	slow.AddMarkers("slow")
	cat.AddNode(file, fast)
	cat.AddNode(file, slow)
	return cat
}

func TestStatusHandler(t *testing.T) {
	r := &mockRunner{snap: runner.Snapshot{
		RunID: "abc",
		Phase: domain.PhaseRunning,
		Progress: progress.Progress{
			Total: 4, Completed: 1, Passed: 1, CurrentTest: "t.py::test_b",
		},
		Hint: "t.py::test_b",
	}}
	server := NewServer(r, nil, ":0", Options{})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.statusHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Phase != domain.PhaseRunning {
		t.Errorf("Phase = %q, want running", status.Phase)
	}
	if status.Percentage != 25 {
		t.Errorf("Percentage = %v, want 25", status.Percentage)
	}
	if status.Hint != "t.py::test_b" || status.Current != "t.py::test_b" {
		t.Errorf("Hint = %q, Current = %q", status.Hint, status.Current)
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	server := NewServer(&mockRunner{}, nil, ":0", Options{})

	req := httptest.NewRequest("DELETE", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", w.Code)
	}
}

func TestListTestsHandler(t *testing.T) {
	cat := testCatalog()
	idx, _ := cat.Find("tests/test_a.py::test_fast")
	cat.Node(idx).SetStatus(domain.StatusPassed)

	server := NewServer(&mockRunner{cat: cat}, nil, ":0", Options{})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"tests/test_a.py::test_fast", "tests/test_a.py::test_slow"}},
		{"?marker=slow", []string{"tests/test_a.py::test_slow"}},
		{"?status=passed", []string{"tests/test_a.py::test_fast"}},
		{"?marker=nope", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/tests"+tt.query, nil)
			w := httptest.NewRecorder()
			server.listTestsHandler().ServeHTTP(w, req)

			var got []TestResponse
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tests, want %d", len(got), len(tt.want))
			}
			for i, p := range tt.want {
				if got[i].Path != p {
					t.Errorf("test[%d] = %q, want %q", i, got[i].Path, p)
				}
			}
		})
	}
}

func TestListTestsHandler_NoCatalog(t *testing.T) {
	server := NewServer(&mockRunner{}, nil, ":0", Options{})

	req := httptest.NewRequest("GET", "/api/tests", nil)
	w := httptest.NewRecorder()
	server.listTestsHandler().ServeHTTP(w, req)

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", w.Body.String())
	}
}

func TestListMarkersHandler(t *testing.T) {
	server := NewServer(&mockRunner{cat: testCatalog()}, nil, ":0", Options{})

	req := httptest.NewRequest("GET", "/api/markers", nil)
	w := httptest.NewRecorder()
	server.listMarkersHandler().ServeHTTP(w, req)

	var markers []string
	json.NewDecoder(w.Body).Decode(&markers)
	if len(markers) != 1 || markers[0] != "slow" {
		t.Errorf("markers = %v, want [slow]", markers)
	}
}

func TestStartRun_WithPaths(t *testing.T) {
	r := &mockRunner{}
	server := NewServer(r, nil, ":0", Options{
		Dir:    "/proj",
		Env:    map[string]string{"A": "1", "B": "base"},
		Pytest: config.PytestOptions{ExitFirst: true},
	})

	body := `{"paths":["tests/test_a.py"],"markers":["slow"],"extra_args":["-p","no:cacheprovider"],"env":{"B":"override"}}`
	req := httptest.NewRequest("POST", "/api/runs", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.runsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
	}

	var resp StartResponse
	json.NewDecoder(w.Body).Decode(&resp)

	got := r.lastRequest(t)
	if got.ID == "" || resp.RunID != got.ID {
		t.Errorf("RunID = %q, want the started request's %q", resp.RunID, got.ID)
	}
	if got.Dir != "/proj" {
		t.Errorf("Dir = %q, want /proj", got.Dir)
	}
	if len(got.Paths) != 1 || got.Paths[0] != "tests/test_a.py" {
		t.Errorf("Paths = %v", got.Paths)
	}
	wantArgs := []string{"-x", "-m", "slow", "-p", "no:cacheprovider"}
	if strings.Join(got.ExtraArgs, " ") != strings.Join(wantArgs, " ") {
		t.Errorf("ExtraArgs = %v, want %v", got.ExtraArgs, wantArgs)
	}
	if got.Env["A"] != "1" || got.Env["B"] != "override" {
		t.Errorf("Env = %v", got.Env)
	}
}

func TestStartRun_RunIDIsTheStartedRun(t *testing.T) {
	r := &mockRunner{nextRunID: "someone-elses-run"}
	server := NewServer(r, nil, ":0", Options{})

	req := httptest.NewRequest("POST", "/api/runs", strings.NewReader(`{"paths":["t.py"]}`))
	w := httptest.NewRecorder()
	server.runsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var resp StartResponse
	json.NewDecoder(w.Body).Decode(&resp)

	got := r.lastRequest(t)
	if resp.RunID != got.ID {
		t.Errorf("RunID = %q, want %q", resp.RunID, got.ID)
	}
	if resp.RunID == "someone-elses-run" {
		t.Error("RunID was read from the controller after Start")
	}
}

func TestStartRun_FromSelection(t *testing.T) {
	cat := testCatalog()
	idx, _ := cat.Find("tests/test_a.py::test_fast")
	cat.SetSelected(idx, true)

	r := &mockRunner{cat: cat}
	server := NewServer(r, nil, ":0", Options{})

	req := httptest.NewRequest("POST", "/api/runs", nil)
	w := httptest.NewRecorder()
	server.runsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
	}
	got := r.lastRequest(t)
	if len(got.Paths) != 1 || got.Paths[0] != "tests/test_a.py::test_fast" {
		t.Errorf("Paths = %v", got.Paths)
	}
}

func TestStartRun_SelectionWithoutMarkerMatch(t *testing.T) {
	cat := testCatalog()
	idx, _ := cat.Find("tests/test_a.py::test_fast")
	cat.SetSelected(idx, true)

	server := NewServer(&mockRunner{cat: cat}, nil, ":0", Options{})

	req := httptest.NewRequest("POST", "/api/runs", strings.NewReader(`{"markers":["slow"]}`))
	w := httptest.NewRecorder()
	server.runsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Status = %d, want 422", w.Code)
	}
}

func TestStartRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", runner.ErrNotIdle, http.StatusConflict},
		{"launch", &executor.LaunchError{Args: []string{"python"}, Err: errors.New("not found")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(&mockRunner{startErr: tt.err}, nil, ":0", Options{})

			req := httptest.NewRequest("POST", "/api/runs", strings.NewReader(`{"paths":["t.py"]}`))
			w := httptest.NewRecorder()
			server.runsHandler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestStartRun_InvalidBody(t *testing.T) {
	server := NewServer(&mockRunner{}, nil, ":0", Options{})

	req := httptest.NewRequest("POST", "/api/runs", strings.NewReader(`{not json`))
	w := httptest.NewRecorder()
	server.runsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestStopRunHandler(t *testing.T) {
	r := &mockRunner{}
	server := NewServer(r, nil, ":0", Options{})

	req := httptest.NewRequest("POST", "/api/runs/stop", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("idle stop Status = %d, want 409", w.Code)
	}

	r.snap.Phase = domain.PhaseRunning
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("POST", "/api/runs/stop", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("running stop Status = %d, want 202", w.Code)
	}
	if r.stops != 1 {
		t.Errorf("stops = %d, want 1", r.stops)
	}
}

func newHistory(t *testing.T) *runstore.Store {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatalf("runstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Second)
	for _, run := range []*domain.Run{
		{ID: "older", Phase: domain.PhaseRunning, StartedAt: started.Add(-time.Hour)},
		{ID: "newer", Paths: []string{"t.py"}, Phase: domain.PhaseRunning, StartedAt: started},
	} {
		if err := store.CreateRun(run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := store.RecordResult(&domain.TestResult{
		RunID: "newer", Path: "t.py::test_a", Outcome: domain.OutcomeFailed, Timestamp: started,
	}); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}
	if err := store.FinishRun(&domain.Run{
		ID: "newer", Phase: domain.PhaseIdle, ExitCode: 1, Total: 1, Failed: 1, FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return store
}

func TestListRuns(t *testing.T) {
	server := NewServer(&mockRunner{}, newHistory(t), ":0", Options{})

	req := httptest.NewRequest("GET", "/api/runs?limit=1", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var runs []RunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].ID != "newer" {
		t.Fatalf("runs = %+v, want only newer", runs)
	}
	if runs[0].Duration != "3s" {
		t.Errorf("Duration = %q, want 3s", runs[0].Duration)
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs?limit=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit Status = %d, want 400", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	server := NewServer(&mockRunner{}, newHistory(t), ":0", Options{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs/newer", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var run RunResponse
	json.NewDecoder(w.Body).Decode(&run)
	if run.Failed != 1 || len(run.Results) != 1 || run.Results[0].Outcome != domain.OutcomeFailed {
		t.Errorf("run = %+v", run)
	}

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing Status = %d, want 404", w.Code)
	}
}

func TestRunsWithoutHistory(t *testing.T) {
	server := NewServer(&mockRunner{}, nil, ":0", Options{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/runs", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	collector.OnTestResult("t.py::test_a", domain.OutcomePassed)

	server := NewServer(&mockRunner{}, nil, ":0", Options{Gatherer: reg})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `pytest_orch_tests_total{outcome="passed"} 1`) {
		t.Errorf("metrics output missing tests_total:\n%s", w.Body.String())
	}
}

// startLive serves the API on a real listener with a running hub
func startLive(t *testing.T, r Runner) (*Server, *httptest.Server) {
	t.Helper()
	server := NewServer(r, nil, ":0", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go server.Hub().Run(ctx)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return server, ts
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEStream(t *testing.T) {
	server, ts := startLive(t, &mockRunner{})

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	waitForClients(t, server.Hub(), 1)

	pub := server.Publisher()
	pub.OnStateChanged(domain.PhaseRunning)
	pub.OnTestResult("t.py::test_a", domain.OutcomePassed)

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 4 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	if lines[0] != "event: state" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != `data: {"type":"state","payload":{"phase":"running"}}` {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "event: test_result" {
		t.Errorf("line 2 = %q", lines[2])
	}
	if !strings.Contains(lines[3], `"outcome":"passed"`) {
		t.Errorf("line 3 = %q", lines[3])
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) eventproto.EnvelopeRaw {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env eventproto.EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("invalid envelope %q: %v", data, err)
	}
	return env
}

func TestWebSocket_PingAndEvents(t *testing.T) {
	server, ts := startLive(t, &mockRunner{})
	conn := dialWS(t, ts)

	if env := readEnvelope(t, conn); env.Type != eventproto.TypeState {
		t.Fatalf("first message = %q, want state", env.Type)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != eventproto.TypePong {
		t.Fatalf("reply = %q, want pong", env.Type)
	}

	waitForClients(t, server.Hub(), 1)
	server.Publisher().OnOutputLine("collected 3 items")

	env := readEnvelope(t, conn)
	if env.Type != eventproto.TypeOutput {
		t.Fatalf("event = %q, want output", env.Type)
	}
	var out eventproto.OutputMessage
	json.Unmarshal(env.Payload, &out)
	if out.Line != "collected 3 items" {
		t.Errorf("line = %q", out.Line)
	}
}

func TestWebSocket_StartAndStop(t *testing.T) {
	r := &mockRunner{}
	_, ts := startLive(t, r)
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	start := `{"type":"start","payload":{"paths":["t.py::test_a"]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// the ping reply proves both earlier messages were handled
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if env := readEnvelope(t, conn); env.Type != eventproto.TypePong {
		t.Fatalf("reply = %q, want pong", env.Type)
	}

	got := r.lastRequest(t)
	if len(got.Paths) != 1 || got.Paths[0] != "t.py::test_a" {
		t.Errorf("Paths = %v", got.Paths)
	}
	r.mu.Lock()
	stops := r.stops
	r.mu.Unlock()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	_, ts := startLive(t, &mockRunner{})
	conn := dialWS(t, ts)
	readEnvelope(t, conn)

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
	env := readEnvelope(t, conn)
	if env.Type != eventproto.TypeDiagnostic {
		t.Fatalf("reply = %q, want diagnostic", env.Type)
	}
	var diag eventproto.DiagnosticMessage
	json.Unmarshal(env.Payload, &diag)
	if !strings.Contains(diag.Message, "bogus") {
		t.Errorf("message = %q", diag.Message)
	}
}

func TestHubStopsClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client, ok := hub.Subscribe()
	if !ok {
		t.Fatal("Subscribe failed on a running hub")
	}
	cancel()

	select {
	case _, open := <-client:
		if open {
			t.Error("expected closed client channel")
		}
	case <-time.After(time.Second):
		t.Fatal("client channel not closed after hub stop")
	}

	// Broadcasting after stop must not block
	hub.Broadcast(Event{Type: "x"})
	if _, ok := hub.Subscribe(); ok {
		t.Error("Subscribe succeeded on a stopped hub")
	}
}
