package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

type fakeController struct {
	mu       sync.Mutex
	cat      *domain.Catalog
	phase    domain.RunPhase
	startErr error
	requests []runner.RunRequest
	stops    int
}

func (f *fakeController) Start(_ context.Context, req runner.RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeController) Snapshot() runner.Snapshot {
	return runner.Snapshot{Phase: f.phase}
}

func (f *fakeController) Catalog() *domain.Catalog { return f.cat }

type fakeHistory struct {
	runs []*domain.Run
	err  error
}

func (f *fakeHistory) ListRuns(limit int) ([]*domain.Run, error) {
	return f.runs, f.err
}

// sampleCatalog:
//
//	tests/
//	  test_a.py
//	    test_one
//	    TestGroup
//	      test_two [slow]
//	  test_b.py
//	    test_three [db]
func sampleCatalog() *domain.Catalog {
	cat := domain.NewCatalog("/work/proj")
	dir := cat.AddNode(0, domain.NewNode("tests", "tests", domain.NodeDirectory))
	a := cat.AddNode(dir, domain.NewNode("tests/test_a.py", "test_a.py", domain.NodeFile))
	cat.AddNode(a, domain.NewNode("tests/test_a.py::test_one", "test_one", domain.NodeFunction))
	cls := cat.AddNode(a, domain.NewNode("tests/test_a.py::TestGroup", "TestGroup", domain.NodeClass))
	two := domain.NewNode("tests/test_a.py::TestGroup::test_two", "test_two", domain.NodeFunction)
	two.AddMarkers("slow")
	cat.AddNode(cls, two)
	b := cat.AddNode(dir, domain.NewNode("tests/test_b.py", "test_b.py", domain.NodeFile))
	three := domain.NewNode("tests/test_b.py::test_three", "test_three", domain.NodeFunction)
	three.AddMarkers("db")
	cat.AddNode(b, three)
	return cat
}

func newTestModel(ctrl *fakeController) Model {
	model := NewModel(ModelConfig{Controller: ctrl, Dir: "/work/proj"})
	model.width = 100
	model.height = 40
	return model
}

func press(t *testing.T, m Model, keys ...string) Model {
	t.Helper()
	for _, k := range keys {
		var msg tea.KeyMsg
		switch k {
		case "tab":
			msg = tea.KeyMsg{Type: tea.KeyTab}
		case "enter":
			msg = tea.KeyMsg{Type: tea.KeyEnter}
		case "space":
			msg = tea.KeyMsg{Type: tea.KeySpace}
		case "down":
			msg = tea.KeyMsg{Type: tea.KeyDown}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
		}
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func send(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestNewModel(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog(), phase: domain.PhaseIdle}
	model := NewModel(ModelConfig{
		Controller: ctrl,
		Pytest:     config.PytestOptions{Markers: []string{"db"}},
	})

	if model.catalog != ctrl.cat {
		t.Error("catalog should default to the controller's catalog")
	}
	if got := strings.Join(model.markers, ","); got != "db,slow" {
		t.Errorf("markers = %q, want db,slow", got)
	}
	if got := model.ActiveMarkers(); len(got) != 1 || got[0] != "db" {
		t.Errorf("ActiveMarkers = %v, want [db]", got)
	}
	if model.maxOutput != defaultMaxOutput {
		t.Errorf("maxOutput = %d, want %d", model.maxOutput, defaultMaxOutput)
	}
	if len(model.rows()) != 7 {
		t.Errorf("rows = %d, want 7 with everything expanded", len(model.rows()))
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})

	if model.activeTab != TabTests {
		t.Fatalf("initial activeTab = %d, want %d", model.activeTab, TabTests)
	}

	model = press(t, model, "tab")
	if model.activeTab != TabMarkers {
		t.Errorf("after first tab: activeTab = %d, want %d", model.activeTab, TabMarkers)
	}

	model = press(t, model, "tab", "tab", "tab")
	if model.activeTab != TabTests {
		t.Errorf("after wrap: activeTab = %d, want %d", model.activeTab, TabTests)
	}

	model = press(t, model, "o")
	if model.activeTab != TabOutput {
		t.Errorf("after o: activeTab = %d, want %d", model.activeTab, TabOutput)
	}
}

func TestModel_Navigation(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})

	model = press(t, model, "j", "down", "j")
	if model.selectedRow != 3 {
		t.Errorf("selectedRow = %d, want 3", model.selectedRow)
	}

	model = press(t, model, "k")
	if model.selectedRow != 2 {
		t.Errorf("after k: selectedRow = %d, want 2", model.selectedRow)
	}

	// Cursor stops at both ends
	model = press(t, model, "G")
	if model.selectedRow != 6 {
		t.Errorf("after G: selectedRow = %d, want 6", model.selectedRow)
	}
	model = press(t, model, "j")
	if model.selectedRow != 6 {
		t.Errorf("past end: selectedRow = %d, want 6", model.selectedRow)
	}
	model = press(t, model, "g", "k")
	if model.selectedRow != 0 {
		t.Errorf("past start: selectedRow = %d, want 0", model.selectedRow)
	}
}

func TestModel_FoldAndUnfold(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})

	// row 1 is test_a.py
	model = press(t, model, "j", "h")
	if got := len(model.rows()); got != 4 {
		t.Fatalf("rows after folding test_a.py = %d, want 4", got)
	}

	// h on a folded node moves to the parent directory
	model = press(t, model, "h")
	if model.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want 0 (tests/)", model.selectedRow)
	}

	model = press(t, model, "j", "enter")
	if got := len(model.rows()); got != 7 {
		t.Errorf("rows after unfolding = %d, want 7", got)
	}
}

func TestModel_ToggleSelection(t *testing.T) {
	cat := sampleCatalog()
	model := newTestModel(&fakeController{cat: cat})

	// select the TestGroup class (row 3)
	model = press(t, model, "j", "j", "j", "space")
	got := cat.SelectedPaths()
	if len(got) != 1 || got[0] != "tests/test_a.py::TestGroup::test_two" {
		t.Errorf("SelectedPaths = %v", got)
	}

	model = press(t, model, "space")
	if got := cat.SelectedPaths(); len(got) != 0 {
		t.Errorf("after second toggle SelectedPaths = %v, want none", got)
	}

	model = press(t, model, "a")
	if got := cat.SelectedPaths(); len(got) != 3 {
		t.Errorf("after a: %d selected, want 3", len(got))
	}
	press(t, model, "c")
	if got := cat.SelectedPaths(); len(got) != 0 {
		t.Errorf("after c: SelectedPaths = %v, want none", got)
	}
}

func TestModel_MarkerFilter(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})

	// markers are db, slow; toggle slow
	model = press(t, model, "m", "j", "space")
	if got := model.ActiveMarkers(); len(got) != 1 || got[0] != "slow" {
		t.Fatalf("ActiveMarkers = %v, want [slow]", got)
	}
	model = press(t, model, "space")
	if got := model.ActiveMarkers(); len(got) != 0 {
		t.Errorf("ActiveMarkers = %v, want none", got)
	}
}

func runCmd(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	return send(t, m, cmd())
}

func TestModel_RunSelection(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog()}
	model := newTestModel(ctrl)
	model.output = []string{"old output"}

	model = press(t, model, "j", "j", "space")
	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	model = runCmd(t, next.(Model), cmd)

	if len(model.output) != 0 {
		t.Errorf("output should be cleared on start, got %v", model.output)
	}
	if len(ctrl.requests) != 1 {
		t.Fatalf("Start calls = %d, want 1", len(ctrl.requests))
	}
	req := ctrl.requests[0]
	if len(req.Paths) != 1 || req.Paths[0] != "tests/test_a.py::test_one" {
		t.Errorf("Paths = %v", req.Paths)
	}
	if req.Dir != "/work/proj" {
		t.Errorf("Dir = %q, want /work/proj", req.Dir)
	}
}

func TestModel_RunWholeProjectWithMarkers(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog()}
	model := newTestModel(ctrl)

	model = press(t, model, "m", "space")
	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	runCmd(t, next.(Model), cmd)

	req := ctrl.requests[0]
	if len(req.Paths) != 0 {
		t.Errorf("Paths = %v, want empty for the whole root", req.Paths)
	}
	if got := strings.Join(req.ExtraArgs, " "); got != "-m db" {
		t.Errorf("ExtraArgs = %q, want -m db", got)
	}
}

func TestModel_RunRejectedWhileActive(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog()}
	model := newTestModel(ctrl)
	model = send(t, model, PhaseMsg(domain.PhaseRunning))

	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	model = next.(Model)
	if cmd != nil {
		t.Error("no start command expected while a run is active")
	}
	if !strings.Contains(model.flash, "already active") {
		t.Errorf("flash = %q", model.flash)
	}
}

func TestModel_StartError(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog(), startErr: errors.New("python not found")}
	model := newTestModel(ctrl)

	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	model = runCmd(t, next.(Model), cmd)

	if !model.flashErr || !strings.Contains(model.flash, "python not found") {
		t.Errorf("flash = %q (err=%v)", model.flash, model.flashErr)
	}
}

func TestModel_Stop(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog()}
	model := newTestModel(ctrl)

	model = press(t, model, "s")
	if ctrl.stops != 0 {
		t.Error("stop should not reach the controller when idle")
	}

	model = send(t, model, PhaseMsg(domain.PhaseRunning))
	press(t, model, "s")
	if ctrl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctrl.stops)
	}
}

func TestModel_QuitStopsActiveRun(t *testing.T) {
	ctrl := &fakeController{cat: sampleCatalog()}
	model := newTestModel(ctrl)
	model = send(t, model, PhaseMsg(domain.PhaseRunning))

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if ctrl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctrl.stops)
	}
}

func TestModel_OutputBuffer(t *testing.T) {
	model := NewModel(ModelConfig{Controller: &fakeController{}, MaxOutput: 3})
	model.width, model.height = 100, 40

	model = send(t, model, OutputMsg("a"), OutputMsg("b"), OutputMsg("c"), OutputMsg("d"))
	if got := strings.Join(model.Output(), ","); got != "b,c,d" {
		t.Errorf("output = %q, want b,c,d", got)
	}

	model = press(t, model, "x")
	if len(model.Output()) != 0 {
		t.Error("x should clear the output")
	}
}

func TestModel_OutputScrollHoldsPosition(t *testing.T) {
	model := newTestModel(&fakeController{})
	for i := 0; i < 100; i++ {
		model = send(t, model, OutputMsg("line"))
	}
	model = press(t, model, "o", "k", "k")
	if model.outputScroll != 2 {
		t.Fatalf("outputScroll = %d, want 2", model.outputScroll)
	}

	model = send(t, model, OutputMsg("new"))
	if model.outputScroll != 3 {
		t.Errorf("outputScroll = %d, want 3 after a new line", model.outputScroll)
	}

	model = press(t, model, "G")
	if model.outputScroll != 0 {
		t.Errorf("G should follow the newest line, outputScroll = %d", model.outputScroll)
	}
}

func TestModel_RunEvents(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})

	model = send(t, model,
		PhaseMsg(domain.PhaseRunning),
		ProgressMsg(progress.Progress{Total: 3, Completed: 1, Passed: 1}),
		TestStartedMsg("tests/test_b.py::test_three"),
	)
	if model.Phase() != domain.PhaseRunning {
		t.Errorf("Phase = %q", model.Phase())
	}
	if model.hint != "tests/test_b.py::test_three" {
		t.Errorf("hint = %q", model.hint)
	}

	view := model.View()
	if !strings.Contains(view, "33%") {
		t.Errorf("view should show 33%%:\n%s", view)
	}

	model = send(t, model, TestResultMsg{ID: "tests/test_b.py::test_three", Outcome: domain.OutcomeFailed})
	if model.hint != "" {
		t.Errorf("hint should clear when its test finishes, got %q", model.hint)
	}

	next, cmd := model.Update(RunFinishedMsg(runner.RunSummary{
		ID:       "run-1",
		Phase:    domain.PhaseIdle,
		ExitCode: 1,
		Progress: progress.Progress{Total: 3, Completed: 3, Passed: 2, Failed: 1},
	}))
	model = next.(Model)
	if model.Phase() != domain.PhaseIdle || model.exitCode != 1 {
		t.Errorf("phase = %q, exit = %d", model.Phase(), model.exitCode)
	}
	if !model.flashErr || !strings.Contains(model.flash, "1 failed") {
		t.Errorf("flash = %q", model.flash)
	}
	if cmd != nil {
		t.Error("no history reload expected without a history store")
	}
}

func TestModel_Diagnostic(t *testing.T) {
	model := newTestModel(&fakeController{})
	model = send(t, model, DiagnosticMsg{Err: errors.New("could not correlate x")})
	if !model.flashErr || model.flash != "could not correlate x" {
		t.Errorf("flash = %q", model.flash)
	}
}

func TestModel_CatalogReplaced(t *testing.T) {
	model := newTestModel(&fakeController{cat: sampleCatalog()})
	model = press(t, model, "G")

	small := domain.NewCatalog("/work/proj")
	small.AddNode(0, domain.NewNode("test_x.py", "test_x.py", domain.NodeFile))

	model = send(t, model, CatalogMsg{Catalog: small})
	if model.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want clamped to 0", model.selectedRow)
	}
	if len(model.markers) != 0 {
		t.Errorf("markers = %v, want none", model.markers)
	}
}

func TestModel_History(t *testing.T) {
	finished := time.Now()
	hist := &fakeHistory{runs: []*domain.Run{
		{ID: "0123456789", Phase: domain.PhaseIdle, Passed: 5, StartedAt: finished.Add(-time.Minute), FinishedAt: &finished},
	}}
	model := NewModel(ModelConfig{Controller: &fakeController{}, History: hist})
	model.width, model.height = 120, 40

	next, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("H")})
	model = runCmd(t, next.(Model), cmd)

	if model.activeTab != TabHistory {
		t.Errorf("activeTab = %d, want %d", model.activeTab, TabHistory)
	}
	if len(model.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(model.runs))
	}
	if view := model.View(); !strings.Contains(view, "01234567") {
		t.Errorf("history view should show the short run id:\n%s", view)
	}
}

func TestModel_View(t *testing.T) {
	model := NewModel(ModelConfig{Controller: &fakeController{cat: sampleCatalog()}})
	if model.View() != "Loading..." {
		t.Error("view before the first resize should be Loading...")
	}

	model.width, model.height = 100, 40
	view := model.View()
	for _, want := range []string{"pytest-orch", "TESTS", "test_one", "[slow]", "[space]select"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestBridge(t *testing.T) {
	var got []tea.Msg
	b := NewBridge(func(msg tea.Msg) { got = append(got, msg) })

	b.OnStateChanged(domain.PhaseRunning)
	b.OnOutputLine("collected 1 item")
	b.OnTestResult("t.py::test_a", domain.OutcomePassed)
	b.OnRunFinished(runner.RunSummary{ID: "r"})
	b.CatalogChanged(domain.NewCatalog("/x"))

	if len(got) != 5 {
		t.Fatalf("messages = %d, want 5", len(got))
	}
	if got[0] != PhaseMsg(domain.PhaseRunning) {
		t.Errorf("msg[0] = %#v", got[0])
	}
	if got[1] != OutputMsg("collected 1 item") {
		t.Errorf("msg[1] = %#v", got[1])
	}
	if r, ok := got[2].(TestResultMsg); !ok || r.Outcome != domain.OutcomePassed {
		t.Errorf("msg[2] = %#v", got[2])
	}
	if _, ok := got[4].(CatalogMsg); !ok {
		t.Errorf("msg[4] = %#v", got[4])
	}
}
