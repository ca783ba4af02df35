package tui

import (
	"context"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// Tabs
const (
	TabTests = iota
	TabMarkers
	TabOutput
	TabHistory
	numTabs
)

const (
	defaultMaxOutput = 2000
	historyLimit     = 20
	flashDuration    = 4 * time.Second
)

// Controller is the part of the run controller the TUI drives
type Controller interface {
	Start(ctx context.Context, req runner.RunRequest) error
	Stop()
	Snapshot() runner.Snapshot
	Catalog() *domain.Catalog
}

// History lists stored runs
type History interface {
	ListRuns(limit int) ([]*domain.Run, error)
}

// Model is the TUI application model
type Model struct {
	ctrl    Controller
	history History

	// Data
	catalog  *domain.Catalog
	markers  []string
	active   map[string]bool
	output   []string
	runs     []*domain.Run
	phase    domain.RunPhase
	progress progress.Progress
	hint     string
	exitCode int
	lastRun  string

	// Run settings
	dir       string
	env       map[string]string
	pytest    config.PytestOptions
	extraArgs []string
	maxOutput int

	// UI state
	width        int
	height       int
	activeTab    int
	selectedRow  int
	scroll       int
	markerRow    int
	outputScroll int
	collapsed    map[string]bool

	flash    string
	flashErr bool
	flashExp time.Time

	now func() time.Time
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Controller Controller
	History    History
	// Catalog defaults to the controller's catalog
	Catalog   *domain.Catalog
	Dir       string
	Env       map[string]string
	Pytest    config.PytestOptions
	ExtraArgs []string
	MaxOutput int
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	cat := cfg.Catalog
	if cat == nil && cfg.Controller != nil {
		cat = cfg.Controller.Catalog()
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}

	m := Model{
		ctrl:      cfg.Controller,
		history:   cfg.History,
		catalog:   cat,
		active:    make(map[string]bool),
		phase:     domain.PhaseIdle,
		dir:       cfg.Dir,
		env:       cfg.Env,
		pytest:    cfg.Pytest,
		extraArgs: cfg.ExtraArgs,
		maxOutput: maxOutput,
		collapsed: make(map[string]bool),
		now:       time.Now,
	}
	for _, mk := range cfg.Pytest.Markers {
		m.active[mk] = true
	}
	if cat != nil {
		m.markers = cat.Markers()
	}
	if cfg.Controller != nil {
		snap := cfg.Controller.Snapshot()
		m.phase = snap.Phase
		m.progress = snap.Progress
		m.hint = snap.Hint
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.loadHistory(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// row is one visible line of the catalog tree
type row struct {
	idx   int
	depth int
}

// rows flattens the expanded part of the catalog
func (m Model) rows() []row {
	if m.catalog == nil {
		return nil
	}
	var out []row
	var walk func(idx, depth int)
	walk = func(idx, depth int) {
		for _, ch := range m.catalog.Children(idx) {
			out = append(out, row{idx: ch, depth: depth})
			if !m.collapsed[m.catalog.Node(ch).Path] {
				walk(ch, depth+1)
			}
		}
	}
	walk(0, 0)
	return out
}

// ActiveMarkers returns the marker filter in catalog order
func (m Model) ActiveMarkers() []string {
	var out []string
	for _, mk := range m.markers {
		if m.active[mk] {
			out = append(out, mk)
		}
	}
	// keep configured markers the catalog does not know yet
	var extra []string
	for mk, on := range m.active {
		if on && !contains(m.markers, mk) {
			extra = append(extra, mk)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Phase returns the last phase the model saw
func (m Model) Phase() domain.RunPhase {
	return m.phase
}

// Output returns the buffered output lines
func (m Model) Output() []string {
	return m.output
}

func (m *Model) setFlash(msg string, isErr bool) {
	m.flash = msg
	m.flashErr = isErr
	m.flashExp = m.now().Add(flashDuration)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
