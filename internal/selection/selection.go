// Package selection turns what the user picked in the catalog into the
// paths and arguments of a run.
package selection

import (
	"errors"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// ErrNoMatchingTests is returned when selected tests and marker filters
// have nothing in common
var ErrNoMatchingTests = errors.New("no selected test carries the requested markers")

// Plan is the resolved scope of a run
type Plan struct {
	// Paths is empty when the whole project should run
	Paths     []string
	Markers   []string
	ExtraArgs []string
}

// FromCatalog builds a plan from the selected catalog nodes. With no
// selection the whole root runs and markers become a -m expression; with a
// selection, markers narrow the selected tests.
func FromCatalog(cat *domain.Catalog, markers []string, opts config.PytestOptions) (Plan, error) {
	opts.Markers = nil
	plan := Plan{Markers: markers}

	selected := cat.SelectedPaths()
	if len(selected) == 0 {
		plan.ExtraArgs = withMarkerExpr(opts.Args(), markers)
		return plan, nil
	}

	if len(markers) == 0 {
		plan.Paths = selected
		plan.ExtraArgs = opts.Args()
		return plan, nil
	}

	wanted := make(map[string]bool, len(selected))
	for _, p := range selected {
		wanted[p] = true
	}
	for _, idx := range cat.FilterByMarkers(markers) {
		if p := cat.Node(idx).Path; wanted[p] {
			plan.Paths = append(plan.Paths, p)
		}
	}
	if len(plan.Paths) == 0 {
		return Plan{}, ErrNoMatchingTests
	}
	plan.ExtraArgs = opts.Args()
	return plan, nil
}

// ForPaths builds a plan for explicit paths, as given on the command line
// or by a schedule
func ForPaths(paths, markers []string, opts config.PytestOptions) Plan {
	opts.Markers = nil
	return Plan{
		Paths:     paths,
		Markers:   markers,
		ExtraArgs: withMarkerExpr(opts.Args(), markers),
	}
}

func withMarkerExpr(args, markers []string) []string {
	if expr := config.MarkerExpression(markers); expr != "" {
		args = append(args, "-m", expr)
	}
	return args
}

// Request converts the plan into a run request. extra is appended after
// the plan's own arguments.
func (p Plan) Request(dir string, env map[string]string, extra ...string) runner.RunRequest {
	args := append(append([]string(nil), p.ExtraArgs...), extra...)
	return runner.RunRequest{
		Paths:     p.Paths,
		ExtraArgs: args,
		Env:       env,
		Dir:       dir,
	}
}

// SelectPaths marks the nodes with the given paths, and their subtrees, as
// selected. Unknown paths are returned.
func SelectPaths(cat *domain.Catalog, paths ...string) []string {
	var unknown []string
	for _, p := range paths {
		idx, ok := cat.Find(p)
		if !ok {
			unknown = append(unknown, p)
			continue
		}
		cat.SetSelected(idx, true)
	}
	return unknown
}

// SelectMarkers marks every test carrying one of markers
func SelectMarkers(cat *domain.Catalog, markers ...string) int {
	if len(markers) == 0 {
		return 0
	}
	n := 0
	for _, idx := range cat.FilterByMarkers(markers) {
		cat.SetSelected(idx, true)
		n++
	}
	return n
}

// ClearSelection deselects the whole catalog
func ClearSelection(cat *domain.Catalog) {
	cat.SetSelected(0, false)
}
