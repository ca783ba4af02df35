package config

import (
	"strconv"
	"strings"
)

// PytestOptions are the command-line options exposed in the UI. They are
// rendered into extra arguments appended after the fixed flags.
type PytestOptions struct {
	// Verbosity: 0 default, -1 quiet, 2 very verbose
	Verbosity   int      `toml:"verbosity"`
	Traceback   string   `toml:"traceback"`
	ShowLocals  bool     `toml:"show_locals"`
	Capture     string   `toml:"capture"`
	ExitFirst   bool     `toml:"exit_first"`
	MaxFail     int      `toml:"maxfail"`
	Workers     string   `toml:"workers"`
	CollectOnly bool     `toml:"collect_only"`
	Ignore      []string `toml:"ignore"`
	Durations   int      `toml:"durations"`
	Markers     []string `toml:"markers"`
	Keyword     string   `toml:"keyword"`
	AddOpts     string   `toml:"addopts"`
}

// Args renders the options. Traceback "short" and capture "sys" are the
// defaults and produce no flag.
func (o PytestOptions) Args() []string {
	var args []string

	switch {
	case o.Verbosity < 0:
		args = append(args, "-q")
	case o.Verbosity >= 2:
		args = append(args, "-vv")
	}
	if o.Traceback != "" && o.Traceback != "short" && o.Traceback != "auto" {
		args = append(args, "--tb="+o.Traceback)
	}
	if o.ShowLocals {
		args = append(args, "-l")
	}
	if o.Capture != "" && o.Capture != "sys" {
		args = append(args, "--capture="+o.Capture)
	}
	if o.ExitFirst {
		args = append(args, "-x")
	}
	if o.MaxFail > 0 {
		args = append(args, "--maxfail="+strconv.Itoa(o.MaxFail))
	}
	if o.Workers != "" {
		args = append(args, "-n", o.Workers)
	}
	if o.CollectOnly {
		args = append(args, "--collect-only")
	}
	for _, p := range o.Ignore {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, "--ignore="+p)
		}
	}
	if o.Durations > 0 {
		args = append(args, "--durations="+strconv.Itoa(o.Durations))
	}
	if expr := MarkerExpression(o.Markers); expr != "" {
		args = append(args, "-m", expr)
	}
	if o.Keyword != "" {
		args = append(args, "-k", o.Keyword)
	}
	args = append(args, strings.Fields(o.AddOpts)...)
	return args
}

// MarkerExpression joins markers into a pytest -m "a or b" expression
func MarkerExpression(markers []string) string {
	var clean []string
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			clean = append(clean, m)
		}
	}
	return strings.Join(clean, " or ")
}
