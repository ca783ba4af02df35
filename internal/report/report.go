// Package report renders run results for export and for the terminal.
package report

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
)

// Summary is the exported form of a run
type Summary struct {
	RunID      string      `yaml:"run_id"`
	Phase      string      `yaml:"phase"`
	ExitCode   int         `yaml:"exit_code"`
	Dir        string      `yaml:"dir,omitempty"`
	Command    []string    `yaml:"command,omitempty"`
	StartedAt  time.Time   `yaml:"started_at"`
	FinishedAt *time.Time  `yaml:"finished_at,omitempty"`
	Duration   string      `yaml:"duration,omitempty"`
	Totals     Totals      `yaml:"totals"`
	Tests      []TestEntry `yaml:"tests,omitempty"`
}

// Totals are the outcome counters of a run
type Totals struct {
	Total   int `yaml:"total"`
	Passed  int `yaml:"passed"`
	Failed  int `yaml:"failed"`
	Skipped int `yaml:"skipped"`
	Errors  int `yaml:"errors"`
}

// TestEntry is one test result
type TestEntry struct {
	Path    string `yaml:"path"`
	Outcome string `yaml:"outcome"`
	Reason  string `yaml:"reason,omitempty"`
}

// FromRun builds a summary from stored history
func FromRun(run *domain.Run, results []*domain.TestResult) Summary {
	s := Summary{
		RunID:      run.ID,
		Phase:      string(run.Phase),
		ExitCode:   run.ExitCode,
		Dir:        run.Dir,
		Command:    run.Args,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Totals: Totals{
			Total:   run.Total,
			Passed:  run.Passed,
			Failed:  run.Failed,
			Skipped: run.Skipped,
			Errors:  run.Errors,
		},
	}
	if d := run.Duration(); d > 0 {
		s.Duration = d.Round(time.Millisecond).String()
	}
	for _, r := range results {
		s.Tests = append(s.Tests, TestEntry{Path: r.Path, Outcome: string(r.Outcome), Reason: r.Reason})
	}
	return s
}

// Succeeded mirrors domain.Run.Succeeded
func (s Summary) Succeeded() bool {
	return s.Phase == string(domain.PhaseIdle) && s.Totals.Failed == 0 && s.Totals.Errors == 0
}

// WriteYAML encodes the summary as YAML
func WriteYAML(w io.Writer, s Summary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// ReadYAML decodes a summary written by WriteYAML
func ReadYAML(r io.Reader) (Summary, error) {
	var s Summary
	err := yaml.NewDecoder(r).Decode(&s)
	return s, err
}
