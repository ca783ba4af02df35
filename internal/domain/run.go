package domain

import "time"

// Run is a persisted record of one invocation of the test tool
type Run struct {
	ID         string
	Paths      []string
	Args       []string
	Dir        string
	Phase      RunPhase
	ExitCode   int
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	Errors     int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Duration returns how long the run took, or zero while it is unfinished
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Completed returns the number of finished tests
func (r *Run) Completed() int {
	return r.Passed + r.Failed + r.Skipped + r.Errors
}

// Succeeded is true when the run ended normally with no failures or errors
func (r *Run) Succeeded() bool {
	return r.Phase == PhaseIdle && r.Failed == 0 && r.Errors == 0
}

// TestResult is the final outcome of one test within a run
type TestResult struct {
	ID        int
	RunID     string
	Path      string
	Outcome   Outcome
	Reason    string
	Timestamp time.Time
}
