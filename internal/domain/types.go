package domain

// NodeType identifies what a catalog node represents
type NodeType string

const (
	NodeDirectory NodeType = "directory"
	NodeFile      NodeType = "file"
	NodeClass     NodeType = "class"
	NodeFunction  NodeType = "function"
)

// TestStatus represents the execution state of a catalog node
type TestStatus string

const (
	StatusPending TestStatus = "pending"
	StatusRunning TestStatus = "running"
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
	StatusError   TestStatus = "error"
)

// Outcome is the result reported for a finished test
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// Status maps an outcome to the node status it produces
func (o Outcome) Status() TestStatus {
	switch o {
	case OutcomePassed:
		return StatusPassed
	case OutcomeFailed:
		return StatusFailed
	case OutcomeSkipped:
		return StatusSkipped
	default:
		return StatusError
	}
}

// ParseOutcome converts the uppercase word printed by pytest into an Outcome
func ParseOutcome(word string) (Outcome, bool) {
	switch word {
	case "PASSED":
		return OutcomePassed, true
	case "FAILED":
		return OutcomeFailed, true
	case "SKIPPED":
		return OutcomeSkipped, true
	case "ERROR":
		return OutcomeError, true
	}
	return "", false
}

// RunPhase is the lifecycle state of the run controller
type RunPhase string

const (
	PhaseIdle     RunPhase = "idle"
	PhaseRunning  RunPhase = "running"
	PhaseStopping RunPhase = "stopping"
	PhaseStopped  RunPhase = "stopped"
	PhaseErrored  RunPhase = "errored"
)

// Active reports whether a process handle exists in this phase
func (p RunPhase) Active() bool {
	return p == PhaseRunning || p == PhaseStopping
}
