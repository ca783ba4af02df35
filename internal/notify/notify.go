// Package notify tells the user how a test run ended.
package notify

import "errors"

// Level is the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// maxFailures caps the failing tests listed in one notification
const maxFailures = 5

// Counts are the outcome counters of a finished run
type Counts struct {
	Passed  int
	Failed  int
	Skipped int
	Errors  int
}

// Notification describes a finished run
type Notification struct {
	Title   string
	Message string
	Level   Level
	RunID   string
	Counts  Counts
	// Failures holds up to maxFailures failing test ids; Omitted counts the rest
	Failures []string
	Omitted  int
}

// Notifier delivers notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to several notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
