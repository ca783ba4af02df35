// Package logger configures the structured logger shared by pytest-orch.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// EnvLogLevel names the environment variable consulted when no level is given
const EnvLogLevel = "PYTEST_ORCH_LOG_LEVEL"

var (
	mu     sync.RWMutex
	root             = newLogger(os.Stderr, log.InfoLevel)
	output io.Writer = os.Stderr
)

func newLogger(w io.Writer, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	styles := log.DefaultStyles()
	styles.Keys["phase"] = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	styles.Keys["test"] = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	l.SetStyles(styles)
	return l
}

// Configure sets the level and destination. level falls back to
// PYTEST_ORCH_LOG_LEVEL and then to info. An empty file logs to stderr.
func Configure(level, file string) error {
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}

	var w io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		w = f
	}

	mu.Lock()
	defer mu.Unlock()
	output = w
	root = newLogger(w, ParseLevel(level))
	return nil
}

// SetOutput redirects all subsequently created loggers, e.g. io.Discard in tests
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	root = newLogger(w, root.GetLevel())
}

// ParseLevel converts a level name, defaulting to info
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Get returns the process-wide logger
func Get() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// With returns a component logger that prints prefix before each message
func With(prefix string) *log.Logger {
	return Get().WithPrefix(prefix)
}

// Writer returns the current log destination
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return output
}
