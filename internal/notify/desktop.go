package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const desktopTimeout = 5 * time.Second

// DesktopNotifier shows a notification through osascript or notify-send
type DesktopNotifier struct {
	enabled bool
	// run is swapped in tests
	run func(ctx context.Context, name string, args ...string) error
}

// NewDesktopNotifier creates a desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Send shows n. Unsupported platforms are a no-op.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args, ok := desktopCommand(runtime.GOOS, n)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
	defer cancel()
	return d.run(ctx, name, args...)
}

// desktopBody is the message plus the first failing test
func desktopBody(n Notification) string {
	if len(n.Failures) == 0 {
		return n.Message
	}
	body := n.Message + "\n" + n.Failures[0]
	if more := len(n.Failures) - 1 + n.Omitted; more > 0 {
		body += " (+" + strconv.Itoa(more) + ")"
	}
	return body
}

func desktopCommand(goos string, n Notification) (string, []string, bool) {
	switch goos {
	case "darwin":
		script := `display notification "` + appleScriptQuote(desktopBody(n)) + `" with title "` + appleScriptQuote(n.Title) + `"`
		return "osascript", []string{"-e", script}, true
	case "linux":
		return "notify-send", []string{"--app-name", "pytest-orch", "--icon", desktopIcon(n.Level), n.Title, desktopBody(n)}, true
	}
	return "", nil, false
}

func appleScriptQuote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func desktopIcon(l Level) string {
	switch l {
	case LevelSuccess:
		return "dialog-positive"
	case LevelWarning:
		return "dialog-warning"
	case LevelError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
