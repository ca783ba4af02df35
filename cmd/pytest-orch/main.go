package main

import (
	"errors"
	"fmt"
	"os"

	clog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
)

var (
	configPath string
	projectDir string
	logLevel   string
	logFile    string
	rootCmd    = &cobra.Command{
		Use:   "pytest-orch",
		Short: "pytest orchestrator - discover, select and run pytest suites",
		Long: `pytest-orch discovers the tests of a Python project, lets you select them
by file, class, function or marker, and runs the selection through pytest.
Output is parsed live to track per-test status and progress. Runs are kept
in a local history and can be driven from a terminal UI, a web API, or a
cron schedule.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging()
		},
	}
)

// exitCodeError ends the process with the tool's exit code
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project root (default: configured root or current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a file instead of stderr")
}

// configureLogging applies flags first, then the config file
func configureLogging() error {
	level, file := logLevel, logFile
	if level == "" || file == "" {
		if cfg, err := loadConfig(); err == nil {
			if level == "" {
				level = cfg.General.LogLevel
			}
			if file == "" {
				file = cfg.General.LogFile
			}
		}
	}
	return logger.Configure(level, config.ExpandPath(file))
}

func log() *clog.Logger {
	return logger.With("cli")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
