package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultMaxDuration bounds a scheduled run when none is configured
const DefaultMaxDuration = 2 * time.Hour

// Schedule describes a recurring test run
type Schedule struct {
	Name  string   `toml:"name"`
	Cron  string   `toml:"cron"`
	Paths []string `toml:"paths"`
	// Markers restrict the run to tests carrying any of them
	Markers          []string `toml:"markers"`
	ExtraArgs        []string `toml:"extra_args"`
	MaxDuration      string   `toml:"max_duration"`
	NotifyOnComplete bool     `toml:"notify_on_complete"`
}

// Validate checks the schedule and fills defaults
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if s.MaxDuration != "" {
		if _, err := time.ParseDuration(s.MaxDuration); err != nil {
			return fmt.Errorf("invalid max_duration: %w", err)
		}
	}
	return nil
}

// Timeout returns MaxDuration or DefaultMaxDuration
func (s Schedule) Timeout() time.Duration {
	d, err := time.ParseDuration(s.MaxDuration)
	if err != nil || d <= 0 {
		return DefaultMaxDuration
	}
	return d
}

// File is a standalone schedule file
type File struct {
	Schedules []Schedule `toml:"schedule"`
}

// LoadFile loads schedules from a TOML file
func LoadFile(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	for i := range f.Schedules {
		if err := f.Schedules[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
	}

	return f.Schedules, nil
}
