package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/pytest-orchestrator/internal/batch"
)

// MaxRecentProjects caps the recent project list
const MaxRecentProjects = 10

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runner        RunnerConfig        `toml:"runner"`
	Pytest        PytestOptions       `toml:"pytest"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Schedules     []batch.Schedule    `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot    string   `toml:"project_root"`
	RecentProjects []string `toml:"recent_projects"`
	DatabasePath   string   `toml:"database_path"`
	LogLevel       string   `toml:"log_level"`
	LogFile        string   `toml:"log_file"`
	WatchFiles     bool     `toml:"watch_files"`
}

// RunnerConfig controls how the test tool is launched
type RunnerConfig struct {
	Interpreter string `toml:"interpreter"`
	Tool        string `toml:"tool"`
	// StopTimeout is a duration string such as "5s"
	StopTimeout string   `toml:"stop_timeout"`
	ExtraArgs   []string `toml:"extra_args"`
	EnvFile     string   `toml:"env_file"`
}

// StopTimeoutDuration parses StopTimeout, falling back to 5s
func (r RunnerConfig) StopTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(r.StopTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns host:port
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".pytest-orch", "history.db"),
			LogLevel:     "info",
			WatchFiles:   true,
		},
		Runner: RunnerConfig{
			Interpreter: "python",
			Tool:        "pytest",
			StopTimeout: "5s",
			EnvFile:     ".env",
		},
		Pytest: PytestOptions{
			Traceback: "short",
			Capture:   "sys",
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range cfg.Schedules {
		if err := cfg.Schedules[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	for i, p := range cfg.General.RecentProjects {
		cfg.General.RecentProjects[i] = ExpandPath(p)
	}

	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// AddRecentProject moves path to the front of the recent list
func (c *Config) AddRecentProject(path string) {
	recent := []string{path}
	for _, p := range c.General.RecentProjects {
		if p != path {
			recent = append(recent, p)
		}
	}
	if len(recent) > MaxRecentProjects {
		recent = recent[:MaxRecentProjects]
	}
	c.General.RecentProjects = recent
}

// ClearRecentProjects empties the recent list
func (c *Config) ClearRecentProjects() {
	c.General.RecentProjects = nil
}

// EnvFilePath resolves the env file relative to the project root
func (c *Config) EnvFilePath() string {
	p := ExpandPath(c.Runner.EnvFile)
	if p == "" || filepath.IsAbs(p) || c.General.ProjectRoot == "" {
		return p
	}
	return filepath.Join(c.General.ProjectRoot, p)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pytest-orch", "config.toml")
}

// LocalConfigName is the per-project config file searched for upwards from
// the working directory
const LocalConfigName = ".pytest-orch.toml"

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName. It returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when given, otherwise a project-local
// config, otherwise the user config
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		cfg, err := Load(local)
		if err != nil {
			return nil, err
		}
		if cfg.General.ProjectRoot == "" {
			cfg.General.ProjectRoot = filepath.Dir(local)
		}
		return cfg, nil
	}
	return Load(DefaultConfigPath())
}
