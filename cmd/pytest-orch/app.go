package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/discovery"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/metrics"
	"github.com/hochfrequenz/pytest-orchestrator/internal/notify"
	"github.com/hochfrequenz/pytest-orchestrator/internal/observer"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runstore"
)

// stuckThreshold is how long one test may run before a warning is logged
const stuckThreshold = 2 * time.Minute

// appOptions selects the optional parts of the stack
type appOptions struct {
	history bool
	notify  bool
	metrics bool
}

// app is the assembled run stack shared by run, tui, serve and schedule
type app struct {
	cfg  *config.Config
	root string
	env  map[string]string

	disc  *discovery.Discoverer
	ctrl  *runner.Controller
	stats *observer.Observer

	store    *runstore.Store
	recorder *runstore.Recorder
	notifier *notify.RunNotifier
	registry *prometheus.Registry
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// configFile is where config changes are written back
func configFile() string {
	if configPath != "" {
		return configPath
	}
	if local := config.FindLocalConfig(); local != "" {
		return local
	}
	return config.DefaultConfigPath()
}

// projectRoot resolves the --project flag, the configured root, or the
// working directory, in that order
func projectRoot(cfg *config.Config) (string, error) {
	root := projectDir
	if root == "" {
		root = config.ExpandPath(cfg.General.ProjectRoot)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", abs)
	}
	return abs, nil
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	root, err := projectRoot(cfg)
	if err != nil {
		return nil, err
	}
	cfg.General.ProjectRoot = root

	env, err := config.LoadEnvFile(cfg.EnvFilePath())
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}

	a := &app{
		cfg:   cfg,
		root:  root,
		env:   env,
		disc:  discovery.New(root),
		stats: observer.New(stuckThreshold),
	}

	a.ctrl = runner.New(runner.Config{
		Interpreter: cfg.Runner.Interpreter,
		Tool:        cfg.Runner.Tool,
		StopTimeout: cfg.Runner.StopTimeoutDuration(),
	})
	a.ctrl.Subscribe(a.stats)

	if opts.history && cfg.General.DatabasePath != "" {
		store, err := runstore.New(config.ExpandPath(cfg.General.DatabasePath))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.store = store
		a.recorder = runstore.NewRecorder(store)
		a.ctrl.Subscribe(a.recorder)
	}

	if opts.notify {
		if n := newNotifier(cfg); n != nil {
			a.notifier = notify.NewRunNotifier(n)
			a.ctrl.Subscribe(a.notifier)
		}
	}

	if opts.metrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.ctrl.Subscribe(metrics.New(a.registry))
	}

	return a, nil
}

// newNotifier returns nil when every channel is disabled
func newNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notify.NewMultiNotifier(notifiers...)
}

// discover builds the catalog and hands it to the controller
func (a *app) discover(ctx context.Context) (*domain.Catalog, error) {
	cat, err := a.disc.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering tests: %w", err)
	}
	a.ctrl.SetCatalog(cat)
	return cat, nil
}

// watchStuck logs once per test that runs past stuckThreshold
func (a *app) watchStuck(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var warned string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id, elapsed, ok := a.stats.Stuck()
			if ok && id != warned {
				warned = id
				log().Warn("test is taking long", "test", id, "elapsed", elapsed.Round(time.Second))
			}
		}
	}
}

// Close stops a running process and drains every observer
func (a *app) Close() {
	if a.ctrl != nil {
		if a.ctrl.Phase().Active() {
			a.ctrl.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), runner.DefaultKillDeadline)
			a.ctrl.Wait(ctx)
			cancel()
		}
		a.ctrl.Close()
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
