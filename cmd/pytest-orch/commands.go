package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/observer"
	"github.com/hochfrequenz/pytest-orchestrator/internal/report"
	"github.com/hochfrequenz/pytest-orchestrator/internal/selection"
	"github.com/hochfrequenz/pytest-orchestrator/tui"
	"github.com/hochfrequenz/pytest-orchestrator/web/api"
)

var (
	discoverMarkers bool
	discoverStatus  bool

	runMarkers   []string
	runExtra     []string
	runNoHistory bool
	runQuiet     bool
	runSlowest   int
	runExport    string

	servePort int
	serveHost string

	historyLimit int
	historyPrune time.Duration
	flakyLimit   int
	showYAML     bool

	noColor bool
)

func init() {
	discoverCmd := &cobra.Command{
		Use:   "discover [PATH]",
		Short: "Discover tests and print the catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDiscover,
	}
	discoverCmd.Flags().BoolVar(&discoverMarkers, "markers", false, "only list the markers in use")
	discoverCmd.Flags().BoolVar(&discoverStatus, "status", false, "show the status column")
	rootCmd.AddCommand(discoverCmd)

	runCmd := &cobra.Command{
		Use:   "run [PATH...]",
		Short: "Run tests headless and print a summary",
		Long: `Run the given test paths, or the whole project when none are given.
Paths use pytest node ids: tests/test_a.py, tests/test_a.py::TestX,
tests/test_a.py::TestX::test_y. The process exits with pytest's exit code.`,
		RunE: runRun,
	}
	runCmd.Flags().StringSliceVarP(&runMarkers, "marker", "m", nil, "only run tests carrying any of these markers")
	runCmd.Flags().StringArrayVar(&runExtra, "extra", nil, "extra argument passed to pytest (repeatable)")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "do not record the run")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not echo pytest output")
	runCmd.Flags().IntVar(&runSlowest, "slowest", 0, "list the N slowest tests")
	runCmd.Flags().StringVar(&runExport, "export", "", "write the run summary as YAML to this file")
	rootCmd.AddCommand(runCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the terminal UI",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to list")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete runs older than this before listing")
	rootCmd.AddCommand(historyCmd)

	flakyCmd := &cobra.Command{
		Use:   "flaky",
		Short: "List tests that both passed and failed in recorded runs",
		RunE:  runFlaky,
	}
	flakyCmd.Flags().IntVar(&flakyLimit, "limit", 20, "number of tests to list")
	rootCmd.AddCommand(flakyCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	showCmd.Flags().BoolVar(&showYAML, "yaml", false, "print the run as YAML")
	rootCmd.AddCommand(showCmd)

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored tables")
}

func tableOptions() report.Options {
	return report.Options{Color: !noColor && os.Getenv("NO_COLOR") == ""}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		projectDir = args[0]
	}
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	cat, err := a.discover(cmd.Context())
	if err != nil {
		return err
	}

	if discoverMarkers {
		for _, m := range cat.Markers() {
			fmt.Println(m)
		}
		return nil
	}
	fmt.Print(report.CatalogTree(cat, discoverStatus))
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: !runNoHistory, notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The catalog only improves status tracking; a failed scan is not fatal.
	if _, err := a.discover(ctx); err != nil {
		log().Warn("discovery failed, running without a catalog", "err", err)
	}

	var out io.Writer = os.Stdout
	if runQuiet {
		out = nil
	}
	collector := newRunCollector(out)
	a.ctrl.Subscribe(collector)

	plan := selection.ForPaths(args, runMarkers, a.cfg.Pytest)
	extra := append(append([]string(nil), a.cfg.Runner.ExtraArgs...), runExtra...)
	req := plan.Request(a.root, a.env, extra...)
	if err := a.ctrl.Start(context.Background(), req); err != nil {
		return err
	}

	go a.watchStuck(ctx)

	select {
	case <-collector.Finished():
	case <-ctx.Done():
		log().Info("stopping run")
		a.ctrl.Stop()
		<-collector.Finished()
	}

	summary, ok := collector.Report()
	if !ok {
		return fmt.Errorf("run ended without a summary")
	}

	fmt.Println()
	fmt.Print(report.SummaryTable(summary, tableOptions()))

	if runSlowest > 0 {
		fmt.Println("\nSlowest tests:")
		for _, t := range a.stats.SlowestTests(runSlowest) {
			fmt.Printf("  %8s  %s\n", t.Duration.Round(time.Millisecond), t.ID)
		}
	}

	if runExport != "" {
		if err := exportSummary(runExport, summary); err != nil {
			return err
		}
	}

	if code := exitCode(summary); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func exportSummary(path string, s report.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()
	return report.WriteYAML(f, s)
}

// startWatching re-discovers the project when files change
func (a *app) startWatching(ctx context.Context, onCatalog func(*domain.Catalog)) (stop func(), err error) {
	refresher := observer.NewRefresher(a.disc, a.ctrl, onCatalog)
	a.ctrl.Subscribe(refresher)

	watcher, err := observer.NewWatcher(a.root, refresher.Changed)
	if err != nil {
		return nil, err
	}
	watcher.Start(ctx)
	return func() {
		watcher.Stop()
		refresher.Wait()
	}, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// the alternate screen owns the terminal
	if logFile == "" && cfg.General.LogFile == "" {
		logger.SetOutput(io.Discard)
	}

	a, err := newApp(appOptions{history: true, notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cat, err := a.discover(ctx)
	if err != nil {
		return err
	}

	var history tui.History
	if a.store != nil {
		history = a.store
	}

	model := tui.NewModel(tui.ModelConfig{
		Controller: a.ctrl,
		History:    history,
		Catalog:    cat,
		Dir:        a.root,
		Env:        a.env,
		Pytest:     a.cfg.Pytest,
		ExtraArgs:  a.cfg.Runner.ExtraArgs,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	bridge := tui.NewBridge(p.Send)
	a.ctrl.Subscribe(bridge)

	if a.cfg.General.WatchFiles {
		stopWatching, err := a.startWatching(ctx, bridge.CatalogChanged)
		if err != nil {
			log().Warn("file watching disabled", "err", err)
		} else {
			defer stopWatching()
		}
	}

	go a.watchStuck(ctx)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running TUI: %w", err)
	}

	rememberProject(a.root)
	return nil
}

// rememberProject adds root to the recent projects of the saved config
func rememberProject(root string) {
	cfg, err := loadConfig()
	if err != nil {
		log().Warn("could not update recent projects", "err", err)
		return
	}
	cfg.AddRecentProject(root)
	if err := cfg.Save(configFile()); err != nil {
		log().Warn("could not update recent projects", "err", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: true, notify: true, metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.discover(ctx); err != nil {
		return err
	}

	web := a.cfg.Web
	if servePort != 0 {
		web.Port = servePort
	}
	if serveHost != "" {
		web.Host = serveHost
	}

	var history api.History
	if a.store != nil {
		history = a.store
	}

	server := api.NewServer(a.ctrl, history, web.Addr(), api.Options{
		Dir:       a.root,
		Env:       a.env,
		Pytest:    a.cfg.Pytest,
		ExtraArgs: a.cfg.Runner.ExtraArgs,
		Gatherer:  a.registry,
	})
	a.ctrl.Subscribe(server.Publisher())

	if a.cfg.General.WatchFiles {
		stopWatching, err := a.startWatching(ctx, nil)
		if err != nil {
			log().Warn("file watching disabled", "err", err)
		} else {
			defer stopWatching()
		}
	}

	go a.watchStuck(ctx)

	fmt.Printf("Serving %s on http://%s\n", a.root, web.Addr())
	return server.Start(ctx)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return fmt.Errorf("run history is disabled (general.database_path is empty)")
	}

	if historyPrune > 0 {
		n, err := a.store.DeleteRunsBefore(time.Now().Add(-historyPrune))
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		fmt.Printf("Deleted %d runs\n", n)
	}

	runs, err := a.store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Print(report.HistoryTable(runs, tableOptions()))
	return nil
}

func runFlaky(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return fmt.Errorf("run history is disabled (general.database_path is empty)")
	}

	flaky, err := a.store.FlakyTests(flakyLimit)
	if err != nil {
		return err
	}
	if len(flaky) == 0 {
		fmt.Println("No flaky tests")
		return nil
	}
	fmt.Print(report.FlakyTable(flaky, tableOptions()))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store == nil {
		return fmt.Errorf("run history is disabled (general.database_path is empty)")
	}

	id := strings.TrimSpace(args[0])
	run, err := a.store.GetRun(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	results, err := a.store.ResultsForRun(id)
	if err != nil {
		return err
	}

	summary := report.FromRun(run, results)
	if showYAML {
		return report.WriteYAML(os.Stdout, summary)
	}
	fmt.Print(report.SummaryTable(summary, tableOptions()))
	return nil
}
