package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/pytest-orchestrator/internal/batch"
	"github.com/hochfrequenz/pytest-orchestrator/internal/config"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/notify"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
	"github.com/hochfrequenz/pytest-orchestrator/internal/selection"
)

var scheduleFile string

func init() {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run tests on cron schedules",
		Long: `Run the configured [[schedule]] entries until interrupted. Each entry
names a cron expression, the paths and markers to run, and a max_duration
after which the run is stopped. Runs never overlap.`,
		RunE: runSchedule,
	}
	scheduleCmd.PersistentFlags().StringVar(&scheduleFile, "file", "", "additional TOML file with [[schedule]] entries")

	scheduleListCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules and their next run",
		RunE:  runScheduleList,
	}
	scheduleCmd.AddCommand(scheduleListCmd)

	rootCmd.AddCommand(scheduleCmd)
}

func loadSchedules(a *app) (*batch.Scheduler, error) {
	schedules := append([]batch.Schedule(nil), a.cfg.Schedules...)
	if scheduleFile != "" {
		extra, err := batch.LoadFile(config.ExpandPath(scheduleFile))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", scheduleFile, err)
		}
		schedules = append(schedules, extra...)
	}
	if len(schedules) == 0 {
		return nil, fmt.Errorf("no schedules configured")
	}
	return batch.NewScheduler(schedules)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := loadSchedules(a)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tSELECTION\tNEXT RUN")
	for _, name := range sched.List() {
		s, _ := sched.Get(name)
		target := strings.Join(s.Paths, " ")
		if target == "" {
			target = "(all)"
		}
		if len(s.Markers) > 0 {
			target += " -m " + strings.Join(s.Markers, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, s.Cron, target, humanize.Time(sched.NextRun(name)))
	}
	return w.Flush()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := newApp(appOptions{history: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := loadSchedules(a)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := newRunCollector(nil)
	a.ctrl.Subscribe(collector)
	notifier := newNotifier(a.cfg)

	go a.watchStuck(ctx)

	// the controller runs one process at a time
	slot := make(chan struct{}, 1)

	run := func(ctx context.Context, s batch.Schedule) error {
		select {
		case slot <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-slot }()

		if _, err := a.discover(ctx); err != nil {
			log().Warn("discovery failed, running without a catalog", "schedule", s.Name, "err", err)
		}

		plan := selection.ForPaths(s.Paths, s.Markers, a.cfg.Pytest)
		extra := append(append([]string(nil), a.cfg.Runner.ExtraArgs...), s.ExtraArgs...)
		if err := a.ctrl.Start(ctx, plan.Request(a.root, a.env, extra...)); err != nil {
			return err
		}

		var summary runner.RunSummary
		select {
		case summary = <-collector.Finished():
		case <-ctx.Done():
			a.ctrl.Stop()
			summary = <-collector.Finished()
		}

		p := summary.Progress
		log().Info("scheduled run finished",
			"schedule", s.Name, "run", summary.ID, "phase", summary.Phase,
			"passed", p.Passed, "failed", p.Failed, "errors", p.Errors)

		if s.NotifyOnComplete && notifier != nil {
			n := notify.FromSummary(summary, collector.Failures())
			n.Title = s.Name + ": " + n.Title
			if err := notifier.Send(n); err != nil {
				log().Warn("notification failed", "schedule", s.Name, "err", err)
			}
		}

		if summary.Phase == domain.PhaseErrored {
			return fmt.Errorf("run %s errored", summary.ID)
		}
		return nil
	}

	names := sched.List()
	log().Info("scheduler started", "schedules", strings.Join(names, ","))
	fmt.Printf("Running %d schedules for %s, press Ctrl+C to stop\n", len(names), a.root)
	sched.Start(ctx, run)

	m := a.stats.GetMetrics()
	log().Info("scheduler stopped", "runs", m.TotalRuns, "succeeded", m.Succeeded, "errored", m.Errored)
	return nil
}
