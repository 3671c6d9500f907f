package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/engine"
	"github.com/fleetyard/basesync/internal/output"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run reconciliation on an interval",
	Long: `Run an initial reconciliation pass, then repeat on the configured interval
until interrupted. SIGINT finishes the in-flight record and shuts down.

When a sync-rules file is configured it is watched and reloaded between
cycles on change.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			output.Error("configuration: %v", err)
			os.Exit(1)
		}
		setupLogging(cfg)

		if minutes, _ := cmd.Flags().GetInt("interval"); minutes > 0 {
			cfg.IntervalMinutes = minutes
		}
		interval := time.Duration(cfg.IntervalMinutes) * time.Minute

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng := buildEngine(cfg, false)

		rulesChanged := watchRules(ctx, cfg.RulesFile)

		slog.Info("scheduler started", "interval", interval)
		runOnce(ctx, eng)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("shutting down")
				return nil
			case <-rulesChanged:
				rules, err := config.LoadRules(cfg.RulesFile)
				if err != nil {
					slog.Warn("sync rules reload failed", "err", err)
					continue
				}
				eng.Rules = rules
				slog.Info("sync rules reloaded", "file", cfg.RulesFile)
			case <-ticker.C:
				runOnce(ctx, eng)
			}
		}
	},
}

// runOnce executes one scheduled pass; failures are logged, not fatal, so
// the schedule keeps going.
func runOnce(ctx context.Context, eng *engine.Engine) {
	report, err := eng.Run(ctx, nil, engine.RunScheduled)
	if report != nil {
		output.RunReport(report)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduled run failed", "err", err)
	}
}

// watchRules starts an fsnotify watcher on the rules file, if one is
// configured. The returned channel fires on writes to the file.
func watchRules(ctx context.Context, path string) <-chan struct{} {
	changed := make(chan struct{}, 1)
	if path == "" {
		return changed
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("sync rules watch unavailable", "err", err)
		return changed
	}
	if err := watcher.Add(path); err != nil {
		slog.Warn("sync rules watch unavailable", "file", path, "err", err)
		watcher.Close()
		return changed
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					select {
					case changed <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("sync rules watch error", "err", err)
			}
		}
	}()
	return changed
}

func init() {
	scheduleCmd.Flags().Int("interval", 0, "minutes between passes (overrides SYNC_INTERVAL_MINUTES)")
	rootCmd.AddCommand(scheduleCmd)
}
