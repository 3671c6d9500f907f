package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/engine"
	"github.com/fleetyard/basesync/internal/supabase"
)

var version string

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "basesync",
	Short: "Bidirectional sync between a Supabase project and an Airtable base",
	Long: `basesync - a poll-driven reconciler that keeps a Supabase project and an
Airtable base converged across the fleet tables (cars, locations, companies,
loads, users, bookings, requests).

Conflicts resolve last-writer-wins within per-side tolerance windows; link
fields are translated between UUIDs and sheet record ids through per-run
cross-reference indexes.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the basesync version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// setupLogging installs the default slog handler from config.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildEngine constructs the adapters and engine from resolved config.
func buildEngine(cfg *config.Config, dryRun bool) *engine.Engine {
	tables := make(map[string]airtable.TableRef, len(cfg.Tables))
	for entity, ref := range cfg.Tables {
		tables[entity] = airtable.TableRef{ID: ref.ID, Name: ref.Name}
	}
	fields := make(map[string]map[string]airtable.FieldRef, len(cfg.FieldMaps))
	for entity, keys := range cfg.FieldMaps {
		m := make(map[string]airtable.FieldRef, len(keys))
		for key, ref := range keys {
			m[key] = airtable.FieldRef{ID: ref.ID, Name: ref.Name}
		}
		fields[entity] = m
	}

	sheet := airtable.New(cfg.AirtableToken, cfg.AirtableBaseID, tables, fields)
	rel := supabase.New(cfg.SupabaseURL, cfg.SupabaseKey)

	eng := engine.New(sheet, rel, cfg)
	eng.DryRun = dryRun
	return eng
}
