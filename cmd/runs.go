package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/output"
	"github.com/fleetyard/basesync/internal/schema"
	"github.com/fleetyard/basesync/internal/supabase"
)

var runsCmd = &cobra.Command{
	Use:           "runs",
	Short:         "Show recent sync runs",
	Long:          `List the most recent rows of the system_sync_runs table.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			output.Error("configuration: %v", err)
			os.Exit(1)
		}
		setupLogging(cfg)

		rel := supabase.New(cfg.SupabaseURL, cfg.SupabaseKey)
		rows, err := rel.Select(context.Background(), schema.SyncRunsTable, url.Values{
			"select": {"*"},
			"order":  {"started_at.desc"},
			"limit":  {strconv.Itoa(limit)},
		})
		if err != nil {
			output.Error("fetch runs: %v", err)
			return err
		}

		for _, row := range rows {
			finished := str(row["finished_at"])
			if finished == "" {
				finished = "-"
			}
			fmt.Printf("%-22s %-10s %-22s %-9s processed=%-5v updated=%-5v errors=%-4v finished=%s\n",
				str(row["started_at"]), str(row["type"]), str(row["direction"]),
				str(row["table_name"]), row["processed"], row["updated"], row["errors"], finished)
		}
		return nil
	},
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of runs to show")
	rootCmd.AddCommand(runsCmd)
}
