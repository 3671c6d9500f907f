package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/engine"
	"github.com/fleetyard/basesync/internal/output"
	"github.com/fleetyard/basesync/internal/schema"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity...]",
	Short: "Run one reconciliation pass",
	Long: `Run one full reconciliation pass: every entity sheet-to-relational first,
then relational-to-sheet, in dependency order. Naming entities restricts the
pass to those tables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		for _, arg := range args {
			if _, ok := schema.NormalizeName(arg); !ok {
				fmt.Fprintf(os.Stderr, "unknown entity %q\nvalid entities: %s\n",
					arg, strings.Join(schema.Names(), ", "))
				os.Exit(1)
			}
		}

		cfg, err := config.Load()
		if err != nil {
			output.Error("configuration: %v", err)
			os.Exit(1)
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng := buildEngine(cfg, dryRun)
		report, err := eng.Run(ctx, args, engine.RunManual)
		if report != nil {
			output.RunReport(report)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				output.Warning("interrupted")
				return nil
			}
			output.Error("run failed: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "resolve and diff but issue no writes")
	rootCmd.AddCommand(syncCmd)
}
