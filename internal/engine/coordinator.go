package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetyard/basesync/internal/schema"
)

// Run executes the full pipeline: every selected entity sheet-to-relational
// first, then relational-to-sheet, in dependency order. Parents of link
// fields come first so one pass resolves as many links as possible.
//
// An empty entity list selects everything. Each entity-direction pass is
// bracketed by a system_sync_runs row; failures to open or close that row
// are logged but never abort the run. An entity-level failure is propagated
// only after its run row has been closed.
func (e *Engine) Run(ctx context.Context, entities []string, runType RunType) (*RunReport, error) {
	selected, err := selectEntities(entities)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		Type:      runType,
		StartedAt: e.now(),
		Summary:   NewSummary(),
	}

	for _, dir := range []Direction{AirtableToSupabase, SupabaseToAirtable} {
		for _, ent := range selected {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			slog.Info("syncing entity", "entity", ent.Name, "direction", dir)
			runID := e.openRun(ctx, ent.Name, dir, runType)

			stats, syncErr := e.SyncEntity(ctx, ent, dir, report.Summary)
			report.Stats = append(report.Stats, stats)

			e.closeRun(ctx, runID, stats)

			if syncErr != nil {
				slog.Error("entity sync failed", "entity", ent.Name, "direction", dir, "err", syncErr)
				return report, fmt.Errorf("sync %s %s: %w", ent.Name, dir, syncErr)
			}
			slog.Info("entity done", "entity", ent.Name, "direction", dir,
				"processed", stats.Processed, "created", stats.Created,
				"updated", stats.Updated, "unchanged", stats.Unchanged,
				"skipped", stats.Skipped, "errors", stats.Errors)
		}
	}
	return report, nil
}

// selectEntities resolves CLI entity names against the schema, preserving
// dependency order. Unknown names are rejected with the valid list.
func selectEntities(names []string) ([]schema.Entity, error) {
	if len(names) == 0 {
		return schema.Entities, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		canonical, ok := schema.NormalizeName(n)
		if !ok {
			return nil, fmt.Errorf("unknown entity %q (valid: %s)", n, strings.Join(schema.Names(), ", "))
		}
		wanted[canonical] = true
	}
	var selected []schema.Entity
	for _, ent := range schema.Entities {
		if wanted[ent.Name] {
			selected = append(selected, ent)
		}
	}
	return selected, nil
}

// openRun inserts the sync_run row for one entity-direction pass and
// returns its id, or "" when the insert failed.
func (e *Engine) openRun(ctx context.Context, table string, dir Direction, runType RunType) string {
	if e.DryRun {
		return ""
	}
	row, err := e.Rel.Insert(ctx, schema.SyncRunsTable, map[string]any{
		"table_name": table,
		"direction":  string(dir),
		"type":       string(runType),
		"started_at": e.now().UTC().Format(time.RFC3339),
		"processed":  0,
		"updated":    0,
		"errors":     0,
	})
	if err != nil {
		slog.Warn("open sync_run row failed", "table", table, "direction", dir, "err", err)
		return ""
	}
	return asString(row["id"])
}

// closeRun writes the final stats onto the sync_run row.
func (e *Engine) closeRun(ctx context.Context, runID string, stats EntityStats) {
	if runID == "" {
		return
	}
	_, err := e.Rel.Update(ctx, schema.SyncRunsTable, runID, map[string]any{
		"processed":   stats.Processed,
		"updated":     stats.Updated,
		"errors":      stats.Errors,
		"finished_at": e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn("close sync_run row failed", "run_id", runID, "err", err)
	}
}
