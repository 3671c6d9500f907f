package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/fleetyard/basesync/internal/schema"
)

func TestRunBracketsEachPassWithSyncRunRow(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	})

	eng := testEngine(fs, fr)
	report, err := eng.Run(context.Background(), []string{"companies"}, RunManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Stats) != 2 {
		t.Fatalf("got %d passes, want one per direction", len(report.Stats))
	}
	if report.Stats[0].Direction != AirtableToSupabase || report.Stats[1].Direction != SupabaseToAirtable {
		t.Errorf("direction order: %v then %v", report.Stats[0].Direction, report.Stats[1].Direction)
	}

	runs := fr.data[schema.SyncRunsTable]
	if len(runs) != 2 {
		t.Fatalf("got %d sync_run rows, want 2", len(runs))
	}
	for _, run := range runs {
		if run["table_name"] != "companies" || run["type"] != "manual" {
			t.Errorf("run row = %v", run)
		}
		if asString(run["started_at"]) == "" || asString(run["finished_at"]) == "" {
			t.Errorf("run row not closed: %v", run)
		}
	}
	if runs[0]["direction"] != "airtable_to_supabase" {
		t.Errorf("first run direction = %v", runs[0]["direction"])
	}
}

func TestRunSelectsEntitiesInDependencyOrder(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()

	eng := testEngine(fs, fr)
	// Requested out of order; the run must follow schema order so link
	// parents are paired before their dependents.
	report, err := eng.Run(context.Background(), []string{"cars", "locations"}, RunManual)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Stats[0].Entity != "locations" || report.Stats[1].Entity != "cars" {
		t.Errorf("entity order: %v then %v", report.Stats[0].Entity, report.Stats[1].Entity)
	}
}

func TestRunRejectsUnknownEntity(t *testing.T) {
	eng := testEngine(newFakeSheet(), newFakeRel())
	_, err := eng.Run(context.Background(), []string{"trucks"}, RunManual)
	if err == nil {
		t.Fatal("expected an error for an unknown entity")
	}
	if !strings.Contains(err.Error(), "trucks") || !strings.Contains(err.Error(), "cars") {
		t.Errorf("error should name the bad input and the valid set: %v", err)
	}
}

func TestRunDryRunSkipsRunRows(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{"name": "Acme"})

	eng := testEngine(fs, fr)
	eng.DryRun = true
	if _, err := eng.Run(context.Background(), []string{"companies"}, RunManual); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fr.data[schema.SyncRunsTable]) != 0 {
		t.Error("dry run must not write sync_run rows")
	}
}

func TestRunReportTotalErrors(t *testing.T) {
	r := &RunReport{Stats: []EntityStats{{Errors: 2}, {Errors: 1}}}
	if got := r.TotalErrors(); got != 3 {
		t.Errorf("TotalErrors = %d, want 3", got)
	}
}
