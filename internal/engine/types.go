// Package engine implements the bidirectional reconciler between the
// relational store and the sheet store: cross-ref indexing, field mapping,
// conflict resolution, and per-entity orchestration.
package engine

import "time"

// Direction of one sync pass. The values are persisted in the
// system_sync_runs table.
type Direction string

const (
	AirtableToSupabase Direction = "airtable_to_supabase"
	SupabaseToAirtable Direction = "supabase_to_airtable"
)

// RunType records how a run was started.
type RunType string

const (
	RunManual    RunType = "manual"
	RunScheduled RunType = "scheduled"
)

// EntityStats aggregates per-record outcomes for one entity-direction pass.
type EntityStats struct {
	Entity    string
	Direction Direction
	Processed int
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Errors    int
	Duration  time.Duration
}

// RunReport is the outcome of a full coordinator run.
type RunReport struct {
	Type      RunType
	StartedAt time.Time
	Stats     []EntityStats
	Summary   *Summary
}

// TotalErrors sums per-record errors across all entity-direction passes.
func (r *RunReport) TotalErrors() int {
	n := 0
	for _, s := range r.Stats {
		n += s.Errors
	}
	return n
}
