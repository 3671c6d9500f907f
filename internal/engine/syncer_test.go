package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/config"
)

// --- in-memory store fakes ---

type writeOp struct {
	entity string
	id     string
	fields map[string]any
}

type fakeSheet struct {
	data    map[string][]airtable.Record
	nextID  int
	creates []writeOp
	updates []writeOp
}

func newFakeSheet() *fakeSheet {
	return &fakeSheet{data: make(map[string][]airtable.Record)}
}

func (f *fakeSheet) add(entity, id string, fields map[string]any) {
	f.data[entity] = append(f.data[entity], airtable.Record{ID: id, Fields: fields})
}

func (f *fakeSheet) List(ctx context.Context, entity string) ([]airtable.Record, error) {
	return f.data[entity], nil
}

func (f *fakeSheet) Create(ctx context.Context, entity string, fields map[string]any) (airtable.Record, error) {
	f.nextID++
	rec := airtable.Record{ID: fmt.Sprintf("rec%03d", f.nextID), Fields: cloneFields(fields)}
	f.data[entity] = append(f.data[entity], rec)
	f.creates = append(f.creates, writeOp{entity, rec.ID, cloneFields(fields)})
	return rec, nil
}

func (f *fakeSheet) Update(ctx context.Context, entity, recordID string, fields map[string]any) (airtable.Record, error) {
	recs := f.data[entity]
	for i := range recs {
		if recs[i].ID == recordID {
			for k, v := range fields {
				recs[i].Fields[k] = v
			}
			f.updates = append(f.updates, writeOp{entity, recordID, cloneFields(fields)})
			return recs[i], nil
		}
	}
	return airtable.Record{}, fmt.Errorf("record %s/%s not found", entity, recordID)
}

func (f *fakeSheet) FieldRef(entity, key string) (airtable.FieldRef, bool) {
	return airtable.FieldRef{}, false
}

type fakeRel struct {
	data    map[string][]map[string]any
	nextID  int
	inserts []writeOp
	updates []writeOp
}

func newFakeRel() *fakeRel {
	return &fakeRel{data: make(map[string][]map[string]any)}
}

func (f *fakeRel) List(ctx context.Context, table string) ([]map[string]any, error) {
	return f.data[table], nil
}

func (f *fakeRel) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	stored := cloneFields(row)
	if _, ok := stored["id"]; !ok {
		f.nextID++
		stored["id"] = fmt.Sprintf("%s-%d", table, f.nextID)
	}
	f.data[table] = append(f.data[table], stored)
	f.inserts = append(f.inserts, writeOp{table, asString(stored["id"]), cloneFields(stored)})
	return stored, nil
}

func (f *fakeRel) Update(ctx context.Context, table, id string, patch map[string]any) (map[string]any, error) {
	for _, row := range f.data[table] {
		if asString(row["id"]) == id {
			for k, v := range patch {
				row[k] = v
			}
			f.updates = append(f.updates, writeOp{table, id, cloneFields(patch)})
			return row, nil
		}
	}
	return nil, fmt.Errorf("row %s/%s not found", table, id)
}

func (f *fakeRel) find(table, id string) map[string]any {
	for _, row := range f.data[table] {
		if asString(row["id"]) == id {
			return row
		}
	}
	return nil
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func testEngine(fs *fakeSheet, fr *fakeRel) *Engine {
	now := base.Add(time.Hour)
	return &Engine{
		Sheet: fs,
		Rel:   fr,
		Rules: config.DefaultRules(),
		Resolver: Resolver{
			SupabaseTolerance: 5 * time.Second,
			AirtableTolerance: 60 * time.Second,
			Now:               func() time.Time { return now },
		},
		Now: func() time.Time { return now },
	}
}

// --- tests ---

func TestSyncEntityCreatesRelationalRow(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	})

	eng := testEngine(fs, fr)
	stats, err := eng.SyncEntity(context.Background(), entity(t, "companies"), AirtableToSupabase, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Created != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want one creation", stats)
	}

	rows := fr.data["companies"]
	if len(rows) != 1 {
		t.Fatalf("got %d relational rows, want 1", len(rows))
	}
	row := rows[0]
	if row["name"] != "Acme Logistics" {
		t.Errorf("name = %v", row["name"])
	}
	if row["airtable_id"] != "recCo1" {
		t.Errorf("airtable_id = %v", row["airtable_id"])
	}
	if !isUUID(asString(row["id"])) {
		t.Errorf("id = %v, want a generated UUID", row["id"])
	}

	// The sheet record is back-linked and stamped in one write.
	if len(fs.updates) != 1 {
		t.Fatalf("got %d sheet writes, want 1", len(fs.updates))
	}
	patch := fs.updates[0].fields
	if patch["supabase_id"] != asString(row["id"]) {
		t.Errorf("supabase_id back-link = %v", patch["supabase_id"])
	}
	if patch["last_synced"] != "2026-03-10T12:00:00Z" {
		t.Errorf("last_synced = %v, want the mutation timestamp", patch["last_synced"])
	}
}

func TestSyncEntitySecondRunIsQuiet(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	})

	eng := testEngine(fs, fr)
	ctx := context.Background()
	ent := entity(t, "companies")

	if _, err := eng.SyncEntity(ctx, ent, AirtableToSupabase, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fs.updates, fs.creates = nil, nil
	fr.updates, fr.inserts = nil, nil

	stats, err := eng.SyncEntity(ctx, ent, AirtableToSupabase, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 0 || stats.Unchanged != 1 {
		t.Fatalf("second run stats = %+v, want everything unchanged", stats)
	}
	if len(fs.updates)+len(fs.creates)+len(fr.updates)+len(fr.inserts) != 0 {
		t.Errorf("second run issued writes: sheet=%v/%v rel=%v/%v",
			fs.creates, fs.updates, fr.inserts, fr.updates)
	}
}

func TestSyncEntitySkipsWhenDestNewer(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{
		"name":                  "Old Name",
		"supabase_id":           "co-1",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
		"last_synced":           "2026-03-10T11:00:00Z",
	})
	fr.data["companies"] = []map[string]any{{
		"id":                    "co-1",
		"airtable_id":           "recCo1",
		"name":                  "New Name",
		"last_changed_for_sync": "2026-03-10T13:00:00Z",
		"last_synced":           "2026-03-10T11:00:00Z",
	}}

	eng := testEngine(fs, fr)
	stats, err := eng.SyncEntity(context.Background(), entity(t, "companies"), AirtableToSupabase, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want one skip", stats)
	}
	if fr.find("companies", "co-1")["name"] != "New Name" {
		t.Error("newer destination value was overwritten")
	}
}

func TestSyncEntityCountsMissingRequired(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	// No make: creation must be refused, counted, and not abort the pass.
	fs.add("cars", "recCar1", map[string]any{"model": "FH16"})
	fs.add("cars", "recCar2", map[string]any{"make": "Volvo", "model": "FH16"})

	eng := testEngine(fs, fr)
	summary := NewSummary()
	stats, err := eng.SyncEntity(context.Background(), entity(t, "cars"), AirtableToSupabase, summary)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Errors != 1 || stats.Created != 1 {
		t.Fatalf("stats = %+v, want one error and one creation", stats)
	}

	lines := summary.Lines()
	if len(lines) != 1 || lines[0].Kind != KindMissingRequired {
		t.Fatalf("summary = %+v, want one missing-required line", lines)
	}
}

func TestSyncRelationalRowCreatesSheetRecord(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fr.data["companies"] = []map[string]any{{
		"id":                    "co-1",
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	}}

	eng := testEngine(fs, fr)
	stats, err := eng.SyncEntity(context.Background(), entity(t, "companies"), SupabaseToAirtable, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Created != 1 {
		t.Fatalf("stats = %+v, want one creation", stats)
	}

	created := fs.creates[0]
	if created.fields["name"] != "Acme Logistics" {
		t.Errorf("name = %v", created.fields["name"])
	}
	if created.fields["supabase_id"] != "co-1" {
		t.Errorf("supabase_id = %v", created.fields["supabase_id"])
	}

	// The relational row learns its twin's id and label.
	row := fr.find("companies", "co-1")
	if row["airtable_id"] != created.id {
		t.Errorf("airtable_id = %v, want %v", row["airtable_id"], created.id)
	}
	if row["airtable_id_name_label"] != created.id {
		t.Errorf("name label = %v, want the record id fallback", row["airtable_id_name_label"])
	}
	if row["last_synced"] != "2026-03-10T12:00:00Z" {
		t.Errorf("last_synced = %v", row["last_synced"])
	}
}

func TestSyncLoadsAssignmentChangeForcesWrite(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()

	stamp := "2026-03-10T12:00:00Z"
	fr.data["loads"] = []map[string]any{{
		"id":                     "ld-1",
		"load_number":            "L-100",
		"status":                 "planned",
		"airtable_id":            "recL1",
		"airtable_id_name_label": "recL1",
		"last_changed_for_sync":  stamp,
		"last_synced":            stamp,
	}}
	fr.data["cars"] = []map[string]any{{"id": "car-1", "airtable_id": "recCar1"}}
	fr.data["load_cars"] = []map[string]any{
		{"load_id": "ld-1", "car_id": "car-1", "is_assigned": true},
	}
	fs.add("loads", "recL1", map[string]any{
		"supabase_id":           "ld-1",
		"status":                "planned",
		"load_cars":             []any{},
		"last_changed_for_sync": stamp,
		"last_synced":           stamp,
	})

	eng := testEngine(fs, fr)
	stats, err := eng.SyncEntity(context.Background(), entity(t, "loads"), SupabaseToAirtable, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	// Timestamps say unchanged, but the assignment set differs.
	if stats.Updated != 1 {
		t.Fatalf("stats = %+v, want one update", stats)
	}

	patch := fs.updates[0].fields
	cars, ok := patch["load_cars"].([]string)
	if !ok || len(cars) != 1 || cars[0] != "recCar1" {
		t.Errorf("load_cars = %v, want [recCar1]", patch["load_cars"])
	}
	if _, ok := patch["load_number"]; ok {
		t.Error("load_number must never be written to the sheet")
	}
}

func TestSyncEntityDryRun(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	})

	eng := testEngine(fs, fr)
	eng.DryRun = true
	stats, err := eng.SyncEntity(context.Background(), entity(t, "companies"), AirtableToSupabase, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want the record counted as skipped", stats)
	}
	if len(fr.inserts)+len(fr.updates)+len(fs.creates)+len(fs.updates) != 0 {
		t.Error("dry run issued writes")
	}
}

func TestSyncEntityStopsOnCancel(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	fs.add("companies", "recCo1", map[string]any{"name": "Acme"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := testEngine(fs, fr)
	_, err := eng.SyncEntity(ctx, entity(t, "companies"), AirtableToSupabase, nil)
	if err == nil {
		t.Fatal("expected the canceled context to surface")
	}
}

func TestFindSheetTargetBySecondaryKey(t *testing.T) {
	fs := newFakeSheet()
	fr := newFakeRel()
	// No cross-ref claims: matching falls back to the lowered company name.
	fs.add("companies", "recCo1", map[string]any{"name": "ACME LOGISTICS"})
	fr.data["companies"] = []map[string]any{{
		"id":                    "co-1",
		"name":                  "Acme Logistics",
		"last_changed_for_sync": "2026-03-10T12:00:00Z",
	}}

	eng := testEngine(fs, fr)
	stats, err := eng.SyncEntity(context.Background(), entity(t, "companies"), SupabaseToAirtable, nil)
	if err != nil {
		t.Fatalf("SyncEntity: %v", err)
	}
	if stats.Created != 0 {
		t.Fatalf("stats = %+v, secondary-key match must prevent a duplicate", stats)
	}

	// The pairing is written back to both sides.
	if fr.find("companies", "co-1")["airtable_id"] != "recCo1" {
		t.Error("relational row not back-linked")
	}
}
