package engine

import (
	"testing"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/schema"
)

func entity(t *testing.T, name string) schema.Entity {
	t.Helper()
	ent, ok := schema.ByName(name)
	if !ok {
		t.Fatalf("unknown entity %q", name)
	}
	return ent
}

func carsMapper(t *testing.T) *Mapper {
	t.Helper()
	locations := BuildCrossRef(nil, []map[string]any{
		{"id": "loc-1", "airtable_id": "recLoc1"},
	})
	return &Mapper{
		Entity: entity(t, "cars"),
		Xrefs:  map[string]CrossRef{"locations": locations},
	}
}

func TestSheetToRelationalBasics(t *testing.T) {
	m := carsMapper(t)
	rec := airtable.Record{
		ID: "recCar1",
		Fields: map[string]any{
			"make":               "Volvo",
			"model":              " FH16 ",
			"carrier_rate":       "1200.50",
			"status":             "",
			"pickup_location_id": []any{"recLoc1"},
		},
	}

	out := m.SheetToRelational(rec)

	if out["make"] != "Volvo" {
		t.Errorf("make = %v", out["make"])
	}
	if out["model"] != "FH16" {
		t.Errorf("model = %v, want trimmed", out["model"])
	}
	if out["carrier_rate"] != 1200.50 {
		t.Errorf("carrier_rate = %v, want parsed number", out["carrier_rate"])
	}
	// Blank non-required string nulls the column.
	if v, ok := out["status"]; !ok || v != nil {
		t.Errorf("status = %v (present=%v), want explicit nil", v, ok)
	}
	if out["pickup_location_id"] != "loc-1" {
		t.Errorf("pickup_location_id = %v, want loc-1", out["pickup_location_id"])
	}
	if out["airtable_id"] != "recCar1" {
		t.Errorf("airtable_id = %v", out["airtable_id"])
	}
	if out["airtable_id_name_label"] != "recCar1" {
		t.Errorf("name label = %v, want record id fallback", out["airtable_id_name_label"])
	}
	if _, ok := out["year"]; ok {
		t.Error("absent source field must stay absent")
	}
}

func TestSheetToRelationalBlankRequiredOmitted(t *testing.T) {
	m := carsMapper(t)
	rec := airtable.Record{ID: "recCar1", Fields: map[string]any{"make": "  "}}

	out := m.SheetToRelational(rec)
	if _, ok := out["make"]; ok {
		t.Error("blank required field must be omitted, not nulled")
	}
}

func TestNullRequiredFieldOmitted(t *testing.T) {
	m := carsMapper(t)

	// An explicit null is as dangerous as an empty string: neither may
	// reach a payload that could erase a required field.
	out := m.SheetToRelational(airtable.Record{
		ID: "recCar1", Fields: map[string]any{"make": nil, "model": "FH16"},
	})
	if _, ok := out["make"]; ok {
		t.Error("sheet-to-relational: null required field must be omitted")
	}

	out = m.RelationalToSheet(map[string]any{
		"id": "car-1", "make": nil, "model": "FH16", "status": nil,
	})
	if _, ok := out["make"]; ok {
		t.Error("relational-to-sheet: null required field must be omitted")
	}
	// Non-required fields still clear explicitly.
	if v, ok := out["status"]; !ok || v != nil {
		t.Errorf("status = %v (present=%v), want explicit nil", v, ok)
	}
}

func TestNullRequiredFieldSurvivesDisabledBlankGuard(t *testing.T) {
	m := carsMapper(t)
	p := &Preparer{
		Rules:     &config.SyncRules{PreventBlankOverwrite: false},
		Direction: SupabaseToAirtable,
		Entity:    "cars",
	}

	candidate := m.RelationalToSheet(map[string]any{
		"id": "car-1", "make": nil, "model": "FH16",
	})
	prepared := p.Prepare(candidate, map[string]any{"make": "Volvo", "model": "FH16"})
	if _, ok := prepared["make"]; ok {
		t.Errorf("prepared = %v, required field nulled with the blank guard off", prepared)
	}
}

func TestSheetToRelationalLinkHandling(t *testing.T) {
	m := carsMapper(t)

	// Empty link list clears the column.
	out := m.SheetToRelational(airtable.Record{
		ID: "r1", Fields: map[string]any{"pickup_location_id": []any{}},
	})
	if v, ok := out["pickup_location_id"]; !ok || v != nil {
		t.Errorf("empty link: got %v (present=%v), want nil", v, ok)
	}

	// Unpaired link target is omitted entirely.
	out = m.SheetToRelational(airtable.Record{
		ID: "r2", Fields: map[string]any{"pickup_location_id": []any{"recUnknown"}},
	})
	if _, ok := out["pickup_location_id"]; ok {
		t.Error("untranslatable link must be omitted")
	}
}

func TestSheetValueAddressing(t *testing.T) {
	m := carsMapper(t)
	m.FieldRef = func(entity, key string) (airtable.FieldRef, bool) {
		if key == "make" {
			return airtable.FieldRef{ID: "fldMake", Name: "Make"}, true
		}
		return airtable.FieldRef{}, false
	}

	// Configured display name wins.
	rec := airtable.Record{Fields: map[string]any{"Make": "Scania", "make": "wrong"}}
	if v, _ := m.sheetValue(rec, "make"); v != "Scania" {
		t.Errorf("got %v, want the display-name value", v)
	}

	// Key itself is the middle fallback.
	rec = airtable.Record{Fields: map[string]any{"make": "MAN"}}
	if v, _ := m.sheetValue(rec, "make"); v != "MAN" {
		t.Errorf("got %v, want the key value", v)
	}

	// Field id is the last resort, for renamed columns.
	rec = airtable.Record{
		Fields:     map[string]any{},
		FieldsByID: map[string]any{"fldMake": "DAF"},
	}
	if v, _ := m.sheetValue(rec, "make"); v != "DAF" {
		t.Errorf("got %v, want the field-id value", v)
	}

	if _, ok := m.sheetValue(airtable.Record{Fields: map[string]any{}}, "make"); ok {
		t.Error("absent everywhere must report not-found")
	}
}

func TestNameLabelPreference(t *testing.T) {
	rec := airtable.Record{ID: "recX", Fields: map[string]any{"airtable_id_name_label": "Truck 7"}}
	if got := nameLabel(rec); got != "Truck 7" {
		t.Errorf("got %q, want the label field", got)
	}
	if got := nameLabel(airtable.Record{ID: "recX", Fields: map[string]any{}}); got != "recX" {
		t.Errorf("got %q, want the record id", got)
	}
}

func TestRelationalToSheetBasics(t *testing.T) {
	m := carsMapper(t)
	row := map[string]any{
		"id":                 "car-9",
		"make":               "Volvo",
		"pickup_date":        "2026-03-10T12:00:00Z",
		"pickup_location_id": "loc-1",
	}

	out := m.RelationalToSheet(row)

	if out["pickup_date"] != "2026-03-10" {
		t.Errorf("pickup_date = %v, want date-only form", out["pickup_date"])
	}
	link, ok := out["pickup_location_id"].([]string)
	if !ok || len(link) != 1 || link[0] != "recLoc1" {
		t.Errorf("pickup_location_id = %v, want [recLoc1]", out["pickup_location_id"])
	}
	if out["supabase_id"] != "car-9" {
		t.Errorf("supabase_id = %v", out["supabase_id"])
	}
}

func TestRelationalToSheetLinkClears(t *testing.T) {
	m := carsMapper(t)

	for _, row := range []map[string]any{
		{"id": "car-1", "pickup_location_id": nil},
		{"id": "car-2", "pickup_location_id": "loc-unknown"},
	} {
		out := m.RelationalToSheet(row)
		link, ok := out["pickup_location_id"].([]string)
		if !ok || len(link) != 0 {
			t.Errorf("row %v: link = %v, want explicit empty list", row["id"], out["pickup_location_id"])
		}
	}
}

func TestRelationalToSheetLoads(t *testing.T) {
	companies := BuildCrossRef(nil, nil)
	m := &Mapper{
		Entity: entity(t, "loads"),
		Xrefs:  map[string]CrossRef{"companies": companies},
		LoadCars: LoadCarIndex{
			Cars: map[string][]string{"ld-1": {"recCar1", "recCar2"}},
		},
	}

	out := m.RelationalToSheet(map[string]any{
		"id":          "ld-1",
		"load_number": "L-100",
		"status":      "planned",
	})

	if _, ok := out["load_number"]; ok {
		t.Error("load_number is sheet-computed and must never be written")
	}
	cars, ok := out["load_cars"].([]string)
	if !ok || len(cars) != 2 {
		t.Fatalf("load_cars = %v, want two linked cars", out["load_cars"])
	}

	// A load with no assignments still gets an explicit empty list.
	out = m.RelationalToSheet(map[string]any{"id": "ld-2", "status": "new"})
	cars, ok = out["load_cars"].([]string)
	if !ok || len(cars) != 0 {
		t.Errorf("unassigned load: load_cars = %v, want empty list", out["load_cars"])
	}
}
