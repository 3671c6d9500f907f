package engine

import (
	"strings"
	"time"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/schema"
)

// CrossRef is the per-run bijection between sheet record ids and relational
// UUIDs for one entity.
type CrossRef struct {
	SheetToRel map[string]string
	RelToSheet map[string]string
}

// BuildCrossRef unions both sides' back-links: the sheet records'
// supabase_id fields and the relational rows' airtable_id columns. The
// engine must not assume the pairing invariant holds yet, so either side
// alone is enough to pair. On conflicting claims for a relational id the
// first write wins.
func BuildCrossRef(sheet []airtable.Record, rel []map[string]any) CrossRef {
	x := CrossRef{
		SheetToRel: make(map[string]string),
		RelToSheet: make(map[string]string),
	}
	for _, rec := range sheet {
		relID := strings.TrimSpace(asString(rec.Fields[schema.FieldSupabaseID]))
		if relID == "" {
			continue
		}
		x.seed(rec.ID, relID)
	}
	for _, row := range rel {
		relID := strings.TrimSpace(asString(row[schema.FieldID]))
		sheetID := strings.TrimSpace(asString(row[schema.FieldAirtableID]))
		if relID == "" || sheetID == "" {
			continue
		}
		x.seed(sheetID, relID)
	}
	return x
}

// seed records a pairing; existing claims are not overwritten.
func (x CrossRef) seed(sheetID, relID string) {
	if _, ok := x.SheetToRel[sheetID]; !ok {
		x.SheetToRel[sheetID] = relID
	}
	if _, ok := x.RelToSheet[relID]; !ok {
		x.RelToSheet[relID] = sheetID
	}
}

// Seed publishes a newly-created pair so later records in the same entity
// loop can resolve links against it.
func (x CrossRef) Seed(sheetID, relID string) {
	x.SheetToRel[sheetID] = relID
	x.RelToSheet[relID] = sheetID
}

// LoadCarIndex maps relational load ids to the sheet record ids of their
// assigned cars, plus the latest join-row mutation per load.
type LoadCarIndex struct {
	Cars        map[string][]string
	LastChanged map[string]time.Time
}

// BuildLoadCarIndex aggregates load_cars join rows. Only affirmative
// is_assigned rows contribute. A row's car id comes from the embedded
// car_airtable_id when present, else through the cars cross-ref.
func BuildLoadCarIndex(rows []map[string]any, cars CrossRef) LoadCarIndex {
	idx := LoadCarIndex{
		Cars:        make(map[string][]string),
		LastChanged: make(map[string]time.Time),
	}
	for _, row := range rows {
		loadID := strings.TrimSpace(asString(row[schema.JoinLoadID]))
		if loadID == "" {
			continue
		}
		if lc := timeField(row, schema.FieldLastChanged); lc != nil {
			if lc.After(idx.LastChanged[loadID]) {
				idx.LastChanged[loadID] = *lc
			}
		}
		if !affirmative(row[schema.JoinIsAssigned]) {
			continue
		}
		sheetCarID := strings.TrimSpace(asString(row[schema.JoinCarAirtableID]))
		if sheetCarID == "" {
			carID := strings.TrimSpace(asString(row[schema.JoinCarID]))
			sheetCarID = cars.RelToSheet[carID]
		}
		if sheetCarID == "" {
			continue
		}
		idx.Cars[loadID] = append(idx.Cars[loadID], sheetCarID)
	}
	for loadID, ids := range idx.Cars {
		idx.Cars[loadID] = dedupe(ids)
	}
	return idx
}
