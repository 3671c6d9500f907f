package engine

import (
	"log/slog"
	"strings"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/schema"
)

// Mapper produces candidate payloads for one entity, in either direction.
// Link fields are translated between the two identifier spaces through the
// per-run cross-ref indexes.
type Mapper struct {
	Entity   schema.Entity
	Xrefs    map[string]CrossRef // keyed by link target entity
	LoadCars LoadCarIndex        // populated for loads, relational-to-sheet
	FieldRef func(entity, key string) (airtable.FieldRef, bool)
}

// sheetValue resolves a mapped key against a sheet record: the configured
// field name first, the key itself next, and the field-id variant last.
func (m *Mapper) sheetValue(rec airtable.Record, key string) (any, bool) {
	ref, hasRef := airtable.FieldRef{}, false
	if m.FieldRef != nil {
		ref, hasRef = m.FieldRef(m.Entity.Name, key)
	}
	if hasRef && ref.Name != "" {
		if v, ok := rec.Fields[ref.Name]; ok {
			return v, true
		}
	}
	if v, ok := rec.Fields[key]; ok {
		return v, true
	}
	if hasRef && ref.ID != "" && rec.FieldsByID != nil {
		if v, ok := rec.FieldsByID[ref.ID]; ok {
			return v, true
		}
	}
	return nil, false
}

// SheetToRelational maps one sheet record to a relational candidate payload.
// Absent source fields stay absent; link values translate to relational
// UUIDs or are omitted (with a warning) when the cross-ref has no pairing.
func (m *Mapper) SheetToRelational(rec airtable.Record) map[string]any {
	out := make(map[string]any)
	for _, field := range m.Entity.Fields {
		v, ok := m.sheetValue(rec, field)
		if !ok {
			continue
		}

		if target, isLink := m.Entity.LinkTarget(field); isLink {
			ids := linkedIDList(v)
			if len(ids) == 0 {
				out[field] = nil
				continue
			}
			relID, found := m.Xrefs[target].SheetToRel[ids[0]]
			if !found {
				slog.Warn("link target has no relational pairing, omitting",
					"entity", m.Entity.Name, "field", field, "sheet_id", ids[0])
				continue
			}
			out[field] = relID
			continue
		}

		out[field] = m.normalizeValue(field, v)
		m.guardBlank(out, field)
	}

	out[schema.FieldAirtableID] = rec.ID
	out[schema.FieldNameLabel] = nameLabel(rec)
	return out
}

// nameLabel echoes the sheet's primary display field onto the relational
// side, falling back to the record id.
func nameLabel(rec airtable.Record) string {
	if label := strings.TrimSpace(asString(rec.Fields[schema.FieldNameLabel])); label != "" {
		return label
	}
	if rec.ID != "" {
		return rec.ID
	}
	if id := strings.TrimSpace(asString(rec.Fields[schema.FieldID])); id != "" {
		return id
	}
	return strings.TrimSpace(asString(rec.Fields[schema.FieldAirtableID]))
}

// RelationalToSheet maps one relational row to a sheet candidate payload.
// Scalar links become single-element record-id lists; blank or untranslatable
// links emit an empty list (an explicit clear on the sheet side).
func (m *Mapper) RelationalToSheet(row map[string]any) map[string]any {
	out := make(map[string]any)
	for _, field := range m.Entity.Fields {
		v, ok := row[field]
		if !ok {
			continue
		}

		if target, isLink := m.Entity.LinkTarget(field); isLink {
			relID := strings.TrimSpace(asString(v))
			if relID == "" {
				out[field] = []string{}
				continue
			}
			sheetID, found := m.Xrefs[target].RelToSheet[relID]
			if !found {
				slog.Warn("link target has no sheet pairing, clearing",
					"entity", m.Entity.Name, "field", field, "relational_id", relID)
				out[field] = []string{}
				continue
			}
			out[field] = []string{sheetID}
			continue
		}

		normalized := m.normalizeValue(field, v)
		if m.Entity.IsDateOnly(field) && normalized != nil {
			normalized = formatDateOnly(normalized)
		}
		out[field] = normalized
		m.guardBlank(out, field)
	}

	out[schema.FieldSupabaseID] = strings.TrimSpace(asString(row[schema.FieldID]))

	if m.Entity.Name == "loads" {
		// The sheet's load number column is read-only.
		delete(out, schema.LoadNumberField)
		loadID := strings.TrimSpace(asString(row[schema.FieldID]))
		out[schema.LoadCarsField] = assignedCarList(m.LoadCars, loadID)
	}
	return out
}

// guardBlank protects required fields after normalization: a nil or
// empty-string value on a required field is omitted entirely, so no payload
// can null it downstream regardless of the blank-overwrite rules. On other
// fields an empty string is canonicalized to nil.
func (m *Mapper) guardBlank(out map[string]any, field string) {
	switch s := out[field].(type) {
	case nil:
		if m.Entity.IsRequired(field) {
			delete(out, field)
		}
	case string:
		if strings.TrimSpace(s) == "" {
			if m.Entity.IsRequired(field) {
				delete(out, field)
			} else {
				out[field] = nil
			}
		}
	}
}

// assignedCarList returns the deduplicated sheet car ids for a load, never nil.
func assignedCarList(idx LoadCarIndex, loadID string) []string {
	ids := dedupe(idx.Cars[loadID])
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// normalizeValue applies the shared scalar normalization: trimmed strings
// and finite-or-null numerics. Non-string, non-numeric values pass through.
func (m *Mapper) normalizeValue(field string, v any) any {
	if m.Entity.IsNumeric(field) {
		return parseNumeric(v)
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return v
}
