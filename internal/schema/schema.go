// Package schema declares the syncable entities and their field-level
// sync behavior. Every other package is driven off these tables.
package schema

import "strings"

// Bookkeeping fields shared by all syncable entities. On the relational
// side these are columns; on the sheet side, same-named fields.
const (
	FieldID          = "id"
	FieldAirtableID  = "airtable_id"
	FieldNameLabel   = "airtable_id_name_label"
	FieldLastChanged = "last_changed_for_sync"
	FieldLastSynced  = "last_synced"
	FieldSupabaseID  = "supabase_id"
)

// SyncRunsTable is the relational table recording per-entity run stats.
const SyncRunsTable = "system_sync_runs"

// Join table feeding the loads multi-link field.
const (
	JoinTable         = "load_cars"
	JoinLoadID        = "load_id"
	JoinCarID         = "car_id"
	JoinIsAssigned    = "is_assigned"
	JoinCarAirtableID = "car_airtable_id"
	LoadCarsField     = "load_cars"
	LoadNumberField   = "load_number"
)

// Link describes a field referencing another entity: a scalar UUID on the
// relational side, a single-element record-id list on the sheet side.
type Link struct {
	Field  string
	Target string
}

// Entity declares how one table syncs between the two stores.
type Entity struct {
	Name         string   // canonical name; also the relational table name
	EnvKey       string   // fragment for AIRTABLE_TABLE_* config lookups
	Fields       []string // domain fields carried in both directions
	Required     []string // must be present on create, never nulled on update
	Numeric      []string // string inputs parsed as finite numbers
	DateOnly     []string // emitted to the sheet side as YYYY-MM-DD
	Links        []Link
	SecondaryKey string // fallback match key when no cross-ref exists
}

// Entities lists every syncable entity in dependency order: link-field
// parents first, so one pass resolves as many links as possible.
var Entities = []Entity{
	{
		Name:   "locations",
		EnvKey: "LOCATIONS",
		Fields: []string{
			"name", "address_line1", "address_line2", "city", "postal_code",
			"country_code", "latitude", "longitude", "created_at",
		},
		Required:     []string{"address_line1", "city", "country_code"},
		Numeric:      []string{"latitude", "longitude"},
		DateOnly:     []string{"created_at"},
		SecondaryKey: FieldAirtableID,
	},
	{
		Name:         "companies",
		EnvKey:       "COMPANIES",
		Fields:       []string{"name", "vat_number", "contact_email", "phone", "notes"},
		Required:     []string{"name"},
		SecondaryKey: "name",
	},
	{
		Name:   "users",
		EnvKey: "USERS",
		Fields: []string{
			"email", "full_name", "phone", "role", "created_at", "company_id",
		},
		Required:     []string{"email"},
		DateOnly:     []string{"created_at"},
		Links:        []Link{{Field: "company_id", Target: "companies"}},
		SecondaryKey: "email",
	},
	{
		Name:   "cars",
		EnvKey: "CARS",
		Fields: []string{
			"external_id", "make", "model", "year", "license_plate", "status",
			"carrier_rate", "customer_rate", "distance",
			"estimated_pickup_date", "estimated_delivery_date",
			"pickup_date", "delivery_date", "actual_delivery_date",
			"special_instructions", "pickup_location_id", "delivery_location_id",
		},
		Required: []string{"make", "model"},
		Numeric:  []string{"carrier_rate", "customer_rate", "distance"},
		DateOnly: []string{
			"estimated_pickup_date", "estimated_delivery_date",
			"pickup_date", "delivery_date", "actual_delivery_date",
		},
		Links: []Link{
			{Field: "pickup_location_id", Target: "locations"},
			{Field: "delivery_location_id", Target: "locations"},
		},
		SecondaryKey: "external_id",
	},
	{
		Name:   "loads",
		EnvKey: "LOADS",
		Fields: []string{
			"load_number", "status", "total_distance_km",
			"estimated_duration_hours", "transport_rate", "notes",
			"created_at", "company_id",
		},
		Required:     []string{"load_number"},
		Numeric:      []string{"total_distance_km", "estimated_duration_hours", "transport_rate"},
		DateOnly:     []string{"created_at"},
		Links:        []Link{{Field: "company_id", Target: "companies"}},
		SecondaryKey: LoadNumberField,
	},
	{
		Name:   "bookings",
		EnvKey: "BOOKINGS",
		Fields: []string{
			"reference", "status", "quoted_price", "final_price",
			"margin_percentage", "quoted_at", "notes", "load_id", "company_id",
		},
		Numeric:  []string{"quoted_price", "final_price", "margin_percentage"},
		DateOnly: []string{"quoted_at"},
		Links: []Link{
			{Field: "load_id", Target: "loads"},
			{Field: "company_id", Target: "companies"},
		},
		SecondaryKey: FieldAirtableID,
	},
	{
		Name:   "requests",
		EnvKey: "REQUESTS",
		Fields: []string{
			"request_type", "status", "details", "requested_date", "company_id",
		},
		DateOnly:     []string{"requested_date"},
		Links:        []Link{{Field: "company_id", Target: "companies"}},
		SecondaryKey: FieldAirtableID,
	},
}

// ByName looks up an entity by its canonical name.
func ByName(name string) (Entity, bool) {
	for _, e := range Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Names returns the canonical entity names in sync order.
func Names() []string {
	names := make([]string, len(Entities))
	for i, e := range Entities {
		names[i] = e.Name
	}
	return names
}

// IsRequired reports whether field is in the entity's required set.
func (e Entity) IsRequired(field string) bool { return contains(e.Required, field) }

// IsNumeric reports whether field is in the entity's numeric set.
func (e Entity) IsNumeric(field string) bool { return contains(e.Numeric, field) }

// IsDateOnly reports whether field is in the entity's date-only set.
func (e Entity) IsDateOnly(field string) bool { return contains(e.DateOnly, field) }

// LinkTarget returns the target entity of a link field.
func (e Entity) LinkTarget(field string) (string, bool) {
	for _, l := range e.Links {
		if l.Field == field {
			return l.Target, true
		}
	}
	return "", false
}

// IsLink reports whether field is a link field.
func (e Entity) IsLink(field string) bool {
	_, ok := e.LinkTarget(field)
	return ok
}

// LinkTargets returns the distinct entities this entity links to.
func (e Entity) LinkTargets() []string {
	var targets []string
	for _, l := range e.Links {
		if !contains(targets, l.Target) {
			targets = append(targets, l.Target)
		}
	}
	return targets
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// NormalizeName maps user input (e.g. CLI args) to a canonical entity name.
func NormalizeName(s string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	if _, ok := ByName(name); ok {
		return name, true
	}
	return "", false
}
