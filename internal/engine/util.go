package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timestampFormats covers the shapes both stores emit: RFC3339 with and
// without fractional seconds, Postgres text timestamps, and bare dates.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp tries the known timestamp formats.
func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// timeField extracts and parses a timestamp field from a record's fields.
// Returns nil when the field is absent, blank, or unparseable.
func timeField(fields map[string]any, key string) *time.Time {
	v, ok := fields[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		parsed, err := parseTimestamp(s)
		if err != nil {
			return nil
		}
		return &parsed
	default:
		return nil
	}
}

// asString renders scalar values as strings; non-scalars return "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// isBlank reports whether v is undefined, null, an empty (trimmed) string,
// an empty array, or an empty object.
func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// parseNumeric normalizes a numeric field value: trimmed strings are parsed,
// finite numbers pass, anything else becomes nil.
func parseNumeric(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	default:
		return nil
	}
}

// formatDateOnly reformats a parseable timestamp value as YYYY-MM-DD.
// Unparseable values are returned untouched.
func formatDateOnly(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02")
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return v
		}
		parsed, err := parseTimestamp(s)
		if err != nil {
			return v
		}
		return parsed.Format("2006-01-02")
	default:
		return v
	}
}

// extractLinkedID pulls a record id out of a sheet link value: the first
// element of a list, where elements may be bare ids or {"id": ...} objects.
func extractLinkedID(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		if len(t) == 0 {
			return ""
		}
		return extractLinkedID(t[0])
	case []string:
		if len(t) == 0 {
			return ""
		}
		return strings.TrimSpace(t[0])
	case map[string]any:
		return strings.TrimSpace(asString(t["id"]))
	default:
		return ""
	}
}

// linkedIDList normalizes a sheet multi-link value into its record ids.
func linkedIDList(v any) []string {
	var ids []string
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			if id := extractLinkedID(el); id != "" {
				ids = append(ids, id)
			}
		}
	case []string:
		for _, el := range t {
			if s := strings.TrimSpace(el); s != "" {
				ids = append(ids, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// sameIDSet compares two id lists as sets.
func sameIDSet(a, b []string) bool {
	if len(dedupe(a)) != len(dedupe(b)) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[strings.TrimSpace(id)] = true
	}
	for _, id := range b {
		if !set[strings.TrimSpace(id)] {
			return false
		}
	}
	return true
}

// dedupe removes duplicates and blanks, preserving first occurrence order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// containsString reports whether list contains s.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// affirmative interprets the loosely-typed is_assigned column: boolean true,
// non-zero numbers, and yes/y/true/1 strings count.
func affirmative(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "y", "true", "1":
			return true
		}
	}
	return false
}

// isUUID reports whether s parses as a UUID.
func isUUID(s string) bool {
	_, err := uuid.Parse(strings.TrimSpace(s))
	return err == nil
}

// normalizeForCompare produces the comparison form used by the payload
// preparer: trimmed strings, sorted JSON-encoded arrays, JSON-encoded
// objects, and canonical numbers.
func normalizeForCompare(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, el := range t {
			parts = append(parts, normalizeForCompare(el))
		}
		sort.Strings(parts)
		data, _ := json.Marshal(parts)
		return string(data)
	case []string:
		parts := make([]string, len(t))
		copy(parts, t)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		sort.Strings(parts)
		data, _ := json.Marshal(parts)
		return string(data)
	case map[string]any:
		data, _ := json.Marshal(t)
		return string(data)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}
