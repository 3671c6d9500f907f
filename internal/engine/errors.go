package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fleetyard/basesync/internal/airtable"
)

// Kind classifies per-record errors for the run summary.
type Kind string

const (
	KindMissingRequired Kind = "missing_required_field"
	KindUnknownField    Kind = "unknown_field"
	KindInvalidValue    Kind = "invalid_value"
	KindRemote          Kind = "remote"
)

// MissingRequiredFieldError is raised when a create payload lacks a field
// from the entity's required set.
type MissingRequiredFieldError struct {
	Entity string
	Field  string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Entity, e.Field)
}

// classify maps an error to its summary kind.
func classify(err error) Kind {
	var missing *MissingRequiredFieldError
	if errors.As(err, &missing) {
		return KindMissingRequired
	}
	if airtable.IsUnknownField(err) {
		return KindUnknownField
	}
	if airtable.IsInvalidValue(err) {
		return KindInvalidValue
	}
	return KindRemote
}

// normalizeMessage collapses an error message to its first line, trimmed,
// so transient details (ids, offsets) do not fragment the summary.
func normalizeMessage(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > 160 {
		msg = msg[:160]
	}
	return msg
}

type summaryKey struct {
	Entity    string
	Direction Direction
	Kind      Kind
	Message   string
}

type summaryEntry struct {
	Count   int
	Records map[string]bool
}

// Summary aggregates per-record errors across a run, keyed by
// (entity, direction, error kind, normalized message).
type Summary struct {
	entries map[summaryKey]*summaryEntry
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{entries: make(map[summaryKey]*summaryEntry)}
}

// Add records one per-record error.
func (s *Summary) Add(entity string, dir Direction, recordID string, err error) {
	key := summaryKey{Entity: entity, Direction: dir, Kind: classify(err), Message: normalizeMessage(err)}
	entry := s.entries[key]
	if entry == nil {
		entry = &summaryEntry{Records: make(map[string]bool)}
		s.entries[key] = entry
	}
	entry.Count++
	if recordID != "" {
		entry.Records[recordID] = true
	}
}

// Empty reports whether no errors were recorded.
func (s *Summary) Empty() bool { return len(s.entries) == 0 }

// Line is one rendered summary row.
type Line struct {
	Entity    string
	Direction Direction
	Kind      Kind
	Message   string
	Count     int
	Records   []string
}

// Lines returns the summary rows in a stable order.
func (s *Summary) Lines() []Line {
	lines := make([]Line, 0, len(s.entries))
	for key, entry := range s.entries {
		records := make([]string, 0, len(entry.Records))
		for id := range entry.Records {
			records = append(records, id)
		}
		sort.Strings(records)
		lines = append(lines, Line{
			Entity:    key.Entity,
			Direction: key.Direction,
			Kind:      key.Kind,
			Message:   key.Message,
			Count:     entry.Count,
			Records:   records,
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Entity != lines[j].Entity {
			return lines[i].Entity < lines[j].Entity
		}
		if lines[i].Direction != lines[j].Direction {
			return lines[i].Direction < lines[j].Direction
		}
		if lines[i].Kind != lines[j].Kind {
			return lines[i].Kind < lines[j].Kind
		}
		return lines[i].Message < lines[j].Message
	})
	return lines
}
