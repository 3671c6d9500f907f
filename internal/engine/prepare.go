package engine

import (
	"github.com/fleetyard/basesync/internal/config"
)

// Preparer turns a candidate payload into the minimal write payload for a
// concrete target record, applying the blank-overwrite guard.
type Preparer struct {
	Rules     *config.SyncRules
	Direction Direction
	Entity    string
}

// Prepare diffs the candidate against the target's current fields. A nil
// target means creation: the candidate passes through unchanged. For
// updates, fields equal to the target's normalized current value are
// dropped, and blank candidates only survive when the allowlist permits
// them or the target value is itself blank.
func (p *Preparer) Prepare(candidate map[string]any, target map[string]any) map[string]any {
	out := make(map[string]any, len(candidate))

	if target == nil {
		for field, value := range candidate {
			out[field] = value
		}
		return out
	}

	for field, value := range candidate {
		current, exists := target[field]

		if exists && normalizeForCompare(value) == normalizeForCompare(current) {
			continue
		}

		if p.Rules != nil && p.Rules.PreventBlankOverwrite && isBlank(value) {
			if p.Rules.Allows(string(p.Direction), p.Entity, field) {
				out[field] = value
				continue
			}
			if !exists || isBlank(current) {
				out[field] = value
			}
			continue
		}

		out[field] = value
	}
	return out
}
