package engine

import (
	"time"
)

// Decision is the resolver's verdict for one record pair.
type Decision int

const (
	// Proceed: the source change should be propagated.
	Proceed Decision = iota
	// SkipUnchanged: neither side changed since its last sync.
	SkipUnchanged
	// SkipDestNewer: the destination carries the newer change.
	SkipDestNewer
)

// Resolution carries the decision plus the last_synced marker to stamp on
// the source after a successful propagation.
type Resolution struct {
	Decision Decision
	Reason   string
	Marker   time.Time
}

// Resolver applies the timestamp conflict policy: per-side change detection
// with tolerance windows and a both-changed tiebreak on the raw mutation
// timestamps.
type Resolver struct {
	SupabaseTolerance time.Duration
	AirtableTolerance time.Duration
	Now               func() time.Time
}

// changed reports whether a side mutated since its last propagation. A
// missing timestamp on either end counts as changed.
func changed(lc, ls *time.Time, tolerance time.Duration) bool {
	if lc == nil || ls == nil {
		return true
	}
	return lc.Sub(*ls) > tolerance
}

// tolerances returns (source, target) tolerance windows for a direction.
func (r *Resolver) tolerances(dir Direction) (time.Duration, time.Duration) {
	if dir == AirtableToSupabase {
		return r.AirtableTolerance, r.SupabaseTolerance
	}
	return r.SupabaseTolerance, r.AirtableTolerance
}

// Resolve decides whether to propagate source -> target for one record pair.
// Timestamps may be nil when a side never synced or the record is unpaired.
func (r *Resolver) Resolve(dir Direction, srcLC, srcLS, dstLC, dstLS *time.Time) Resolution {
	srcTol, dstTol := r.tolerances(dir)

	// An unpaired record always propagates.
	if dstLC == nil && dstLS == nil {
		return Resolution{Decision: Proceed, Marker: r.marker(srcLC, srcLS)}
	}

	srcChanged := changed(srcLC, srcLS, srcTol)
	dstChanged := changed(dstLC, dstLS, dstTol)

	switch {
	case !srcChanged && !dstChanged:
		return Resolution{Decision: SkipUnchanged, Reason: "unchanged"}
	case srcChanged && !dstChanged:
		return Resolution{Decision: Proceed, Marker: r.marker(srcLC, srcLS)}
	case !srcChanged && dstChanged:
		return Resolution{Decision: SkipDestNewer, Reason: "destination is newer"}
	}

	// Both sides changed: compare mutation timestamps with the sheet
	// tolerance as the equality window. The source wins a tie.
	if srcLC != nil && dstLC != nil {
		delta := srcLC.Sub(*dstLC)
		if delta < 0 {
			delta = -delta
		}
		if delta > r.AirtableTolerance && dstLC.After(*srcLC) {
			return Resolution{Decision: SkipDestNewer, Reason: "both changed, destination is newer"}
		}
	}
	return Resolution{Decision: Proceed, Marker: r.marker(srcLC, srcLS)}
}

// marker computes the last_synced stamp for the source side: the source's
// own mutation timestamp when it is ahead of the previous stamp, else now.
// Stamping LC rather than now breaks the loop where both sides keep
// ticking their own mutation markers.
func (r *Resolver) marker(srcLC, srcLS *time.Time) time.Time {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if srcLC != nil && (srcLS == nil || srcLC.After(*srcLS)) {
		return *srcLC
	}
	return now().UTC()
}
