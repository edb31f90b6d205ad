package splat

// Move records one row copy executed during compaction: the primitive at
// From was relocated to slot To.
type Move struct {
	From int
	To   int
}

// Relayout describes how a structural mutation rearranged primitive
// indices. Consumers holding per-primitive sidecar arrays (optimizer
// moments, densification statistics) apply the same moves and resize to
// NewN; Appended rows at the tail start with zeroed state.
type Relayout struct {
	OldN     int
	NewN     int
	Removed  []int // pre-mutation indices deleted, ascending
	Moves    []Move
	Appended int
}

// Identity reports whether the mutation left every index in place.
func (r Relayout) Identity() bool {
	return r.OldN == r.NewN && len(r.Removed) == 0 && len(r.Moves) == 0 && r.Appended == 0
}

// NewIndex maps a pre-mutation index to its post-mutation slot. The
// second result is false when the primitive was removed.
func (r Relayout) NewIndex(old int) (int, bool) {
	for _, rm := range r.Removed {
		if rm == old {
			return -1, false
		}
	}
	for _, m := range r.Moves {
		if m.From == old {
			return m.To, true
		}
	}
	if old >= 0 && old < r.NewN {
		return old, true
	}
	return -1, false
}
