package bloom

import "math"

// Rolling wraps a Filter with size-bounded behavior: once the number of
// distinct inserted ids exceeds maxCapacity, Clean rebuilds the underlying
// filter from only the most-recently-inserted minCapacity ids. minCapacity
// and maxCapacity are derived from the configured capacity with a 20% flex
// band (0.8x / 1.2x), per the size-window design that replaced the
// original implementation's time-window variant.
type Rolling struct {
	capacity    uint64
	errorRate   float64
	minCapacity uint64
	maxCapacity uint64

	filter   *Filter
	inserted []string // insertion order, most-recent last
}

// NewRolling constructs a Rolling filter for the given nominal capacity and
// target error rate.
func NewRolling(capacity uint64, errorRate float64) (*Rolling, error) {
	f, err := New(capacity, errorRate)
	if err != nil {
		return nil, err
	}
	return &Rolling{
		capacity:    capacity,
		errorRate:   errorRate,
		minCapacity: uint64(math.Round(float64(capacity) * 0.8)),
		maxCapacity: uint64(math.Round(float64(capacity) * 1.2)),
		filter:      f,
		inserted:    make([]string, 0, capacity),
	}, nil
}

// Capacity, ErrorRate, MinCapacity, MaxCapacity report the configured
// thresholds.
func (r *Rolling) Capacity() uint64    { return r.capacity }
func (r *Rolling) ErrorRate() float64  { return r.errorRate }
func (r *Rolling) MinCapacity() uint64 { return r.minCapacity }
func (r *Rolling) MaxCapacity() uint64 { return r.maxCapacity }

// Len returns the number of ids currently tracked in insertion order (used
// to enforce invariant I3: Len() <= MaxCapacity()).
func (r *Rolling) Len() int { return len(r.inserted) }

// Filter returns the live underlying Filter, for wire serialization. The
// returned pointer is invalidated by the next Clean or Reset call.
func (r *Rolling) Filter() *Filter { return r.filter }

// Contains delegates to the underlying filter.
func (r *Rolling) Contains(id []byte) bool {
	return r.filter.Contains(id)
}

// Insert appends id to the ordered list and inserts it into the underlying
// filter, unless id is already in the ordered list (making the operation
// idempotent for repeated inserts of the same id, as callers require when
// re-observing already-delivered messages). A filter hit alone is not taken
// as proof of presence, so a new id that happens to be a false positive is
// still recorded. The caller is responsible for calling Clean afterwards
// when Len() exceeds MaxCapacity(); the reliability.Manager does this right
// after every insert and again on its periodic sweep, matching invariant I3.
func (r *Rolling) Insert(id []byte) {
	if r.filter.Contains(id) {
		for _, s := range r.inserted {
			if s == string(id) {
				return
			}
		}
	}
	r.filter.Insert(id)
	r.inserted = append(r.inserted, string(id))
}

// NeedsClean reports whether Len() exceeds MaxCapacity() and a Clean call
// is due.
func (r *Rolling) NeedsClean() bool {
	return uint64(len(r.inserted)) > r.maxCapacity
}

// Clean rebuilds the underlying filter from only the most-recent
// MinCapacity() ids, atomically swapping both the bit array and the ordered
// list. It is idempotent: calling it when NeedsClean() is false is a no-op.
// If the fresh filter cannot be built, Rolling is left completely
// unchanged and the error is returned for the caller to report as a
// non-fatal internal error.
func (r *Rolling) Clean() error {
	if !r.NeedsClean() {
		return nil
	}

	keep := r.inserted
	if uint64(len(keep)) > r.minCapacity {
		keep = keep[uint64(len(keep))-r.minCapacity:]
	}

	fresh, err := New(r.maxCapacity, r.errorRate)
	if err != nil {
		return err
	}
	freshInserted := make([]string, 0, len(keep))
	for _, id := range keep {
		fresh.Insert([]byte(id))
		freshInserted = append(freshInserted, id)
	}

	// Swap only after the fresh filter and list are fully built, so a
	// failure above never leaves Rolling partially rebuilt.
	r.filter = fresh
	r.inserted = freshInserted
	return nil
}

// Reset discards all tracked ids and rebuilds a fresh, empty underlying
// filter at the originally configured capacity/error rate.
func (r *Rolling) Reset() error {
	f, err := New(r.capacity, r.errorRate)
	if err != nil {
		return err
	}
	r.filter = f
	r.inserted = r.inserted[:0]
	return nil
}
