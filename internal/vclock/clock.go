// Package vclock provides per-document vector clocks and the tracker that
// derives them from the update store.
//
// A vector clock maps instance IDs to the highest sequence number observed
// for that instance. Clocks are derived state: they can always be rebuilt
// from fragment file names, and are used both to decide how much has been
// synced and how much is new since the last snapshot.
package vclock

// VectorClock maps an instance ID to the highest sequence number seen for
// that instance.
type VectorClock map[string]uint64

// Clone returns an independent copy of the clock.
func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the sequence for instance, zero when the instance has never
// written.
func (c VectorClock) Get(instance string) uint64 {
	return c[instance]
}

// Observe raises the instance's entry to seq if seq is higher.
func (c VectorClock) Observe(instance string, seq uint64) {
	if seq > c[instance] {
		c[instance] = seq
	}
}

// Merge folds other into c, keeping the per-instance maximum.
func (c VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > c[k] {
			c[k] = v
		}
	}
}

// Dominates reports whether c covers other: every entry of other is less
// than or equal to the matching entry of c.
func (c VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if c[k] < v {
			return false
		}
	}
	return true
}

// Equal reports whether both clocks record exactly the same sequences.
// Missing entries and zero entries are equivalent.
func (c VectorClock) Equal(other VectorClock) bool {
	return c.Dominates(other) && other.Dominates(c)
}

// UpdatesSince returns the number of logical updates in c that are not
// covered by older: the sum over instances of the sequence advance. Packing
// consolidates files without changing sequences, so this count is immune to
// file-count changes.
func (c VectorClock) UpdatesSince(older VectorClock) uint64 {
	var total uint64
	for k, v := range c {
		if prev := older[k]; v > prev {
			total += v - prev
		}
	}
	return total
}
