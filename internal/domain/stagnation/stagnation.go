// Package stagnation detects repeated identical outcomes across retry loops.
// It backs the infinite-mode cutoff (consecutive identical phase failures) and
// the remediation round check (error set unchanged across rounds).
package stagnation

import "hash/fnv"

// Tracker counts consecutive observations whose signature matches the
// previous one. It is the safety valve that turns "retry forever" into
// "retry until nothing changes".
type Tracker struct {
	threshold int
	lastHash  uint64
	seen      bool
	repeats   int
}

// NewTracker creates a tracker that reports stagnation after threshold
// consecutive identical observations.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 3
	}
	return &Tracker{threshold: threshold}
}

// Observe records a signature and returns true when the same signature has
// now been seen threshold times in a row. A changed signature resets the run.
func (t *Tracker) Observe(signature string) bool {
	h := hash(signature)

	if t.seen && h == t.lastHash {
		t.repeats++
	} else {
		t.repeats = 1
	}
	t.lastHash = h
	t.seen = true

	return t.repeats >= t.threshold
}

// Stagnant reports whether the last Observe crossed the threshold.
func (t *Tracker) Stagnant() bool {
	return t.repeats >= t.threshold
}

// Repeats returns the current consecutive-identical count.
func (t *Tracker) Repeats() int {
	return t.repeats
}

// Reset clears all observation history.
func (t *Tracker) Reset() {
	t.lastHash = 0
	t.seen = false
	t.repeats = 0
}

func hash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
