package testutil

import "sync"

// FixedIDs returns predetermined values from IntN, in order, then repeats
// the last one. Each value is reduced modulo n, so a value can be written
// as the id it should produce: site id 29168 comes from 29168, block id
// 21860 from 21860-9766.
//
// Thread-safety: FixedIDs is safe for concurrent use.
type FixedIDs struct {
	mu     sync.Mutex
	values []int
	next   int
}

// NewFixedIDs creates a source returning values in order. With no values
// it always returns 0.
func NewFixedIDs(values ...int) *FixedIDs {
	if len(values) == 0 {
		values = []int{0}
	}
	return &FixedIDs{values: values}
}

// IntN returns the next value modulo n.
func (f *FixedIDs) IntN(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.values[min(f.next, len(f.values)-1)]
	f.next++
	return v % n
}

// Used returns how many values have been drawn.
func (f *FixedIDs) Used() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}
