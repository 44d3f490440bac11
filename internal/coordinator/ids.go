package coordinator

import "math/rand/v2"

// IDSource supplies the random numbers behind new site ids, lab ids and
// sample-id blocks.
type IDSource interface {
	// IntN returns a value in [0, n).
	IntN(n int) int
}

// Ranges for randomly issued identifiers. Block ids are drawn so that
// every sample id in a block has eight decimal digits.
const (
	siteIDSpace = 32768
	labIDSpace  = 32766 // lab ids start at 1
	blockBase   = 9766
	blockSpace  = 87886
)

// RandomIDs draws from the runtime's ChaCha8-backed generator.
type RandomIDs struct{}

// IntN implements IDSource.
func (RandomIDs) IntN(n int) int {
	return rand.IntN(n)
}
