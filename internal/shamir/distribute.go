package shamir

import (
	"fmt"

	"guardian-node/internal/custody"
)

// Assign spreads share indices 1..total over guardians round-robin in the given order. The
// per-guardian counts differ by at most one and always sum to total. Assignment never changes
// the reconstruction threshold.
func Assign(guardians []string, total int) (map[string][]int, error) {
	if len(guardians) == 0 {
		return nil, fmt.Errorf("%w: no guardians to assign shares to", custody.ErrInvalidConfiguration)
	}
	if len(guardians) > total {
		return nil, fmt.Errorf("%w: %d guardians cannot share %d shares", custody.ErrInvalidConfiguration, len(guardians), total)
	}
	out := make(map[string][]int, len(guardians))
	for i := 0; i < total; i++ {
		g := guardians[i%len(guardians)]
		if _, dup := out[g]; dup && i < len(guardians) {
			return nil, fmt.Errorf("%w: guardian %s listed twice", custody.ErrInvalidConfiguration, g)
		}
		out[g] = append(out[g], i+1)
	}
	return out, nil
}
