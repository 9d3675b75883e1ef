package resilience

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sort"
)

// ElectBackups deterministically selects n backup guardians for a subject, so every node
// sweeping the same item picks the same ones. Round i hashes the subject ID with i and takes
// the remaining candidate at hash mod len(remaining).
func ElectBackups(subjectID string, candidates []string, n int) []string {
	remaining := append([]string(nil), candidates...)
	sort.Strings(remaining)
	if n > len(remaining) {
		n = len(remaining)
	}
	elected := make([]string, 0, n)
	for round := 0; round < n; round++ {
		var suffix [8]byte
		binary.BigEndian.PutUint64(suffix[:], uint64(round))
		hash := sha256.Sum256(append([]byte(subjectID), suffix[:]...))

		hashInt := new(big.Int).SetBytes(hash[:])
		index := new(big.Int).Mod(hashInt, big.NewInt(int64(len(remaining)))).Int64()

		elected = append(elected, remaining[index])
		remaining = append(remaining[:index], remaining[index+1:]...)
	}
	return elected
}
