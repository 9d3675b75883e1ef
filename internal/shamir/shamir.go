// Package shamir splits and reconstructs secrets with threshold secret sharing over the fixed
// prime field used by sssa-golang.
package shamir

import (
	"encoding/hex"
	"fmt"

	"github.com/SSSaaS/sssa-golang"

	"guardian-node/internal/custody"
)

const (
	MinShares = 2
	MaxShares = custody.MaxGroupSize
)

// Scheme is a (threshold, total) pair.
type Scheme struct {
	Threshold int `json:"threshold"`
	Total     int `json:"total"`
}

// EffectiveScheme validates the requested scheme and applies the encoding policy: a two
// guardian group asking for 2-of-2 is encoded as 1-of-2 so losing one guardian never locks the
// family out.
func EffectiveScheme(threshold, total int) (Scheme, error) {
	if total < MinShares || total > MaxShares {
		return Scheme{}, fmt.Errorf("%w: total shares must be between %d and %d, got %d",
			custody.ErrInvalidConfiguration, MinShares, MaxShares, total)
	}
	if threshold < 1 || threshold > total {
		return Scheme{}, fmt.Errorf("%w: threshold %d out of range for %d shares",
			custody.ErrInvalidConfiguration, threshold, total)
	}
	if total == 2 && threshold == 2 {
		return Scheme{Threshold: 1, Total: 2}, nil
	}
	return Scheme{Threshold: threshold, Total: total}, nil
}

// Share is one plaintext share. Value is the opaque encoded share point.
type Share struct {
	Index     int
	Threshold int
	Total     int
	Value     []byte
}

// Zero wipes the share value.
func (s *Share) Zero() {
	wipe(s.Value)
	s.Value = nil
}

// ZeroAll wipes every share in shares.
func ZeroAll(shares []Share) {
	for i := range shares {
		shares[i].Zero()
	}
}

// Split divides secret into scheme.Total shares, any scheme.Threshold of which reconstruct it.
// The scheme is used as given; callers apply EffectiveScheme first.
func Split(secret []byte, scheme Scheme) ([]Share, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret cannot be empty", custody.ErrInvalidConfiguration)
	}
	if scheme.Threshold < 1 || scheme.Threshold > scheme.Total || scheme.Total > MaxShares {
		return nil, fmt.Errorf("%w: invalid scheme %d of %d", custody.ErrInvalidConfiguration, scheme.Threshold, scheme.Total)
	}

	// Hex keeps trailing zero bytes of the secret intact through the string based library.
	encoded, err := sssa.Create(scheme.Threshold, scheme.Total, hex.EncodeToString(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]Share, len(encoded))
	for i, v := range encoded {
		shares[i] = Share{
			Index:     i + 1,
			Threshold: scheme.Threshold,
			Total:     scheme.Total,
			Value:     []byte(v),
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from at least Threshold distinct shares. Shares repeating an
// index are counted once.
func Combine(shares []Share) (*Secret, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares provided", custody.ErrInsufficientShares)
	}
	threshold, total := shares[0].Threshold, shares[0].Total

	seen := make(map[int]bool, len(shares))
	encoded := make([]string, 0, len(shares))
	for i, s := range shares {
		if s.Threshold != threshold || s.Total != total {
			return nil, fmt.Errorf("%w: share %d belongs to scheme %d of %d, expected %d of %d",
				custody.ErrMalformedShare, i, s.Threshold, s.Total, threshold, total)
		}
		if s.Index < 1 || s.Index > total {
			return nil, fmt.Errorf("%w: share index %d out of range", custody.ErrMalformedShare, s.Index)
		}
		if seen[s.Index] {
			continue
		}
		v := string(s.Value)
		if !sssa.IsValidShare(v) {
			return nil, fmt.Errorf("%w: share %d is not a valid encoding", custody.ErrMalformedShare, s.Index)
		}
		seen[s.Index] = true
		encoded = append(encoded, v)
	}
	if len(encoded) < threshold {
		return nil, fmt.Errorf("%w: need %d distinct shares, got %d", custody.ErrInsufficientShares, threshold, len(encoded))
	}

	// sssa works on strings; the copies it makes cannot be wiped and are left to the collector.
	secretHex, err := sssa.Combine(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", custody.ErrMalformedShare, err)
	}
	raw, err := decodeSecret([]byte(secretHex))
	if err != nil {
		return nil, fmt.Errorf("%w: shares do not reconstruct a consistent secret", custody.ErrMalformedShare)
	}
	return NewSecret(raw), nil
}

// decodeSecret hex decodes encoded into a fresh buffer. encoded is wiped on return, and so is
// the buffer when decoding fails.
func decodeSecret(encoded []byte) ([]byte, error) {
	defer wipe(encoded)
	raw := make([]byte, hex.DecodedLen(len(encoded)))
	if _, err := hex.Decode(raw, encoded); err != nil {
		wipe(raw)
		return nil, err
	}
	return raw, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
