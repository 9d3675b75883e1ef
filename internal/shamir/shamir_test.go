package shamir

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/SSSaaS/sssa-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-node/internal/custody"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// subsets returns every k-element subset of [0, n).
func subsets(n, k int) [][]int {
	var out [][]int
	var rec func(start int, cur []int)
	rec = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			rec(i+1, append(cur, i))
		}
	}
	rec(0, nil)
	return out
}

func pick(shares []Share, idx []int) []Share {
	out := make([]Share, len(idx))
	for i, j := range idx {
		out[i] = shares[j]
	}
	return out
}

func TestSplitCombine_AnyThresholdSubset(t *testing.T) {
	for total := MinShares; total <= MaxShares; total++ {
		for threshold := 1; threshold <= total; threshold++ {
			scheme := Scheme{Threshold: threshold, Total: total}
			secret := randomSecret(t)
			shares, err := Split(secret, scheme)
			require.NoError(t, err)
			require.Len(t, shares, total)

			for _, idx := range subsets(total, threshold) {
				s, err := Combine(pick(shares, idx))
				require.NoError(t, err, "scheme %d of %d subset %v", threshold, total, idx)
				got, err := s.Copy()
				require.NoError(t, err)
				assert.Equal(t, secret, got)
				s.Destroy()
			}
		}
	}
}

func TestCombine_BelowThresholdNeverSucceeds(t *testing.T) {
	for total := 3; total <= MaxShares; total++ {
		threshold := total - 1
		secret := randomSecret(t)
		shares, err := Split(secret, Scheme{Threshold: threshold, Total: total})
		require.NoError(t, err)

		for _, idx := range subsets(total, threshold-1) {
			_, err := Combine(pick(shares, idx))
			assert.ErrorIs(t, err, custody.ErrInsufficientShares)

			// Interpolating the raw library shares below threshold yields something other than
			// the secret.
			raw := make([]string, len(idx))
			for i, share := range pick(shares, idx) {
				raw[i] = string(share.Value)
			}
			guess, err := sssa.Combine(raw)
			if err == nil {
				assert.NotEqual(t, hex.EncodeToString(secret), guess)
			}
		}
	}
}

func TestCombine_DuplicateIndicesCountOnce(t *testing.T) {
	secret := randomSecret(t)
	shares, err := Split(secret, Scheme{Threshold: 3, Total: 5})
	require.NoError(t, err)

	_, err = Combine([]Share{shares[0], shares[0], shares[1]})
	assert.ErrorIs(t, err, custody.ErrInsufficientShares)
}

func TestCombine_RejectsMixedSchemes(t *testing.T) {
	a, err := Split(randomSecret(t), Scheme{Threshold: 2, Total: 3})
	require.NoError(t, err)
	b, err := Split(randomSecret(t), Scheme{Threshold: 2, Total: 4})
	require.NoError(t, err)

	_, err = Combine([]Share{a[0], b[1]})
	assert.ErrorIs(t, err, custody.ErrMalformedShare)
}

func TestCombine_RejectsCorruptEncoding(t *testing.T) {
	shares, err := Split(randomSecret(t), Scheme{Threshold: 2, Total: 3})
	require.NoError(t, err)
	shares[1].Value = []byte("not-a-share")

	_, err = Combine(shares[:2])
	assert.ErrorIs(t, err, custody.ErrMalformedShare)
}

func TestEffectiveScheme(t *testing.T) {
	s, err := EffectiveScheme(2, 2)
	require.NoError(t, err)
	assert.Equal(t, Scheme{Threshold: 1, Total: 2}, s)

	s, err = EffectiveScheme(2, 3)
	require.NoError(t, err)
	assert.Equal(t, Scheme{Threshold: 2, Total: 3}, s)

	for _, tc := range [][2]int{{0, 3}, {4, 3}, {1, 1}, {2, 8}} {
		_, err := EffectiveScheme(tc[0], tc[1])
		assert.ErrorIs(t, err, custody.ErrInvalidConfiguration, "threshold %d total %d", tc[0], tc[1])
	}
}

func TestTwoGuardianGroup_SurvivesLosingOneGuardian(t *testing.T) {
	scheme, err := EffectiveScheme(2, 2)
	require.NoError(t, err)
	secret := randomSecret(t)
	shares, err := Split(secret, scheme)
	require.NoError(t, err)

	assignment, err := Assign([]string{"alice", "bob"}, scheme.Total)
	require.NoError(t, err)
	require.Len(t, assignment["bob"], 1)

	// alice is lost; bob's single share is enough.
	bobShare := shares[assignment["bob"][0]-1]
	s, err := Combine([]Share{bobShare})
	require.NoError(t, err)
	got, err := s.Copy()
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestAssign_BalancesAndSumsToTotal(t *testing.T) {
	for guardians := 1; guardians <= MaxShares; guardians++ {
		ids := make([]string, guardians)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		for total := guardians; total <= MaxShares; total++ {
			out, err := Assign(ids, total)
			require.NoError(t, err)
			sum, minCount, maxCount := 0, total, 0
			for _, idx := range out {
				sum += len(idx)
				minCount = min(minCount, len(idx))
				maxCount = max(maxCount, len(idx))
			}
			assert.Equal(t, total, sum)
			assert.LessOrEqual(t, maxCount-minCount, 1)
		}
	}

	_, err := Assign([]string{"a", "b", "c"}, 2)
	assert.ErrorIs(t, err, custody.ErrInvalidConfiguration)
	_, err = Assign([]string{"a", "a"}, 4)
	assert.ErrorIs(t, err, custody.ErrInvalidConfiguration)
}

func TestSecret_DestroyAndExpiry(t *testing.T) {
	s := NewSecret([]byte{1, 2, 3})
	var seen []byte
	require.NoError(t, s.Use(func(b []byte) error {
		seen = b
		return nil
	}))
	s.Destroy()
	assert.True(t, s.Destroyed())
	assert.Equal(t, []byte{0, 0, 0}, seen)
	assert.ErrorIs(t, s.Use(func([]byte) error { return nil }), ErrSecretDestroyed)

	e := NewSecret([]byte{9})
	e.ExpireAfter(10 * time.Millisecond)
	assert.Eventually(t, e.Destroyed, time.Second, 5*time.Millisecond)
}

func TestShare_Zero(t *testing.T) {
	shares, err := Split(randomSecret(t), Scheme{Threshold: 2, Total: 2})
	require.NoError(t, err)
	v := shares[0].Value
	ZeroAll(shares)
	for _, b := range v {
		assert.Equal(t, byte(0), b)
	}
	assert.Nil(t, shares[1].Value)
}

func TestDecodeSecret_WipesBuffers(t *testing.T) {
	in := []byte("0a0b")
	out, err := decodeSecret(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, out)
	assert.Equal(t, make([]byte, 4), in)

	bad := []byte("0a0bzz")
	out, err = decodeSecret(bad)
	assert.Error(t, err)
	assert.Nil(t, out)
	assert.Equal(t, make([]byte, 6), bad)
}
