package curve

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/bnb-chain/tss-lib/v2/crypto"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePoint_RejectsMalformed(t *testing.T) {
	g := EncodePoint(crypto.ScalarBaseMult(tss.S256(), big.NewInt(1)))

	cases := map[string]string{
		"not hex":      "zz" + g[2:],
		"uncompressed": "04" + strings.Repeat("00", 64),
		"short":        g[:64],
		"off curve":    "02" + strings.Repeat("ff", 32),
		"bad prefix":   "05" + g[2:],
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePoint(in)
			assert.ErrorIs(t, err, ErrMalformedPoint)
		})
	}

	p, err := ParsePoint(g)
	require.NoError(t, err)
	assert.Equal(t, g, EncodePoint(p))
}

func TestParseScalar_Range(t *testing.T) {
	n := Order()
	_, err := ParseScalar(EncodeScalar(big.NewInt(0)))
	assert.ErrorIs(t, err, ErrMalformedScalar)
	_, err = ParseScalar(EncodeScalar(n))
	assert.ErrorIs(t, err, ErrMalformedScalar)
	_, err = ParseScalar(hex.EncodeToString(make([]byte, 33)))
	assert.ErrorIs(t, err, ErrMalformedScalar)
	_, err = ParseScalar("01")
	assert.ErrorIs(t, err, ErrMalformedScalar, "short encodings are refused")

	s, err := ParseScalar(EncodeScalar(new(big.Int).Sub(n, big.NewInt(1))))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Cmp(new(big.Int).Sub(n, big.NewInt(1))))
}

func TestCanonicalPointAndNonceKey(t *testing.T) {
	p := crypto.ScalarBaseMult(tss.S256(), big.NewInt(11))
	lower := EncodePoint(p)
	upper := strings.ToUpper(lower)

	canon, err := CanonicalPoint(upper)
	require.NoError(t, err)
	assert.Equal(t, lower, canon)

	k1, err := NonceKey(lower)
	require.NoError(t, err)
	k2, err := NonceKey(upper)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 2*ScalarLength)

	neg, err := crypto.NewECPoint(tss.S256(), p.X(), new(big.Int).Sub(tss.S256().Params().P, p.Y()))
	require.NoError(t, err)
	k3, err := NonceKey(EncodePoint(neg))
	require.NoError(t, err)
	assert.Equal(t, k1, k3, "a point and its negation share a key")

	_, err = NonceKey("zz")
	assert.ErrorIs(t, err, ErrMalformedPoint)
}

func TestSumPoints_MatchesScalarSum(t *testing.T) {
	a := crypto.ScalarBaseMult(tss.S256(), big.NewInt(7))
	b := crypto.ScalarBaseMult(tss.S256(), big.NewInt(35))
	sum, err := SumPoints([]*crypto.ECPoint{a, b})
	require.NoError(t, err)
	assert.Equal(t, EncodePoint(crypto.ScalarBaseMult(tss.S256(), big.NewInt(42))), EncodePoint(sum))
}

func TestSumScalars_WrapsModOrder(t *testing.T) {
	n := Order()
	sum := SumScalars([]*big.Int{new(big.Int).Sub(n, big.NewInt(1)), big.NewInt(3)})
	assert.Equal(t, int64(2), sum.Int64())
}

func TestVerify_AcceptsLibrarySignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("consistency check"))

	sig, err := schnorr.Sign(priv, digest[:])
	require.NoError(t, err)
	raw := sig.Serialize()

	pub := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	r := "02" + hex.EncodeToString(raw[:32])
	s := hex.EncodeToString(raw[32:])

	ok, err := Verify(pub, r, s, digest[:])
	require.NoError(t, err)
	assert.True(t, ok)

	other := sha256.Sum256([]byte("different message"))
	ok, err = Verify(pub, r, s, other[:])
	require.NoError(t, err)
	assert.False(t, ok)
}

func thresholdSign(t *testing.T, threshold, total int, signers []int, digest []byte) (string, string, string) {
	t.Helper()
	groupKey, shares, err := DealKey(threshold, total)
	require.NoError(t, err)

	nonces := make(map[int]*Nonce, len(signers))
	commitments := make([]string, 0, len(signers))
	for _, idx := range signers {
		n, err := GenerateNonce()
		require.NoError(t, err)
		nonces[idx] = n
		commitments = append(commitments, n.Commitment)
	}
	r, err := AggregatePoints(commitments)
	require.NoError(t, err)

	partials := make([]*big.Int, 0, len(signers))
	for _, idx := range signers {
		lambda, err := LagrangeCoefficient(idx, signers)
		require.NoError(t, err)
		ps, err := PartialSign(shares[idx-1], lambda, nonces[idx], r, groupKey, digest)
		require.NoError(t, err)
		v, err := ParseScalar(ps)
		require.NoError(t, err)
		partials = append(partials, v)
	}
	return groupKey, r, EncodeScalar(SumScalars(partials))
}

func TestPartialSign_ThresholdSignatureVerifies(t *testing.T) {
	digest := sha256.Sum256([]byte("kind:1 hello from the family"))

	for _, tc := range []struct {
		name      string
		threshold int
		total     int
		signers   []int
	}{
		{"2 of 3", 2, 3, []int{1, 2}},
		{"2 of 3 other pair", 2, 3, []int{1, 3}},
		{"3 of 5", 3, 5, []int{2, 4, 5}},
		{"1 of 1", 1, 1, []int{1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			groupKey, r, s := thresholdSign(t, tc.threshold, tc.total, tc.signers, digest[:])
			ok, err := Verify(groupKey, r, s, digest[:])
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestPartialSign_ConsumesNonce(t *testing.T) {
	groupKey, shares, err := DealKey(1, 1)
	require.NoError(t, err)
	n, err := GenerateNonce()
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("once"))

	_, err = PartialSign(shares[0], big.NewInt(1), n, n.Commitment, groupKey, digest[:])
	require.NoError(t, err)
	_, err = PartialSign(shares[0], big.NewInt(1), n, n.Commitment, groupKey, digest[:])
	assert.Error(t, err)
}

func TestLagrangeCoefficient_RejectsUnknownIndex(t *testing.T) {
	_, err := LagrangeCoefficient(4, []int{1, 2})
	assert.Error(t, err)
}
