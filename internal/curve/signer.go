package curve

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/crypto"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"
)

// Nonce is a guardian's one-time signing nonce. The secret half must never leave the guardian
// and must be zeroed once the partial signature is produced.
type Nonce struct {
	secret     *btcec.PrivateKey
	Commitment string
}

// GenerateNonce draws a fresh nonce and its public commitment.
func GenerateNonce() (*Nonce, error) {
	k, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Nonce{
		secret:     k,
		Commitment: hex.EncodeToString(k.PubKey().SerializeCompressed()),
	}, nil
}

// Zero wipes the secret nonce.
func (n *Nonce) Zero() {
	if n.secret != nil {
		n.secret.Zero()
		n.secret = nil
	}
}

func (n *Nonce) value() (*big.Int, error) {
	if n.secret == nil {
		return nil, fmt.Errorf("nonce already consumed")
	}
	b := n.secret.Key.Bytes()
	return new(big.Int).SetBytes(b[:]), nil
}

// KeyShare is a guardian's Shamir share of the group signing key over the curve order.
type KeyShare struct {
	Index int
	Value *big.Int
}

// DealKey splits a fresh signing key into total shares with the given threshold and returns the
// compressed group public key. It is a trusted-dealer helper for provisioning and tests.
func DealKey(threshold, total int) (string, []KeyShare, error) {
	if threshold < 1 || threshold > total {
		return "", nil, fmt.Errorf("invalid threshold %d of %d", threshold, total)
	}
	n := Order()
	coeffs := make([]*big.Int, threshold)
	for i := range coeffs {
		c, err := randomScalar()
		if err != nil {
			return "", nil, err
		}
		coeffs[i] = c
	}
	defer func() {
		for _, c := range coeffs {
			c.SetInt64(0)
		}
	}()
	shares := make([]KeyShare, total)
	for i := 0; i < total; i++ {
		x := big.NewInt(int64(i + 1))
		y := new(big.Int)
		for j := len(coeffs) - 1; j >= 0; j-- {
			y.Mul(y, x)
			y.Add(y, coeffs[j])
			y.Mod(y, n)
		}
		shares[i] = KeyShare{Index: i + 1, Value: y}
	}
	pub := crypto.ScalarBaseMult(tss.S256(), coeffs[0])
	return EncodePoint(pub), shares, nil
}

func randomScalar() (*big.Int, error) {
	n := Order()
	for {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, fmt.Errorf("failed to draw scalar: %w", err)
		}
		if k.Sign() > 0 {
			return k, nil
		}
	}
}

// LagrangeCoefficient returns λ_i at zero for the signer index set.
func LagrangeCoefficient(index int, signers []int) (*big.Int, error) {
	mod := common.ModInt(Order())
	num := big.NewInt(1)
	den := big.NewInt(1)
	found := false
	for _, j := range signers {
		if j == index {
			found = true
			continue
		}
		num = mod.Mul(num, big.NewInt(int64(j)))
		den = mod.Mul(den, mod.Sub(big.NewInt(int64(j)), big.NewInt(int64(index))))
	}
	if !found {
		return nil, fmt.Errorf("index %d is not in the signer set", index)
	}
	if den.Sign() == 0 {
		return nil, fmt.Errorf("duplicate signer index in set")
	}
	return mod.Mul(num, mod.ModInverse(den)), nil
}

// PartialSign computes the guardian's BIP340 partial signature
// s_i = k_i + e·λ_i·x_i (mod n), where R is the sum of every participant's commitment and P is
// the group key. Nonce and key are negated when R or P has an odd y coordinate so the
// aggregate verifies under the x-only key. The nonce is zeroed on return.
func PartialSign(share KeyShare, lambda *big.Int, nonce *Nonce, aggregateR, groupKey string, digest []byte) (string, error) {
	defer nonce.Zero()
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	r, err := ParsePoint(aggregateR)
	if err != nil {
		return "", err
	}
	p, err := ParsePoint(groupKey)
	if err != nil {
		return "", err
	}
	n := Order()
	k, err := nonce.value()
	if err != nil {
		return "", err
	}
	defer k.SetInt64(0)
	if r.Y().Bit(0) == 1 {
		k.Sub(n, k)
	}
	x := new(big.Int).Set(share.Value)
	defer x.SetInt64(0)
	if p.Y().Bit(0) == 1 {
		x.Sub(n, x)
	}
	e := Challenge(r.X(), p.X(), digest)
	s := new(big.Int).Mul(e, lambda)
	s.Mul(s, x)
	s.Add(s, k)
	s.Mod(s, n)
	return EncodeScalar(s), nil
}
