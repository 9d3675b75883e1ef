// Package curve wraps the secp256k1 point and scalar operations the custody core needs.
package curve

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/crypto"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// PointLength is the size of a compressed point encoding.
	PointLength = 33
	// ScalarLength is the size of a big-endian scalar encoding.
	ScalarLength = 32
)

var (
	ErrMalformedPoint  = errors.New("malformed curve point")
	ErrMalformedScalar = errors.New("malformed scalar")
)

// Order returns the order of the secp256k1 base point.
func Order() *big.Int {
	return tss.S256().Params().N
}

// ParsePoint decodes a hex encoded compressed point and checks it lies on the curve.
func ParsePoint(encoded string) (*crypto.ECPoint, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}
	if len(b) != PointLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPoint, PointLength, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}
	p, err := crypto.NewECPoint(tss.S256(), pub.X(), pub.Y())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}
	return p, nil
}

// EncodePoint returns the hex compressed encoding of p.
func EncodePoint(p *crypto.ECPoint) string {
	out := make([]byte, PointLength)
	out[0] = 0x02
	if p.Y().Bit(0) == 1 {
		out[0] = 0x03
	}
	p.X().FillBytes(out[1:])
	return hex.EncodeToString(out)
}

// CanonicalPoint re-encodes a hex point in lowercase compressed form, so one point has one
// encoding however the caller cased it.
func CanonicalPoint(encoded string) (string, error) {
	p, err := ParsePoint(encoded)
	if err != nil {
		return "", err
	}
	return EncodePoint(p), nil
}

// NonceKey returns the lowercase hex x coordinate of a nonce point. A point and its negation
// share a key: under x-only verification both expose the same secret nonce.
func NonceKey(encoded string) (string, error) {
	p, err := ParsePoint(encoded)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(p.X().FillBytes(make([]byte, ScalarLength))), nil
}

// SumPoints adds points with curve point addition. A sum at infinity is an error.
func SumPoints(points []*crypto.ECPoint) (*crypto.ECPoint, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: no points to sum", ErrMalformedPoint)
	}
	sum := points[0]
	for _, p := range points[1:] {
		next, err := sum.Add(p)
		if err != nil {
			return nil, fmt.Errorf("%w: point addition: %v", ErrMalformedPoint, err)
		}
		sum = next
	}
	return sum, nil
}

// AggregatePoints parses and sums hex encoded points, returning the hex encoded sum.
func AggregatePoints(encoded []string) (string, error) {
	points := make([]*crypto.ECPoint, 0, len(encoded))
	for _, e := range encoded {
		p, err := ParsePoint(e)
		if err != nil {
			return "", err
		}
		points = append(points, p)
	}
	sum, err := SumPoints(points)
	if err != nil {
		return "", err
	}
	return EncodePoint(sum), nil
}

// ParseScalar decodes a 32 byte hex scalar and requires 0 < s < n.
func ParseScalar(encoded string) (*big.Int, error) {
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScalar, err)
	}
	if len(b) != ScalarLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedScalar, ScalarLength, len(b))
	}
	s := new(big.Int).SetBytes(b)
	if s.Sign() <= 0 || s.Cmp(Order()) >= 0 {
		return nil, fmt.Errorf("%w: value out of range", ErrMalformedScalar)
	}
	return s, nil
}

// SumScalars adds scalars modulo the curve order.
func SumScalars(scalars []*big.Int) *big.Int {
	mod := common.ModInt(Order())
	acc := big.NewInt(0)
	for _, s := range scalars {
		acc = mod.Add(acc, s)
	}
	return acc
}

// EncodeScalar returns the 32 byte big-endian hex encoding of s.
func EncodeScalar(s *big.Int) string {
	return hex.EncodeToString(s.FillBytes(make([]byte, ScalarLength)))
}
