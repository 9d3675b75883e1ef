package curve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

const challengeTag = "BIP0340/challenge"

// SignatureLength is the size of a serialized BIP340 signature.
const SignatureLength = 64

// taggedHash is the BIP340 domain separated hash SHA256(SHA256(tag)||SHA256(tag)||data...).
func taggedHash(tag string, data ...[]byte) []byte {
	tagSum := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagSum[:])
	h.Write(tagSum[:])
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

func pad32(b *big.Int) []byte {
	return b.FillBytes(make([]byte, 32))
}

// Challenge computes e = H_tag(R.x || P.x || m) mod n.
func Challenge(rx, px *big.Int, digest []byte) *big.Int {
	e := new(big.Int).SetBytes(taggedHash(challengeTag, pad32(rx), pad32(px), digest))
	return e.Mod(e, Order())
}

// SerializeSignature packs (R, s) into the 64 byte BIP340 form R.x || s.
func SerializeSignature(rHex, sHex string) ([]byte, error) {
	r, err := ParsePoint(rHex)
	if err != nil {
		return nil, err
	}
	sb, err := hex.DecodeString(sHex)
	if err != nil || len(sb) != ScalarLength {
		return nil, fmt.Errorf("%w: signature scalar must be %d bytes", ErrMalformedScalar, ScalarLength)
	}
	out := make([]byte, 0, SignatureLength)
	out = append(out, pad32(r.X())...)
	return append(out, sb...), nil
}

// XOnly returns the 32 byte x-only encoding of a hex compressed public key.
func XOnly(pubKeyHex string) (string, error) {
	p, err := ParsePoint(pubKeyHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pad32(p.X())), nil
}

// Verify runs BIP340 verification of (R, s) over digest under the compressed public key.
// A malformed input is an error; a well formed signature that does not verify is false.
func Verify(pubKeyHex, rHex, sHex string, digest []byte) (bool, error) {
	if len(digest) != 32 {
		return false, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	pkBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("%w: public key: %v", ErrMalformedPoint, err)
	}
	pub, err := btcec.ParsePubKey(pkBytes)
	if err != nil {
		return false, fmt.Errorf("%w: public key: %v", ErrMalformedPoint, err)
	}
	raw, err := SerializeSignature(rHex, sHex)
	if err != nil {
		return false, err
	}
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedScalar, err)
	}
	return sig.Verify(digest, pub), nil
}
