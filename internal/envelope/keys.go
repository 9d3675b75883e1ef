package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinMasterSize is the shortest accepted master secret.
const MinMasterSize = 32

// DerivedKeys derives guardian and group layer keys from one master secret. Guardian and group
// keys live in separate HKDF domains so no id collision can make them equal.
type DerivedKeys struct {
	master []byte
}

// NewDerivedKeys copies master.
func NewDerivedKeys(master []byte) (*DerivedKeys, error) {
	if len(master) < MinMasterSize {
		return nil, fmt.Errorf("master secret must be at least %d bytes, got %d", MinMasterSize, len(master))
	}
	return &DerivedKeys{master: append([]byte(nil), master...)}, nil
}

// NewDerivedKeysFromHex decodes a hex master secret.
func NewDerivedKeysFromHex(masterHex string) (*DerivedKeys, error) {
	b, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master secret is not hex: %w", err)
	}
	defer wipe(b)
	return NewDerivedKeys(b)
}

func (d *DerivedKeys) GuardianKey(guardianID string) ([]byte, error) {
	return d.derive("guardian-node/keys/guardian/" + guardianID)
}

func (d *DerivedKeys) GroupKey(groupID string) ([]byte, error) {
	return d.derive("guardian-node/keys/group/" + groupID)
}

func (d *DerivedKeys) derive(info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, d.master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
