package dto

import (
	"github.com/bnb-chain/tss-lib/v2/crypto"

	"guardian-node/internal/custody"
)

// PublicGroupData contains the public part of a group record that can be safely shared with
// guardians and relying parties.
type PublicGroupData struct {
	GroupID                 string             `json:"groupId"`
	PublicKey               *crypto.ECPoint    `json:"publicKey"`
	PublicKeyHex            string             `json:"publicKeyHex"`
	SigningThreshold        int                `json:"signingThreshold"`
	ReconstructionThreshold int                `json:"reconstructionThreshold"`
	EmergencyThreshold      int                `json:"emergencyThreshold"`
	Guardians               []custody.Guardian `json:"guardians"`
}
