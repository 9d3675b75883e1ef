package models

import (
	"time"

	"github.com/google/uuid"

	"guardian-node/internal/custody"
)

// KeyShare holds one sealed secret-splitting share. It belongs to a KeyData record; the
// (group, key, index) triple is unique.
type KeyShare struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	GroupID      string     `gorm:"type:varchar(128);uniqueIndex:idx_share_slot,priority:1" json:"groupId"`
	KeyID        string     `gorm:"type:varchar(128);uniqueIndex:idx_share_slot,priority:2" json:"keyId"`
	ShareIndex   int        `gorm:"uniqueIndex:idx_share_slot,priority:3" json:"index"`
	GuardianID   string     `gorm:"type:varchar(128);index" json:"guardianId"`
	Threshold    int        `json:"threshold"`
	TotalShares  int        `json:"totalShares"`
	GuardianSalt []byte     `json:"-"`
	GroupSalt    []byte     `json:"-"`
	Ciphertext   []byte     `json:"-"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false" json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

func (KeyShare) TableName() string { return "guardian_shares" }

func KeyShareFromDomain(s *custody.GuardianShare) (KeyShare, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return KeyShare{}, err
	}
	return KeyShare{
		ID:           id,
		GroupID:      s.GroupID,
		KeyID:        s.KeyID,
		ShareIndex:   s.Index,
		GuardianID:   s.GuardianID,
		Threshold:    s.Threshold,
		TotalShares:  s.TotalShares,
		GuardianSalt: s.Envelope.GuardianSalt,
		GroupSalt:    s.Envelope.GroupSalt,
		Ciphertext:   s.Envelope.Ciphertext,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
	}, nil
}

func (k *KeyShare) Share() custody.GuardianShare {
	return custody.GuardianShare{
		ID:          k.ID.String(),
		GroupID:     k.GroupID,
		KeyID:       k.KeyID,
		GuardianID:  k.GuardianID,
		Index:       k.ShareIndex,
		Threshold:   k.Threshold,
		TotalShares: k.TotalShares,
		Envelope: custody.Envelope{
			GuardianSalt: k.GuardianSalt,
			GroupSalt:    k.GroupSalt,
			Ciphertext:   k.Ciphertext,
		},
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
	}
}
