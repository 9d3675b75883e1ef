package models

import (
	"time"

	"guardian-node/internal/custody"
)

// KeyData is the group record backing a shared identity key. Guardians are kept as a JSON
// column since they are always read with the group.
type KeyData struct {
	GroupID                 string             `gorm:"type:varchar(128);primaryKey" json:"groupId"`
	PublicKey               string             `gorm:"type:varchar(200);index" json:"publicKey"` // compressed hex
	SigningThreshold        int                `json:"signingThreshold"`
	ReconstructionThreshold int                `json:"reconstructionThreshold"`
	EmergencyThreshold      int                `json:"emergencyThreshold"`
	Guardians               []custody.Guardian `gorm:"serializer:json" json:"guardians"`
	Shares                  []KeyShare         `gorm:"foreignKey:GroupID;references:GroupID" json:"-"`
	CreatedAt               time.Time          `gorm:"autoCreateTime:false" json:"createdAt"`
}

func (KeyData) TableName() string { return "groups" }

func KeyDataFromGroup(g *custody.Group) KeyData {
	return KeyData{
		GroupID:                 g.ID,
		PublicKey:               g.PublicKey,
		SigningThreshold:        g.SigningThreshold,
		ReconstructionThreshold: g.ReconstructionThreshold,
		EmergencyThreshold:      g.EmergencyThreshold,
		Guardians:               g.Guardians,
		CreatedAt:               g.CreatedAt,
	}
}

func (k *KeyData) Group() *custody.Group {
	return &custody.Group{
		ID:                      k.GroupID,
		PublicKey:               k.PublicKey,
		SigningThreshold:        k.SigningThreshold,
		ReconstructionThreshold: k.ReconstructionThreshold,
		EmergencyThreshold:      k.EmergencyThreshold,
		Guardians:               k.Guardians,
		CreatedAt:               k.CreatedAt,
	}
}
