package models

import (
	"fmt"
	"time"

	"guardian-node/internal/custody"
)

// ReconstructionRequest is the row form of custody.ReconstructionRequest. The response log is
// a JSON column; it is only ever appended to through compare-and-swap updates.
type ReconstructionRequest struct {
	ID                string                     `gorm:"type:varchar(64);primaryKey"`
	GroupID           string                     `gorm:"type:varchar(128);index"`
	KeyID             string                     `gorm:"type:varchar(128)"`
	RequestedBy       string                     `gorm:"type:varchar(128)"`
	Reason            string                     `gorm:"type:varchar(32)"`
	Responses         []custody.GuardianResponse `gorm:"serializer:json"`
	RequiredThreshold int
	Status            string    `gorm:"type:varchar(32);index"`
	Error             string
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt         time.Time `gorm:"index"`
	Revision          uint64
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false;index"`
}

func ReconstructionRequestFromDomain(r *custody.ReconstructionRequest) ReconstructionRequest {
	return ReconstructionRequest{
		ID:                r.ID,
		GroupID:           r.GroupID,
		KeyID:             r.KeyID,
		RequestedBy:       r.RequestedBy,
		Reason:            string(r.Reason),
		Responses:         r.Responses,
		RequiredThreshold: r.RequiredThreshold,
		Status:            string(r.Status),
		Error:             r.Error,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		Revision:          r.Revision,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (m *ReconstructionRequest) Request() (*custody.ReconstructionRequest, error) {
	status, err := custody.ParseRequestStatus(m.Status)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", m.ID, err)
	}
	reason, err := custody.ParseReason(m.Reason)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", m.ID, err)
	}
	return &custody.ReconstructionRequest{
		ID:                m.ID,
		GroupID:           m.GroupID,
		KeyID:             m.KeyID,
		RequestedBy:       m.RequestedBy,
		Reason:            reason,
		Responses:         m.Responses,
		RequiredThreshold: m.RequiredThreshold,
		Status:            status,
		Error:             m.Error,
		CreatedAt:         m.CreatedAt,
		ExpiresAt:         m.ExpiresAt,
		Revision:          m.Revision,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

// EmergencyRecoveryPath is the row form of custody.EmergencyRecoveryPath.
type EmergencyRecoveryPath struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	GroupID     string `gorm:"type:varchar(128);index"`
	SubjectID   string `gorm:"type:varchar(64);index"`
	SubjectKind string `gorm:"type:varchar(32)"`
	Status      string `gorm:"type:varchar(32)"`
	Reason      string
	ActivatedAt time.Time
	UnlocksAt   time.Time
	ExpiresAt   time.Time
	CancelledBy string `gorm:"type:varchar(128)"`
	Revision    uint64
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

// ActivePathGuard names the latest emergency path of a subject. Its primary key serializes
// concurrent path creation for one subject.
type ActivePathGuard struct {
	SubjectID string `gorm:"type:varchar(64);primaryKey"`
	PathID    string `gorm:"type:varchar(64)"`
}

func EmergencyRecoveryPathFromDomain(p *custody.EmergencyRecoveryPath) EmergencyRecoveryPath {
	return EmergencyRecoveryPath{
		ID:          p.ID,
		GroupID:     p.GroupID,
		SubjectID:   p.SubjectID,
		SubjectKind: string(p.SubjectKind),
		Status:      string(p.Status),
		Reason:      p.Reason,
		ActivatedAt: p.ActivatedAt,
		UnlocksAt:   p.UnlocksAt,
		ExpiresAt:   p.ExpiresAt,
		CancelledBy: p.CancelledBy,
		Revision:    p.Revision,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (m *EmergencyRecoveryPath) Path() (*custody.EmergencyRecoveryPath, error) {
	status, err := custody.ParseEmergencyStatus(m.Status)
	if err != nil {
		return nil, fmt.Errorf("emergency path %s: %w", m.ID, err)
	}
	return &custody.EmergencyRecoveryPath{
		ID:          m.ID,
		GroupID:     m.GroupID,
		SubjectID:   m.SubjectID,
		SubjectKind: custody.SubjectKind(m.SubjectKind),
		Status:      status,
		Reason:      m.Reason,
		ActivatedAt: m.ActivatedAt,
		UnlocksAt:   m.UnlocksAt,
		ExpiresAt:   m.ExpiresAt,
		CancelledBy: m.CancelledBy,
		Revision:    m.Revision,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}
