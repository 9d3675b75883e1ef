package custody

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmergencyStatus is the lifecycle phase of an EmergencyRecoveryPath.
type EmergencyStatus string

const (
	EmergencyActive    EmergencyStatus = "active"
	EmergencyCompleted EmergencyStatus = "completed"
	EmergencyExpired   EmergencyStatus = "expired"
	EmergencyCancelled EmergencyStatus = "cancelled"
)

func ParseEmergencyStatus(s string) (EmergencyStatus, error) {
	st := EmergencyStatus(s)
	switch st {
	case EmergencyActive, EmergencyCompleted, EmergencyExpired, EmergencyCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown emergency path status %q", s)
}

func (s *EmergencyStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseEmergencyStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// SubjectKind names what an EmergencyRecoveryPath was opened for.
type SubjectKind string

const (
	SubjectSigningSession        SubjectKind = "signing_session"
	SubjectReconstructionRequest SubjectKind = "reconstruction_request"
)

// EmergencyRecoveryPath is a time-locked fallback that needs no guardian approval. It cannot be
// executed before UnlocksAt, and lapses at ExpiresAt if it was never executed.
type EmergencyRecoveryPath struct {
	ID          string          `json:"id"`
	GroupID     string          `json:"group_id"`
	SubjectID   string          `json:"subject_id"`
	SubjectKind SubjectKind     `json:"subject_kind"`
	Status      EmergencyStatus `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	ActivatedAt time.Time       `json:"activated_at"`
	UnlocksAt   time.Time       `json:"unlocks_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CancelledBy string          `json:"cancelled_by,omitempty"`
	Revision    uint64          `json:"revision"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
