package models

import (
	"fmt"
	"time"

	"guardian-node/internal/custody"
)

// SigningSession is the row form of custody.SigningSession.
type SigningSession struct {
	ID                string                    `gorm:"type:varchar(64);primaryKey"`
	GroupID           string                    `gorm:"type:varchar(128);index"`
	MessageHash       string                    `gorm:"type:char(64)"`
	Participants      []string                  `gorm:"serializer:json"`
	Threshold         int
	CreatedAt         time.Time                 `gorm:"autoCreateTime:false"`
	ExpiresAt         time.Time                 `gorm:"index"`
	NonceCommitments  map[string]string         `gorm:"serializer:json"`
	PartialSignatures map[string]string         `gorm:"serializer:json"`
	Declined          []string                  `gorm:"serializer:json"`
	Signature         *custody.FinalSignature   `gorm:"serializer:json"`
	Status            string                    `gorm:"type:varchar(32);index"`
	Error             string
	ArtifactID        string                    `gorm:"type:varchar(128)"`
	Template          *custody.ArtifactTemplate `gorm:"serializer:json"`
	Revision          uint64
	UpdatedAt         time.Time                 `gorm:"autoUpdateTime:false;index"`
}

func SigningSessionFromDomain(s *custody.SigningSession) SigningSession {
	return SigningSession{
		ID:                s.ID,
		GroupID:           s.GroupID,
		MessageHash:       s.MessageHash.String(),
		Participants:      s.Participants,
		Threshold:         s.Threshold,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		NonceCommitments:  s.NonceCommitments,
		PartialSignatures: s.PartialSignatures,
		Declined:          s.Declined,
		Signature:         s.Signature,
		Status:            string(s.Status),
		Error:             s.Error,
		ArtifactID:        s.ArtifactID,
		Template:          s.Template,
		Revision:          s.Revision,
		UpdatedAt:         s.UpdatedAt,
	}
}

// Session converts the row back, rejecting values no valid session could hold.
func (r *SigningSession) Session() (*custody.SigningSession, error) {
	digest, err := custody.ParseDigest(r.MessageHash)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", r.ID, err)
	}
	status, err := custody.ParseSessionStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", r.ID, err)
	}
	s := &custody.SigningSession{
		ID:                r.ID,
		GroupID:           r.GroupID,
		MessageHash:       digest,
		Participants:      r.Participants,
		Threshold:         r.Threshold,
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		NonceCommitments:  r.NonceCommitments,
		PartialSignatures: r.PartialSignatures,
		Declined:          r.Declined,
		Signature:         r.Signature,
		Status:            status,
		Error:             r.Error,
		ArtifactID:        r.ArtifactID,
		Template:          r.Template,
		Revision:          r.Revision,
		UpdatedAt:         r.UpdatedAt,
	}
	if s.NonceCommitments == nil {
		s.NonceCommitments = map[string]string{}
	}
	if s.PartialSignatures == nil {
		s.PartialSignatures = map[string]string{}
	}
	return s, nil
}

// NonceRecord is append-only. Commitment, the x coordinate of the nonce point, is the primary
// key, which is what makes a nonce globally unique.
type NonceRecord struct {
	Commitment  string `gorm:"type:varchar(66);primaryKey"`
	SessionID   string `gorm:"type:varchar(64);index"`
	Participant string `gorm:"type:varchar(128)"`
	Used        bool
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	UsedAt      *time.Time
}

func NonceRecordFromDomain(n custody.NonceRecord) NonceRecord {
	return NonceRecord{
		Commitment:  n.Commitment,
		SessionID:   n.SessionID,
		Participant: n.Participant,
		Used:        n.Used,
		CreatedAt:   n.CreatedAt,
		UsedAt:      n.UsedAt,
	}
}

func (r *NonceRecord) Record() *custody.NonceRecord {
	return &custody.NonceRecord{
		Commitment:  r.Commitment,
		SessionID:   r.SessionID,
		Participant: r.Participant,
		Used:        r.Used,
		CreatedAt:   r.CreatedAt,
		UsedAt:      r.UsedAt,
	}
}
