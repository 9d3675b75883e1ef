package custody

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle phase of a SigningSession.
type SessionStatus string

const (
	SessionPending         SessionStatus = "pending"
	SessionNonceCollection SessionStatus = "nonce_collection"
	SessionSigning         SessionStatus = "signing"
	SessionAggregating     SessionStatus = "aggregating"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
	SessionExpired         SessionStatus = "expired"
)

// ParseSessionStatus validates a status read from storage or the wire.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionNonceCollection, SessionSigning, SessionAggregating,
		SessionCompleted, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

func (s *SessionStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseSessionStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Digest is a fixed-length message digest, hex encoded on the wire.
type Digest [32]byte

// ParseDigest decodes a 64 character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("%w: message hash is not hex: %v", ErrInvalidConfiguration, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("%w: message hash must be %d bytes, got %d", ErrInvalidConfiguration, len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FinalSignature is the aggregated (R, s) pair. R is a compressed curve point and s a 32 byte
// scalar, both hex encoded.
type FinalSignature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// ArtifactTemplate is the unsigned artifact a completed session publishes.
type ArtifactTemplate struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Endpoints []string        `json:"endpoints,omitempty"`
}

// SigningSession is one threshold-signing attempt.
type SigningSession struct {
	ID                string            `json:"id"`
	GroupID           string            `json:"group_id"`
	MessageHash       Digest            `json:"message_hash"`
	Participants      []string          `json:"participants"`
	Threshold         int               `json:"threshold"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	NonceCommitments  map[string]string `json:"nonce_commitments"`
	PartialSignatures map[string]string `json:"partial_signatures"`
	Declined          []string          `json:"declined,omitempty"`
	Signature         *FinalSignature   `json:"signature,omitempty"`
	Status            SessionStatus     `json:"status"`
	Error             string            `json:"error,omitempty"`
	ArtifactID        string            `json:"artifact_id,omitempty"`
	Template          *ArtifactTemplate `json:"template,omitempty"`
	Revision          uint64            `json:"revision"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsEligible reports whether participant is in the configured participant set.
func (s *SigningSession) IsEligible(participant string) bool {
	for _, p := range s.Participants {
		if p == participant {
			return true
		}
	}
	return false
}

// HasDeclined reports whether participant refused to take part.
func (s *SigningSession) HasDeclined(participant string) bool {
	for _, p := range s.Declined {
		if p == participant {
			return true
		}
	}
	return false
}

// IsExpired reports whether now is at or past the absolute expiry.
func (s *SigningSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to mutate before a compare-and-swap write.
func (s *SigningSession) Clone() *SigningSession {
	c := *s
	c.Participants = append([]string(nil), s.Participants...)
	c.NonceCommitments = copyMap(s.NonceCommitments)
	c.PartialSignatures = copyMap(s.PartialSignatures)
	c.Declined = append([]string(nil), s.Declined...)
	if s.Signature != nil {
		sig := *s.Signature
		c.Signature = &sig
	}
	if s.Template != nil {
		t := *s.Template
		t.Payload = append(json.RawMessage(nil), s.Template.Payload...)
		t.Endpoints = append([]string(nil), s.Template.Endpoints...)
		c.Template = &t
	}
	return &c
}

// NonceRecord is the append-only row that makes a nonce commitment globally unique.
// Commitment holds the lowercase hex x coordinate of the nonce point.
type NonceRecord struct {
	Commitment  string     `json:"commitment"`
	SessionID   string     `json:"session_id"`
	Participant string     `json:"participant"`
	Used        bool       `json:"used"`
	CreatedAt   time.Time  `json:"created_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Owns reports whether the record was created by participant within session.
func (n *NonceRecord) Owns(sessionID, participant string) bool {
	return n.SessionID == sessionID && n.Participant == participant
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
