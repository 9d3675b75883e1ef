package custody

import "time"

// Envelope is a share payload sealed twice: first under the guardian key, then under the
// group key. Each layer is keyed with its own salt.
type Envelope struct {
	GuardianSalt []byte `json:"guardian_salt"`
	GroupSalt    []byte `json:"group_salt"`
	Ciphertext   []byte `json:"ciphertext"`
}

// GuardianShare is one secret-splitting share held on behalf of a guardian.
type GuardianShare struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"group_id"`
	KeyID       string     `json:"key_id"`
	GuardianID  string     `json:"guardian_id"`
	Index       int        `json:"index"`
	Threshold   int        `json:"threshold"`
	TotalShares int        `json:"total_shares"`
	Envelope    Envelope   `json:"envelope"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the share carries an expiry that has passed.
func (s *GuardianShare) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}
