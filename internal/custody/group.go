package custody

import (
	"fmt"
	"time"
)

// Role is a guardian's position in the group hierarchy.
type Role string

const (
	// RoleSteward administers the group and holds authority like a guardian.
	RoleSteward Role = "steward"
	// RoleGuardian holds a share or a vote.
	RoleGuardian Role = "guardian"
	// RoleBackup is held in reserve and only substitutes for silent guardians.
	RoleBackup Role = "backup"
)

func (r Role) Valid() bool {
	return r == RoleSteward || r == RoleGuardian || r == RoleBackup
}

// MaxGroupSize bounds both the signing threshold and the number of shares.
const MaxGroupSize = 7

// Guardian is one member of a group.
type Guardian struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Group is the family-level configuration backing a shared identity key.
type Group struct {
	ID                      string     `json:"id"`
	PublicKey               string     `json:"public_key"`
	SigningThreshold        int        `json:"signing_threshold"`
	ReconstructionThreshold int        `json:"reconstruction_threshold"`
	EmergencyThreshold      int        `json:"emergency_threshold"`
	Guardians               []Guardian `json:"guardians"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Members returns the ids of stewards and guardians, in configured order.
func (g *Group) Members() []string {
	var ids []string
	for _, m := range g.Guardians {
		if m.Role != RoleBackup {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Backups returns the ids of backup guardians, in configured order.
func (g *Group) Backups() []string {
	var ids []string
	for _, m := range g.Guardians {
		if m.Role == RoleBackup {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Guardian looks up a member by id.
func (g *Group) Guardian(id string) (Guardian, bool) {
	for _, m := range g.Guardians {
		if m.ID == id {
			return m, true
		}
	}
	return Guardian{}, false
}

// Validate checks the structural invariants of the group record.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: group id is required", ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(g.Guardians))
	for _, m := range g.Guardians {
		if m.ID == "" {
			return fmt.Errorf("%w: guardian id is required", ErrInvalidConfiguration)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("%w: guardian %s has unknown role %q", ErrInvalidConfiguration, m.ID, m.Role)
		}
		if seen[m.ID] {
			return fmt.Errorf("%w: guardian %s listed twice", ErrInvalidConfiguration, m.ID)
		}
		seen[m.ID] = true
	}
	members := len(g.Members())
	if members == 0 || members > MaxGroupSize {
		return fmt.Errorf("%w: group must have between 1 and %d members, got %d", ErrInvalidConfiguration, MaxGroupSize, members)
	}
	if g.SigningThreshold < 1 || g.SigningThreshold > members {
		return fmt.Errorf("%w: signing threshold %d out of range for %d members", ErrInvalidConfiguration, g.SigningThreshold, members)
	}
	if g.ReconstructionThreshold < 1 || g.ReconstructionThreshold > members {
		return fmt.Errorf("%w: reconstruction threshold %d out of range for %d members", ErrInvalidConfiguration, g.ReconstructionThreshold, members)
	}
	if g.EmergencyThreshold < 0 || g.EmergencyThreshold > members {
		return fmt.Errorf("%w: emergency threshold %d out of range for %d members", ErrInvalidConfiguration, g.EmergencyThreshold, members)
	}
	return nil
}

// SignerIndex is the guardian's key share index: its 1-based position in Guardians. Backups
// hold indices too so they can stand in for a silent signer.
func (g *Group) SignerIndex(id string) (int, bool) {
	for i, m := range g.Guardians {
		if m.ID == id {
			return i + 1, true
		}
	}
	return 0, false
}
