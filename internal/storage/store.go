// Package storage provides the durable store capability consumed by the custody core: atomic
// single-record reads, compare-and-swap updates keyed by revision, and append-only unique
// inserts for nonce commitments.
package storage

import (
	"context"
	"errors"
	"time"

	"guardian-node/internal/custody"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = custody.ErrNotFound
	// ErrRevisionConflict is returned when a compare-and-swap lost against a concurrent writer.
	ErrRevisionConflict = custody.ErrConcurrentUpdateConflict
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrNonceExists is returned when a nonce commitment has already been recorded by anyone.
	ErrNonceExists = errors.New("nonce commitment already recorded")
	// ErrNonceConsumed is returned when a nonce is consumed by anyone other than its owner.
	ErrNonceConsumed = errors.New("nonce already consumed")
	// ErrActivePathExists is returned when a subject already holds an active emergency path.
	ErrActivePathExists = errors.New("subject already has an active emergency path")
)

// holdsSubject reports whether p still blocks a new path for its subject at time at. A path
// that lapsed without being marked expired no longer does.
func holdsSubject(p *custody.EmergencyRecoveryPath, at time.Time) bool {
	return p.Status == custody.EmergencyActive && at.Before(p.ExpiresAt)
}

// SessionFilter selects signing sessions. Zero fields match everything.
type SessionFilter struct {
	Statuses      []custody.SessionStatus
	ExpiresBefore time.Time
	UpdatedBefore time.Time
}

// RequestFilter selects reconstruction requests. Zero fields match everything.
type RequestFilter struct {
	Statuses      []custody.RequestStatus
	ExpiresBefore time.Time
	UpdatedBefore time.Time
}

// Store is the persistence capability. Update methods write the record only if its stored
// revision equals expected, then set the record's Revision to expected+1.
type Store interface {
	PutGroup(ctx context.Context, g *custody.Group) error
	GetGroup(ctx context.Context, id string) (*custody.Group, error)

	CreateSession(ctx context.Context, s *custody.SigningSession) error
	GetSession(ctx context.Context, id string) (*custody.SigningSession, error)
	UpdateSession(ctx context.Context, s *custody.SigningSession, expected uint64) error
	ListSessions(ctx context.Context, f SessionFilter) ([]*custody.SigningSession, error)
	DeleteSession(ctx context.Context, id string) error

	// InsertNonce records a commitment exactly once across all sessions. Nonce records are
	// never deleted.
	InsertNonce(ctx context.Context, n custody.NonceRecord) error
	GetNonce(ctx context.Context, commitment string) (*custody.NonceRecord, error)
	// ConsumeNonce atomically marks the commitment used by its owner. Consuming an already used
	// nonce again as the same owner succeeds without effect.
	ConsumeNonce(ctx context.Context, commitment, sessionID, participant string, at time.Time) error

	CreateRequest(ctx context.Context, r *custody.ReconstructionRequest) error
	GetRequest(ctx context.Context, id string) (*custody.ReconstructionRequest, error)
	UpdateRequest(ctx context.Context, r *custody.ReconstructionRequest, expected uint64) error
	ListRequests(ctx context.Context, f RequestFilter) ([]*custody.ReconstructionRequest, error)
	DeleteRequest(ctx context.Context, id string) error

	// PutShares stores a complete share set atomically. A share slot (group, key, index) can be
	// written once.
	PutShares(ctx context.Context, shares []custody.GuardianShare) error
	ListShares(ctx context.Context, groupID, keyID string) ([]custody.GuardianShare, error)

	// CreateEmergencyPath inserts p unless its subject still holds an active path, checked
	// against p.ActivatedAt in the same transaction as the insert.
	CreateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath) error
	GetEmergencyPath(ctx context.Context, id string) (*custody.EmergencyRecoveryPath, error)
	UpdateEmergencyPath(ctx context.Context, p *custody.EmergencyRecoveryPath, expected uint64) error
	ListEmergencyPaths(ctx context.Context, groupID string) ([]*custody.EmergencyRecoveryPath, error)

	Close() error
}

func (f SessionFilter) match(s *custody.SigningSession) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, s.Status) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !s.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func (f RequestFilter) match(r *custody.ReconstructionRequest) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !r.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
