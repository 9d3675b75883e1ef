package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
	"guardian-node/internal/metrics"
	"guardian-node/internal/session"
	"guardian-node/internal/storage"
)

// NewEmergencyPath opens a time-locked path for the item. It unlocks after the configured
// delay and lapses once the execution window after unlocking has passed.
func NewEmergencyPath(st *ConsensusState, reason string, cfg config.ResilienceConfig, now time.Time) *custody.EmergencyRecoveryPath {
	now = now.UTC()
	unlocks := now.Add(cfg.EmergencyDelay)
	return &custody.EmergencyRecoveryPath{
		ID:          uuid.NewString(),
		GroupID:     st.GroupID,
		SubjectID:   st.SubjectID,
		SubjectKind: st.SubjectKind,
		Status:      custody.EmergencyActive,
		Reason:      reason,
		ActivatedAt: now,
		UnlocksAt:   unlocks,
		ExpiresAt:   unlocks.Add(cfg.EmergencyWindow),
		UpdatedAt:   now,
	}
}

// HasEmergencyRecoveryExpired reports whether the path lapsed without being executed.
func HasEmergencyRecoveryExpired(p *custody.EmergencyRecoveryPath, now time.Time) bool {
	switch p.Status {
	case custody.EmergencyExpired:
		return true
	case custody.EmergencyActive:
		return !now.Before(p.ExpiresAt)
	}
	return false
}

// CanExecute reports whether the path is active, unlocked and not yet lapsed.
func CanExecute(p *custody.EmergencyRecoveryPath, now time.Time) bool {
	return p.Status == custody.EmergencyActive && !now.Before(p.UnlocksAt) && now.Before(p.ExpiresAt)
}

// Paths manages stored emergency recovery paths.
type Paths struct {
	store storage.Store
	cfg   config.ResilienceConfig
	retry session.RetryPolicy
	now   func() time.Time
}

func NewPaths(store storage.Store, cfg config.ResilienceConfig, retry session.RetryPolicy, now func() time.Time) *Paths {
	if now == nil {
		now = time.Now
	}
	return &Paths{store: store, cfg: cfg, retry: retry, now: now}
}

// Create opens a path for the item. An item has at most one active path; the store refuses
// the insert while another one holds the subject.
func (p *Paths) Create(ctx context.Context, st *ConsensusState, reason string) (*custody.EmergencyRecoveryPath, error) {
	if !p.cfg.EnableEmergencyRecovery {
		return nil, fmt.Errorf("%w: emergency recovery is disabled", custody.ErrInvalidConfiguration)
	}
	path := NewEmergencyPath(st, reason, p.cfg, p.now())
	err := p.store.CreateEmergencyPath(ctx, path)
	if errors.Is(err, storage.ErrActivePathExists) {
		return nil, fmt.Errorf("%w: %v", custody.ErrInvalidState, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create emergency path: %w", err)
	}
	logger.SecurityEvent(logger.EventEmergencyActivate, logrus.Fields{
		"path":       path.ID,
		"group":      path.GroupID,
		"subject":    path.SubjectID,
		"unlocks_at": path.UnlocksAt.Format(time.RFC3339),
		"reason":     reason,
	})
	metrics.FallbacksTotal.WithLabelValues(string(StrategyEmergencyRecovery)).Inc()
	return path, nil
}

func (p *Paths) Get(ctx context.Context, id string) (*custody.EmergencyRecoveryPath, error) {
	return p.store.GetEmergencyPath(ctx, id)
}

// List returns the paths of a group, or all paths when groupID is empty.
func (p *Paths) List(ctx context.Context, groupID string) ([]*custody.EmergencyRecoveryPath, error) {
	return p.store.ListEmergencyPaths(ctx, groupID)
}

// transition applies fn to a fresh copy of the path and writes it back.
func (p *Paths) transition(ctx context.Context, id string, fn func(cur, next *custody.EmergencyRecoveryPath, now time.Time) error) (*custody.EmergencyRecoveryPath, error) {
	var out *custody.EmergencyRecoveryPath
	err := p.retry.Do(ctx, metrics.RecordPath, func() error {
		cur, err := p.store.GetEmergencyPath(ctx, id)
		if err != nil {
			return err
		}
		now := p.now().UTC()
		next := *cur
		if err := fn(cur, &next, now); err != nil {
			return err
		}
		next.UpdatedAt = now
		if err := p.store.UpdateEmergencyPath(ctx, &next, cur.Revision); err != nil {
			return err
		}
		out = &next
		return nil
	})
	return out, err
}

// Cancel records a guardian objection. Only members of the path's group may object, and only
// while the path is active.
func (p *Paths) Cancel(ctx context.Context, id, guardianID string) (*custody.EmergencyRecoveryPath, error) {
	out, err := p.transition(ctx, id, func(cur, next *custody.EmergencyRecoveryPath, now time.Time) error {
		if cur.Status != custody.EmergencyActive || HasEmergencyRecoveryExpired(cur, now) {
			return fmt.Errorf("%w: emergency path %s is not active", custody.ErrInvalidState, cur.ID)
		}
		group, err := p.store.GetGroup(ctx, cur.GroupID)
		if err != nil {
			return err
		}
		if g, ok := group.Guardian(guardianID); !ok || g.Role == custody.RoleBackup {
			return fmt.Errorf("%w: %s may not cancel emergency path %s", custody.ErrUnauthorizedParticipant, guardianID, cur.ID)
		}
		next.Status = custody.EmergencyCancelled
		next.CancelledBy = guardianID
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.SecurityEvent(logger.EventEmergencyCancel, logrus.Fields{
		"path":         out.ID,
		"subject":      out.SubjectID,
		"cancelled_by": guardianID,
	})
	return out, nil
}

// Complete executes the path. It fails before the path unlocks and after it lapses.
func (p *Paths) Complete(ctx context.Context, id string) (*custody.EmergencyRecoveryPath, error) {
	out, err := p.transition(ctx, id, func(cur, next *custody.EmergencyRecoveryPath, now time.Time) error {
		if cur.Status != custody.EmergencyActive {
			return fmt.Errorf("%w: emergency path %s is %s", custody.ErrInvalidState, cur.ID, cur.Status)
		}
		if now.Before(cur.UnlocksAt) {
			return fmt.Errorf("%w: emergency path %s is locked until %s", custody.ErrInvalidState, cur.ID, cur.UnlocksAt.Format(time.RFC3339))
		}
		if HasEmergencyRecoveryExpired(cur, now) {
			return fmt.Errorf("%w: emergency path %s lapsed at %s", custody.ErrInvalidState, cur.ID, cur.ExpiresAt.Format(time.RFC3339))
		}
		next.Status = custody.EmergencyCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(logrus.Fields{"path": out.ID, "subject": out.SubjectID}).Warn("Emergency recovery path executed")
	return out, nil
}

// ExpirePaths marks every lapsed active path expired.
func (p *Paths) ExpirePaths(ctx context.Context) (int, error) {
	all, err := p.store.ListEmergencyPaths(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list emergency paths: %w", err)
	}
	expired := 0
	for _, candidate := range all {
		if candidate.Status != custody.EmergencyActive || !HasEmergencyRecoveryExpired(candidate, p.now()) {
			continue
		}
		_, err := p.transition(ctx, candidate.ID, func(cur, next *custody.EmergencyRecoveryPath, now time.Time) error {
			if cur.Status != custody.EmergencyActive {
				return errSkip
			}
			next.Status = custody.EmergencyExpired
			return nil
		})
		switch {
		case errors.Is(err, errSkip):
		case err != nil:
			return expired, fmt.Errorf("failed to expire emergency path %s: %w", candidate.ID, err)
		default:
			expired++
		}
	}
	return expired, nil
}

var errSkip = errors.New("skip")
