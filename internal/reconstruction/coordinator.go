// Package reconstruction distributes encrypted key shares to guardians and coordinates the
// fallback flow that reassembles a key from guardian-approved shares.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"guardian-node/internal/config"
	"guardian-node/internal/custody"
	"guardian-node/internal/envelope"
	"guardian-node/internal/logger"
	"guardian-node/internal/metrics"
	"guardian-node/internal/session"
	"guardian-node/internal/shamir"
	"guardian-node/internal/storage"
)

// Coordinator owns reconstruction requests. Like the session manager it keeps no state of its
// own; every request mutation is a compare-and-swap against the store.
type Coordinator struct {
	store storage.Store
	keys  envelope.KeyProvider
	cfg   config.ReconstructionConfig
	retry session.RetryPolicy
	now   func() time.Time
}

type Option func(*Coordinator)

func WithRetryPolicy(p session.RetryPolicy) Option { return func(c *Coordinator) { c.retry = p } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator creates a coordinator sealing shares with keys.
func NewCoordinator(store storage.Store, keys envelope.KeyProvider, cfg config.ReconstructionConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		keys:  keys,
		cfg:   cfg,
		retry: session.DefaultRetryPolicy,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DistributeParams describes a share distribution. TotalShares defaults to the number of group
// members; it may exceed it, in which case some guardians hold more than one share.
type DistributeParams struct {
	GroupID     string
	KeyID       string
	Secret      []byte
	TotalShares int
	ExpiresAt   *time.Time
}

// DistributeShares splits the secret under the group reconstruction threshold, seals every
// share for its guardian and stores the set. The plaintext shares are wiped before returning.
func (c *Coordinator) DistributeShares(ctx context.Context, p DistributeParams) ([]custody.GuardianShare, error) {
	if p.KeyID == "" {
		return nil, fmt.Errorf("%w: key id is required", custody.ErrInvalidConfiguration)
	}
	group, err := c.store.GetGroup(ctx, p.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", p.GroupID, err)
	}
	members := group.Members()
	total := p.TotalShares
	if total == 0 {
		total = len(members)
	}
	scheme, err := shamir.EffectiveScheme(group.ReconstructionThreshold, total)
	if err != nil {
		return nil, err
	}
	assignment, err := shamir.Assign(members, scheme.Total)
	if err != nil {
		return nil, err
	}
	plain, err := shamir.Split(p.Secret, scheme)
	if err != nil {
		return nil, err
	}
	defer shamir.ZeroAll(plain)

	owner := make(map[int]string, scheme.Total)
	for g, indices := range assignment {
		for _, idx := range indices {
			owner[idx] = g
		}
	}

	now := c.now().UTC()
	out := make([]custody.GuardianShare, 0, len(plain))
	for _, sh := range plain {
		guardian := owner[sh.Index]
		env, err := envelope.Seal(c.keys, envelope.Binding{GroupID: group.ID, KeyID: p.KeyID, GuardianID: guardian, Index: sh.Index}, sh.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to seal share %d: %w", sh.Index, err)
		}
		out = append(out, custody.GuardianShare{
			ID:          uuid.NewString(),
			GroupID:     group.ID,
			KeyID:       p.KeyID,
			GuardianID:  guardian,
			Index:       sh.Index,
			Threshold:   scheme.Threshold,
			TotalShares: scheme.Total,
			Envelope:    env,
			CreatedAt:   now,
			ExpiresAt:   p.ExpiresAt,
		})
	}
	if err := c.store.PutShares(ctx, out); err != nil {
		return nil, fmt.Errorf("failed to store shares: %w", err)
	}
	logger.Log.WithFields(logrus.Fields{
		"group":     group.ID,
		"key":       p.KeyID,
		"threshold": scheme.Threshold,
		"total":     scheme.Total,
	}).Info("Key shares distributed")
	return out, nil
}

// RequiredThreshold returns how many guardians must supply shares for a request with reason.
// Emergency requests use the group emergency threshold when one is configured.
func RequiredThreshold(group *custody.Group, reason custody.Reason) (int, error) {
	if reason == custody.ReasonEmergency && group.EmergencyThreshold > 0 {
		return group.EmergencyThreshold, nil
	}
	members := len(group.Members())
	if members < shamir.MinShares {
		return group.ReconstructionThreshold, nil
	}
	scheme, err := shamir.EffectiveScheme(group.ReconstructionThreshold, members)
	if err != nil {
		return 0, err
	}
	return scheme.Threshold, nil
}

// RequestParams describes a new reconstruction request. A zero ExpiresAt uses the configured
// request TTL.
type RequestParams struct {
	GroupID     string
	KeyID       string
	RequestedBy string
	Reason      custody.Reason
	ExpiresAt   time.Time
}

// RequestReconstruction opens a pending request for the key.
func (c *Coordinator) RequestReconstruction(ctx context.Context, p RequestParams) (*custody.ReconstructionRequest, error) {
	if _, err := custody.ParseReason(string(p.Reason)); err != nil {
		return nil, err
	}
	if p.RequestedBy == "" {
		return nil, fmt.Errorf("%w: requester is required", custody.ErrInvalidConfiguration)
	}
	now := c.now().UTC()
	expires := p.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(c.cfg.RequestTTL)
	}
	if !expires.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", custody.ErrInvalidConfiguration)
	}
	group, err := c.store.GetGroup(ctx, p.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", p.GroupID, err)
	}
	shares, err := c.store.ListShares(ctx, group.ID, p.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares distributed for key %s", custody.ErrInvalidConfiguration, p.KeyID)
	}
	threshold, err := RequiredThreshold(group, p.Reason)
	if err != nil {
		return nil, err
	}

	r := &custody.ReconstructionRequest{
		ID:                uuid.NewString(),
		GroupID:           group.ID,
		KeyID:             p.KeyID,
		RequestedBy:       p.RequestedBy,
		Reason:            p.Reason,
		RequiredThreshold: threshold,
		Status:            custody.RequestPending,
		CreatedAt:         now,
		ExpiresAt:         expires.UTC(),
		UpdatedAt:         now,
	}
	if err := c.store.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	logger.Log.WithFields(logrus.Fields{
		"request":   r.ID,
		"group":     r.GroupID,
		"reason":    r.Reason,
		"threshold": r.RequiredThreshold,
	}).Info("Reconstruction requested")
	return r, nil
}

func (c *Coordinator) GetRequest(ctx context.Context, id string) (*custody.ReconstructionRequest, error) {
	return c.store.GetRequest(ctx, id)
}

func (c *Coordinator) checkOpen(ctx context.Context, r *custody.ReconstructionRequest, now time.Time) error {
	if r.IsExpired(now) && !r.Status.Terminal() {
		next := r.Clone()
		next.Status = custody.RequestExpired
		next.UpdatedAt = now
		if err := c.store.UpdateRequest(ctx, next, r.Revision); err == nil {
			metrics.ReconstructionsTotal.WithLabelValues(string(custody.RequestExpired)).Inc()
		}
		return fmt.Errorf("%w: request %s expired at %s", custody.ErrRequestExpired, r.ID, r.ExpiresAt.Format(time.RFC3339))
	}
	if r.Status == custody.RequestExpired {
		return fmt.Errorf("%w: request %s", custody.ErrRequestExpired, r.ID)
	}
	return nil
}

// ProvideShare records a guardian's response. An empty shareIndices records a refusal.
// A guardian responds at most once, whatever the request status.
func (c *Coordinator) ProvideShare(ctx context.Context, requestID, guardianID string, shareIndices []int) (*custody.ReconstructionRequest, error) {
	var out *custody.ReconstructionRequest
	err := c.retry.Do(ctx, metrics.RecordRequest, func() error {
		r, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		if err := c.checkOpen(ctx, r, now); err != nil {
			return err
		}
		if r.Status != custody.RequestPending && r.Status != custody.RequestThresholdMet {
			return fmt.Errorf("%w: request %s is %s", custody.ErrInvalidState, r.ID, r.Status)
		}
		// a repeat into a request still gathering or awaiting reconstruction is a duplicate
		if r.HasResponded(guardianID) {
			return fmt.Errorf("%w: %s already responded to request %s", custody.ErrDuplicateContribution, guardianID, r.ID)
		}
		if r.Status != custody.RequestPending {
			return fmt.Errorf("%w: request %s is %s, not pending", custody.ErrInvalidState, r.ID, r.Status)
		}
		held, err := c.heldIndices(ctx, r, guardianID)
		if err != nil {
			return err
		}
		indices := append([]int(nil), shareIndices...)
		sort.Ints(indices)
		for i, idx := range indices {
			if !held[idx] {
				return fmt.Errorf("%w: share %d is not held by %s", custody.ErrUnauthorizedParticipant, idx, guardianID)
			}
			if i > 0 && indices[i-1] == idx {
				return fmt.Errorf("%w: share %d listed twice", custody.ErrMalformedShare, idx)
			}
		}

		next := r.Clone()
		next.Responses = append(next.Responses, custody.GuardianResponse{
			GuardianID:    guardianID,
			ProvidedShare: len(indices) > 0,
			ShareIndices:  indices,
			RespondedAt:   now,
		})
		if next.SupplierCount() >= next.RequiredThreshold {
			next.Status = custody.RequestThresholdMet
		}
		next.UpdatedAt = now
		if err := c.store.UpdateRequest(ctx, next, r.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	metrics.RecordContribution(metrics.KindShare, custody.KindOf(err))
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(logrus.Fields{
		"request":   out.ID,
		"guardian":  guardianID,
		"suppliers": out.SupplierCount(),
		"status":    out.Status,
	}).Info("Guardian response recorded")
	return out, nil
}

// heldIndices returns the share indices stored for guardian, failing when the guardian is not
// a member of the request's group.
func (c *Coordinator) heldIndices(ctx context.Context, r *custody.ReconstructionRequest, guardianID string) (map[int]bool, error) {
	group, err := c.store.GetGroup(ctx, r.GroupID)
	if err != nil {
		return nil, err
	}
	if _, ok := group.Guardian(guardianID); !ok {
		return nil, fmt.Errorf("%w: %s is not a guardian of group %s", custody.ErrUnauthorizedParticipant, guardianID, r.GroupID)
	}
	shares, err := c.store.ListShares(ctx, r.GroupID, r.KeyID)
	if err != nil {
		return nil, err
	}
	held := make(map[int]bool)
	for _, s := range shares {
		if s.GuardianID == guardianID {
			held[s.Index] = true
		}
	}
	return held, nil
}

// ReconstructKey reassembles the key of a request in threshold_met. The returned secret is
// never persisted and wipes itself after the TTL for the request reason; callers should still
// Destroy it as soon as they are done.
func (c *Coordinator) ReconstructKey(ctx context.Context, requestID string) (*shamir.Secret, error) {
	r, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	if err := c.checkOpen(ctx, r, now); err != nil {
		return nil, err
	}
	if r.Status != custody.RequestThresholdMet {
		return nil, fmt.Errorf("%w: request %s is %s, not threshold_met", custody.ErrInvalidState, r.ID, r.Status)
	}

	secret, recErr := c.combine(ctx, r, now)
	if recErr != nil {
		metrics.ReconstructionsTotal.WithLabelValues(custody.KindOf(recErr)).Inc()
		if err := c.finish(ctx, r.ID, custody.RequestFailed, "reconstruction failed: "+recErr.Error()); err != nil {
			logger.Log.WithField("request", r.ID).Errorf("Failed to record reconstruction failure: %v", err)
		}
		return nil, recErr
	}
	if err := c.finish(ctx, r.ID, custody.RequestCompleted, ""); err != nil {
		secret.Destroy()
		return nil, fmt.Errorf("failed to complete request %s: %w", r.ID, err)
	}

	ttl := c.cfg.DefaultSecretTTL
	if r.Reason == custody.ReasonSigning {
		ttl = c.cfg.SigningSecretTTL
	}
	secret.ExpireAfter(ttl)
	metrics.ReconstructionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	logger.SecurityEvent(logger.EventKeyReconstructed, logrus.Fields{
		"request":    r.ID,
		"group":      r.GroupID,
		"key":        r.KeyID,
		"reason":     r.Reason,
		"expires_at": secret.ExpiresAt().Format(time.RFC3339),
	})
	return secret, nil
}

// combine opens every share supplied by a responding guardian and reconstructs the secret.
// Shares that are expired or fail to open are skipped.
func (c *Coordinator) combine(ctx context.Context, r *custody.ReconstructionRequest, now time.Time) (*shamir.Secret, error) {
	stored, err := c.store.ListShares(ctx, r.GroupID, r.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: no shares stored for key %s", custody.ErrInsufficientShares, r.KeyID)
	}
	byIndex := make(map[int]custody.GuardianShare, len(stored))
	for _, s := range stored {
		byIndex[s.Index] = s
	}

	var plain []shamir.Share
	defer func() { shamir.ZeroAll(plain) }()
	for _, resp := range r.Responses {
		for _, idx := range resp.ShareIndices {
			s, ok := byIndex[idx]
			if !ok || s.GuardianID != resp.GuardianID || s.IsExpired(now) {
				continue
			}
			value, err := envelope.Open(c.keys, envelope.Binding{GroupID: s.GroupID, KeyID: s.KeyID, GuardianID: s.GuardianID, Index: s.Index}, s.Envelope)
			if err != nil {
				logger.Log.WithFields(logrus.Fields{"request": r.ID, "share": s.Index}).Warnf("Skipping share: %v", err)
				continue
			}
			plain = append(plain, shamir.Share{Index: s.Index, Threshold: s.Threshold, Total: s.TotalShares, Value: value})
		}
	}
	threshold := stored[0].Threshold
	if len(plain) < threshold {
		return nil, fmt.Errorf("%w: %d usable shares, need %d", custody.ErrInsufficientShares, len(plain), threshold)
	}
	return shamir.Combine(plain)
}

// finish moves a request out of threshold_met.
func (c *Coordinator) finish(ctx context.Context, requestID string, status custody.RequestStatus, reason string) error {
	return c.retry.Do(ctx, metrics.RecordRequest, func() error {
		r, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !r.Status.CanAdvanceTo(status) {
			return fmt.Errorf("%w: request %s is %s", custody.ErrInvalidState, r.ID, r.Status)
		}
		next := r.Clone()
		next.Status = status
		next.Error = reason
		next.UpdatedAt = c.now().UTC()
		return c.store.UpdateRequest(ctx, next, r.Revision)
	})
}

// ApplyReducedQuorum lowers the guardian threshold of a pending request by one, never below
// minimum. The reconstruction itself still needs the share threshold the key was split with.
func (c *Coordinator) ApplyReducedQuorum(ctx context.Context, requestID string, minimum int) (*custody.ReconstructionRequest, error) {
	var out *custody.ReconstructionRequest
	err := c.retry.Do(ctx, metrics.RecordRequest, func() error {
		r, err := c.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		if err := c.checkOpen(ctx, r, now); err != nil {
			return err
		}
		if r.Status != custody.RequestPending {
			return fmt.Errorf("%w: request %s is %s, not pending", custody.ErrInvalidState, r.ID, r.Status)
		}
		reduced := r.RequiredThreshold - 1
		if floor := max(minimum, 1); reduced < floor {
			return fmt.Errorf("%w: threshold %d cannot drop below %d", custody.ErrInvalidConfiguration, r.RequiredThreshold, floor)
		}
		next := r.Clone()
		next.RequiredThreshold = reduced
		if next.SupplierCount() >= reduced {
			next.Status = custody.RequestThresholdMet
		}
		next.UpdatedAt = now
		if err := c.store.UpdateRequest(ctx, next, r.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(logrus.Fields{
		"request":   requestID,
		"threshold": out.RequiredThreshold,
		"status":    out.Status,
	}).Warn("Reduced quorum applied")
	return out, nil
}

// FailRequest moves a non-terminal request to failed.
func (c *Coordinator) FailRequest(ctx context.Context, requestID, reason string) (*custody.ReconstructionRequest, error) {
	if err := c.finish(ctx, requestID, custody.RequestFailed, reason); err != nil {
		return nil, err
	}
	metrics.ReconstructionsTotal.WithLabelValues(string(custody.RequestFailed)).Inc()
	logger.Log.WithFields(logrus.Fields{"request": requestID, "reason": reason}).Warn("Reconstruction request failed")
	return c.store.GetRequest(ctx, requestID)
}

// ExpireOldRequests moves every open request past its expiry to expired.
func (c *Coordinator) ExpireOldRequests(ctx context.Context) (int, error) {
	now := c.now().UTC()
	open, err := c.store.ListRequests(ctx, storage.RequestFilter{
		Statuses:      []custody.RequestStatus{custody.RequestPending, custody.RequestThresholdMet},
		ExpiresBefore: now.Add(time.Nanosecond),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list requests: %w", err)
	}
	expired := 0
	for _, candidate := range open {
		err := c.finish(ctx, candidate.ID, custody.RequestExpired, "")
		switch {
		case errors.Is(err, custody.ErrInvalidState):
		case err != nil:
			return expired, fmt.Errorf("failed to expire request %s: %w", candidate.ID, err)
		default:
			expired++
			metrics.ReconstructionsTotal.WithLabelValues(string(custody.RequestExpired)).Inc()
		}
	}
	if expired > 0 {
		logger.Log.Infof("Expired %d reconstruction requests", expired)
	}
	return expired, nil
}

// CleanupOldRequests deletes terminal requests last touched more than retentionDays ago.
func (c *Coordinator) CleanupOldRequests(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: retention days must not be negative", custody.ErrInvalidConfiguration)
	}
	cutoff := c.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	old, err := c.store.ListRequests(ctx, storage.RequestFilter{
		Statuses:      []custody.RequestStatus{custody.RequestCompleted, custody.RequestFailed, custody.RequestExpired},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list requests: %w", err)
	}
	removed := 0
	for _, r := range old {
		if err := c.store.DeleteRequest(ctx, r.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("failed to delete request %s: %w", r.ID, err)
		}
		removed++
	}
	return removed, nil
}
