package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"guardian-node/internal/curve"
	"guardian-node/internal/custody"
	"guardian-node/internal/dto"
	"guardian-node/internal/logger"
	"guardian-node/internal/metrics"
	"guardian-node/internal/storage"
)

// Publisher hands a signed artifact to the publication collaborator and returns its id.
type Publisher interface {
	Publish(ctx context.Context, artifact *dto.SignedArtifact, endpoints []string) (string, error)
}

// Manager handles the lifecycle of signing sessions. It holds no session state of its own;
// every mutation is a compare-and-swap against the store.
type Manager struct {
	store     storage.Store
	retry     RetryPolicy
	now       func() time.Time
	publisher Publisher
}

type Option func(*Manager)

func WithRetryPolicy(p RetryPolicy) Option { return func(m *Manager) { m.retry = p } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// NewManager creates a new session manager.
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		retry: DefaultRetryPolicy,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateParams describes a new signing session.
type CreateParams struct {
	GroupID      string
	MessageHash  custody.Digest
	Participants []string
	Threshold    int
	ExpiresAt    time.Time
	Template     *custody.ArtifactTemplate
}

// CreateSession validates the configuration against the group record and stores a new
// session in pending.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*custody.SigningSession, error) {
	if p.Threshold < 1 || p.Threshold > custody.MaxGroupSize {
		return nil, fmt.Errorf("%w: threshold must be between 1 and %d, got %d", custody.ErrInvalidConfiguration, custody.MaxGroupSize, p.Threshold)
	}
	if len(p.Participants) < p.Threshold {
		return nil, fmt.Errorf("%w: %d participants cannot meet threshold %d", custody.ErrInvalidConfiguration, len(p.Participants), p.Threshold)
	}
	now := m.now().UTC()
	if !p.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", custody.ErrInvalidConfiguration)
	}
	group, err := m.store.GetGroup(ctx, p.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", p.GroupID, err)
	}
	if p.Threshold < group.SigningThreshold {
		return nil, fmt.Errorf("%w: threshold %d is below the group signing threshold %d", custody.ErrInvalidConfiguration, p.Threshold, group.SigningThreshold)
	}
	seen := make(map[string]bool, len(p.Participants))
	for _, id := range p.Participants {
		if seen[id] {
			return nil, fmt.Errorf("%w: participant %s listed twice", custody.ErrInvalidConfiguration, id)
		}
		if _, ok := group.Guardian(id); !ok {
			return nil, fmt.Errorf("%w: %s is not a guardian of group %s", custody.ErrInvalidConfiguration, id, p.GroupID)
		}
		seen[id] = true
	}

	s := &custody.SigningSession{
		ID:                uuid.NewString(),
		GroupID:           p.GroupID,
		MessageHash:       p.MessageHash,
		Participants:      append([]string(nil), p.Participants...),
		Threshold:         p.Threshold,
		CreatedAt:         now,
		ExpiresAt:         p.ExpiresAt.UTC(),
		NonceCommitments:  map[string]string{},
		PartialSignatures: map[string]string{},
		Status:            custody.SessionPending,
		Template:          p.Template,
		UpdatedAt:         now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logger.Log.WithFields(logrus.Fields{
		"session":   s.ID,
		"group":     s.GroupID,
		"threshold": s.Threshold,
	}).Info("Signing session created")
	return s, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*custody.SigningSession, error) {
	return m.store.GetSession(ctx, id)
}

// checkOpen fails closed on expiry before any other check.
func (m *Manager) checkOpen(ctx context.Context, s *custody.SigningSession, now time.Time) error {
	if s.IsExpired(now) && !s.Status.Terminal() {
		m.markExpired(ctx, s, now)
		return fmt.Errorf("%w: session %s expired at %s", custody.ErrSessionExpired, s.ID, s.ExpiresAt.Format(time.RFC3339))
	}
	if s.Status == custody.SessionExpired {
		return fmt.Errorf("%w: session %s", custody.ErrSessionExpired, s.ID)
	}
	return nil
}

// markExpired records the expiry on a best-effort basis; a lost race is left to the sweep.
func (m *Manager) markExpired(ctx context.Context, s *custody.SigningSession, now time.Time) {
	next := s.Clone()
	next.Status = custody.SessionExpired
	next.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, next, s.Revision); err == nil {
		metrics.SessionsTotal.WithLabelValues(string(custody.SessionExpired)).Inc()
	}
}

// SubmitNonceCommitment records participant's commitment. The commitment is first inserted
// into the global nonce table under its x coordinate, so a point seen in any session before is
// refused whatever its encoding or sign.
func (m *Manager) SubmitNonceCommitment(ctx context.Context, sessionID, participant, commitment string) (*custody.SigningSession, error) {
	commitment, err := curve.CanonicalPoint(commitment)
	if err != nil {
		metrics.RecordContribution(metrics.KindNonce, custody.KindOf(custody.ErrMalformedShare))
		return nil, fmt.Errorf("%w: nonce commitment: %v", custody.ErrMalformedShare, err)
	}
	var out *custody.SigningSession
	err = m.retry.Do(ctx, metrics.RecordSession, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if err := m.checkOpen(ctx, s, now); err != nil {
			return err
		}
		if s.Status != custody.SessionPending && s.Status != custody.SessionNonceCollection {
			return fmt.Errorf("%w: session %s is %s, not collecting nonces", custody.ErrInvalidState, s.ID, s.Status)
		}
		if !s.IsEligible(participant) || s.HasDeclined(participant) {
			return fmt.Errorf("%w: %s may not contribute to session %s", custody.ErrUnauthorizedParticipant, participant, s.ID)
		}
		if _, ok := s.NonceCommitments[participant]; ok {
			return fmt.Errorf("%w: %s already submitted a nonce commitment", custody.ErrDuplicateContribution, participant)
		}
		if err := m.recordNonce(ctx, s.ID, participant, commitment, now); err != nil {
			return err
		}

		next := s.Clone()
		next.NonceCommitments[participant] = commitment
		if next.Status == custody.SessionPending {
			next.Status = custody.SessionNonceCollection
		}
		if len(next.NonceCommitments) >= next.Threshold {
			next.Status = custody.SessionSigning
		}
		next.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, next, s.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	metrics.RecordContribution(metrics.KindNonce, custody.KindOf(err))
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(logrus.Fields{
		"session":     out.ID,
		"participant": participant,
		"status":      out.Status,
	}).Info("Nonce commitment recorded")
	return out, nil
}

// recordNonce inserts the commitment once. Finding it already recorded by the same session and
// participant means an earlier attempt lost its session write and is being retried.
func (m *Manager) recordNonce(ctx context.Context, sessionID, participant, commitment string, now time.Time) error {
	key, err := curve.NonceKey(commitment)
	if err != nil {
		return fmt.Errorf("%w: nonce commitment: %v", custody.ErrMalformedShare, err)
	}
	err = m.store.InsertNonce(ctx, custody.NonceRecord{
		Commitment:  key,
		SessionID:   sessionID,
		Participant: participant,
		CreatedAt:   now,
	})
	if !errors.Is(err, storage.ErrNonceExists) {
		return err
	}
	existing, getErr := m.store.GetNonce(ctx, key)
	if getErr != nil {
		return getErr
	}
	if existing.Owns(sessionID, participant) && !existing.Used {
		return nil
	}
	return m.nonceReuse(sessionID, participant, commitment, existing)
}

func (m *Manager) nonceReuse(sessionID, participant, commitment string, prior *custody.NonceRecord) error {
	fields := logrus.Fields{
		"session":     sessionID,
		"participant": participant,
		"commitment":  commitment,
	}
	if prior != nil {
		fields["first_session"] = prior.SessionID
		fields["first_participant"] = prior.Participant
		fields["used"] = prior.Used
	}
	logger.SecurityEvent(logger.EventNonceReuse, fields)
	metrics.NonceReuseTotal.Inc()
	return fmt.Errorf("%w: commitment %s was already recorded", custody.ErrNonceReuseDetected, commitment)
}

// SubmitPartialSignature records participant's partial signature after consuming its nonce.
// The returned flag is true for the one caller whose submission won the move to aggregating.
func (m *Manager) SubmitPartialSignature(ctx context.Context, sessionID, participant, partial string) (*custody.SigningSession, bool, error) {
	if _, err := curve.ParseScalar(partial); err != nil {
		metrics.RecordContribution(metrics.KindPartial, custody.KindOf(custody.ErrMalformedShare))
		return nil, false, fmt.Errorf("%w: partial signature: %v", custody.ErrMalformedShare, err)
	}
	var out *custody.SigningSession
	err := m.retry.Do(ctx, metrics.RecordSession, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if err := m.checkOpen(ctx, s, now); err != nil {
			return err
		}
		if s.Status != custody.SessionSigning {
			return fmt.Errorf("%w: session %s is %s, not signing", custody.ErrInvalidState, s.ID, s.Status)
		}
		if !s.IsEligible(participant) {
			return fmt.Errorf("%w: %s is not a participant of session %s", custody.ErrUnauthorizedParticipant, participant, s.ID)
		}
		commitment, ok := s.NonceCommitments[participant]
		if !ok {
			return fmt.Errorf("%w: %s has no nonce commitment in session %s", custody.ErrPrecursorMissing, participant, s.ID)
		}
		if _, ok := s.PartialSignatures[participant]; ok {
			return fmt.Errorf("%w: %s already submitted a partial signature", custody.ErrDuplicateContribution, participant)
		}

		key, err := curve.NonceKey(commitment)
		if err != nil {
			return fmt.Errorf("%w: nonce commitment of %s: %v", custody.ErrMalformedShare, participant, err)
		}
		switch err := m.store.ConsumeNonce(ctx, key, s.ID, participant, now); {
		case errors.Is(err, storage.ErrNonceConsumed):
			prior, _ := m.store.GetNonce(ctx, key)
			return m.nonceReuse(s.ID, participant, commitment, prior)
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("%w: nonce record for %s is missing", custody.ErrPrecursorMissing, participant)
		case err != nil:
			return err
		}

		next := s.Clone()
		next.PartialSignatures[participant] = partial
		next.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, next, s.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	metrics.RecordContribution(metrics.KindPartial, custody.KindOf(err))
	if err != nil {
		return nil, false, err
	}
	logger.Log.WithFields(logrus.Fields{
		"session":     out.ID,
		"participant": participant,
		"partials":    len(out.PartialSignatures),
	}).Info("Partial signature recorded")

	if len(out.PartialSignatures) < out.Threshold {
		return out, false, nil
	}
	gated, err := m.TransitionToAggregating(ctx, sessionID)
	if errors.Is(err, custody.ErrInvalidState) {
		// another submitter won the gate
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return gated, true, nil
}

// TransitionToAggregating moves a session from signing to aggregating. Exactly one caller
// succeeds; every other caller gets ErrInvalidState and must not aggregate.
func (m *Manager) TransitionToAggregating(ctx context.Context, sessionID string) (*custody.SigningSession, error) {
	var out *custody.SigningSession
	err := m.retry.Do(ctx, metrics.RecordSession, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if err := m.checkOpen(ctx, s, now); err != nil {
			return err
		}
		if s.Status != custody.SessionSigning {
			return fmt.Errorf("%w: session %s is %s, not signing", custody.ErrInvalidState, s.ID, s.Status)
		}
		if len(s.PartialSignatures) < s.Threshold {
			return fmt.Errorf("%w: %d of %d partial signatures", custody.ErrInsufficientContributions, len(s.PartialSignatures), s.Threshold)
		}
		next := s.Clone()
		next.Status = custody.SessionAggregating
		next.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, next, s.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Log.WithField("session", sessionID).Info("Session moved to aggregating")
	return out, nil
}

// Aggregate computes (R, s) from the recorded contributions. It performs no I/O.
func Aggregate(s *custody.SigningSession) (*custody.FinalSignature, error) {
	if len(s.PartialSignatures) < s.Threshold {
		return nil, fmt.Errorf("%w: %d of %d partial signatures", custody.ErrInsufficientContributions, len(s.PartialSignatures), s.Threshold)
	}
	signers := make([]string, 0, len(s.PartialSignatures))
	for p := range s.PartialSignatures {
		signers = append(signers, p)
	}
	sort.Strings(signers)

	scalars := make([]string, 0, len(signers))
	commitments := make([]string, 0, len(signers))
	for _, p := range signers {
		c, ok := s.NonceCommitments[p]
		if !ok {
			return nil, fmt.Errorf("%w: no nonce commitment for %s", custody.ErrMalformedShare, p)
		}
		scalars = append(scalars, s.PartialSignatures[p])
		commitments = append(commitments, c)
	}

	parsed := make([]*big.Int, len(scalars))
	for i, enc := range scalars {
		v, err := curve.ParseScalar(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: partial signature of %s: %v", custody.ErrMalformedShare, signers[i], err)
		}
		parsed[i] = v
	}
	r, err := curve.AggregatePoints(commitments)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce commitments: %v", custody.ErrMalformedShare, err)
	}
	return &custody.FinalSignature{R: r, S: curve.EncodeScalar(curve.SumScalars(parsed))}, nil
}

// AggregateSignatures computes the final signature of a session in aggregating, verifies it
// under the group key and only then completes the session. A parse or summation failure, or a
// signature that does not verify, fails the session instead.
func (m *Manager) AggregateSignatures(ctx context.Context, sessionID string) (*custody.FinalSignature, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != custody.SessionAggregating {
		return nil, fmt.Errorf("%w: session %s is %s, not aggregating", custody.ErrInvalidState, s.ID, s.Status)
	}
	sig, aggErr := Aggregate(s)
	if errors.Is(aggErr, custody.ErrInsufficientContributions) {
		return nil, aggErr
	}
	if aggErr == nil {
		group, err := m.store.GetGroup(ctx, s.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load group %s: %w", s.GroupID, err)
		}
		ok, verr := curve.Verify(group.PublicKey, sig.R, sig.S, s.MessageHash[:])
		if verr != nil || !ok {
			aggErr = fmt.Errorf("%w: aggregated signature for session %s does not verify", custody.ErrInvalidState, s.ID)
			if verr != nil {
				aggErr = fmt.Errorf("%w: %v", aggErr, verr)
			}
		}
	}

	var out *custody.FinalSignature
	err = m.retry.Do(ctx, metrics.RecordSession, func() error {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.Status != custody.SessionAggregating {
			return fmt.Errorf("%w: session %s is %s, not aggregating", custody.ErrInvalidState, cur.ID, cur.Status)
		}
		next := cur.Clone()
		next.UpdatedAt = m.now().UTC()
		if aggErr != nil {
			next.Status = custody.SessionFailed
			next.Error = "aggregation failed: " + aggErr.Error()
		} else {
			next.Status = custody.SessionCompleted
			next.Signature = sig
		}
		if err := m.store.UpdateSession(ctx, next, cur.Revision); err != nil {
			return err
		}
		out = next.Signature
		return nil
	})
	if err != nil {
		return nil, err
	}
	if aggErr != nil {
		metrics.SessionsTotal.WithLabelValues(string(custody.SessionFailed)).Inc()
		logger.Log.WithField("session", sessionID).Errorf("Aggregation failed: %v", aggErr)
		return nil, aggErr
	}
	metrics.SessionsTotal.WithLabelValues(string(custody.SessionCompleted)).Inc()
	logger.Log.WithField("session", sessionID).Info("Signature aggregated")
	return out, nil
}

// VerifyAggregatedSignature checks the session signature against digest under the group key
// read from the store.
func (m *Manager) VerifyAggregatedSignature(ctx context.Context, sessionID string, digest custody.Digest) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.Signature == nil {
		return false, fmt.Errorf("%w: session %s has no signature", custody.ErrInvalidState, s.ID)
	}
	group, err := m.store.GetGroup(ctx, s.GroupID)
	if err != nil {
		return false, fmt.Errorf("failed to load group %s: %w", s.GroupID, err)
	}
	ok, err := curve.Verify(group.PublicKey, s.Signature.R, s.Signature.S, digest[:])
	if err != nil {
		logger.Log.WithField("session", s.ID).Warnf("Signature could not be checked: %v", err)
		return false, nil
	}
	return ok, nil
}

// FailSession moves a non-terminal session to failed, recording reason.
func (m *Manager) FailSession(ctx context.Context, sessionID, reason string) (*custody.SigningSession, error) {
	var out *custody.SigningSession
	err := m.retry.Do(ctx, metrics.RecordSession, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session %s is already %s", custody.ErrInvalidState, s.ID, s.Status)
		}
		next := s.Clone()
		next.Status = custody.SessionFailed
		next.Error = reason
		next.UpdatedAt = m.now().UTC()
		if err := m.store.UpdateSession(ctx, next, s.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.SessionsTotal.WithLabelValues(string(custody.SessionFailed)).Inc()
	logger.Log.WithFields(logrus.Fields{"session": sessionID, "reason": reason}).Warn("Signing session failed")
	return out, nil
}

// DeclineSession records that participant refuses to sign. Declining counts as a response but
// never as an approval.
func (m *Manager) DeclineSession(ctx context.Context, sessionID, participant string) (*custody.SigningSession, error) {
	var out *custody.SigningSession
	err := m.retry.Do(ctx, metrics.RecordSession, func() error {
		s, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		if err := m.checkOpen(ctx, s, now); err != nil {
			return err
		}
		if s.Status != custody.SessionPending && s.Status != custody.SessionNonceCollection {
			return fmt.Errorf("%w: session %s is %s", custody.ErrInvalidState, s.ID, s.Status)
		}
		if !s.IsEligible(participant) {
			return fmt.Errorf("%w: %s is not a participant of session %s", custody.ErrUnauthorizedParticipant, participant, s.ID)
		}
		if _, committed := s.NonceCommitments[participant]; committed || s.HasDeclined(participant) {
			return fmt.Errorf("%w: %s already responded", custody.ErrDuplicateContribution, participant)
		}
		next := s.Clone()
		next.Declined = append(next.Declined, participant)
		next.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, next, s.Revision); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(logrus.Fields{"session": sessionID, "participant": participant}).Info("Participant declined")
	return out, nil
}

// ExpireOldSessions moves every non-terminal session past its expiry to expired.
func (m *Manager) ExpireOldSessions(ctx context.Context) (int, error) {
	open, err := m.store.ListSessions(ctx, storage.SessionFilter{Statuses: openStatuses})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	expired := 0
	for _, candidate := range open {
		if !candidate.IsExpired(m.now()) {
			continue
		}
		err := m.retry.Do(ctx, metrics.RecordSession, func() error {
			s, err := m.store.GetSession(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if s.Status.Terminal() {
				return errSkip
			}
			next := s.Clone()
			next.Status = custody.SessionExpired
			next.UpdatedAt = m.now().UTC()
			return m.store.UpdateSession(ctx, next, s.Revision)
		})
		switch {
		case errors.Is(err, errSkip):
		case err != nil:
			return expired, fmt.Errorf("failed to expire session %s: %w", candidate.ID, err)
		default:
			expired++
			metrics.SessionsTotal.WithLabelValues(string(custody.SessionExpired)).Inc()
		}
	}
	if expired > 0 {
		logger.Log.Infof("Expired %d signing sessions", expired)
	}
	return expired, nil
}

// CleanupOldSessions deletes terminal sessions last touched more than retentionDays ago.
// Nonce records are kept.
func (m *Manager) CleanupOldSessions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: retention days must not be negative", custody.ErrInvalidConfiguration)
	}
	cutoff := m.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	old, err := m.store.ListSessions(ctx, storage.SessionFilter{
		Statuses:      []custody.SessionStatus{custody.SessionCompleted, custody.SessionFailed, custody.SessionExpired},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	removed := 0
	for _, s := range old {
		if err := m.store.DeleteSession(ctx, s.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("failed to delete session %s: %w", s.ID, err)
		}
		removed++
	}
	if removed > 0 {
		logger.Log.Infof("Removed %d signing sessions older than %d days", removed, retentionDays)
	}
	return removed, nil
}

var (
	openStatuses = []custody.SessionStatus{
		custody.SessionPending, custody.SessionNonceCollection, custody.SessionSigning, custody.SessionAggregating,
	}
	errSkip = errors.New("skip")
)
