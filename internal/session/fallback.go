package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"guardian-node/internal/curve"
	"guardian-node/internal/custody"
	"guardian-node/internal/dto"
	"guardian-node/internal/logger"
	"guardian-node/internal/metrics"
)

// ApplyBackupSubstitution replaces silent participants with backup guardians. Only
// participants that have not yet committed a nonce can be replaced, and only while nonces are
// still being collected.
func (m *Manager) ApplyBackupSubstitution(ctx context.Context, sessionID string, replaced, backups []string) (*custody.SigningSession, error) {
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
		group, err := m.store.GetGroup(ctx, s.GroupID)
		if err != nil {
			return err
		}
		drop := make(map[string]bool, len(replaced))
		for _, id := range replaced {
			if _, committed := s.NonceCommitments[id]; committed {
				return fmt.Errorf("%w: %s already committed and cannot be replaced", custody.ErrInvalidState, id)
			}
			drop[id] = true
		}
		next := s.Clone()
		next.Participants = next.Participants[:0]
		for _, id := range s.Participants {
			if !drop[id] {
				next.Participants = append(next.Participants, id)
			}
		}
		for _, id := range backups {
			g, ok := group.Guardian(id)
			if !ok || g.Role != custody.RoleBackup {
				return fmt.Errorf("%w: %s is not a backup guardian of group %s", custody.ErrInvalidConfiguration, id, s.GroupID)
			}
			if !next.IsEligible(id) {
				next.Participants = append(next.Participants, id)
			}
		}
		if len(next.Participants) < next.Threshold {
			return fmt.Errorf("%w: substitution leaves %d participants for threshold %d", custody.ErrInvalidConfiguration, len(next.Participants), next.Threshold)
		}
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
	logger.Log.WithFields(logrus.Fields{
		"session":  sessionID,
		"replaced": replaced,
		"backups":  backups,
	}).Warn("Backup guardians substituted")
	return out, nil
}

// ApplyReducedQuorum lowers the session threshold by one. The threshold never drops below
// minimum or below the group signing threshold, since fewer signers than that cannot produce
// a valid signature. If enough nonces are already committed the session moves to signing.
func (m *Manager) ApplyReducedQuorum(ctx context.Context, sessionID string, minimum int) (*custody.SigningSession, error) {
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
		group, err := m.store.GetGroup(ctx, s.GroupID)
		if err != nil {
			return err
		}
		floor := max(minimum, group.SigningThreshold, 1)
		reduced := s.Threshold - 1
		if reduced < floor {
			return fmt.Errorf("%w: threshold %d cannot drop below %d", custody.ErrInvalidConfiguration, s.Threshold, floor)
		}
		next := s.Clone()
		next.Threshold = reduced
		if len(next.NonceCommitments) >= reduced {
			next.Status = custody.SessionSigning
		}
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
	logger.Log.WithFields(logrus.Fields{
		"session":   sessionID,
		"threshold": out.Threshold,
		"status":    out.Status,
	}).Warn("Reduced quorum applied")
	return out, nil
}

// SigningPackage is what a guardian needs to compute its partial signature.
type SigningPackage struct {
	SessionID      string         `json:"sessionId"`
	GroupKey       string         `json:"groupKey"`
	MessageHash    custody.Digest `json:"messageHash"`
	AggregateNonce string         `json:"aggregateNonce"`
	// Signers maps each committed signer to its key share index.
	Signers map[string]int `json:"signers"`
}

// Indices returns the signer key share indices in ascending order.
func (p *SigningPackage) Indices() []int {
	out := make([]int, 0, len(p.Signers))
	for _, idx := range p.Signers {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// SigningPackage returns the aggregate nonce and signer set once nonce collection is over.
func (m *Manager) SigningPackage(ctx context.Context, sessionID string) (*SigningPackage, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != custody.SessionSigning && s.Status != custody.SessionAggregating && s.Status != custody.SessionCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", custody.ErrInvalidState, s.ID, s.Status)
	}
	group, err := m.store.GetGroup(ctx, s.GroupID)
	if err != nil {
		return nil, err
	}
	pkg := &SigningPackage{
		SessionID:   s.ID,
		GroupKey:    group.PublicKey,
		MessageHash: s.MessageHash,
		Signers:     make(map[string]int, len(s.NonceCommitments)),
	}
	commitments := make([]string, 0, len(s.NonceCommitments))
	for p, c := range s.NonceCommitments {
		idx, ok := group.SignerIndex(p)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not in group %s", custody.ErrUnauthorizedParticipant, p, s.GroupID)
		}
		pkg.Signers[p] = idx
		commitments = append(commitments, c)
	}
	if pkg.AggregateNonce, err = curve.AggregatePoints(commitments); err != nil {
		return nil, fmt.Errorf("%w: nonce commitments: %v", custody.ErrMalformedShare, err)
	}
	return pkg, nil
}

// PublishSignedEvent attaches the verified signature to the session's artifact template and
// hands it to the publisher. Publishing an already published session returns the recorded id.
func (m *Manager) PublishSignedEvent(ctx context.Context, sessionID string, endpoints []string) (string, error) {
	if m.publisher == nil {
		return "", fmt.Errorf("%w: no publisher configured", custody.ErrInvalidConfiguration)
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if s.Status != custody.SessionCompleted || s.Signature == nil {
		return "", fmt.Errorf("%w: session %s is %s, not completed", custody.ErrInvalidState, s.ID, s.Status)
	}
	if s.ArtifactID != "" {
		return s.ArtifactID, nil
	}
	ok, err := m.VerifyAggregatedSignature(ctx, s.ID, s.MessageHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: session %s signature does not verify", custody.ErrInvalidState, s.ID)
	}
	group, err := m.store.GetGroup(ctx, s.GroupID)
	if err != nil {
		return "", err
	}
	xonly, err := curve.XOnly(group.PublicKey)
	if err != nil {
		return "", err
	}
	sig, err := curve.SerializeSignature(s.Signature.R, s.Signature.S)
	if err != nil {
		return "", err
	}

	artifact := &dto.SignedArtifact{
		ID:        s.MessageHash.String(),
		SessionID: s.ID,
		GroupID:   s.GroupID,
		PublicKey: xonly,
		Signature: hex.EncodeToString(sig),
	}
	if s.Template != nil {
		artifact.Kind = s.Template.Kind
		artifact.Payload = s.Template.Payload
		if len(endpoints) == 0 {
			endpoints = s.Template.Endpoints
		}
	}
	artifactID, err := m.publisher.Publish(ctx, artifact, endpoints)
	if err != nil {
		return "", fmt.Errorf("failed to publish artifact for session %s: %w", s.ID, err)
	}

	err = m.retry.Do(ctx, metrics.RecordSession, func() error {
		cur, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if cur.ArtifactID != "" {
			return nil
		}
		next := cur.Clone()
		next.ArtifactID = artifactID
		next.UpdatedAt = m.now().UTC()
		return m.store.UpdateSession(ctx, next, cur.Revision)
	})
	if err != nil {
		// the artifact is out; only the reference failed to persist
		logger.Log.WithField("session", sessionID).Errorf("Failed to record artifact id %s: %v", artifactID, err)
	}
	logger.Log.WithFields(logrus.Fields{"session": sessionID, "artifact": artifactID}).Info("Signed artifact published")
	return artifactID, nil
}
