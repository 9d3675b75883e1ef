// Package service wires the custody components to the outside world: it notifies guardians,
// aggregates once the gate is won, publishes verified artifacts and runs the resilience sweep.
package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
	"guardian-node/internal/session"
)

// Notifier delivers a structured payload to one guardian.
type Notifier interface {
	SendDirectNotification(ctx context.Context, recipient string, payload interface{}) error
}

// Notice is the payload of every notification the node sends.
type Notice struct {
	Event     string      `json:"event"`
	SubjectID string      `json:"subjectId"`
	GroupID   string      `json:"groupId"`
	Status    string      `json:"status,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

const (
	EventSigningRequested        = "signing_requested"
	EventSigningPackage          = "signing_package"
	EventSigningCompleted        = "signing_completed"
	EventSigningFailed           = "signing_failed"
	EventReconstructionRequested = "reconstruction_requested"
	EventThresholdMet            = "reconstruction_threshold_met"
	EventTimeout                 = "consensus_timeout"
)

// notifyAll fans out one notice per recipient. Failures are logged and counted, never
// returned: a lost notification must not undo the state change that caused it.
func notifyAll(ctx context.Context, n Notifier, recipients []string, notice Notice) int {
	if n == nil || len(recipients) == 0 {
		return 0
	}
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(8)
	failed := make([]bool, len(recipients))
	for i, r := range recipients {
		g.Go(func() error {
			if err := n.SendDirectNotification(gctx, r, notice); err != nil {
				failed[i] = true
				logger.Log.WithFields(logrus.Fields{
					"recipient": r,
					"event":     notice.Event,
					"subject":   notice.SubjectID,
				}).Warnf("Notification not delivered: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	sent := 0
	for _, f := range failed {
		if !f {
			sent++
		}
	}
	return sent
}

// Signing drives signing sessions end to end.
type Signing struct {
	sessions  *session.Manager
	notifier  Notifier
	endpoints []string
}

// NewSigning creates the signing service. endpoints are the default publication targets,
// used when a session template names none.
func NewSigning(sessions *session.Manager, notifier Notifier, endpoints []string) *Signing {
	return &Signing{sessions: sessions, notifier: notifier, endpoints: endpoints}
}

func (s *Signing) Sessions() *session.Manager { return s.sessions }

// RequestSignature creates a session and asks every participant for a nonce commitment.
func (s *Signing) RequestSignature(ctx context.Context, p session.CreateParams) (*custody.SigningSession, error) {
	sess, err := s.sessions.CreateSession(ctx, p)
	if err != nil {
		return nil, err
	}
	notifyAll(ctx, s.notifier, sess.Participants, Notice{
		Event:     EventSigningRequested,
		SubjectID: sess.ID,
		GroupID:   sess.GroupID,
		Status:    string(sess.Status),
		Data:      map[string]interface{}{"messageHash": sess.MessageHash, "threshold": sess.Threshold},
	})
	return sess, nil
}

// SubmitNonceCommitment records a commitment. When it closes nonce collection the signers
// receive the signing package.
func (s *Signing) SubmitNonceCommitment(ctx context.Context, sessionID, participant, commitment string) (*custody.SigningSession, error) {
	sess, err := s.sessions.SubmitNonceCommitment(ctx, sessionID, participant, commitment)
	if err != nil {
		return nil, err
	}
	if sess.Status == custody.SessionSigning {
		pkg, err := s.sessions.SigningPackage(ctx, sessionID)
		if err != nil {
			logger.Log.WithField("session", sessionID).Errorf("Failed to build signing package: %v", err)
			return sess, nil
		}
		signers := make([]string, 0, len(pkg.Signers))
		for id := range pkg.Signers {
			signers = append(signers, id)
		}
		notifyAll(ctx, s.notifier, signers, Notice{
			Event:     EventSigningPackage,
			SubjectID: sess.ID,
			GroupID:   sess.GroupID,
			Status:    string(sess.Status),
			Data:      pkg,
		})
	}
	return sess, nil
}

// SubmitPartialSignature records a partial signature. The submission that wins the move to
// aggregating also aggregates, verifies and publishes.
func (s *Signing) SubmitPartialSignature(ctx context.Context, sessionID, participant, partial string) (*custody.SigningSession, error) {
	sess, won, err := s.sessions.SubmitPartialSignature(ctx, sessionID, participant, partial)
	if err != nil {
		return nil, err
	}
	if !won {
		return sess, nil
	}
	return s.Finalize(ctx, sessionID)
}

// Finalize aggregates a session in aggregating and publishes the result. The session only
// completes with a signature that verifies; otherwise it fails and participants hear so.
func (s *Signing) Finalize(ctx context.Context, sessionID string) (*custody.SigningSession, error) {
	log := logger.Log.WithField("session", sessionID)
	if _, err := s.sessions.AggregateSignatures(ctx, sessionID); err != nil {
		s.notifyOutcome(ctx, sessionID)
		return nil, err
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Template != nil {
		endpoints := sess.Template.Endpoints
		if len(endpoints) == 0 {
			endpoints = s.endpoints
		}
		if len(endpoints) > 0 {
			if _, err := s.sessions.PublishSignedEvent(ctx, sessionID, endpoints); err != nil {
				// the signature stands; publication can be retried through the API
				log.Errorf("Publication failed: %v", err)
			}
		}
	}
	sess, err = s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, sess)
	return sess, nil
}

func (s *Signing) notifyOutcome(ctx context.Context, sessionID string) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		logger.Log.WithField("session", sessionID).Errorf("Failed to reload session: %v", err)
		return
	}
	s.announce(ctx, sess)
}

func (s *Signing) announce(ctx context.Context, sess *custody.SigningSession) {
	event := EventSigningCompleted
	var data interface{} = map[string]interface{}{"signature": sess.Signature, "artifactId": sess.ArtifactID}
	if sess.Status != custody.SessionCompleted {
		event = EventSigningFailed
		data = map[string]string{"error": sess.Error}
	}
	notifyAll(ctx, s.notifier, sess.Participants, Notice{
		Event:     event,
		SubjectID: sess.ID,
		GroupID:   sess.GroupID,
		Status:    string(sess.Status),
		Data:      data,
	})
}

func (s *Signing) DeclineSession(ctx context.Context, sessionID, participant string) (*custody.SigningSession, error) {
	return s.sessions.DeclineSession(ctx, sessionID, participant)
}
