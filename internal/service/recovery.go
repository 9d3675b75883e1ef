package service

import (
	"context"

	"guardian-node/internal/custody"
	"guardian-node/internal/reconstruction"
	"guardian-node/internal/shamir"
	"guardian-node/internal/storage"
)

// Recovery drives reconstruction requests and tells guardians and requesters about them.
type Recovery struct {
	coord    *reconstruction.Coordinator
	store    storage.Store
	notifier Notifier
}

func NewRecovery(coord *reconstruction.Coordinator, store storage.Store, notifier Notifier) *Recovery {
	return &Recovery{coord: coord, store: store, notifier: notifier}
}

func (r *Recovery) Coordinator() *reconstruction.Coordinator { return r.coord }

// RequestReconstruction opens a request and asks every group member for their shares.
func (r *Recovery) RequestReconstruction(ctx context.Context, p reconstruction.RequestParams) (*custody.ReconstructionRequest, error) {
	req, err := r.coord.RequestReconstruction(ctx, p)
	if err != nil {
		return nil, err
	}
	group, err := r.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return req, nil
	}
	notifyAll(ctx, r.notifier, group.Members(), Notice{
		Event:     EventReconstructionRequested,
		SubjectID: req.ID,
		GroupID:   req.GroupID,
		Status:    string(req.Status),
		Data: map[string]interface{}{
			"keyId":       req.KeyID,
			"reason":      req.Reason,
			"requestedBy": req.RequestedBy,
			"threshold":   req.RequiredThreshold,
			"expiresAt":   req.ExpiresAt,
		},
	})
	return req, nil
}

// ProvideShare records a guardian response and tells the requester once the threshold is met.
func (r *Recovery) ProvideShare(ctx context.Context, requestID, guardianID string, shareIndices []int) (*custody.ReconstructionRequest, error) {
	req, err := r.coord.ProvideShare(ctx, requestID, guardianID, shareIndices)
	if err != nil {
		return nil, err
	}
	if req.Status == custody.RequestThresholdMet {
		notifyAll(ctx, r.notifier, []string{req.RequestedBy}, Notice{
			Event:     EventThresholdMet,
			SubjectID: req.ID,
			GroupID:   req.GroupID,
			Status:    string(req.Status),
		})
	}
	return req, nil
}

// ReconstructKey returns the short-lived secret. The caller must Destroy it.
func (r *Recovery) ReconstructKey(ctx context.Context, requestID string) (*shamir.Secret, error) {
	return r.coord.ReconstructKey(ctx, requestID)
}

// Contributions routes wire contributions to the signing and recovery services.
type Contributions struct {
	Signing  *Signing
	Recovery *Recovery
}

func (c Contributions) SubmitNonceCommitment(ctx context.Context, sessionID, participant, commitment string) (*custody.SigningSession, error) {
	return c.Signing.SubmitNonceCommitment(ctx, sessionID, participant, commitment)
}

func (c Contributions) SubmitPartialSignature(ctx context.Context, sessionID, participant, partial string) (*custody.SigningSession, error) {
	return c.Signing.SubmitPartialSignature(ctx, sessionID, participant, partial)
}

func (c Contributions) DeclineSession(ctx context.Context, sessionID, participant string) (*custody.SigningSession, error) {
	return c.Signing.DeclineSession(ctx, sessionID, participant)
}

func (c Contributions) ProvideShare(ctx context.Context, requestID, guardianID string, shareIndices []int) (*custody.ReconstructionRequest, error) {
	return c.Recovery.ProvideShare(ctx, requestID, guardianID, shareIndices)
}
