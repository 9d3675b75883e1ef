package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/custody"
	"guardian-node/internal/dto"
	"guardian-node/internal/session"
)

type createSessionRequest struct {
	GroupID      string                    `json:"groupId" binding:"required"`
	MessageHash  custody.Digest            `json:"messageHash" binding:"required"`
	Participants []string                  `json:"participants" binding:"required"`
	Threshold    int                       `json:"threshold" binding:"required"`
	ExpiresAt    *time.Time                `json:"expiresAt"`
	Template     *custody.ArtifactTemplate `json:"template"`
}

type contributionRequest struct {
	Participant string `json:"participant" binding:"required"`
	Value       string `json:"value" binding:"required"`
}

// CreateSession opens a signing session and notifies its participants.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if !bind(c, &req) {
		return
	}
	expires := time.Now().Add(h.SessionTTL)
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	s, err := h.Signing.RequestSignature(c.Request.Context(), session.CreateParams{
		GroupID:      req.GroupID,
		MessageHash:  req.MessageHash,
		Participants: req.Participants,
		Threshold:    req.Threshold,
		ExpiresAt:    expires,
		Template:     req.Template,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.Signing.Sessions().GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) SubmitNonce(c *gin.Context) {
	var req contributionRequest
	if !bind(c, &req) {
		return
	}
	s, err := h.Signing.SubmitNonceCommitment(c.Request.Context(), c.Param("id"), req.Participant, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) SubmitPartial(c *gin.Context) {
	var req contributionRequest
	if !bind(c, &req) {
		return
	}
	s, err := h.Signing.SubmitPartialSignature(c.Request.Context(), c.Param("id"), req.Participant, req.Value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) DeclineSession(c *gin.Context) {
	var req struct {
		Participant string `json:"participant" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	s, err := h.Signing.DeclineSession(c.Request.Context(), c.Param("id"), req.Participant)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// GetSigningPackage returns what signers need to compute their partial signatures.
func (h *Handler) GetSigningPackage(c *gin.Context) {
	pkg, err := h.Signing.Sessions().SigningPackage(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

// VerifySession checks the aggregated signature against a digest, the session's own when none
// is given.
func (h *Handler) VerifySession(c *gin.Context) {
	var req struct {
		MessageHash *custody.Digest `json:"messageHash"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	s, err := h.Signing.Sessions().GetSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	digest := s.MessageHash
	if req.MessageHash != nil {
		digest = *req.MessageHash
	}
	ok, err := h.Signing.Sessions().VerifyAggregatedSignature(ctx, s.ID, digest)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.SignatureResponsePayload{
		SessionID: s.ID,
		Status:    s.Status,
		Signature: s.Signature,
		Valid:     ok,
		Artifact:  s.ArtifactID,
		Error:     s.Error,
	})
}

// PublishSession retries publication of a completed session.
func (h *Handler) PublishSession(c *gin.Context) {
	var req struct {
		Endpoints []string `json:"endpoints"`
	}
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	id, err := h.Signing.Sessions().PublishSignedEvent(c.Request.Context(), c.Param("id"), req.Endpoints)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifactId": id})
}

func (h *Handler) FailSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	s, err := h.Signing.Sessions().FailSession(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
