package handlers

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/custody"
	"guardian-node/internal/reconstruction"
)

type distributeRequest struct {
	KeyID       string     `json:"keyId" binding:"required"`
	SecretHex   string     `json:"secretHex" binding:"required"`
	TotalShares int        `json:"totalShares"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type shareSlot struct {
	GuardianID  string `json:"guardianId"`
	Index       int    `json:"index"`
	Threshold   int    `json:"threshold"`
	TotalShares int    `json:"totalShares"`
}

// DistributeShares splits a secret over the group's guardians. Only share placement is
// returned; sealed shares stay in the store.
func (h *Handler) DistributeShares(c *gin.Context) {
	var req distributeRequest
	if !bind(c, &req) {
		return
	}
	secret, err := hex.DecodeString(req.SecretHex)
	if err != nil {
		badRequest(c, err)
		return
	}
	defer func() {
		for i := range secret {
			secret[i] = 0
		}
	}()
	shares, err := h.Recovery.Coordinator().DistributeShares(c.Request.Context(), reconstruction.DistributeParams{
		GroupID:     c.Param("id"),
		KeyID:       req.KeyID,
		Secret:      secret,
		TotalShares: req.TotalShares,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]shareSlot, len(shares))
	for i, s := range shares {
		out[i] = shareSlot{GuardianID: s.GuardianID, Index: s.Index, Threshold: s.Threshold, TotalShares: s.TotalShares}
	}
	c.JSON(http.StatusCreated, gin.H{"keyId": req.KeyID, "shares": out})
}

type reconstructionRequest struct {
	GroupID     string     `json:"groupId" binding:"required"`
	KeyID       string     `json:"keyId" binding:"required"`
	RequestedBy string     `json:"requestedBy" binding:"required"`
	Reason      string     `json:"reason" binding:"required"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (h *Handler) RequestReconstruction(c *gin.Context) {
	var req reconstructionRequest
	if !bind(c, &req) {
		return
	}
	reason, err := custody.ParseReason(req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	p := reconstruction.RequestParams{
		GroupID:     req.GroupID,
		KeyID:       req.KeyID,
		RequestedBy: req.RequestedBy,
		Reason:      reason,
	}
	if req.ExpiresAt != nil {
		p.ExpiresAt = *req.ExpiresAt
	}
	r, err := h.Recovery.RequestReconstruction(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetReconstruction(c *gin.Context) {
	r, err := h.Recovery.Coordinator().GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) ProvideShare(c *gin.Context) {
	var req struct {
		GuardianID   string `json:"guardianId" binding:"required"`
		ShareIndices []int  `json:"shareIndices" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	r, err := h.Recovery.ProvideShare(c.Request.Context(), c.Param("id"), req.GuardianID, req.ShareIndices)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ReconstructKey returns the reconstructed secret once and wipes the node's copy.
func (h *Handler) ReconstructKey(c *gin.Context) {
	secret, err := h.Recovery.ReconstructKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer secret.Destroy()
	var encoded string
	if err := secret.Use(func(b []byte) error {
		encoded = hex.EncodeToString(b)
		return nil
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secretHex": encoded, "expiresAt": secret.ExpiresAt()})
}
