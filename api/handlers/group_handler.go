package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/curve"
	"guardian-node/internal/custody"
	"guardian-node/internal/dto"
)

// PutGroup stores a group record. The group key, when given, must be a valid curve point.
func (h *Handler) PutGroup(c *gin.Context) {
	var g custody.Group
	if !bind(c, &g) {
		return
	}
	g.ID = c.Param("id")
	if err := g.Validate(); err != nil {
		respondError(c, err)
		return
	}
	if g.PublicKey != "" {
		if _, err := curve.ParsePoint(g.PublicKey); err != nil {
			badRequest(c, err)
			return
		}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if err := h.Store.PutGroup(c.Request.Context(), &g); err != nil {
		respondError(c, err)
		return
	}
	if h.Registry != nil {
		h.Registry.RegisterGroup(&g)
	}
	c.JSON(http.StatusOK, &g)
}

// GetGroup returns the public part of a group.
func (h *Handler) GetGroup(c *gin.Context) {
	g, err := h.Store.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := dto.PublicGroupData{
		GroupID:                 g.ID,
		PublicKeyHex:            g.PublicKey,
		SigningThreshold:        g.SigningThreshold,
		ReconstructionThreshold: g.ReconstructionThreshold,
		EmergencyThreshold:      g.EmergencyThreshold,
		Guardians:               g.Guardians,
	}
	if g.PublicKey != "" {
		if out.PublicKey, err = curve.ParsePoint(g.PublicKey); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, out)
}
