package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/custody"
	"guardian-node/internal/resilience"
)

func (h *Handler) ListEmergencyPaths(c *gin.Context) {
	paths, err := h.Paths.List(c.Request.Context(), c.Query("groupId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, paths)
}

// CreateEmergencyPath opens a time-locked path for a stalled session or request.
func (h *Handler) CreateEmergencyPath(c *gin.Context) {
	var req struct {
		SubjectID   string              `json:"subjectId" binding:"required"`
		SubjectKind custody.SubjectKind `json:"subjectKind" binding:"required"`
		Reason      string              `json:"reason"`
	}
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	var st *resilience.ConsensusState
	switch req.SubjectKind {
	case custody.SubjectSigningSession:
		s, err := h.Store.GetSession(ctx, req.SubjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		group, err := h.Store.GetGroup(ctx, s.GroupID)
		if err != nil {
			respondError(c, err)
			return
		}
		st = resilience.StateFromSession(s, group)
	case custody.SubjectReconstructionRequest:
		r, err := h.Store.GetRequest(ctx, req.SubjectID)
		if err != nil {
			respondError(c, err)
			return
		}
		group, err := h.Store.GetGroup(ctx, r.GroupID)
		if err != nil {
			respondError(c, err)
			return
		}
		st = resilience.StateFromRequest(r, group)
	default:
		badRequest(c, fmt.Errorf("unknown subject kind %q", req.SubjectKind))
		return
	}
	if req.Reason == "" {
		req.Reason = "requested by operator"
	}
	path, err := h.Paths.Create(ctx, st, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, path)
}

func (h *Handler) CancelEmergencyPath(c *gin.Context) {
	var req struct {
		GuardianID string `json:"guardianId" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	path, err := h.Paths.Cancel(c.Request.Context(), c.Param("id"), req.GuardianID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, path)
}

func (h *Handler) CompleteEmergencyPath(c *gin.Context) {
	path, err := h.Paths.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, path)
}
