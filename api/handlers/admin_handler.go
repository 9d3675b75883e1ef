package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/logger"
	"guardian-node/internal/service"
)

// ExpireItems moves every open session, request and emergency path past its expiry to expired.
func (h *Handler) ExpireItems(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := h.Signing.Sessions().ExpireOldSessions(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	requests, err := h.Recovery.Coordinator().ExpireOldRequests(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	paths, err := h.Paths.ExpirePaths(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "requests": requests, "paths": paths})
}

// CleanupItems deletes terminal sessions and requests older than the retention period.
func (h *Handler) CleanupItems(c *gin.Context) {
	req := struct {
		RetentionDays *int `json:"retentionDays"`
	}{}
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	days := h.RetentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}
	ctx := c.Request.Context()
	sessions, err := h.Signing.Sessions().CleanupOldSessions(ctx, days)
	if err != nil {
		respondError(c, err)
		return
	}
	requests, err := h.Recovery.Coordinator().CleanupOldRequests(ctx, days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "requests": requests, "retentionDays": days})
}

// Sweep runs one resilience pass now.
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.Monitor.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type notifyRequest struct {
	Type    string `json:"type" binding:"required"`
	Message string `json:"message" binding:"required"`
	GroupID string `json:"groupId"`
	To      string `json:"to"`
}

// Notify sends an operator message to one guardian ("p2p") or to every member and backup of
// a group ("broadcast").
func (h *Handler) Notify(c *gin.Context) {
	var req notifyRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	var recipients []string
	switch req.Type {
	case "broadcast":
		if req.GroupID == "" {
			badRequest(c, fmt.Errorf("'groupId' is required for broadcast"))
			return
		}
		group, err := h.Store.GetGroup(ctx, req.GroupID)
		if err != nil {
			respondError(c, err)
			return
		}
		for _, g := range group.Guardians {
			recipients = append(recipients, g.ID)
		}
	case "p2p":
		if req.To == "" {
			badRequest(c, fmt.Errorf("'to' is required for p2p"))
			return
		}
		recipients = []string{req.To}
	default:
		badRequest(c, fmt.Errorf("invalid message type %q, must be 'broadcast' or 'p2p'", req.Type))
		return
	}

	notice := service.Notice{Event: "operator_message", GroupID: req.GroupID, Data: req.Message}
	var errs []string
	for _, r := range recipients {
		if err := h.Notifier.SendDirectNotification(ctx, r, notice); err != nil {
			logger.Log.Errorf("Notification to %s failed: %v", r, err)
			errs = append(errs, fmt.Sprintf("%s: %v", r, err))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"successful": len(recipients) - len(errs),
		"failed":     len(errs),
		"errors":     errs,
	})
}
