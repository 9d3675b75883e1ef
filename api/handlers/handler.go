// Package handlers exposes the guardian node over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guardian-node/internal/custody"
	"guardian-node/internal/logger"
	"guardian-node/internal/network"
	"guardian-node/internal/resilience"
	"guardian-node/internal/service"
	"guardian-node/internal/storage"
)

// Handler holds the services the HTTP endpoints call into.
type Handler struct {
	Store      storage.Store
	Signing    *service.Signing
	Recovery   *service.Recovery
	Paths      *resilience.Paths
	Monitor    *service.Monitor
	Notifier   service.Notifier
	Registry   *network.Registry
	SessionTTL time.Duration
	// RetentionDays is the default for cleanup calls that name none.
	RetentionDays int
}

var statusByKind = map[string]int{
	"InvalidConfiguration":      http.StatusBadRequest,
	"MalformedShare":            http.StatusBadRequest,
	"UnauthorizedParticipant":   http.StatusForbidden,
	"NotFound":                  http.StatusNotFound,
	"InvalidState":              http.StatusConflict,
	"DuplicateContribution":     http.StatusConflict,
	"ConcurrentUpdateConflict":  http.StatusConflict,
	"PrecursorMissing":          http.StatusConflict,
	"InsufficientContributions": http.StatusConflict,
	"InsufficientShares":        http.StatusConflict,
	"SessionExpired":            http.StatusGone,
	"RequestExpired":            http.StatusGone,
	"NonceReuseDetected":        http.StatusUnprocessableEntity,
}

// respondError maps a custody error kind to an HTTP status.
func respondError(c *gin.Context, err error) {
	kind := custody.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
		logger.Log.WithField("path", c.FullPath()).Errorf("Request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// bind decodes the JSON body and answers 400 on failure.
func bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "InvalidConfiguration"})
		return false
	}
	return true
}

func badRequest(c *gin.Context, err error) {
	respondError(c, errors.Join(custody.ErrInvalidConfiguration, err))
}
