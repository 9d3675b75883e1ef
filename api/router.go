package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardian-node/api/handlers"
)

func SetupRouter(h *handlers.Handler) *gin.Engine {
	router := gin.Default()

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	groups := router.Group("/groups")
	groups.PUT("/:id", h.PutGroup)
	groups.GET("/:id", h.GetGroup)
	groups.POST("/:id/shares", h.DistributeShares)

	sessions := router.Group("/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("/:id", h.GetSession)
	sessions.POST("/:id/nonces", h.SubmitNonce)
	sessions.POST("/:id/partials", h.SubmitPartial)
	sessions.POST("/:id/decline", h.DeclineSession)
	sessions.GET("/:id/package", h.GetSigningPackage)
	sessions.POST("/:id/verify", h.VerifySession)
	sessions.POST("/:id/publish", h.PublishSession)
	sessions.POST("/:id/fail", h.FailSession)

	recon := router.Group("/reconstructions")
	recon.POST("", h.RequestReconstruction)
	recon.GET("/:id", h.GetReconstruction)
	recon.POST("/:id/shares", h.ProvideShare)
	recon.POST("/:id/reconstruct", h.ReconstructKey)

	emergency := router.Group("/emergency")
	emergency.GET("", h.ListEmergencyPaths)
	emergency.POST("", h.CreateEmergencyPath)
	emergency.POST("/:id/cancel", h.CancelEmergencyPath)
	emergency.POST("/:id/complete", h.CompleteEmergencyPath)

	admin := router.Group("/admin")
	admin.POST("/expire", h.ExpireItems)
	admin.POST("/cleanup", h.CleanupItems)
	admin.POST("/sweep", h.Sweep)
	admin.POST("/notify", h.Notify)

	return router
}
