package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stravagonuts/regions-backend-go/internal/handler"
	"github.com/stravagonuts/regions-backend-go/internal/middleware"
)

// Handlers groups the wired HTTP handlers for router setup
type Handlers struct {
	Sync   *handler.SyncHandler
	Region *handler.RegionHandler
	Reset  *handler.ResetHandler
	Auth   *handler.AuthHandler
}

// SetupRouter builds the HTTP routing tree
func SetupRouter(apiSecret string, h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logger(), gin.Recovery())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Regions Backend API is running",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(120, time.Minute))
	{
		auth := api.Group("/auth")
		{
			auth.POST("/session", h.Auth.Session)
			auth.POST("/credentials", h.Auth.SaveCredentials)
			auth.POST("/token", h.Auth.SaveToken)
		}

		sync := api.Group("/sync")
		{
			sync.POST("", h.Sync.Start)
			sync.GET("/status", h.Sync.Status)
			sync.POST("/cancel", h.Sync.Cancel)
		}

		api.GET("/activities/counts", h.Sync.Counts)

		api.GET("/regions", h.Region.List)
		api.GET("/countries", h.Region.Countries)
		api.GET("/totals", h.Region.Totals)

		// Destructive maintenance endpoints require a session token
		reset := api.Group("/reset", middleware.Auth(apiSecret))
		{
			reset.POST("/full", h.Reset.Full)
			reset.POST("/user", h.Reset.UserData)
			reset.POST("/map", h.Reset.MapArtifacts)
			reset.POST("/regions", h.Reset.Regions)
		}
	}

	return r
}
