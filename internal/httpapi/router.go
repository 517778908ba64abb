package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowforgehq/flowforge/internal/config"
	"github.com/flowforgehq/flowforge/internal/httpapi/handlers"
	"github.com/flowforgehq/flowforge/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "route not found", "data": nil})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"code": 40500, "message": "method not allowed", "data": nil})
	})

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))

	authGroup.POST("/runs", h.ExecuteWorkflow)
	authGroup.GET("/runs/active", h.ListActiveRuns)
	authGroup.GET("/runs/history", h.ListRunHistory)
	authGroup.GET("/runs/:id", h.GetRun)
	authGroup.POST("/runs/:id/cancel", h.CancelRun)
	authGroup.POST("/runs/:id/archive", h.ArchiveRun)
	authGroup.GET("/credits/balance", h.GetBalance)

	return r
}
