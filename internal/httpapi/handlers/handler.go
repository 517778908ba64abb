package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowforgehq/flowforge/internal/credits"
	"github.com/flowforgehq/flowforge/internal/httpapi/middleware"
	"github.com/flowforgehq/flowforge/internal/orchestrator"
	"github.com/flowforgehq/flowforge/internal/run"
)

type Handler struct {
	Orch       *orchestrator.Orchestrator
	Runs       *run.Repo
	Accountant *credits.Accountant
}

func NewHandler(orch *orchestrator.Orchestrator, runs *run.Repo, accountant *credits.Accountant) *Handler {
	return &Handler{Orch: orch, Runs: runs, Accountant: accountant}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}
