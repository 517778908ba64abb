package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/flowforgehq/flowforge/internal/catalog"
	"github.com/flowforgehq/flowforge/internal/credits"
)

type executeWorkflowReq struct {
	WorkflowID string          `json:"workflow_id" binding:"required"`
	Inputs     json.RawMessage `json:"inputs"`
}

func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req executeWorkflowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var idemKey *string
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		idemKey = &key
	}

	r, cached, err := h.Orch.Execute(c.Request.Context(), uid, req.WorkflowID, req.Inputs, idemKey)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrWorkflowNotFound):
			fail(c, http.StatusNotFound, 40004, "workflow not found")
		case errors.Is(err, credits.ErrInsufficientCredits):
			fail(c, http.StatusPaymentRequired, 40201, "insufficient credits")
		default:
			fail(c, http.StatusInternalServerError, 50001, "failed to start run")
		}
		return
	}

	ok(c, gin.H{
		"event_id": r.EventID,
		"status":   r.Status,
		"cached":   cached,
	})
}

func (h *Handler) GetRun(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	r, err := h.Runs.GetByEventID(c.Request.Context(), c.Param("id"))
	if err != nil || r.UserID != uid {
		fail(c, http.StatusNotFound, 40004, "run not found")
		return
	}

	ok(c, r)
}

func (h *Handler) ListActiveRuns(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	runs, err := h.Runs.ListActive(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list runs")
		return
	}

	ok(c, gin.H{"runs": runs})
}

func (h *Handler) ListRunHistory(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if v := c.Query("before_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeID = n
		}
	}

	runs, err := h.Runs.ListHistory(c.Request.Context(), uid, limit, beforeID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list runs")
		return
	}

	var nextBeforeID uint64
	if len(runs) > 0 {
		nextBeforeID = runs[len(runs)-1].ID
	}

	ok(c, gin.H{
		"runs":           runs,
		"next_before_id": nextBeforeID,
	})
}

func (h *Handler) CancelRun(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	runID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, 10002, "invalid run id")
		return
	}

	cancelled, err := h.Orch.Cancel(c.Request.Context(), runID, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40004, "run not found")
			return
		}
		fail(c, http.StatusNotFound, 40004, "run not found")
		return
	}

	ok(c, gin.H{"cancelled": cancelled})
}

func (h *Handler) ArchiveRun(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	runID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, 10002, "invalid run id")
		return
	}

	if err := h.Runs.Archive(c.Request.Context(), runID, uid); err != nil {
		fail(c, http.StatusInternalServerError, 50003, "failed to archive run")
		return
	}

	ok(c, gin.H{"archived": true})
}

func (h *Handler) GetBalance(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	balance, err := h.Accountant.Balance(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ok(c, gin.H{"balance": 0})
			return
		}
		fail(c, http.StatusInternalServerError, 50004, "failed to load balance")
		return
	}

	ok(c, gin.H{"balance": balance})
}
