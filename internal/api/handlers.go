package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/middleware"
	"stocktester/internal/orchestrator"
)

// RunHandler handles walk-forward run requests
type RunHandler struct {
	runner *orchestrator.Runner
	log    logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runner *orchestrator.Runner, log logger.Logger) *RunHandler {
	return &RunHandler{runner: runner, log: log}
}

// CreateRun submits a background run and answers 202 with the pending record
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	// 空请求体使用默认参数
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.Abort(c, h.log, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid request body", err))
			return
		}
	}

	params, err := req.Params()
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}

	run, err := h.runner.Submit(c.Request.Context(), params)
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}

	c.Header("Location", "/api/v1/runs/"+run.ID)
	c.JSON(http.StatusAccepted, Response{Success: true, Data: run})
}

// ListRuns returns recent runs, newest first
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}

	runs, err := h.runner.List(c.Request.Context(), limit)
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: runs})
}

// GetRun returns one run with its summary and validation report
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runner.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: run})
}

// GetTrades returns the out-of-sample trades of a run, optionally filtered
// by ticker and signal
func (h *RunHandler) GetTrades(c *gin.Context) {
	id := c.Param("id")
	trades, err := h.runner.Trades(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}

	trades = filterTrades(trades, c.Query("ticker"), c.Query("signal"))
	c.JSON(http.StatusOK, Response{Success: true, Data: TradesResponse{
		RunID:  id,
		Count:  len(trades),
		Trades: trades,
	}})
}

// CancelRun stops a pending or running background run
func (h *RunHandler) CancelRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.runner.Get(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, h.log, err)
		return
	}
	if run.Terminal() || !h.runner.Cancel(id) {
		middleware.Abort(c, h.log, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConflict,
			"run is not active", run.Status, nil).WithRunID(id))
		return
	}

	h.log.Info("Run cancel requested", "run_id", id)
	c.JSON(http.StatusAccepted, Response{Success: true, Message: "cancel requested"})
}
