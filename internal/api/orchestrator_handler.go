package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	apperrors "stocktester/internal/errors"
	"stocktester/internal/logger"
	"stocktester/internal/middleware"
	"stocktester/internal/orchestrator"
)

// SchedulerHandler exposes scheduled re-validation tasks
type SchedulerHandler struct {
	scheduler *orchestrator.Scheduler
	log       logger.Logger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(scheduler *orchestrator.Scheduler, log logger.Logger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler, log: log}
}

// ListTasks lists scheduled tasks ordered by id
func (h *SchedulerHandler) ListTasks(c *gin.Context) {
	tasks := h.scheduler.ListTasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	c.JSON(http.StatusOK, Response{Success: true, Data: tasks})
}

// GetTask returns one task
func (h *SchedulerHandler) GetTask(c *gin.Context) {
	task, err := h.scheduler.GetTask(c.Param("id"))
	if err != nil {
		middleware.Abort(c, h.log, apperrors.NewAppError(apperrors.ErrCodeNotFound, "task not found", err))
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: task})
}

// RunTask triggers a task outside its schedule. The task runs in the
// background; its status is visible through GetTask.
func (h *SchedulerHandler) RunTask(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.scheduler.GetTask(id); err != nil {
		middleware.Abort(c, h.log, apperrors.NewAppError(apperrors.ErrCodeNotFound, "task not found", err))
		return
	}

	go func() {
		if err := h.scheduler.RunNow(id); err != nil {
			h.log.Warn("Manual task run failed", "task_id", id, "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, Response{Success: true, Message: "task triggered"})
}
