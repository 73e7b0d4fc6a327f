package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// AppendSegmentsRequest is the body of POST .../tasks/:task/segments.
type AppendSegmentsRequest struct {
	Segments []models.Segment `json:"segments" binding:"required,min=1"`
}

// CompleteTaskRequest is the body of POST .../tasks/:task/complete.
type CompleteTaskRequest struct {
	Final  models.Segment      `json:"final" binding:"required"`
	Output models.ContentItems `json:"output"`
}

// FailTaskRequest is the body of POST .../tasks/:task/fail.
type FailTaskRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// SetStateRequest is the body of PUT .../state.
type SetStateRequest struct {
	State models.SandboxState `json:"state" binding:"required"`
}

// ContextLengthRequest is the body of PUT .../context-length.
type ContextLengthRequest struct {
	Tokens int `json:"tokens" binding:"gte=0"`
}

// taskForSandbox loads the task named in the route and checks it belongs to
// the sandbox the token is scoped to. Tasks owned by other sandboxes read
// as not found so ids cannot be probed across sandboxes.
func (s *Server) taskForSandbox(c *gin.Context) (*models.Task, bool) {
	task, err := s.store.GetTask(c.Request.Context(), c.Param("task"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("load task", "task_id", c.Param("task"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return nil, false
	}
	if task.SandboxID != c.Param("id") {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	return task, true
}

// ListQueuedTasks handles GET /api/v1/sandboxes/:id/tasks. It returns the
// window of most recently created queued tasks, ordered oldest first.
func (s *Server) ListQueuedTasks(c *gin.Context) {
	tasks, err := s.store.ListQueuedTasks(c.Request.Context(), c.Param("id"), s.window)
	if err != nil {
		s.logger.Error("list queued tasks", "sandbox_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask handles GET /api/v1/sandboxes/:id/tasks/:task.
func (s *Server) GetTask(c *gin.Context) {
	task, ok := s.taskForSandbox(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// ClaimTask handles POST /api/v1/sandboxes/:id/tasks/:task/claim. The claim
// is a queued-to-processing compare-and-set; claimed=false means another
// writer moved the task first.
func (s *Server) ClaimTask(c *gin.Context) {
	task, ok := s.taskForSandbox(c)
	if !ok {
		return
	}
	claimed, err := s.store.CASTaskStatus(c.Request.Context(), task.ID,
		[]models.TaskStatus{models.TaskStatusQueued}, models.TaskStatusProcessing)
	if err != nil {
		s.logger.Error("claim task", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if claimed {
		if terr := s.store.TouchSandboxActivity(c.Request.Context(), task.SandboxID); terr != nil {
			s.logger.Warn("touch sandbox activity", "sandbox_id", task.SandboxID, "error", terr)
		}
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}

// AppendSegments handles POST /api/v1/sandboxes/:id/tasks/:task/segments.
// Appends against a terminal task are refused with a conflict.
func (s *Server) AppendSegments(c *gin.Context) {
	var req AppendSegmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, ok := s.taskForSandbox(c)
	if !ok {
		return
	}
	if err := s.store.AppendTaskSegments(c.Request.Context(), task.ID, req.Segments...); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "task is not open for segments"})
			return
		}
		s.logger.Error("append segments", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if terr := s.store.TouchSandboxActivity(c.Request.Context(), task.SandboxID); terr != nil {
		s.logger.Warn("touch sandbox activity", "sandbox_id", task.SandboxID, "error", terr)
	}
	c.JSON(http.StatusOK, gin.H{"appended": len(req.Segments)})
}

// CompleteTask handles POST /api/v1/sandboxes/:id/tasks/:task/complete.
// completed=false means the task already left processing, for example when
// the reconciler cancelled it first.
func (s *Server) CompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, ok := s.taskForSandbox(c)
	if !ok {
		return
	}
	completed, err := s.store.CompleteTask(c.Request.Context(), task.ID, req.Final, req.Output)
	if err != nil {
		s.logger.Error("complete task", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": completed})
}

// FailTask handles POST /api/v1/sandboxes/:id/tasks/:task/fail.
func (s *Server) FailTask(c *gin.Context) {
	var req FailTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, ok := s.taskForSandbox(c)
	if !ok {
		return
	}
	failed, err := s.store.FailTask(c.Request.Context(), task.ID, req.Reason)
	if err != nil {
		s.logger.Error("fail task", "task_id", task.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failed": failed})
}

// SetState handles PUT /api/v1/sandboxes/:id/state. Agents may only report
// idle or busy; the transition loses (updated=false) when the sandbox has
// already moved to terminating or beyond, so a late report never resurrects
// a sandbox being torn down.
func (s *Server) SetState(c *gin.Context) {
	var req SetStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.State != models.SandboxStateIdle && req.State != models.SandboxStateBusy {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("state %q cannot be reported from a sandbox", req.State)})
		return
	}
	updated, err := s.store.CASSandboxState(c.Request.Context(), c.Param("id"),
		[]models.SandboxState{models.SandboxStateInitializing, models.SandboxStateIdle, models.SandboxStateBusy},
		req.State)
	if err != nil {
		s.logger.Error("set sandbox state", "sandbox_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if !updated {
		s.logger.Info("sandbox state report lost", "sandbox_id", c.Param("id"), "state", req.State)
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// ReportContextLength handles PUT /api/v1/sandboxes/:id/context-length.
func (s *Server) ReportContextLength(c *gin.Context) {
	var req ContextLengthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdateLastContextLength(c.Request.Context(), c.Param("id"), req.Tokens); err != nil {
		s.logger.Error("update context length", "sandbox_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
