package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/repository"
)

// JobHandler handles queue endpoints.
type JobHandler struct {
	jobs *repository.JobQueue
}

// NewJobHandler creates a new job handler.
func NewJobHandler(jobs *repository.JobQueue) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// EnqueueJobRequest describes a job to enqueue.
type EnqueueJobRequest struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	MaxAttempts int             `json:"max_attempts" binding:"omitempty,min=1,max=20"`
}

// JobListResponse is the jobs list with per-status counts.
type JobListResponse struct {
	Jobs  []domain.Job               `json:"jobs"`
	Stats map[domain.JobStatus]int64 `json:"stats"`
}

// Enqueue handles POST /api/v1/tenants/:tenant/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	enqueue := repository.EnqueueRequest{
		TenantID:    c.Param("tenant"),
		Type:        domain.JobType(req.Type),
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if len(req.Payload) > 0 {
		enqueue.Payload = req.Payload
	}
	if req.ScheduledAt != nil {
		enqueue.ScheduledAt = *req.ScheduledAt
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), enqueue)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// List handles GET /api/v1/tenants/:tenant/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := c.Param("tenant")

	filter := repository.JobFilter{
		TenantID: tenant,
		Type:     domain.JobType(c.Query("type")),
		Status:   domain.JobStatus(c.Query("status")),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := h.jobs.List(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := h.jobs.Stats(ctx, tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Stats: stats})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
