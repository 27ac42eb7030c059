package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/service"
	"github.com/timmy/triage/internal/source"
	"github.com/timmy/triage/internal/worker"
)

// AdminHandler handles operator actions on the queue and the sources.
type AdminHandler struct {
	jobs       *repository.JobQueue
	connectors *source.Registry
	recoverer  *worker.Recoverer
	router     *worker.Router
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - jobs: durable job queue.
//   - connectors: configured source connectors.
//   - recoverer: stuck work recovery.
//   - router: job routing table, reported by the status endpoint.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(jobs *repository.JobQueue, connectors *source.Registry, recoverer *worker.Recoverer, router *worker.Router) *AdminHandler {
	return &AdminHandler{
		jobs:       jobs,
		connectors: connectors,
		recoverer:  recoverer,
		router:     router,
	}
}

// IngestRequest represents the ingest trigger request.
type IngestRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Source   string `json:"source" binding:"required"`
	Limit    int    `json:"limit" binding:"omitempty,min=1,max=1000"`
}

// RecoverRequest overrides the stuck threshold for one recovery pass.
type RecoverRequest struct {
	OlderThan string `json:"older_than"`
}

// QueueStatusResponse summarizes the queue.
type QueueStatusResponse struct {
	Stats    map[domain.JobStatus]int64 `json:"stats"`
	Handlers []domain.JobType           `json:"handlers"`
	Sources  []domain.Source            `json:"sources"`
}

// TriggerIngest enqueues an ingestion job for one tenant and source.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) TriggerIngest(c *gin.Context) {
	ctx := c.Request.Context()

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid ingest request: client_ip=%s, error=%v", c.ClientIP(), err)
		badRequest(c, err.Error())
		return
	}

	src := domain.Source(req.Source)
	if _, err := h.connectors.Get(src); err != nil {
		respondError(c, err)
		return
	}
	jobType, ok := domain.IngestJobType(src)
	if !ok {
		badRequest(c, "Unknown source: "+req.Source)
		return
	}

	job, err := h.jobs.Enqueue(ctx, repository.EnqueueRequest{
		TenantID: req.TenantID,
		Type:     jobType,
		Payload:  service.IngestPayload{Limit: req.Limit},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	logger.CtxInfo(ctx, "Ingest job enqueued: tenant=%s, source=%s, job_id=%s", req.TenantID, req.Source, job.ID)
	c.JSON(http.StatusAccepted, job)
}

// QueueStatus returns job counts per status and the registered handlers.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) QueueStatus(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueStatusResponse{
		Stats:    stats,
		Handlers: h.router.Types(),
		Sources:  h.connectors.Sources(),
	})
}

// Recover requeues stuck processing jobs and abandons stale chunk claims.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) Recover(c *gin.Context) {
	ctx := c.Request.Context()

	var req RecoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	var (
		res worker.RecoverResult
		err error
	)
	if req.OlderThan != "" {
		olderThan, perr := time.ParseDuration(req.OlderThan)
		if perr != nil || olderThan <= 0 {
			badRequest(c, "older_than must be a positive duration such as 30m")
			return
		}
		res, err = h.recoverer.RecoverOlderThan(ctx, olderThan)
	} else {
		res, err = h.recoverer.Recover(ctx)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	logger.With(logger.Fields{
		"requeued":         res.Requeued,
		"failed":           res.Failed,
		"abandoned_chunks": res.AbandonedChunks,
	}).Info(ctx, "Recovery requested: client_ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, res)
}
