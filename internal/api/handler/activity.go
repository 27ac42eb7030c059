package handler

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/service"
)

const (
	defaultRelatedTopK = 5
	maxRelatedTopK     = 50
	maxPushRecords     = 500
)

// ActivityHandler handles activity ingestion and inspection endpoints.
type ActivityHandler struct {
	ingest *service.IngestService
	store  *repository.Store
	index  repository.VectorIndex
}

// NewActivityHandler creates a new activity handler.
// Parameters:
//   - ingest: ingestion pipeline used by push connectors.
//   - store: repositories for activities, chunks, escalations and jobs.
//   - index: vector index, nil when disabled.
// Returns:
//   - *ActivityHandler: initialized handler.
func NewActivityHandler(ingest *service.IngestService, store *repository.Store, index repository.VectorIndex) *ActivityHandler {
	return &ActivityHandler{ingest: ingest, store: store, index: index}
}

// PushRequest carries raw records from a push connector.
type PushRequest struct {
	Source  string            `json:"source" binding:"required"`
	Records []json.RawMessage `json:"records" binding:"required,min=1"`
}

// ChunkState is a chunk without its content and vector.
type ChunkState struct {
	ID         string             `json:"id"`
	Index      int                `json:"index"`
	TokenCount int                `json:"token_count"`
	Status     domain.ChunkStatus `json:"status"`
	LastError  *string            `json:"last_error,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ActivityResponse is an activity with its processing state.
type ActivityResponse struct {
	*domain.Activity
	Chunks      []ChunkState        `json:"chunks"`
	Escalations []domain.Escalation `json:"escalations"`
}

// RelatedActivity is one search hit of the related endpoint.
type RelatedActivity struct {
	ActivityID string  `json:"activity_id"`
	Source     string  `json:"source"`
	OccurredAt int64   `json:"occurred_at"`
	Preview    string  `json:"preview"`
	Score      float32 `json:"score"`
}

// Push handles POST /api/v1/tenants/:tenant/activities.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ActivityHandler) Push(c *gin.Context) {
	tenant := c.Param("tenant")
	ctx := logger.SetTenantID(c.Request.Context(), tenant)

	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(req.Records) > maxPushRecords {
		badRequest(c, "At most "+strconv.Itoa(maxPushRecords)+" records per request")
		return
	}

	result, err := h.ingest.PushRecords(ctx, tenant, domain.Source(req.Source), req.Records)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get handles GET /api/v1/tenants/:tenant/activities/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ActivityHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	activity, err := h.store.Activities.GetByID(ctx, c.Param("tenant"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	chunks, err := h.store.Chunks.ListByActivity(ctx, activity.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	escalations, err := h.store.Escalations.ListByActivity(ctx, activity.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := ActivityResponse{
		Activity:    activity,
		Chunks:      make([]ChunkState, 0, len(chunks)),
		Escalations: escalations,
	}
	for _, ch := range chunks {
		resp.Chunks = append(resp.Chunks, ChunkState{
			ID:         ch.ID,
			Index:      ch.Index,
			TokenCount: ch.TokenCount,
			Status:     ch.Status,
			LastError:  ch.LastError,
			UpdatedAt:  ch.UpdatedAt,
		})
	}
	if resp.Escalations == nil {
		resp.Escalations = []domain.Escalation{}
	}
	c.JSON(http.StatusOK, resp)
}

// RetryChunks handles POST /api/v1/tenants/:tenant/activities/:id/chunks/retry.
// Errored chunks go back to pending and one embedding job is queued for them.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ActivityHandler) RetryChunks(c *gin.Context) {
	tenant := c.Param("tenant")
	ctx := logger.SetTenantID(c.Request.Context(), tenant)

	activity, err := h.store.Activities.GetByID(ctx, tenant, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var (
		reset int64
		job   *domain.Job
	)
	err = h.store.InTx(ctx, func(tx *repository.Tx) error {
		n, err := tx.Chunks.ResetErrored(ctx, tenant, []string{activity.ID})
		if err != nil {
			return err
		}
		reset = n
		if n == 0 {
			return nil
		}
		job, err = tx.Jobs.Enqueue(ctx, repository.EnqueueRequest{
			TenantID: tenant,
			Type:     domain.JobTypeBuildEmbeddings,
			Payload:  service.EmbeddingPayload{ActivityIDs: []string{activity.ID}},
		})
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}

	logger.With(logger.Fields{"activity_id": activity.ID}).WithCount(int(reset)).Info(ctx, "Chunk retry requested")
	body := gin.H{"reset": reset}
	if job != nil {
		body["job"] = job
	}
	c.JSON(http.StatusAccepted, body)
}

// Related handles GET /api/v1/tenants/:tenant/activities/:id/related.
// It searches the vector index with the activity's first embedded chunk and
// returns the best hit per other activity.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *ActivityHandler) Related(c *gin.Context) {
	if h.index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Vector index is not enabled"})
		return
	}
	tenant := c.Param("tenant")
	ctx := c.Request.Context()

	topK := defaultRelatedTopK
	if raw := c.Query("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRelatedTopK {
			badRequest(c, "top_k must be between 1 and "+strconv.Itoa(maxRelatedTopK))
			return
		}
		topK = n
	}

	activity, err := h.store.Activities.GetByID(ctx, tenant, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	chunks, err := h.store.Chunks.ListByActivity(ctx, activity.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	var vector []float32
	for _, ch := range chunks {
		if ch.Status == domain.ChunkStatusEmbedded && len(ch.Embedding) > 0 {
			vector = ch.Embedding
			break
		}
	}
	if vector == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Activity has no embedded chunks yet"})
		return
	}

	// Several chunks of one activity can match; over-fetch and keep the best per activity.
	hits, err := h.index.Search(ctx, vector, topK*3, &repository.SearchFilters{
		TenantID:          tenant,
		ExcludeActivityID: activity.ID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": bestPerActivity(hits, topK)})
}

func bestPerActivity(hits []repository.SearchResult, topK int) []RelatedActivity {
	best := make(map[string]RelatedActivity)
	for _, hit := range hits {
		if hit.Payload == nil || hit.Payload.ActivityID == "" {
			continue
		}
		if cur, ok := best[hit.Payload.ActivityID]; ok && cur.Score >= hit.Score {
			continue
		}
		best[hit.Payload.ActivityID] = RelatedActivity{
			ActivityID: hit.Payload.ActivityID,
			Source:     hit.Payload.Source,
			OccurredAt: hit.Payload.OccurredAt,
			Preview:    hit.Payload.Preview,
			Score:      hit.Score,
		}
	}

	out := make([]RelatedActivity, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ActivityID < out[j].ActivityID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
