package service

import (
	"context"
	"fmt"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

const defaultEmbeddingBatch = 32

// EmbeddingHandler embeds pending chunks. It handles build_embeddings jobs.
type EmbeddingHandler struct {
	chunks     *repository.ChunkRepository
	activities *repository.ActivityRepository
	provider   EmbeddingProvider
	index      repository.VectorIndex
	batchSize  int
}

// NewEmbeddingHandler creates an EmbeddingHandler.
// Parameters:
//   - chunks: chunk repository.
//   - activities: activity repository, used for index payloads.
//   - provider: embedding provider, nil when none is configured.
//   - index: vector index, nil when indexing is disabled.
//   - batchSize: texts per provider call, <= 0 uses 32.
// Returns:
//   - *EmbeddingHandler: handler instance.
func NewEmbeddingHandler(chunks *repository.ChunkRepository, activities *repository.ActivityRepository, provider EmbeddingProvider, index repository.VectorIndex, batchSize int) *EmbeddingHandler {
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatch
	}
	return &EmbeddingHandler{
		chunks:     chunks,
		activities: activities,
		provider:   provider,
		index:      index,
		batchSize:  batchSize,
	}
}

// EmbeddingJobResult is stored as the result of a build_embeddings job.
type EmbeddingJobResult struct {
	Embedded int   `json:"embedded"`
	Batches  int   `json:"batches"`
	Reset    int64 `json:"reset"`
	Indexed  bool  `json:"indexed"`
}

// Handle claims pending chunks batch by batch until none are left. A failed
// batch is marked error and fails the job; the retry of a job scoped to
// activities first resets that job's errored chunks to pending.
func (h *EmbeddingHandler) Handle(ctx context.Context, job *domain.Job) (interface{}, error) {
	if h.provider == nil {
		return nil, domain.NewConfigurationError("no embedding provider configured")
	}

	var payload EmbeddingPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	result := &EmbeddingJobResult{Indexed: h.index != nil}
	if job.Attempts > 1 && len(payload.ActivityIDs) > 0 {
		n, err := h.chunks.ResetErrored(ctx, job.TenantID, payload.ActivityIDs)
		if err != nil {
			return nil, fmt.Errorf("reset errored chunks: %w", err)
		}
		result.Reset = n
	}

	for {
		claimed, err := h.chunks.ClaimPending(ctx, repository.ChunkClaim{
			TenantID:    job.TenantID,
			ActivityIDs: payload.ActivityIDs,
			Limit:       h.batchSize,
		})
		if err != nil {
			return nil, err
		}
		if len(claimed) == 0 {
			break
		}

		if err := h.embedBatch(ctx, job.TenantID, claimed); err != nil {
			ids := chunkIDs(claimed)
			if markErr := h.chunks.MarkError(ctx, ids, err.Error()); markErr != nil {
				logger.CtxError(ctx, "Failed to mark %d chunks errored: %v", len(ids), markErr)
			}
			return nil, err
		}
		result.Batches++
		result.Embedded += len(claimed)
	}

	logger.With(logger.Fields{
		"embedded": result.Embedded,
		"batches":  result.Batches,
		"reset":    result.Reset,
	}).Info(ctx, "Chunks embedded")
	return result, nil
}

func (h *EmbeddingHandler) embedBatch(ctx context.Context, tenantID string, claimed []domain.Chunk) error {
	texts := make([]string, len(claimed))
	for i, c := range claimed {
		texts[i] = c.Content
	}

	vectors, err := h.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(claimed) {
		return domain.Permanent(fmt.Errorf("embedding provider returned %d vectors for %d chunks", len(vectors), len(claimed)))
	}

	if dims := h.provider.Dimensions(); dims > 0 {
		for i, v := range vectors {
			if len(v) != dims {
				return domain.NewConfigurationError("embedding model %s returned %d dimensions for chunk %s, configured %d",
					h.provider.Model(), len(v), claimed[i].ID, dims)
			}
		}
	}

	if h.index != nil {
		points, err := h.points(ctx, tenantID, claimed, vectors)
		if err != nil {
			return err
		}
		if err := h.index.UpsertChunks(ctx, points); err != nil {
			// A dimension mismatch with the collection will not heal on retry.
			if domain.IsPermanent(err) {
				return fmt.Errorf("index chunks: %w", err)
			}
			return domain.Transient(fmt.Errorf("index chunks: %w", err))
		}
	}

	for i, c := range claimed {
		if err := h.chunks.MarkEmbedded(ctx, c.ID, domain.Vector(vectors[i])); err != nil {
			return err
		}
	}
	return nil
}

func (h *EmbeddingHandler) points(ctx context.Context, tenantID string, claimed []domain.Chunk, vectors [][]float32) ([]repository.ChunkPoint, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range claimed {
		if _, ok := seen[c.ActivityID]; !ok {
			seen[c.ActivityID] = struct{}{}
			ids = append(ids, c.ActivityID)
		}
	}
	activities, err := h.activities.ListByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load activities: %w", err)
	}
	byID := make(map[string]*domain.Activity, len(activities))
	for i := range activities {
		byID[activities[i].ID] = &activities[i]
	}

	points := make([]repository.ChunkPoint, 0, len(claimed))
	for i, c := range claimed {
		payload := repository.ChunkPayload{
			ChunkID:    c.ID,
			ActivityID: c.ActivityID,
			TenantID:   c.TenantID,
			ChunkIndex: c.Index,
			Preview:    truncateRunes(collapseWhitespace(c.Content), previewRunes),
		}
		if a, ok := byID[c.ActivityID]; ok {
			payload.Source = string(a.Source)
			payload.OccurredAt = a.OccurredAt.Unix()
		}
		points = append(points, repository.ChunkPoint{Vector: vectors[i], Payload: payload})
	}
	return points, nil
}

func chunkIDs(chunks []domain.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}
