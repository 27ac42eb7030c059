package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/triage/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChunkClaim selects pending chunks for embedding.
// ActivityIDs empty means a tenant-wide sweep.
type ChunkClaim struct {
	TenantID    string
	ActivityIDs []string
	Limit       int
}

// ChunkRepository handles activity chunk data operations.
type ChunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// CreateBatch inserts one activity's chunks in index order within a single statement.
// Re-inserting an existing (activity, index) pair is ignored.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - chunks: chunks with contiguous indices.
// Returns:
//   - int64: number of rows inserted.
//   - error: non-nil if the insert fails.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []domain.Chunk) (int64, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "activity_id"}, {Name: "chunk_index"}},
		DoNothing: true,
	}).Create(&chunks)
	if res.Error != nil {
		return 0, fmt.Errorf("insert chunks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ClaimPending moves up to claim.Limit pending chunks to processing and returns them
// ordered by activity and index.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - claim: tenant, optional activity restriction and batch size.
// Returns:
//   - []domain.Chunk: the chunks this caller now owns.
//   - error: non-nil if the claim fails.
func (r *ChunkRepository) ClaimPending(ctx context.Context, claim ChunkClaim) ([]domain.Chunk, error) {
	limit := claim.Limit
	if limit <= 0 {
		limit = 64
	}

	var claimed []domain.Chunk
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&domain.Chunk{}).
			Where("tenant_id = ? AND status = ?", claim.TenantID, domain.ChunkStatusPending)
		if len(claim.ActivityIDs) > 0 {
			sel = sel.Where("activity_id IN ?", claim.ActivityIDs)
		}
		if isPostgres(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []string
		if err := sel.Order("activity_id ASC").Order("chunk_index ASC").Limit(limit).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&domain.Chunk{}).
			Where("id IN ? AND status = ?", ids, domain.ChunkStatusPending).
			Update("status", domain.ChunkStatusProcessing).Error; err != nil {
			return err
		}

		return tx.Where("id IN ? AND status = ?", ids, domain.ChunkStatusProcessing).
			Order("activity_id ASC").Order("chunk_index ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim chunks: %w", err)
	}
	return claimed, nil
}

// MarkEmbedded stores the vector of a processing chunk.
func (r *ChunkRepository) MarkEmbedded(ctx context.Context, id string, vector domain.Vector) error {
	res := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id = ? AND status = ?", id, domain.ChunkStatusProcessing).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusEmbedded,
			"embedding":  vector,
			"last_error": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark chunk %s embedded: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: chunk %s is not processing", domain.ErrInvalidTransition, id)
	}
	return nil
}

// MarkError moves processing chunks to error with a message.
func (r *ChunkRepository) MarkError(ctx context.Context, ids []string, message string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("id IN ? AND status = ?", ids, domain.ChunkStatusProcessing).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusError,
			"last_error": message,
		}).Error
}

// ResetErrored moves a tenant's errored chunks back to pending.
// This is the only path out of the error state.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: owning tenant.
//   - activityIDs: restrict to these activities; empty resets all of the tenant's chunks.
// Returns:
//   - int64: number of chunks reset.
//   - error: non-nil if the update fails.
func (r *ChunkRepository) ResetErrored(ctx context.Context, tenantID string, activityIDs []string) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("tenant_id = ? AND status = ?", tenantID, domain.ChunkStatusError)
	if len(activityIDs) > 0 {
		tx = tx.Where("activity_id IN ?", activityIDs)
	}
	res := tx.Updates(map[string]interface{}{
		"status":     domain.ChunkStatusPending,
		"last_error": nil,
	})
	return res.RowsAffected, res.Error
}

// AbandonStale marks chunks left in processing since before now-olderThan as
// errored, so a later explicit reset can retry them.
func (r *ChunkRepository) AbandonStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&domain.Chunk{}).
		Where("status = ? AND updated_at < ?", domain.ChunkStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     domain.ChunkStatusError,
			"last_error": "abandoned in processing",
		})
	return res.RowsAffected, res.Error
}

// ListByActivity returns an activity's chunks in index order.
func (r *ChunkRepository) ListByActivity(ctx context.Context, activityID string) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	err := r.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}
