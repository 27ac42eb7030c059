package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/triage/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepository stores incremental sync positions per tenant and source.
type CursorRepository struct {
	db *gorm.DB
}

// NewCursorRepository creates a new CursorRepository.
func NewCursorRepository(db *gorm.DB) *CursorRepository {
	return &CursorRepository{db: db}
}

// Get returns the cursor for tenant and source. A source that never synced
// yields an empty cursor, not an error.
func (r *CursorRepository) Get(ctx context.Context, tenantID string, source domain.Source) (*domain.SourceCursor, error) {
	var cursor domain.SourceCursor
	err := r.db.WithContext(ctx).First(&cursor, "tenant_id = ? AND source = ?", tenantID, source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.SourceCursor{TenantID: tenantID, Source: source}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// Advance stores the next cursor and the sync time.
func (r *CursorRepository) Advance(ctx context.Context, tenantID string, source domain.Source, cursor string, syncedAt time.Time) error {
	synced := syncedAt.UTC()
	row := &domain.SourceCursor{
		TenantID:   tenantID,
		Source:     source,
		Cursor:     cursor,
		LastSyncAt: &synced,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "last_sync_at", "updated_at"}),
	}).Create(row).Error
}
