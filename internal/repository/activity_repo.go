package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/triage/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivityRepository handles activity data operations.
type ActivityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates a new ActivityRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ActivityRepository: repository instance bound to db.
func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Create inserts an activity unless one with the same tenant and stable hash exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - activity: activity to persist.
// Returns:
//   - error: domain.ErrDuplicateActivity when the hash is already stored, or a storage error.
func (r *ActivityRepository) Create(ctx context.Context, activity *domain.Activity) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "stable_hash"}},
		DoNothing: true,
	}).Create(activity)
	if res.Error != nil {
		return fmt.Errorf("insert activity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDuplicateActivity
	}
	return nil
}

// GetByID retrieves a tenant's activity by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: owning tenant.
//   - id: activity ID.
// Returns:
//   - *domain.Activity: activity record if found.
//   - error: domain.ErrNotFound if missing.
func (r *ActivityRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Activity, error) {
	var activity domain.Activity
	err := r.db.WithContext(ctx).First(&activity, "tenant_id = ? AND id = ?", tenantID, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("activity %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &activity, nil
}

// GetByHash retrieves a tenant's activity by its stable hash.
func (r *ActivityRepository) GetByHash(ctx context.Context, tenantID, hash string) (*domain.Activity, error) {
	var activity domain.Activity
	err := r.db.WithContext(ctx).First(&activity, "tenant_id = ? AND stable_hash = ?", tenantID, hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("activity hash %s: %w", hash, domain.ErrNotFound)
		}
		return nil, err
	}
	return &activity, nil
}

// ListByIDs retrieves a tenant's activities by ID, oldest first.
func (r *ActivityRepository) ListByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.Activity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var activities []domain.Activity
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Order("occurred_at ASC").
		Find(&activities).Error
	return activities, err
}

// ListUnescalated returns activities that occurred in [since, until) and have
// no live escalation. These are the routine items a digest summarizes.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - tenantID: owning tenant.
//   - since: inclusive window start.
//   - until: exclusive window end.
//   - limit: maximum rows to return.
// Returns:
//   - []domain.Activity: matching activities, oldest first.
//   - error: non-nil if the query fails.
func (r *ActivityRepository) ListUnescalated(ctx context.Context, tenantID string, since, until time.Time, limit int) ([]domain.Activity, error) {
	live := r.db.Model(&domain.Escalation{}).
		Select("1").
		Where("escalations.activity_id = activities.id AND escalations.status <> ?", domain.EscalationDismissed)

	var activities []domain.Activity
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND occurred_at >= ? AND occurred_at < ?", tenantID, since.UTC(), until.UTC()).
		Where("NOT EXISTS (?)", live).
		Order("occurred_at ASC").
		Limit(limit).
		Find(&activities).Error
	return activities, err
}
