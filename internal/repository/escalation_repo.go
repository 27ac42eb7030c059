package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/triage/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EscalationFilter narrows List.
type EscalationFilter struct {
	TenantID string
	Status   domain.EscalationStatus
	Limit    int
}

// EscalationRepository handles escalation data operations and owns the
// pending -> acknowledged | dismissed state machine.
type EscalationRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEscalationRepository creates a new EscalationRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *EscalationRepository: repository instance bound to db.
func NewEscalationRepository(db *gorm.DB) *EscalationRepository {
	return &EscalationRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateIfNoActive inserts esc unless its activity already has a non-dismissed
// escalation, in which case that escalation is returned instead.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - esc: escalation to create; ID and status are filled when empty.
// Returns:
//   - *domain.Escalation: the created or the existing live escalation.
//   - bool: true when a new row was created.
//   - error: non-nil if the transaction fails.
func (r *EscalationRepository) CreateIfNoActive(ctx context.Context, esc *domain.Escalation) (*domain.Escalation, bool, error) {
	var result *domain.Escalation
	created := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			// Serialize concurrent evaluations of the same activity.
			var locked domain.Activity
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").
				First(&locked, "id = ?", esc.ActivityID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var existing domain.Escalation
		err := tx.Where("activity_id = ? AND status <> ?", esc.ActivityID, domain.EscalationDismissed).
			Order("created_at ASC").
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if esc.ID == "" {
			esc.ID = uuid.New().String()
		}
		if esc.Status == "" {
			esc.Status = domain.EscalationPending
		}
		if err := tx.Create(esc).Error; err != nil {
			return err
		}
		result = esc
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create escalation for activity %s: %w", esc.ActivityID, err)
	}
	return result, created, nil
}

// MarkNotified records that the notification for a pending escalation went out.
func (r *EscalationRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Escalation{}).
		Where("id = ? AND notified_at IS NULL", id).
		Update("notified_at", at.UTC()).Error
}

// RecordNotifyFailure stores why the notification of an escalation could not
// be delivered. The escalation stays pending so an operator can still act on it.
func (r *EscalationRepository) RecordNotifyFailure(ctx context.Context, id, message string) error {
	return r.db.WithContext(ctx).Model(&domain.Escalation{}).
		Where("id = ? AND notified_at IS NULL", id).
		Update("notify_error", message).Error
}

// Acknowledge moves a pending escalation to acknowledged.
// Acknowledging twice is a no-op; acknowledging a dismissed escalation fails
// with domain.ErrInvalidTransition.
func (r *EscalationRepository) Acknowledge(ctx context.Context, id string) (*domain.Escalation, error) {
	return r.transition(ctx, id, domain.EscalationAcknowledged, "acknowledged_at")
}

// Dismiss moves a pending escalation to dismissed.
// Dismissing twice is a no-op; dismissing an acknowledged escalation fails
// with domain.ErrInvalidTransition.
func (r *EscalationRepository) Dismiss(ctx context.Context, id string) (*domain.Escalation, error) {
	return r.transition(ctx, id, domain.EscalationDismissed, "dismissed_at")
}

func (r *EscalationRepository) transition(ctx context.Context, id string, target domain.EscalationStatus, stampColumn string) (*domain.Escalation, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&domain.Escalation{}).
		Where("id = ? AND status = ?", id, domain.EscalationPending).
		Updates(map[string]interface{}{
			"status":    target,
			stampColumn: now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update escalation %s: %w", id, res.Error)
	}

	esc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 && esc.Status != target {
		return nil, fmt.Errorf("%w: escalation %s is %s, cannot become %s",
			domain.ErrInvalidTransition, id, esc.Status, target)
	}
	return esc, nil
}

// Get retrieves an escalation by ID.
func (r *EscalationRepository) Get(ctx context.Context, id string) (*domain.Escalation, error) {
	var esc domain.Escalation
	if err := r.db.WithContext(ctx).First(&esc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("escalation %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &esc, nil
}

// ListByActivity returns every escalation of an activity, oldest first.
func (r *EscalationRepository) ListByActivity(ctx context.Context, activityID string) ([]domain.Escalation, error) {
	var out []domain.Escalation
	err := r.db.WithContext(ctx).
		Where("activity_id = ?", activityID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// List returns escalations matching filter, highest score first.
func (r *EscalationRepository) List(ctx context.Context, filter EscalationFilter) ([]domain.Escalation, error) {
	tx := r.db.WithContext(ctx).Where("tenant_id = ?", filter.TenantID)
	if filter.Status != "" {
		tx = tx.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []domain.Escalation
	err := tx.Order("score DESC").Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
