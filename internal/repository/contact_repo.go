package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/timmy/triage/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactRepository handles the per-tenant identity directory.
type ContactRepository struct {
	db *gorm.DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// NormalizeIdentifier is the canonical form identifiers are stored and matched in.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Upsert creates or updates a contact keyed by tenant and identifier.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - contact: contact to store; the identifier is normalized in place.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *ContactRepository) Upsert(ctx context.Context, contact *domain.Contact) error {
	contact.Identifier = NormalizeIdentifier(contact.Identifier)
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "importance", "is_self", "updated_at"}),
	}).Create(contact).Error
}

// FindByIdentifiers returns the tenant's known contacts among identifiers,
// keyed by normalized identifier.
func (r *ContactRepository) FindByIdentifiers(ctx context.Context, tenantID string, identifiers []string) (map[string]domain.Contact, error) {
	if len(identifiers) == 0 {
		return map[string]domain.Contact{}, nil
	}
	normalized := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		normalized = append(normalized, NormalizeIdentifier(id))
	}

	var contacts []domain.Contact
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND identifier IN ?", tenantID, normalized).
		Find(&contacts).Error; err != nil {
		return nil, err
	}

	out := make(map[string]domain.Contact, len(contacts))
	for _, c := range contacts {
		out[c.Identifier] = c
	}
	return out, nil
}

// SelfIdentities returns the identities that belong to the tenant itself.
func (r *ContactRepository) SelfIdentities(ctx context.Context, tenantID string) ([]domain.Contact, error) {
	var contacts []domain.Contact
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_self = ?", tenantID, true).
		Order("created_at ASC").
		Find(&contacts).Error
	return contacts, err
}
