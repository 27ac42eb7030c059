package domain

import "time"

// PriorityLabel is the discrete label derived from a priority score.
type PriorityLabel string

const (
	LabelCritical  PriorityLabel = "critical"
	LabelImportant PriorityLabel = "important"
	LabelRoutine   PriorityLabel = "routine"
)

// Escalates reports whether the label causes an escalation to be created.
func (l PriorityLabel) Escalates() bool {
	return l == LabelCritical || l == LabelImportant
}

// Channel is the recommended delivery channel for an activity.
type Channel string

const (
	ChannelFocusPager Channel = "focus_pager"
	ChannelSMS        Channel = "sms"
	ChannelDigest     Channel = "digest"
)

// Interrupts reports whether the channel triggers an immediate notification.
func (c Channel) Interrupts() bool {
	return c == ChannelFocusPager || c == ChannelSMS
}

// EscalationStatus is the state of an escalation.
// pending moves to exactly one of acknowledged or dismissed.
type EscalationStatus string

const (
	EscalationPending      EscalationStatus = "pending"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationDismissed    EscalationStatus = "dismissed"
)

// Escalation records that an activity crossed an urgency threshold.
type Escalation struct {
	ID             string           `gorm:"type:text;primaryKey" json:"id"`
	TenantID       string           `gorm:"type:text;not null;index:idx_escalations_tenant_status" json:"tenant_id"`
	ActivityID     string           `gorm:"type:text;not null;index" json:"activity_id"`
	Score          float64          `gorm:"not null" json:"score"`
	Label          PriorityLabel    `gorm:"type:text;not null" json:"label"`
	Reasons        StringArray      `gorm:"type:text" json:"reasons"`
	Channel        Channel          `gorm:"type:text;not null" json:"channel"`
	Status         EscalationStatus `gorm:"type:text;not null;default:pending;index:idx_escalations_tenant_status" json:"status"`
	NotifiedAt     *time.Time       `json:"notified_at,omitempty"`
	NotifyError    *string          `gorm:"type:text" json:"notify_error,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	DismissedAt    *time.Time       `json:"dismissed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// TableName returns the database table name for Escalation.
func (Escalation) TableName() string {
	return "escalations"
}

// Contact is a known identity in a tenant's directory.
// Importance feeds the sender signal; IsSelf marks the tenant's own identities,
// which receive notifications and count for direct mentions.
type Contact struct {
	ID          string    `gorm:"type:text;primaryKey" json:"id"`
	TenantID    string    `gorm:"type:text;not null;uniqueIndex:idx_contacts_tenant_identifier" json:"tenant_id"`
	Identifier  string    `gorm:"type:text;not null;uniqueIndex:idx_contacts_tenant_identifier" json:"identifier"`
	DisplayName string    `gorm:"type:text" json:"display_name,omitempty"`
	Importance  float64   `gorm:"not null" json:"importance"`
	IsSelf      bool      `gorm:"not null;default:false" json:"is_self"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string {
	return "contacts"
}
