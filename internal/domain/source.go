package domain

import "time"

// SourceCursor tracks the incremental sync position of one tenant's source.
type SourceCursor struct {
	TenantID   string     `gorm:"type:text;primaryKey" json:"tenant_id"`
	Source     Source     `gorm:"type:text;primaryKey" json:"source"`
	Cursor     string     `gorm:"type:text" json:"cursor,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SourceCursor.
func (SourceCursor) TableName() string {
	return "source_cursors"
}
