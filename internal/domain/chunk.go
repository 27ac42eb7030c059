package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ChunkStatus is the embedding state of a chunk.
// A chunk moves pending -> processing -> embedded|error. error only returns
// to pending through an explicit reset.
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusProcessing ChunkStatus = "processing"
	ChunkStatusEmbedded   ChunkStatus = "embedded"
	ChunkStatusError      ChunkStatus = "error"
)

// Vector is an embedding vector stored as a JSON array.
type Vector []float32

// Value implements the driver.Valuer interface for database serialization.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	bytes, err := scanBytes(value, "Vector")
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, v)
}

// Chunk is a bounded-size segment of an activity body, the unit of embedding.
type Chunk struct {
	ID         string      `gorm:"type:text;primaryKey" json:"id"`
	TenantID   string      `gorm:"type:text;not null;index:idx_chunks_tenant_status" json:"tenant_id"`
	ActivityID string      `gorm:"type:text;not null;uniqueIndex:idx_chunks_activity_index" json:"activity_id"`
	Index      int         `gorm:"column:chunk_index;not null;uniqueIndex:idx_chunks_activity_index" json:"index"`
	Content    string      `gorm:"type:text;not null" json:"content"`
	TokenCount int         `gorm:"not null" json:"token_count"`
	Status     ChunkStatus `gorm:"type:text;not null;default:pending;index:idx_chunks_tenant_status" json:"status"`
	Embedding  Vector      `gorm:"type:text" json:"embedding,omitempty"`
	LastError  *string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Chunk.
func (Chunk) TableName() string {
	return "activity_chunks"
}
