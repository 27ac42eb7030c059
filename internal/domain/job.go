package domain

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the status of a queued job.
// Values include JobStatusPending, JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobType is the closed set of asynchronous work the worker knows how to route.
type JobType string

const (
	JobTypeIngestMail      JobType = "ingest_mail"
	JobTypeIngestChat      JobType = "ingest_chat"
	JobTypeBuildEmbeddings JobType = "build_embeddings"
	JobTypePrioritize      JobType = "prioritize"
	JobTypeGenerateDigest  JobType = "generate_digest"
)

// JobTypes lists every routable job type.
var JobTypes = []JobType{
	JobTypeIngestMail,
	JobTypeIngestChat,
	JobTypeBuildEmbeddings,
	JobTypePrioritize,
	JobTypeGenerateDigest,
}

// Valid reports whether t is a member of the closed job type set.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IngestJobType returns the ingestion job type for a source.
func IngestJobType(src Source) (JobType, bool) {
	switch src {
	case SourceMail:
		return JobTypeIngestMail, true
	case SourceChat:
		return JobTypeIngestChat, true
	}
	return "", false
}

// Job is a unit of asynchronous work tracked through the durable queue.
type Job struct {
	ID          string         `gorm:"type:text;primaryKey" json:"id"`
	TenantID    string         `gorm:"type:text;not null;index" json:"tenant_id"`
	Type        JobType        `gorm:"type:text;not null;index" json:"type"`
	Payload     datatypes.JSON `json:"payload"`
	Result      datatypes.JSON `json:"result,omitempty"`
	Status      JobStatus      `gorm:"type:text;not null;default:pending;index:idx_queue_jobs_claim,priority:1" json:"status"`
	Priority    int            `gorm:"not null;default:0;index:idx_queue_jobs_claim,priority:3" json:"priority"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"not null;default:3" json:"max_attempts"`
	ScheduledAt time.Time      `gorm:"not null;index:idx_queue_jobs_claim,priority:2" json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "queue_jobs"
}

// Exhausted reports whether the job has used its whole retry budget.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
