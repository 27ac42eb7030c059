package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/timmy/triage/internal/domain"
)

// IngestPayload is the payload of ingest_mail and ingest_chat jobs.
// Zero Limit uses the connector's page size.
type IngestPayload struct {
	Limit int `json:"limit,omitempty"`
}

// EmbeddingPayload is the payload of build_embeddings jobs.
// Empty ActivityIDs sweeps every pending chunk of the tenant.
type EmbeddingPayload struct {
	ActivityIDs []string `json:"activity_ids,omitempty"`
}

// PrioritizePayload is the payload of prioritize jobs.
type PrioritizePayload struct {
	ActivityIDs []string `json:"activity_ids"`
}

// DigestPayload is the payload of generate_digest jobs.
// Zero Since and Until default to the configured window ending at run time.
type DigestPayload struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// decodePayload unmarshals a job payload. A malformed payload can never
// succeed, so it is permanent.
func decodePayload(job *domain.Job, v interface{}) error {
	if len(job.Payload) == 0 || string(job.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return domain.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	return nil
}
