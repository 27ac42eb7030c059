package service

import (
	"context"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/source"
)

const (
	defaultIngestPageSize = 50
	maxIngestPages        = 20
)

// IngestHandler pulls new records from a source connector. It handles
// ingest_mail and ingest_chat jobs.
type IngestHandler struct {
	connectors *source.Registry
	cursors    *repository.CursorRepository
	ingest     *IngestService
	pageSize   int
}

// NewIngestHandler creates an IngestHandler. pageSize <= 0 uses 50.
func NewIngestHandler(connectors *source.Registry, cursors *repository.CursorRepository, ingest *IngestService, pageSize int) *IngestHandler {
	if pageSize <= 0 {
		pageSize = defaultIngestPageSize
	}
	return &IngestHandler{connectors: connectors, cursors: cursors, ingest: ingest, pageSize: pageSize}
}

// IngestJobResult is stored as the result of an ingestion job.
type IngestJobResult struct {
	Pages      int    `json:"pages"`
	Received   int    `json:"received"`
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Invalid    int    `json:"invalid"`
	Chunks     int64  `json:"chunks"`
	Cursor     string `json:"cursor"`
}

// Handle reads pages from the stored cursor until the connector is caught up.
// Each page commits with its cursor, so a failed job resumes after the last
// stored page.
func (h *IngestHandler) Handle(ctx context.Context, job *domain.Job) (interface{}, error) {
	src, err := sourceOf(job.Type)
	if err != nil {
		return nil, err
	}
	connector, err := h.connectors.Get(src)
	if err != nil {
		return nil, err
	}

	var payload IngestPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	limit := h.pageSize
	if payload.Limit > 0 && payload.Limit < limit {
		limit = payload.Limit
	}

	stored, err := h.cursors.Get(ctx, job.TenantID, src)
	if err != nil {
		return nil, err
	}

	result := &IngestJobResult{Cursor: stored.Cursor}
	cursor := stored.Cursor
	for result.Pages < maxIngestPages {
		records, next, err := connector.FetchBatch(ctx, job.TenantID, cursor, limit)
		if err != nil {
			return nil, err
		}
		result.Pages++
		if len(records) == 0 && next == cursor {
			break
		}

		ingested, err := h.ingest.IngestRecords(ctx, IngestBatch{
			TenantID:   job.TenantID,
			Source:     src,
			Records:    records,
			NextCursor: &next,
		})
		if err != nil {
			return nil, err
		}
		result.Received += ingested.Received
		result.Created += ingested.Created
		result.Duplicates += ingested.Duplicates
		result.Invalid += ingested.Invalid
		result.Chunks += ingested.ChunksCreated
		result.Cursor = next

		if len(records) < limit || next == cursor {
			break
		}
		cursor = next
	}

	logger.With(logger.Fields{
		"pages":   result.Pages,
		"created": result.Created,
		"cursor":  result.Cursor,
	}).Info(ctx, "Source sync finished")
	return result, nil
}

func sourceOf(t domain.JobType) (domain.Source, error) {
	switch t {
	case domain.JobTypeIngestMail:
		return domain.SourceMail, nil
	case domain.JobTypeIngestChat:
		return domain.SourceChat, nil
	}
	return "", domain.NewConfigurationError("job type %s is not an ingestion job", t)
}
