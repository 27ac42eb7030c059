package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/storage"
)

// IngestService runs the write side of the pipeline: normalize, archive,
// store activities with their chunks, and queue the follow-up work.
type IngestService struct {
	normalizer *Normalizer
	chunker    *Chunker
	store      *repository.Store
	archive    *storage.RawArchive
	now        func() time.Time
}

// NewIngestService creates a new ingest service.
// Parameters:
//   - normalizer: raw record validator.
//   - chunker: body splitter.
//   - store: repositories; writes of one batch share a transaction.
//   - archive: raw record archive, nil when object storage is disabled.
// Returns:
//   - *IngestService: service instance.
func NewIngestService(normalizer *Normalizer, chunker *Chunker, store *repository.Store, archive *storage.RawArchive) *IngestService {
	return &IngestService{
		normalizer: normalizer,
		chunker:    chunker,
		store:      store,
		archive:    archive,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// IngestBatch is one page of raw records from a source.
type IngestBatch struct {
	TenantID string
	Source   domain.Source
	Records  []json.RawMessage
	// NextCursor, when set, is stored as the source cursor in the same
	// transaction as the records.
	NextCursor *string
}

// RecordError describes a record skipped for failing validation.
type RecordError struct {
	Index  int      `json:"index"`
	Fields []string `json:"fields"`
}

// IngestResult summarizes one ingested batch.
type IngestResult struct {
	Received      int           `json:"received"`
	Created       int           `json:"created"`
	Duplicates    int           `json:"duplicates"`
	Invalid       int           `json:"invalid"`
	ChunksCreated int64         `json:"chunks_created"`
	ActivityIDs   []string      `json:"activity_ids"`
	Jobs          []string      `json:"jobs"`
	Rejected      []RecordError `json:"rejected,omitempty"`
}

// IngestRecords stores a batch of raw records.
// Invalid records are skipped and reported; duplicates are counted as no-ops.
// One build_embeddings job is queued when chunks were created and one
// prioritize job when activities were created, both only for new activities.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - batch: tenant, source and raw records.
// Returns:
//   - *IngestResult: counts and the new activity IDs.
//   - error: storage or archive failure, nothing of the batch is stored then.
func (s *IngestService) IngestRecords(ctx context.Context, batch IngestBatch) (*IngestResult, error) {
	ctx = logger.SetSource(logger.SetTenantID(ctx, batch.TenantID), string(batch.Source))
	result := &IngestResult{Received: len(batch.Records), ActivityIDs: []string{}, Jobs: []string{}}
	receivedAt := s.now()

	records := make([]*NormalizedRecord, 0, len(batch.Records))
	for i, raw := range batch.Records {
		rec, err := s.normalizer.Normalize(NormalizeContext{
			TenantID:   batch.TenantID,
			Source:     batch.Source,
			ReceivedAt: receivedAt,
		}, raw)
		if err != nil {
			var invalid *domain.InvalidPayloadError
			if !errors.As(err, &invalid) {
				return nil, err
			}
			result.Invalid++
			result.Rejected = append(result.Rejected, RecordError{Index: i, Fields: invalid.Fields})
			logger.With(logger.Fields{"index": i}).Warn(ctx, "Skipping invalid record: %v", err)
			continue
		}
		records = append(records, rec)
	}

	if s.archive != nil {
		for _, rec := range records {
			if _, err := s.archive.Put(ctx, batch.TenantID, string(batch.Source), rec.Activity.OccurredAt, rec.StableHash, rec.Raw); err != nil {
				return nil, domain.Transient(fmt.Errorf("archive raw record %s: %w", rec.StableHash, err))
			}
		}
	}

	err := s.store.InTx(ctx, func(tx *repository.Tx) error {
		var chunked []string
		for _, rec := range records {
			activity := *rec.Activity
			activity.ID = uuid.New().String()
			if err := tx.Activities.Create(ctx, &activity); err != nil {
				if errors.Is(err, domain.ErrDuplicateActivity) {
					result.Duplicates++
					continue
				}
				return err
			}
			result.Created++
			result.ActivityIDs = append(result.ActivityIDs, activity.ID)

			n, err := tx.Chunks.CreateBatch(ctx, s.chunksFor(&activity))
			if err != nil {
				return err
			}
			if n > 0 {
				result.ChunksCreated += n
				chunked = append(chunked, activity.ID)
			}
		}

		if len(chunked) > 0 {
			job, err := tx.Jobs.Enqueue(ctx, repository.EnqueueRequest{
				TenantID: batch.TenantID,
				Type:     domain.JobTypeBuildEmbeddings,
				Payload:  EmbeddingPayload{ActivityIDs: chunked},
			})
			if err != nil {
				return err
			}
			result.Jobs = append(result.Jobs, job.ID)
		}
		if len(result.ActivityIDs) > 0 {
			job, err := tx.Jobs.Enqueue(ctx, repository.EnqueueRequest{
				TenantID: batch.TenantID,
				Type:     domain.JobTypePrioritize,
				Payload:  PrioritizePayload{ActivityIDs: result.ActivityIDs},
				Priority: 1,
			})
			if err != nil {
				return err
			}
			result.Jobs = append(result.Jobs, job.ID)
		}

		if batch.NextCursor != nil {
			if err := tx.Cursors.Advance(ctx, batch.TenantID, batch.Source, *batch.NextCursor, receivedAt); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store batch: %w", err)
	}

	logger.With(logger.Fields{
		"received":   result.Received,
		"created":    result.Created,
		"duplicates": result.Duplicates,
		"invalid":    result.Invalid,
		"chunks":     result.ChunksCreated,
	}).Info(ctx, "Batch ingested")

	return result, nil
}

// PushRecords ingests records handed to the service directly, without a
// connector or cursor.
func (s *IngestService) PushRecords(ctx context.Context, tenantID string, src domain.Source, records []json.RawMessage) (*IngestResult, error) {
	if !src.Valid() {
		return nil, domain.NewConfigurationError("unknown source %q", src)
	}
	return s.IngestRecords(ctx, IngestBatch{TenantID: tenantID, Source: src, Records: records})
}

func (s *IngestService) chunksFor(activity *domain.Activity) []domain.Chunk {
	drafts := s.chunker.Split(activity.Body)
	chunks := make([]domain.Chunk, 0, len(drafts))
	for _, d := range drafts {
		chunks = append(chunks, domain.Chunk{
			ID:         uuid.New().String(),
			TenantID:   activity.TenantID,
			ActivityID: activity.ID,
			Index:      d.Index,
			Content:    d.Content,
			TokenCount: d.TokenCount,
			Status:     domain.ChunkStatusPending,
		})
	}
	return chunks
}
