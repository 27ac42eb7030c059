package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/prompts"
	"github.com/timmy/triage/internal/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "triage.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	})
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.NewStore(db)
}

func newTestIngestService(t *testing.T, store *repository.Store) *IngestService {
	t.Helper()
	n, err := NewNormalizer()
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return NewIngestService(n, NewChunker(DefaultMaxChunkTokens), store, nil)
}

// rawMail builds a valid raw record whose identity is id.
func rawMail(id, body string, urgency float64, requiresResponse bool) json.RawMessage {
	rec := map[string]interface{}{
		"source_message_id": id,
		"occurred_at":       "2026-03-02T08:00:00Z",
		"subject":           "Subject " + id,
		"body":              body,
		"participants": []map[string]string{
			{"identifier": "boss@acme.example", "name": "Boss", "role": "sender"},
			{"identifier": "me@acme.example", "role": "recipient"},
		},
		"metadata": map[string]interface{}{
			"urgency":           urgency,
			"requires_response": requiresResponse,
		},
	}
	b, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return b
}

// claimJob marks a job processing the way the queue would before dispatch.
func claimJob(t *testing.T, store *repository.Store, jobType domain.JobType) *domain.Job {
	t.Helper()
	job, err := store.Jobs.ClaimNext(context.Background(), repository.ClaimFilter{Type: jobType})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil {
		t.Fatalf("no %s job queued", jobType)
	}
	return job
}

type fakeConnector struct {
	src   domain.Source
	pages map[string]fakePage
	calls []string
	err   error
}

type fakePage struct {
	records []json.RawMessage
	next    string
}

func (f *fakeConnector) Source() domain.Source { return f.src }

func (f *fakeConnector) FetchBatch(_ context.Context, _ string, cursor string, _ int) ([]json.RawMessage, string, error) {
	f.calls = append(f.calls, cursor)
	if f.err != nil {
		return nil, "", f.err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, cursor, nil
	}
	return page.records, page.next, nil
}

type fakeProvider struct {
	mu    sync.Mutex
	dims  int
	width int // vector length when it differs from dims
	calls int
	short bool
	err   error
}

func (f *fakeProvider) Model() string   { return "fake" }
func (f *fakeProvider) Dimensions() int { return f.dims }

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short && n > 0 {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		size := f.dims
		if f.width > 0 {
			size = f.width
		}
		v := make([]float32, size)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

type fakeIndex struct {
	points []repository.ChunkPoint
	err    error
}

func (f *fakeIndex) UpsertChunks(_ context.Context, points []repository.ChunkPoint) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeIndex) Search(context.Context, []float32, int, *repository.SearchFilters) ([]repository.SearchResult, error) {
	return nil, fmt.Errorf("not implemented")
}

type fakeGenerator struct {
	items []prompts.DigestItem
	calls int
}

func (f *fakeGenerator) Generate(_ context.Context, _, _ time.Time, items []prompts.DigestItem) (string, error) {
	f.calls++
	f.items = items
	return fmt.Sprintf("%d routine messages", len(items)), nil
}
