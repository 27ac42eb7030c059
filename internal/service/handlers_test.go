package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/prompts"
	"github.com/timmy/triage/internal/repository"
	"github.com/timmy/triage/internal/source"
)

func TestIngestHandlerFollowsCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestIngestService(t, store)
	conn := &fakeConnector{
		src: domain.SourceMail,
		pages: map[string]fakePage{
			"":   {records: []json.RawMessage{rawMail("m-1", "One.", 0.1, false), rawMail("m-2", "Two.", 0.1, false)}, next: "p2"},
			"p2": {records: []json.RawMessage{rawMail("m-3", "Three.", 0.1, false)}, next: "p3"},
		},
	}
	handler := NewIngestHandler(source.NewRegistry(conn), store.Cursors, svc, 2)

	if _, err := store.Jobs.Enqueue(ctx, repository.EnqueueRequest{TenantID: "acme", Type: domain.JobTypeIngestMail}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job := claimJob(t, store, domain.JobTypeIngestMail)

	out, err := handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := out.(*IngestJobResult)
	if res.Created != 3 || res.Pages != 2 || res.Cursor != "p3" {
		t.Errorf("result = %+v", res)
	}

	cursor, err := store.Cursors.Get(ctx, "acme", domain.SourceMail)
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor.Cursor != "p3" {
		t.Errorf("stored cursor = %q, want p3", cursor.Cursor)
	}

	// A second run starts from the stored cursor and finds nothing new.
	out, err = handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if res := out.(*IngestJobResult); res.Created != 0 || res.Pages != 1 {
		t.Errorf("second result = %+v", res)
	}
	if last := conn.calls[len(conn.calls)-1]; last != "p3" {
		t.Errorf("last fetch cursor = %q, want p3", last)
	}
}

func TestIngestHandlerWithoutConnector(t *testing.T) {
	store := newTestStore(t)
	handler := NewIngestHandler(source.NewRegistry(), store.Cursors, newTestIngestService(t, store), 10)

	_, err := handler.Handle(context.Background(), &domain.Job{ID: "j", TenantID: "acme", Type: domain.JobTypeIngestChat})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func ingestOne(t *testing.T, store *repository.Store, raw json.RawMessage) *IngestResult {
	t.Helper()
	res, err := newTestIngestService(t, store).IngestRecords(context.Background(), IngestBatch{
		TenantID: "acme",
		Source:   domain.SourceMail,
		Records:  []json.RawMessage{raw},
	})
	if err != nil {
		t.Fatalf("IngestRecords: %v", err)
	}
	return res
}

func TestEmbeddingHandlerEmbedsAndIndexes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingested := ingestOne(t, store, rawMail("m-1", "Quarterly numbers attached. Please confirm.", 0.2, false))
	job := claimJob(t, store, domain.JobTypeBuildEmbeddings)

	index := &fakeIndex{}
	handler := NewEmbeddingHandler(store.Chunks, store.Activities, &fakeProvider{dims: 3}, index, 8)
	out, err := handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res := out.(*EmbeddingJobResult); res.Embedded != 1 || !res.Indexed {
		t.Errorf("result = %+v", res)
	}

	chunks, err := store.Chunks.ListByActivity(ctx, ingested.ActivityIDs[0])
	if err != nil {
		t.Fatalf("ListByActivity: %v", err)
	}
	if chunks[0].Status != domain.ChunkStatusEmbedded || len(chunks[0].Embedding) != 3 {
		t.Errorf("chunk = %+v", chunks[0])
	}
	if len(index.points) != 1 || index.points[0].Payload.Source != "mail" || index.points[0].Payload.OccurredAt == 0 {
		t.Errorf("indexed = %+v", index.points)
	}
}

func TestEmbeddingHandlerMismatchMarksError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingested := ingestOne(t, store, rawMail("m-1", "Short body.", 0.2, false))
	job := claimJob(t, store, domain.JobTypeBuildEmbeddings)

	handler := NewEmbeddingHandler(store.Chunks, store.Activities, &fakeProvider{dims: 3, short: true}, nil, 8)
	_, err := handler.Handle(ctx, job)
	if err == nil || !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent mismatch", err)
	}

	chunks, err := store.Chunks.ListByActivity(ctx, ingested.ActivityIDs[0])
	if err != nil {
		t.Fatalf("ListByActivity: %v", err)
	}
	if chunks[0].Status != domain.ChunkStatusError || chunks[0].LastError == nil {
		t.Errorf("chunk = %+v, want error with message", chunks[0])
	}
}

func TestEmbeddingHandlerRetryResetsErroredChunks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingested := ingestOne(t, store, rawMail("m-1", "Retry me.", 0.2, false))
	job := claimJob(t, store, domain.JobTypeBuildEmbeddings)

	provider := &fakeProvider{dims: 2, err: domain.Transient(errors.New("provider unavailable"))}
	handler := NewEmbeddingHandler(store.Chunks, store.Activities, provider, nil, 8)
	if _, err := handler.Handle(ctx, job); err == nil || domain.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}

	provider.err = nil
	retry := *job
	retry.Attempts = 2
	out, err := handler.Handle(ctx, &retry)
	if err != nil {
		t.Fatalf("retry Handle: %v", err)
	}
	if res := out.(*EmbeddingJobResult); res.Reset != 1 || res.Embedded != 1 {
		t.Errorf("retry result = %+v", res)
	}
	chunks, _ := store.Chunks.ListByActivity(ctx, ingested.ActivityIDs[0])
	if chunks[0].Status != domain.ChunkStatusEmbedded || chunks[0].LastError != nil {
		t.Errorf("chunk = %+v", chunks[0])
	}
}

func TestEmbeddingHandlerDimensionMismatchIsPermanent(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		index    *fakeIndex
	}{
		{
			name:     "provider returns wrong width",
			provider: &fakeProvider{dims: 3, width: 2},
			index:    &fakeIndex{},
		},
		{
			name:     "collection rejects vectors",
			provider: &fakeProvider{dims: 3},
			index:    &fakeIndex{err: domain.NewConfigurationError("chunk c: vector size 3, collection expects 1024")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			ingested := ingestOne(t, store, rawMail("m-1", "Quarterly numbers attached.", 0.2, false))
			job := claimJob(t, store, domain.JobTypeBuildEmbeddings)

			handler := NewEmbeddingHandler(store.Chunks, store.Activities, tc.provider, tc.index, 8)
			_, err := handler.Handle(ctx, job)
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) || !domain.IsPermanent(err) {
				t.Fatalf("err = %v, want permanent ConfigurationError", err)
			}
			if len(tc.index.points) != 0 {
				t.Errorf("indexed %d points", len(tc.index.points))
			}
			chunks, _ := store.Chunks.ListByActivity(ctx, ingested.ActivityIDs[0])
			if len(chunks) == 0 || chunks[0].Status != domain.ChunkStatusError {
				t.Errorf("chunks = %+v", chunks)
			}
		})
	}
}

func TestEmbeddingHandlerWithoutProvider(t *testing.T) {
	store := newTestStore(t)
	handler := NewEmbeddingHandler(store.Chunks, store.Activities, nil, nil, 0)
	_, err := handler.Handle(context.Background(), &domain.Job{ID: "j", TenantID: "acme", Type: domain.JobTypeBuildEmbeddings})
	if err == nil || !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestPrioritizeHandlerEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Contacts.Upsert(ctx, &domain.Contact{TenantID: "acme", Identifier: "Me@acme.example", IsSelf: true, Importance: 0.5}); err != nil {
		t.Fatalf("Upsert contact: %v", err)
	}
	ingested := ingestOne(t, store, rawMail("m-1", "Sign the contract today.", 0.9, true))
	job := claimJob(t, store, domain.JobTypePrioritize)

	notifier := &recordingNotifier{}
	engine := NewPriorityEngine(defaultPriorityConfig(), store.Contacts, store.Escalations, notifier)
	handler := NewPrioritizeHandler(store.Activities, engine)

	out, err := handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := out.(*PrioritizeJobResult)
	if res.Evaluated != 1 || res.Escalated != 1 || res.Notified != 1 {
		t.Fatalf("result = %+v", res)
	}
	decision := res.Decisions[ingested.ActivityIDs[0]]
	if decision.Label != domain.LabelCritical || decision.EscalationID == "" {
		t.Errorf("decision = %+v", decision)
	}
	if notifier.sent[0].Recipient != "me@acme.example" {
		t.Errorf("recipient = %q", notifier.sent[0].Recipient)
	}

	out, err = handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if res := out.(*PrioritizeJobResult); res.Escalated != 0 || res.Notified != 0 {
		t.Errorf("second result = %+v", res)
	}

	rows, err := store.Escalations.ListByActivity(ctx, ingested.ActivityIDs[0])
	if err != nil {
		t.Fatalf("ListByActivity: %v", err)
	}
	if len(rows) != 1 || rows[0].NotifiedAt == nil {
		t.Errorf("escalations = %+v", rows)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.sent))
	}
}

// scriptedNotifier fails dispatches in order with errs, then succeeds.
type scriptedNotifier struct {
	errs []error
	sent []NotificationRequest
}

func (s *scriptedNotifier) Dispatch(_ context.Context, req NotificationRequest) error {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, req)
	return nil
}

func ingestCritical(t *testing.T, store *repository.Store) []string {
	t.Helper()
	res, err := newTestIngestService(t, store).IngestRecords(context.Background(), IngestBatch{
		TenantID: "acme",
		Source:   domain.SourceMail,
		Records: []json.RawMessage{
			rawMail("m-1", "Sign the contract today.", 0.9, true),
			rawMail("m-2", "Production is down, call me.", 1, true),
		},
	})
	if err != nil {
		t.Fatalf("IngestRecords: %v", err)
	}
	if len(res.ActivityIDs) != 2 {
		t.Fatalf("activity ids = %v", res.ActivityIDs)
	}
	return res.ActivityIDs
}

func TestPrioritizeHandlerIsolatesRejectedNotification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := ingestCritical(t, store)
	job := claimJob(t, store, domain.JobTypePrioritize)

	notifier := &scriptedNotifier{errs: []error{domain.StatusError("notify", 400, "bad tag")}}
	engine := NewPriorityEngine(defaultPriorityConfig(), store.Contacts, store.Escalations, notifier)
	handler := NewPrioritizeHandler(store.Activities, engine)

	out, err := handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := out.(*PrioritizeJobResult)
	if res.Evaluated != 2 || res.Escalated != 2 || res.Notified != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}

	var rejected, notified int
	for _, id := range ids {
		decision := res.Decisions[id]
		if decision.EscalationID == "" {
			t.Errorf("decision %s has no escalation: %+v", id, decision)
		}
		rows, err := store.Escalations.ListByActivity(ctx, id)
		if err != nil {
			t.Fatalf("ListByActivity: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("escalations for %s = %+v", id, rows)
		}
		switch {
		case rows[0].NotifiedAt != nil:
			notified++
			if decision.Error != "" {
				t.Errorf("notified decision carries error %q", decision.Error)
			}
		case rows[0].NotifyError != nil:
			rejected++
			if !strings.Contains(decision.Error, "status 400") || !strings.Contains(*rows[0].NotifyError, "status 400") {
				t.Errorf("decision error = %q, stored = %q", decision.Error, *rows[0].NotifyError)
			}
			if rows[0].Status != domain.EscalationPending {
				t.Errorf("rejected escalation status = %s", rows[0].Status)
			}
		}
	}
	if notified != 1 || rejected != 1 {
		t.Errorf("notified = %d, rejected = %d", notified, rejected)
	}

	// A rerun does not dispatch the rejected notification again.
	out, err = handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if res := out.(*PrioritizeJobResult); res.Notified != 0 || res.Failed != 0 {
		t.Errorf("second result = %+v", res)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.sent))
	}
}

func TestPrioritizeHandlerRetriesTransientNotification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := ingestCritical(t, store)
	job := claimJob(t, store, domain.JobTypePrioritize)

	notifier := &scriptedNotifier{errs: []error{domain.StatusError("notify", 503, "")}}
	engine := NewPriorityEngine(defaultPriorityConfig(), store.Contacts, store.Escalations, notifier)
	handler := NewPrioritizeHandler(store.Activities, engine)

	out, err := handler.Handle(ctx, job)
	if err == nil || domain.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if res := out.(*PrioritizeJobResult); res.Escalated != 2 || res.Notified != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The retry notifies only the escalation whose dispatch failed.
	out, err = handler.Handle(ctx, job)
	if err != nil {
		t.Fatalf("retry Handle: %v", err)
	}
	if res := out.(*PrioritizeJobResult); res.Escalated != 0 || res.Notified != 1 {
		t.Errorf("retry result = %+v", res)
	}
	for _, id := range ids {
		rows, err := store.Escalations.ListByActivity(ctx, id)
		if err != nil {
			t.Fatalf("ListByActivity: %v", err)
		}
		if len(rows) != 1 || rows[0].NotifiedAt == nil || rows[0].NotifyError != nil {
			t.Errorf("escalations for %s = %+v", id, rows)
		}
	}
	if len(notifier.sent) != 2 {
		t.Errorf("notifications = %d, want 2", len(notifier.sent))
	}
}

func TestPrioritizeHandlerReportsMissing(t *testing.T) {
	store := newTestStore(t)
	engine := NewPriorityEngine(defaultPriorityConfig(), store.Contacts, store.Escalations, &recordingNotifier{})
	handler := NewPrioritizeHandler(store.Activities, engine)

	job := &domain.Job{ID: "j", TenantID: "acme", Type: domain.JobTypePrioritize, Payload: []byte(`{"activity_ids":["nope"]}`)}
	out, err := handler.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res := out.(*PrioritizeJobResult); len(res.Missing) != 1 || res.Evaluated != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestDigestHandlerSummarizesRoutineWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	routine := ingestOne(t, store, rawMail("m-1", "Team lunch moved to Thursday.", 0.1, false))
	urgent := ingestOne(t, store, rawMail("m-2", "Server is down.", 1, true))

	if _, _, err := store.Escalations.CreateIfNoActive(ctx, &domain.Escalation{
		TenantID:   "acme",
		ActivityID: urgent.ActivityIDs[0],
		Score:      0.9,
		Label:      domain.LabelCritical,
		Channel:    domain.ChannelFocusPager,
	}); err != nil {
		t.Fatalf("CreateIfNoActive: %v", err)
	}

	gen := &fakeGenerator{}
	handler := NewDigestHandler(store.Activities, gen, 24*time.Hour, 10)
	handler.now = func() time.Time { return time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC) }

	out, err := handler.Handle(ctx, &domain.Job{ID: "j", TenantID: "acme", Type: domain.JobTypeGenerateDigest})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := out.(*DigestResult)
	if res.Count != 1 || res.ActivityIDs[0] != routine.ActivityIDs[0] {
		t.Fatalf("result = %+v, want only the routine activity", res)
	}
	if res.Text != "1 routine messages" || gen.items[0].Sender != "Boss" {
		t.Errorf("text = %q, items = %+v", res.Text, gen.items)
	}
}

func TestDigestHandlerEmptyWindowSkipsGenerator(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	handler := NewDigestHandler(store.Activities, gen, time.Hour, 10)

	out, err := handler.Handle(context.Background(), &domain.Job{ID: "j", TenantID: "acme", Type: domain.JobTypeGenerateDigest})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res := out.(*DigestResult); res.Count != 0 || gen.calls != 0 {
		t.Errorf("result = %+v, generator calls = %d", res, gen.calls)
	}
}

func TestDigestUserPromptListsItems(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prompt := prompts.DigestUserPrompt(since, since.Add(24*time.Hour), []prompts.DigestItem{
		{OccurredAt: since.Add(time.Hour), Source: "mail", Sender: "Boss", Subject: "Lunch"},
		{OccurredAt: since.Add(2 * time.Hour), Source: "chat", Preview: "ping"},
	})
	for _, want := range []string{"1. [mail]", "from Boss - Lunch", "2. [chat]", "unknown sender", "ping"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
