package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/timmy/triage/internal/domain"
)

var queueEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*JobQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock(queueEpoch)
	return NewJobQueue(newTestDB(t), WithClock(clock.Now)), clock
}

func mustEnqueue(t *testing.T, q *JobQueue, req EnqueueRequest) *domain.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func mustClaim(t *testing.T, q *JobQueue, filter ClaimFilter) *domain.Job {
	t.Helper()
	job, err := q.ClaimNext(context.Background(), filter)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return job
}

func TestEnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t)

	job := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize})

	if job.Status != domain.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.Priority != 0 || job.MaxAttempts != 3 || job.Attempts != 0 {
		t.Errorf("unexpected defaults: priority=%d max=%d attempts=%d", job.Priority, job.MaxAttempts, job.Attempts)
	}
	if !job.ScheduledAt.Equal(queueEpoch) {
		t.Errorf("scheduled_at = %v, want %v", job.ScheduledAt, queueEpoch)
	}
	if string(job.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", job.Payload)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{TenantID: "acme", Type: "ingest_fax"})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestClaimNextOrdering(t *testing.T) {
	q, clock := newTestQueue(t)

	low := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize})
	clock.Advance(time.Second)
	high := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize, Priority: 10})
	clock.Advance(time.Second)
	later := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize})
	future := mustEnqueue(t, q, EnqueueRequest{
		TenantID:    "acme",
		Type:        domain.JobTypePrioritize,
		Priority:    100,
		ScheduledAt: clock.Now().Add(time.Hour),
	})

	want := []string{high.ID, low.ID, later.ID}
	for i, id := range want {
		job := mustClaim(t, q, ClaimFilter{TenantID: "acme"})
		if job == nil {
			t.Fatalf("claim %d: got no job", i)
		}
		if job.ID != id {
			t.Errorf("claim %d: got %s, want %s", i, job.ID, id)
		}
		if job.Status != domain.JobStatusProcessing || job.Attempts != 1 || job.StartedAt == nil {
			t.Errorf("claim %d: unexpected state %+v", i, job)
		}
	}

	if job := mustClaim(t, q, ClaimFilter{TenantID: "acme"}); job != nil {
		t.Fatalf("claimed %s before it was scheduled", job.ID)
	}

	clock.Advance(time.Hour)
	if job := mustClaim(t, q, ClaimFilter{TenantID: "acme"}); job == nil || job.ID != future.ID {
		t.Fatalf("expected delayed job once eligible, got %+v", job)
	}
}

func TestClaimNextFilters(t *testing.T) {
	q, _ := newTestQueue(t)

	mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeIngestMail})
	embed := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings})
	other := mustEnqueue(t, q, EnqueueRequest{TenantID: "globex", Type: domain.JobTypeIngestMail})

	tests := []struct {
		name   string
		filter ClaimFilter
		want   string
	}{
		{name: "by type", filter: ClaimFilter{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings}, want: embed.ID},
		{name: "by tenant", filter: ClaimFilter{TenantID: "globex"}, want: other.ID},
		{name: "nothing left of type", filter: ClaimFilter{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings}, want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			job := mustClaim(t, q, tc.filter)
			got := ""
			if job != nil {
				got = job.ID
			}
			if got != tc.want {
				t.Errorf("claimed %q, want %q", got, tc.want)
			}
		})
	}
}

// claimConcurrently runs callers ClaimNext calls at once and returns the IDs
// they won.
func claimConcurrently(t *testing.T, q *JobQueue, filter ClaimFilter, callers int) []string {
	t.Helper()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := q.ClaimNext(context.Background(), filter)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if claimed != nil {
				winners = append(winners, claimed.ID)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	return winners
}

func TestClaimNextExactlyOneWinner(t *testing.T) {
	clock := newFakeClock(queueEpoch)
	q := NewJobQueue(newTestDBWithPool(t, 8), WithClock(clock.Now))

	for round := 0; round < 5; round++ {
		job := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings})

		winners := claimConcurrently(t, q, ClaimFilter{TenantID: "acme"}, 16)
		if len(winners) != 1 || winners[0] != job.ID {
			t.Fatalf("round %d: winners = %v, want exactly [%s]", round, winners, job.ID)
		}

		stored, err := q.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.Attempts != 1 || stored.Status != domain.JobStatusProcessing {
			t.Errorf("round %d: stored = %+v", round, stored)
		}
	}
}

func TestClaimNextSplitsBacklogWithoutDuplicates(t *testing.T) {
	clock := newFakeClock(queueEpoch)
	q := NewJobQueue(newTestDBWithPool(t, 8), WithClock(clock.Now))

	const jobs = 12
	want := make(map[string]bool, jobs)
	for i := 0; i < jobs; i++ {
		want[mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize}).ID] = true
	}

	winners := claimConcurrently(t, q, ClaimFilter{}, 24)
	seen := make(map[string]bool, len(winners))
	for _, id := range winners {
		if seen[id] {
			t.Fatalf("job %s claimed twice", id)
		}
		if !want[id] {
			t.Fatalf("claimed unknown job %s", id)
		}
		seen[id] = true
	}
	// A caller only comes back empty after losing every round, so most of the
	// backlog is taken in one pass and the rest by a sequential drain.
	for {
		job := mustClaim(t, q, ClaimFilter{})
		if job == nil {
			break
		}
		if seen[job.ID] {
			t.Fatalf("job %s claimed twice", job.ID)
		}
		seen[job.ID] = true
	}
	if len(seen) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func TestFailBacksOffThenExhausts(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	job := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings})
	cause := domain.Transient(errors.New("provider unavailable"))

	for attempt := 1; attempt < 3; attempt++ {
		claimed := mustClaim(t, q, ClaimFilter{})
		if claimed == nil || claimed.Attempts != attempt {
			t.Fatalf("attempt %d: claimed %+v", attempt, claimed)
		}

		failedAt := clock.Now()
		after, err := q.Fail(ctx, job.ID, cause)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if after.Status != domain.JobStatusPending {
			t.Fatalf("attempt %d: status = %s, want pending", attempt, after.Status)
		}
		if after.StartedAt != nil {
			t.Errorf("attempt %d: started_at not cleared", attempt)
		}
		floor := failedAt.Add(time.Duration(1<<uint(attempt-1)) * time.Minute)
		if !after.ScheduledAt.After(floor) {
			t.Errorf("attempt %d: scheduled_at %v not after %v", attempt, after.ScheduledAt, floor)
		}
		if after.LastError != "provider unavailable" {
			t.Errorf("attempt %d: last_error = %q", attempt, after.LastError)
		}

		if early := mustClaim(t, q, ClaimFilter{}); early != nil {
			t.Fatalf("attempt %d: job reclaimed during backoff", attempt)
		}
		clock.Advance(Backoff(attempt))
	}

	if claimed := mustClaim(t, q, ClaimFilter{}); claimed == nil || claimed.Attempts != 3 {
		t.Fatalf("final claim: %+v", claimed)
	}
	final, err := q.Fail(ctx, job.ID, cause)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if final.Status != domain.JobStatusFailed || final.CompletedAt == nil {
		t.Fatalf("final status = %s, want failed", final.Status)
	}

	clock.Advance(24 * time.Hour)
	if again := mustClaim(t, q, ClaimFilter{}); again != nil {
		t.Fatalf("failed job reclaimed: %+v", again)
	}
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{name: "permanent", cause: domain.Permanent(errors.New("schema rejected"))},
		{name: "configuration", cause: domain.NewConfigurationError("no handler for %s", domain.JobTypeGenerateDigest)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, _ := newTestQueue(t)
			job := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeGenerateDigest})
			mustClaim(t, q, ClaimFilter{})

			after, err := q.Fail(context.Background(), job.ID, tc.cause)
			if err != nil {
				t.Fatalf("Fail: %v", err)
			}
			if after.Status != domain.JobStatusFailed || after.Attempts != 1 {
				t.Errorf("status=%s attempts=%d, want failed after one attempt", after.Status, after.Attempts)
			}
			if after.LastError != tc.cause.Error() {
				t.Errorf("last_error = %q", after.LastError)
			}
		})
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	job := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeIngestChat})

	if err := q.Complete(ctx, job.ID, nil); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completing a pending job: err = %v, want ErrInvalidTransition", err)
	}

	mustClaim(t, q, ClaimFilter{})
	result := map[string]int{"stored": 4}
	if err := q.Complete(ctx, job.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Complete(ctx, job.ID, result); err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != domain.JobStatusCompleted || stored.CompletedAt == nil {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if string(stored.Result) != `{"stored":4}` {
		t.Errorf("result = %s", stored.Result)
	}

	if _, err := q.Fail(ctx, job.ID, errors.New("late")); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("failing a completed job: err = %v, want ErrInvalidTransition", err)
	}
	if err := q.Complete(ctx, "missing", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("completing a missing job: err = %v, want ErrNotFound", err)
	}
}

func TestRequeueStuck(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	retryable := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings, Priority: 2})
	lastTry := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypeBuildEmbeddings, Priority: 1, MaxAttempts: 1})
	mustClaim(t, q, ClaimFilter{})
	mustClaim(t, q, ClaimFilter{})

	clock.Advance(10 * time.Minute)
	fresh := mustEnqueue(t, q, EnqueueRequest{TenantID: "acme", Type: domain.JobTypePrioritize})
	mustClaim(t, q, ClaimFilter{})

	clock.Advance(25 * time.Minute)
	res, err := q.RequeueStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStuck: %v", err)
	}
	if res.Requeued != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 requeued and 1 failed", res)
	}

	want := map[string]domain.JobStatus{
		retryable.ID: domain.JobStatusPending,
		lastTry.ID:   domain.JobStatusFailed,
		fresh.ID:     domain.JobStatusProcessing,
	}
	for id, status := range want {
		job, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.Status != status {
			t.Errorf("job %s status = %s, want %s", id, job.Status, status)
		}
	}

	stats, err := q.Stats(ctx, "acme")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[domain.JobStatusPending] != 1 || stats[domain.JobStatusFailed] != 1 || stats[domain.JobStatusProcessing] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: time.Minute},
		{attempts: 1, want: 2 * time.Minute},
		{attempts: 3, want: 8 * time.Minute},
		{attempts: 40, want: time.Duration(1<<16) * time.Minute},
	}
	for _, tc := range tests {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}
