package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

// PrioritizeHandler runs the priority engine over new activities. It handles
// prioritize jobs.
type PrioritizeHandler struct {
	activities *repository.ActivityRepository
	engine     *PriorityEngine
	now        func() time.Time
}

// NewPrioritizeHandler creates a PrioritizeHandler.
func NewPrioritizeHandler(activities *repository.ActivityRepository, engine *PriorityEngine) *PrioritizeHandler {
	return &PrioritizeHandler{
		activities: activities,
		engine:     engine,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// PrioritizeJobResult is stored as the result of a prioritize job.
type PrioritizeJobResult struct {
	Evaluated int                       `json:"evaluated"`
	Escalated int                       `json:"escalated"`
	Notified  int                       `json:"notified"`
	Failed    int                       `json:"failed"`
	Missing   []string                  `json:"missing,omitempty"`
	Decisions map[string]DecisionRecord `json:"decisions"`
}

// DecisionRecord is the per-activity summary kept in the job result.
type DecisionRecord struct {
	Score        float64              `json:"score"`
	Label        domain.PriorityLabel `json:"label"`
	Channel      domain.Channel       `json:"channel"`
	Reasons      []string             `json:"reasons"`
	EscalationID string               `json:"escalation_id,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Handle escalates each activity of the payload. A failure on one activity is
// recorded in its decision and does not stop the others. The job is retried
// only when some activity failed transiently; escalation is idempotent per
// activity, so the retry skips what it already escalated and notified.
func (h *PrioritizeHandler) Handle(ctx context.Context, job *domain.Job) (interface{}, error) {
	var payload PrioritizePayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}

	activities, err := h.activities.ListByIDs(ctx, job.TenantID, payload.ActivityIDs)
	if err != nil {
		return nil, err
	}

	result := &PrioritizeJobResult{Decisions: make(map[string]DecisionRecord, len(activities))}
	found := make(map[string]struct{}, len(activities))
	var transient []error
	now := h.now()
	for i := range activities {
		activity := &activities[i]
		found[activity.ID] = struct{}{}
		actx := logger.SetActivityID(ctx, activity.ID)

		outcome, err := h.engine.Escalate(actx, activity, now)
		var record DecisionRecord
		if outcome != nil {
			result.Evaluated++
			record = DecisionRecord{
				Score:   outcome.Decision.Score,
				Label:   outcome.Decision.Label,
				Channel: outcome.Decision.Channel,
				Reasons: outcome.Decision.Reasons,
			}
			if outcome.Escalation != nil {
				record.EscalationID = outcome.Escalation.ID
			}
			if outcome.Created {
				result.Escalated++
			}
			if outcome.Notified {
				result.Notified++
			}
		}
		if err != nil {
			result.Failed++
			record.Error = err.Error()
			if domain.IsPermanent(err) {
				logger.CtxError(actx, "Escalation failed permanently: %v", err)
			} else {
				logger.CtxWarn(actx, "Escalation failed, will retry: %v", err)
				transient = append(transient, fmt.Errorf("activity %s: %w", activity.ID, err))
			}
		}
		result.Decisions[activity.ID] = record
	}

	for _, id := range payload.ActivityIDs {
		if _, ok := found[id]; !ok {
			result.Missing = append(result.Missing, id)
		}
	}
	if len(result.Missing) > 0 {
		logger.CtxWarn(ctx, "Prioritize skipped %d unknown activities", len(result.Missing))
	}
	if len(transient) > 0 {
		return result, domain.Transient(errors.Join(transient...))
	}
	return result, nil
}
