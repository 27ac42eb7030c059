package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/repository"
)

const (
	ReasonRequiresResponse = "Requires response"
	ReasonHighUrgency      = "High urgency score"
	ReasonModerateUrgency  = "Moderate urgency score"
	ReasonPastDue          = "Past due"
	ReasonDueSoon          = "Due soon"
	ReasonImportantSender  = "Important sender"
	ReasonDirectMention    = "Direct mention"

	neutralSenderImportance = 0.5
	notificationBodyRunes   = 140
)

// ContactDirectory resolves participant identities for a tenant.
type ContactDirectory interface {
	FindByIdentifiers(ctx context.Context, tenantID string, identifiers []string) (map[string]domain.Contact, error)
	SelfIdentities(ctx context.Context, tenantID string) ([]domain.Contact, error)
}

// EscalationStore is the persistence the engine needs for escalations.
type EscalationStore interface {
	CreateIfNoActive(ctx context.Context, esc *domain.Escalation) (*domain.Escalation, bool, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	RecordNotifyFailure(ctx context.Context, id, message string) error
}

// Signal is one scoring input and what it added to the score.
type Signal struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
}

// Decision is the engine's verdict for one activity.
type Decision struct {
	Score   float64              `json:"score"`
	Label   domain.PriorityLabel `json:"label"`
	Channel domain.Channel       `json:"channel"`
	Reasons []string             `json:"reasons"`
	Signals []Signal             `json:"signals"`
}

// EscalationOutcome reports what Escalate did.
type EscalationOutcome struct {
	Decision   Decision           `json:"decision"`
	Escalation *domain.Escalation `json:"escalation,omitempty"`
	Created    bool               `json:"created"`
	Notified   bool               `json:"notified"`

	// NotifyError is set when the notification could not be dispatched.
	NotifyError string `json:"notify_error,omitempty"`
}

// PriorityEngine scores activities and raises escalations.
type PriorityEngine struct {
	cfg         config.PriorityConfig
	contacts    ContactDirectory
	escalations EscalationStore
	notifier    Notifier
}

// NewPriorityEngine creates a PriorityEngine.
// Parameters:
//   - cfg: weights and thresholds.
//   - contacts: sender importance and self identity lookup.
//   - escalations: escalation persistence.
//   - notifier: notification dispatcher for interrupting channels.
// Returns:
//   - *PriorityEngine: engine instance.
func NewPriorityEngine(cfg config.PriorityConfig, contacts ContactDirectory, escalations EscalationStore, notifier Notifier) *PriorityEngine {
	return &PriorityEngine{
		cfg:         cfg,
		contacts:    contacts,
		escalations: escalations,
		notifier:    notifier,
	}
}

// Evaluate scores activity at the instant now. The result depends only on the
// activity, the contact directory and now.
func (e *PriorityEngine) Evaluate(ctx context.Context, activity *domain.Activity, now time.Time) (Decision, error) {
	identifiers := make([]string, 0, len(activity.Participants))
	for _, p := range activity.Participants {
		identifiers = append(identifiers, p.Identifier)
	}
	known, err := e.contacts.FindByIdentifiers(ctx, activity.TenantID, identifiers)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve participants: %w", err)
	}

	var signals []Signal
	var reasons []string
	add := func(name string, contribution float64, reason string) {
		if contribution <= 0 {
			return
		}
		signals = append(signals, Signal{Name: name, Contribution: contribution})
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	cfg := e.cfg
	meta := activity.Metadata

	if meta.RequiresResponse {
		add("requires_response", cfg.RequiresResponseWeight, ReasonRequiresResponse)
	}

	urgency := clamp01(meta.Urgency)
	if urgency >= cfg.HighUrgency {
		add("urgency", cfg.UrgencyWeight*urgency, ReasonHighUrgency)
	} else {
		add("urgency", cfg.UrgencyWeight*urgency, ReasonModerateUrgency)
	}

	if meta.DueAt != nil {
		switch until := meta.DueAt.Sub(now); {
		case until <= 0:
			add("due_at", cfg.OverdueWeight, ReasonPastDue)
		case until <= cfg.DueSoonWindow:
			add("due_at", cfg.DueSoonWeight, ReasonDueSoon)
		}
	}

	importance := neutralSenderImportance
	if sender, ok := activity.Sender(); ok {
		if c, found := known[repository.NormalizeIdentifier(sender.Identifier)]; found {
			importance = clamp01(c.Importance)
		}
	}
	senderReason := ""
	if importance >= cfg.ImportantSender {
		senderReason = ReasonImportantSender
	}
	add("sender_importance", cfg.SenderWeight*importance, senderReason)

	for _, p := range activity.Participants.WithRole(domain.RoleMentioned) {
		if c, found := known[repository.NormalizeIdentifier(p.Identifier)]; found && c.IsSelf {
			add("direct_mention", cfg.MentionWeight, ReasonDirectMention)
			break
		}
	}

	var score float64
	for _, s := range signals {
		score += s.Contribution
	}
	score = math.Round(clamp01(score)*1e4) / 1e4

	label := e.Label(score)
	if reasons == nil {
		reasons = []string{}
	}
	return Decision{
		Score:   score,
		Label:   label,
		Channel: e.Channel(label, score),
		Reasons: reasons,
		Signals: signals,
	}, nil
}

// Label maps a score to its label using the configured thresholds.
func (e *PriorityEngine) Label(score float64) domain.PriorityLabel {
	switch {
	case score >= e.cfg.CriticalThreshold:
		return domain.LabelCritical
	case score >= e.cfg.ImportantThreshold:
		return domain.LabelImportant
	default:
		return domain.LabelRoutine
	}
}

// Channel picks the delivery channel. Critical items above the intrusive
// threshold go to sms; other escalating items go to the focus pager.
func (e *PriorityEngine) Channel(label domain.PriorityLabel, score float64) domain.Channel {
	switch label {
	case domain.LabelCritical:
		if score > e.cfg.IntrusiveThreshold {
			return domain.ChannelSMS
		}
		return domain.ChannelFocusPager
	case domain.LabelImportant:
		return domain.ChannelFocusPager
	default:
		return domain.ChannelDigest
	}
}

// Escalate evaluates activity and, for critical or important labels, creates
// its escalation unless a live one exists. A pending escalation that has not
// been notified yet is dispatched and then marked notified, so a retry after a
// transient dispatch failure notifies without escalating twice. A permanent
// dispatch failure is stored on the escalation and never retried.
// On a dispatch failure the outcome is returned together with the error.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - activity: activity to evaluate.
//   - now: evaluation instant.
// Returns:
//   - *EscalationOutcome: decision and the escalation, if any.
//   - error: storage or dispatch failure, classified for the queue.
func (e *PriorityEngine) Escalate(ctx context.Context, activity *domain.Activity, now time.Time) (*EscalationOutcome, error) {
	decision, err := e.Evaluate(ctx, activity, now)
	if err != nil {
		return nil, err
	}
	outcome := &EscalationOutcome{Decision: decision}
	if !decision.Label.Escalates() {
		return outcome, nil
	}

	esc, created, err := e.escalations.CreateIfNoActive(ctx, &domain.Escalation{
		TenantID:   activity.TenantID,
		ActivityID: activity.ID,
		Score:      decision.Score,
		Label:      decision.Label,
		Reasons:    domain.StringArray(decision.Reasons),
		Channel:    decision.Channel,
		Status:     domain.EscalationPending,
	})
	if err != nil {
		return nil, err
	}
	outcome.Escalation = esc
	outcome.Created = created

	if created {
		logger.With(logger.Fields{
			"escalation_id": esc.ID,
			"score":         esc.Score,
			"label":         esc.Label,
			"channel":       esc.Channel,
		}).Info(ctx, "Escalation created")
	}

	if esc.Status != domain.EscalationPending || esc.NotifiedAt != nil || esc.NotifyError != nil || !esc.Channel.Interrupts() {
		return outcome, nil
	}

	req, err := e.notificationFor(ctx, activity, esc)
	if err != nil {
		return outcome, err
	}
	if err := e.notifier.Dispatch(ctx, req); err != nil {
		err = fmt.Errorf("dispatch notification %s: %w", req.Tag, err)
		outcome.NotifyError = err.Error()
		if domain.IsPermanent(err) {
			if rerr := e.escalations.RecordNotifyFailure(ctx, esc.ID, outcome.NotifyError); rerr != nil {
				return outcome, fmt.Errorf("record notify failure for escalation %s: %w", esc.ID, rerr)
			}
			message := outcome.NotifyError
			esc.NotifyError = &message
		}
		return outcome, err
	}
	if err := e.escalations.MarkNotified(ctx, esc.ID, now); err != nil {
		return outcome, fmt.Errorf("mark escalation %s notified: %w", esc.ID, err)
	}
	notifiedAt := now.UTC()
	esc.NotifiedAt = &notifiedAt
	outcome.Notified = true
	return outcome, nil
}

func (e *PriorityEngine) notificationFor(ctx context.Context, activity *domain.Activity, esc *domain.Escalation) (NotificationRequest, error) {
	selves, err := e.contacts.SelfIdentities(ctx, activity.TenantID)
	if err != nil {
		return NotificationRequest{}, fmt.Errorf("resolve recipient: %w", err)
	}
	recipient := activity.TenantID
	if len(selves) > 0 {
		recipient = selves[0].Identifier
	}

	title := "Important Message"
	if esc.Label == domain.LabelCritical {
		title = "Critical Alert"
	}
	body := activity.Subject
	if body == "" {
		body = activity.Preview
	}

	return NotificationRequest{
		TenantID:           activity.TenantID,
		EscalationID:       esc.ID,
		ActivityID:         activity.ID,
		Recipient:          recipient,
		Channel:            esc.Channel,
		Title:              title,
		Body:               truncateRunes(collapseWhitespace(body), notificationBodyRunes),
		Tag:                "escalation-" + activity.ID,
		RequireInteraction: true,
		Score:              esc.Score,
		Reasons:            []string(esc.Reasons),
	}, nil
}
