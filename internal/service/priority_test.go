package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/repository"
)

func defaultPriorityConfig() config.PriorityConfig {
	return config.PriorityConfig{
		CriticalThreshold:      0.8,
		ImportantThreshold:     0.5,
		IntrusiveThreshold:     0.9,
		RequiresResponseWeight: 0.3,
		UrgencyWeight:          0.5,
		HighUrgency:            0.7,
		OverdueWeight:          0.2,
		DueSoonWeight:          0.1,
		DueSoonWindow:          24 * time.Hour,
		SenderWeight:           0.15,
		ImportantSender:        0.8,
		MentionWeight:          0.1,
	}
}

type fakeContacts struct {
	contacts []domain.Contact
	err      error
}

func (f *fakeContacts) FindByIdentifiers(_ context.Context, tenantID string, identifiers []string) (map[string]domain.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := make(map[string]struct{}, len(identifiers))
	for _, id := range identifiers {
		want[repository.NormalizeIdentifier(id)] = struct{}{}
	}
	out := make(map[string]domain.Contact)
	for _, c := range f.contacts {
		key := repository.NormalizeIdentifier(c.Identifier)
		if _, ok := want[key]; ok && c.TenantID == tenantID {
			out[key] = c
		}
	}
	return out, nil
}

func (f *fakeContacts) SelfIdentities(_ context.Context, tenantID string) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, c := range f.contacts {
		if c.IsSelf && c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeEscalations struct {
	rows         []*domain.Escalation
	creates      int
	notifiedErr  error
	markNotified int
}

func (f *fakeEscalations) CreateIfNoActive(_ context.Context, esc *domain.Escalation) (*domain.Escalation, bool, error) {
	for _, row := range f.rows {
		if row.ActivityID == esc.ActivityID && row.Status != domain.EscalationDismissed {
			return row, false, nil
		}
	}
	f.creates++
	created := *esc
	created.ID = "esc-" + esc.ActivityID
	f.rows = append(f.rows, &created)
	return &created, true, nil
}

func (f *fakeEscalations) MarkNotified(_ context.Context, id string, at time.Time) error {
	if f.notifiedErr != nil {
		return f.notifiedErr
	}
	for _, row := range f.rows {
		if row.ID == id && row.NotifiedAt == nil {
			stamp := at
			row.NotifiedAt = &stamp
			f.markNotified++
		}
	}
	return nil
}

func (f *fakeEscalations) RecordNotifyFailure(_ context.Context, id, message string) error {
	for _, row := range f.rows {
		if row.ID == id && row.NotifiedAt == nil {
			msg := message
			row.NotifyError = &msg
		}
	}
	return nil
}

type recordingNotifier struct {
	sent []NotificationRequest
	err  error
}

func (r *recordingNotifier) Dispatch(_ context.Context, req NotificationRequest) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, req)
	return nil
}

var evalNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func activityFixture(meta domain.ActivityMetadata) *domain.Activity {
	return &domain.Activity{
		ID:       "act-1",
		TenantID: "acme",
		Source:   domain.SourceMail,
		Subject:  "Contract renewal",
		Preview:  "Can you sign today?",
		Participants: domain.Participants{
			{Identifier: "legal@vendor.example", Role: domain.RoleSender},
			{Identifier: "me@acme.example", Role: domain.RoleRecipient},
		},
		Metadata: meta,
	}
}

func TestEvaluateRequiresResponseAndHighUrgency(t *testing.T) {
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, &fakeEscalations{}, &recordingNotifier{})

	decision, err := engine.Evaluate(context.Background(), activityFixture(domain.ActivityMetadata{
		RequiresResponse: true,
		Urgency:          0.9,
	}), evalNow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// 0.3 + 0.5*0.9 + 0.15*0.5 (unknown sender)
	if decision.Score != 0.825 {
		t.Errorf("score = %v, want 0.825", decision.Score)
	}
	if decision.Label != domain.LabelCritical {
		t.Errorf("label = %s, want critical", decision.Label)
	}
	if decision.Channel != domain.ChannelFocusPager {
		t.Errorf("channel = %s, want focus_pager", decision.Channel)
	}
	want := []string{ReasonRequiresResponse, ReasonHighUrgency}
	if !reflect.DeepEqual(decision.Reasons, want) {
		t.Errorf("reasons = %v, want %v", decision.Reasons, want)
	}
}

func TestEvaluateSignals(t *testing.T) {
	due := func(d time.Duration) *time.Time {
		at := evalNow.Add(d)
		return &at
	}

	tests := []struct {
		name        string
		meta        domain.ActivityMetadata
		contacts    []domain.Contact
		extra       []domain.Participant
		wantScore   float64
		wantLabel   domain.PriorityLabel
		wantChannel domain.Channel
		wantReasons []string
	}{
		{
			name:        "quiet message stays routine",
			meta:        domain.ActivityMetadata{Urgency: 0.1},
			wantScore:   0.125,
			wantLabel:   domain.LabelRoutine,
			wantChannel: domain.ChannelDigest,
			wantReasons: []string{ReasonModerateUrgency},
		},
		{
			name:        "no signals keeps only the neutral sender",
			meta:        domain.ActivityMetadata{},
			wantScore:   0.075,
			wantLabel:   domain.LabelRoutine,
			wantChannel: domain.ChannelDigest,
			wantReasons: []string{},
		},
		{
			name:        "past due",
			meta:        domain.ActivityMetadata{Urgency: 0.6, DueAt: due(-time.Hour)},
			wantScore:   0.575,
			wantLabel:   domain.LabelImportant,
			wantChannel: domain.ChannelFocusPager,
			wantReasons: []string{ReasonModerateUrgency, ReasonPastDue},
		},
		{
			name:        "due soon",
			meta:        domain.ActivityMetadata{Urgency: 0.8, DueAt: due(3 * time.Hour)},
			wantScore:   0.575,
			wantLabel:   domain.LabelImportant,
			wantChannel: domain.ChannelFocusPager,
			wantReasons: []string{ReasonHighUrgency, ReasonDueSoon},
		},
		{
			name:        "due far away adds nothing",
			meta:        domain.ActivityMetadata{Urgency: 0.8, DueAt: due(72 * time.Hour)},
			wantScore:   0.475,
			wantLabel:   domain.LabelRoutine,
			wantChannel: domain.ChannelDigest,
			wantReasons: []string{ReasonHighUrgency},
		},
		{
			name: "important sender and mention reach sms",
			meta: domain.ActivityMetadata{RequiresResponse: true, Urgency: 1, DueAt: due(-time.Minute)},
			contacts: []domain.Contact{
				{TenantID: "acme", Identifier: "legal@vendor.example", Importance: 1},
				{TenantID: "acme", Identifier: "me@acme.example", IsSelf: true, Importance: 0.5},
			},
			extra:       []domain.Participant{{Identifier: "ME@acme.example", Role: domain.RoleMentioned}},
			wantScore:   1,
			wantLabel:   domain.LabelCritical,
			wantChannel: domain.ChannelSMS,
			wantReasons: []string{ReasonRequiresResponse, ReasonHighUrgency, ReasonPastDue, ReasonImportantSender, ReasonDirectMention},
		},
		{
			name: "unimportant known sender pulls the score down",
			meta: domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.4},
			contacts: []domain.Contact{
				{TenantID: "acme", Identifier: "legal@vendor.example", Importance: 0},
			},
			wantScore:   0.5,
			wantLabel:   domain.LabelImportant,
			wantChannel: domain.ChannelFocusPager,
			wantReasons: []string{ReasonRequiresResponse, ReasonModerateUrgency},
		},
		{
			name: "mention of someone else is ignored",
			meta: domain.ActivityMetadata{Urgency: 0.2},
			contacts: []domain.Contact{
				{TenantID: "acme", Identifier: "bob@acme.example", Importance: 0.5},
			},
			extra:       []domain.Participant{{Identifier: "bob@acme.example", Role: domain.RoleMentioned}},
			wantScore:   0.175,
			wantLabel:   domain.LabelRoutine,
			wantChannel: domain.ChannelDigest,
			wantReasons: []string{ReasonModerateUrgency},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{contacts: tc.contacts}, &fakeEscalations{}, &recordingNotifier{})
			activity := activityFixture(tc.meta)
			activity.Participants = append(activity.Participants, tc.extra...)

			decision, err := engine.Evaluate(context.Background(), activity, evalNow)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if decision.Score != tc.wantScore {
				t.Errorf("score = %v, want %v", decision.Score, tc.wantScore)
			}
			if decision.Label != tc.wantLabel {
				t.Errorf("label = %s, want %s", decision.Label, tc.wantLabel)
			}
			if decision.Channel != tc.wantChannel {
				t.Errorf("channel = %s, want %s", decision.Channel, tc.wantChannel)
			}
			if !reflect.DeepEqual(decision.Reasons, tc.wantReasons) {
				t.Errorf("reasons = %v, want %v", decision.Reasons, tc.wantReasons)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, &fakeEscalations{}, &recordingNotifier{})
	due := evalNow.Add(2 * time.Hour)
	activity := activityFixture(domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.55, DueAt: &due})

	first, err := engine.Evaluate(context.Background(), activity, evalNow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := engine.Evaluate(context.Background(), activity, evalNow)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestEvaluateUsesConfiguredThresholds(t *testing.T) {
	cfg := defaultPriorityConfig()
	cfg.CriticalThreshold = 0.6
	cfg.ImportantThreshold = 0.3
	engine := NewPriorityEngine(cfg, &fakeContacts{}, &fakeEscalations{}, &recordingNotifier{})

	tests := []struct {
		score float64
		want  domain.PriorityLabel
	}{
		{0.6, domain.LabelCritical},
		{0.59, domain.LabelImportant},
		{0.3, domain.LabelImportant},
		{0.29, domain.LabelRoutine},
	}
	for _, tc := range tests {
		if got := engine.Label(tc.score); got != tc.want {
			t.Errorf("Label(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestEvaluatePropagatesDirectoryError(t *testing.T) {
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{err: errors.New("db down")}, &fakeEscalations{}, &recordingNotifier{})
	if _, err := engine.Evaluate(context.Background(), activityFixture(domain.ActivityMetadata{}), evalNow); err == nil {
		t.Fatal("expected error")
	}
}

func TestEscalateCreatesOnceAndNotifies(t *testing.T) {
	contacts := &fakeContacts{contacts: []domain.Contact{
		{TenantID: "acme", Identifier: "me@acme.example", IsSelf: true, Importance: 0.5},
	}}
	store := &fakeEscalations{}
	notifier := &recordingNotifier{}
	engine := NewPriorityEngine(defaultPriorityConfig(), contacts, store, notifier)
	activity := activityFixture(domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.9})

	outcome, err := engine.Escalate(context.Background(), activity, evalNow)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if !outcome.Created || !outcome.Notified {
		t.Fatalf("outcome = %+v, want created and notified", outcome)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(notifier.sent))
	}
	req := notifier.sent[0]
	if req.Title != "Critical Alert" || req.Tag != "escalation-act-1" || !req.RequireInteraction {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Recipient != "me@acme.example" || req.Body != "Contract renewal" {
		t.Errorf("recipient/body = %q/%q", req.Recipient, req.Body)
	}

	again, err := engine.Escalate(context.Background(), activity, evalNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if again.Created || again.Notified {
		t.Errorf("second outcome = %+v, want no-op", again)
	}
	if store.creates != 1 || len(notifier.sent) != 1 {
		t.Errorf("creates = %d, notifications = %d, want 1 and 1", store.creates, len(notifier.sent))
	}
}

func TestEscalateRoutineWritesNothing(t *testing.T) {
	store := &fakeEscalations{}
	notifier := &recordingNotifier{}
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, store, notifier)

	outcome, err := engine.Escalate(context.Background(), activityFixture(domain.ActivityMetadata{Urgency: 0.2}), evalNow)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if outcome.Escalation != nil || store.creates != 0 || len(notifier.sent) != 0 {
		t.Errorf("routine activity escalated: %+v", outcome)
	}
}

func TestEscalateRetriesFailedDispatchWithoutDuplicating(t *testing.T) {
	store := &fakeEscalations{}
	notifier := &recordingNotifier{err: domain.Transient(errors.New("gateway timeout"))}
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, store, notifier)
	activity := activityFixture(domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.6})

	_, err := engine.Escalate(context.Background(), activity, evalNow)
	if err == nil || domain.IsPermanent(err) {
		t.Fatalf("err = %v, want transient dispatch failure", err)
	}
	if store.creates != 1 {
		t.Fatalf("creates = %d, want 1", store.creates)
	}

	notifier.err = nil
	outcome, err := engine.Escalate(context.Background(), activity, evalNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("retry Escalate: %v", err)
	}
	if outcome.Created || !outcome.Notified {
		t.Errorf("retry outcome = %+v, want existing escalation notified", outcome)
	}
	if store.creates != 1 || len(notifier.sent) != 1 {
		t.Errorf("creates = %d, notifications = %d", store.creates, len(notifier.sent))
	}
	// No self identity: the tenant is the recipient.
	if notifier.sent[0].Recipient != "acme" || notifier.sent[0].Title != "Important Message" {
		t.Errorf("request = %+v", notifier.sent[0])
	}
}

func TestEscalateRecordsRejectedDispatch(t *testing.T) {
	store := &fakeEscalations{}
	notifier := &recordingNotifier{err: domain.StatusError("notify", 422, "unknown recipient")}
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, store, notifier)
	activity := activityFixture(domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.9})

	outcome, err := engine.Escalate(context.Background(), activity, evalNow)
	if !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent dispatch failure", err)
	}
	if outcome == nil || outcome.Escalation == nil || !outcome.Created || outcome.Notified {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.NotifyError, "status 422") {
		t.Errorf("notify error = %q", outcome.NotifyError)
	}
	row := store.rows[0]
	if row.NotifyError == nil || row.Status != domain.EscalationPending {
		t.Fatalf("row = %+v", row)
	}

	// The rejected notification is not dispatched again.
	notifier.err = nil
	outcome, err = engine.Escalate(context.Background(), activity, evalNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if outcome.Created || outcome.Notified || len(notifier.sent) != 0 {
		t.Errorf("second outcome = %+v, sent = %d", outcome, len(notifier.sent))
	}
}

func TestEscalateTruncatesNotificationBody(t *testing.T) {
	notifier := &recordingNotifier{}
	engine := NewPriorityEngine(defaultPriorityConfig(), &fakeContacts{}, &fakeEscalations{}, notifier)
	activity := activityFixture(domain.ActivityMetadata{RequiresResponse: true, Urgency: 0.9})
	activity.Subject = ""
	activity.Preview = strings.Repeat("word ", 60)

	if _, err := engine.Escalate(context.Background(), activity, evalNow); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := len([]rune(notifier.sent[0].Body)); got != notificationBodyRunes {
		t.Errorf("body runes = %d, want %d", got, notificationBodyRunes)
	}
}
