package service

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/timmy/triage/internal/domain"
)

//go:embed raw_record.schema.json
var rawRecordSchema []byte

const (
	rawRecordSchemaURL = "https://triage.local/schemas/raw-record.json"
	previewRunes       = 200
)

// NormalizeContext carries what the caller knows about a raw record.
type NormalizeContext struct {
	TenantID   string
	Source     domain.Source
	ReceivedAt time.Time
}

// NormalizedRecord is a canonical activity ready for persistence.
// Activity.ID is left empty; the caller assigns it when storing.
type NormalizedRecord struct {
	Activity   *domain.Activity
	StableHash string
	Raw        json.RawMessage
}

type rawParticipant struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Role       string `json:"role"`
}

type rawMetadata struct {
	Urgency          *float64   `json:"urgency"`
	RequiresResponse bool       `json:"requires_response"`
	DueAt            *time.Time `json:"due_at"`
	Topics           []string   `json:"topics"`
	ImportanceLabel  *string    `json:"importance_label"`
}

type rawRecord struct {
	SourceMessageID string              `json:"source_message_id"`
	OccurredAt      time.Time           `json:"occurred_at"`
	Subject         string              `json:"subject"`
	Preview         string              `json:"preview"`
	Body            *string             `json:"body"`
	BodyHTML        *string             `json:"body_html"`
	Participants    []rawParticipant    `json:"participants"`
	Attachments     []domain.Attachment `json:"attachments"`
	Metadata        rawMetadata         `json:"metadata"`
}

// Normalizer validates raw records and turns them into canonical activities.
// It is safe for concurrent use.
type Normalizer struct {
	schema *jsonschema.Schema
}

// NewNormalizer compiles the raw record schema.
func NewNormalizer() (*Normalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawRecordSchema))
	if err != nil {
		return nil, fmt.Errorf("parse raw record schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft2020)
	compiler.AssertFormat()
	if err := compiler.AddResource(rawRecordSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add raw record schema: %w", err)
	}
	schema, err := compiler.Compile(rawRecordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile raw record schema: %w", err)
	}
	return &Normalizer{schema: schema}, nil
}

// Normalize validates raw and builds the canonical record.
// Parameters:
//   - nctx: tenant, source and receive time.
//   - raw: the provider-neutral raw record as JSON.
// Returns:
//   - *NormalizedRecord: canonical activity and its stable hash.
//   - error: *domain.InvalidPayloadError listing every violated field, or a
//     ConfigurationError for a bad context.
func (n *Normalizer) Normalize(nctx NormalizeContext, raw []byte) (*NormalizedRecord, error) {
	if !nctx.Source.Valid() {
		return nil, domain.NewConfigurationError("unknown source %q", nctx.Source)
	}
	if nctx.TenantID == "" {
		return nil, domain.NewConfigurationError("normalize called without tenant")
	}

	if err := n.validate(raw); err != nil {
		return nil, err
	}

	var rec rawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &domain.InvalidPayloadError{Fields: []string{"/"}}
	}

	body, err := recordBody(rec)
	if err != nil {
		return nil, err
	}

	received := nctx.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	participants := make(domain.Participants, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		participants = append(participants, domain.Participant{
			Identifier:  strings.TrimSpace(p.Identifier),
			DisplayName: strings.TrimSpace(p.Name),
			Role:        domain.ParticipantRole(p.Role),
		})
	}

	preview := collapseWhitespace(rec.Preview)
	if preview == "" {
		preview = collapseWhitespace(body)
	}
	preview = truncateRunes(preview, previewRunes)

	meta := domain.ActivityMetadata{
		RequiresResponse: rec.Metadata.RequiresResponse,
		Topics:           normalizeTopics(rec.Metadata.Topics),
	}
	if rec.Metadata.Urgency != nil {
		meta.Urgency = clamp01(*rec.Metadata.Urgency)
	}
	if rec.Metadata.DueAt != nil {
		due := rec.Metadata.DueAt.UTC()
		meta.DueAt = &due
	}
	if rec.Metadata.ImportanceLabel != nil {
		meta.RawImportanceLabel = strings.TrimSpace(*rec.Metadata.ImportanceLabel)
	}

	attachments := domain.Attachments(rec.Attachments)
	if attachments == nil {
		attachments = domain.Attachments{}
	}

	hash := StableHash(nctx.Source, rec.SourceMessageID, rec.OccurredAt, participants, hashedBody(rec))

	activity := &domain.Activity{
		TenantID:        nctx.TenantID,
		Source:          nctx.Source,
		SourceMessageID: rec.SourceMessageID,
		OccurredAt:      rec.OccurredAt.UTC(),
		ReceivedAt:      received.UTC(),
		Subject:         strings.TrimSpace(rec.Subject),
		Preview:         preview,
		Body:            body,
		Participants:    participants,
		Attachments:     attachments,
		Metadata:        meta,
		StableHash:      hash,
	}

	return &NormalizedRecord{Activity: activity, StableHash: hash, Raw: json.RawMessage(raw)}, nil
}

func (n *Normalizer) validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &domain.InvalidPayloadError{Fields: []string{"/"}}
	}
	err = n.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("validate raw record: %w", err)
	}
	return &domain.InvalidPayloadError{Fields: violatedFields(verr)}
}

// violatedFields flattens a validation error tree into sorted JSON pointers.
// A missing required property is reported at the property's own location.
func violatedFields(root *jsonschema.ValidationError) []string {
	seen := make(map[string]struct{})
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if req, ok := e.ErrorKind.(*kind.Required); ok {
			for _, missing := range req.Missing {
				seen[pointer(append(append([]string{}, e.InstanceLocation...), missing))] = struct{}{}
			}
			return
		}
		seen[pointer(e.InstanceLocation)] = struct{}{}
	}
	walk(root)

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func pointer(tokens []string) string {
	if len(tokens) == 0 {
		return "/"
	}
	escaped := make([]string, len(tokens))
	for i, t := range tokens {
		escaped[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~", "~0"), "/", "~1")
	}
	return "/" + strings.Join(escaped, "/")
}

// recordBody prefers the plain body and falls back to converting body_html.
func recordBody(rec rawRecord) (string, error) {
	if rec.Body != nil && strings.TrimSpace(*rec.Body) != "" {
		return strings.TrimSpace(*rec.Body), nil
	}
	if rec.BodyHTML != nil && strings.TrimSpace(*rec.BodyHTML) != "" {
		md, err := htmltomarkdown.ConvertString(*rec.BodyHTML)
		if err != nil {
			return "", &domain.InvalidPayloadError{Fields: []string{"/body_html"}}
		}
		return strings.TrimSpace(md), nil
	}
	return "", nil
}

// hashedBody is the body as received, so the hash does not depend on the
// HTML converter's output.
func hashedBody(rec rawRecord) string {
	if rec.Body != nil && strings.TrimSpace(*rec.Body) != "" {
		return *rec.Body
	}
	if rec.BodyHTML != nil {
		return *rec.BodyHTML
	}
	return ""
}

func normalizeTopics(topics []string) domain.StringArray {
	set := make(map[string]struct{}, len(topics))
	out := make(domain.StringArray, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// StableHash derives the idempotency key of an activity. Participant order and
// identifier case do not affect it.
// Parameters:
//   - src: activity source.
//   - sourceMessageID: provider message ID.
//   - occurredAt: provider timestamp, compared in UTC.
//   - participants: all participants in any order.
//   - body: body text as received.
// Returns:
//   - string: hex SHA-256 of the projection.
func StableHash(src domain.Source, sourceMessageID string, occurredAt time.Time, participants []domain.Participant, body string) string {
	identifiers := make([]string, 0, len(participants))
	for _, p := range participants {
		identifiers = append(identifiers, strings.ToLower(strings.TrimSpace(p.Identifier)))
	}
	sort.Strings(identifiers)

	bodySum := sha256.Sum256([]byte(body))
	projection := strings.Join([]string{
		string(src),
		sourceMessageID,
		occurredAt.UTC().Format(time.RFC3339Nano),
		strings.Join(identifiers, ","),
		hex.EncodeToString(bodySum[:]),
	}, "\n")

	sum := sha256.Sum256([]byte(projection))
	return hex.EncodeToString(sum[:])
}
