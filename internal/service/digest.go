package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/logger"
	"github.com/timmy/triage/internal/prompts"
	"github.com/timmy/triage/internal/repository"
)

const (
	digestTimeout   = 60 * time.Second
	digestMaxTokens = 600
)

// DigestGenerator turns routine activities into digest text.
type DigestGenerator interface {
	Generate(ctx context.Context, since, until time.Time, items []prompts.DigestItem) (string, error)
}

// ChatDigestGenerator calls an OpenAI-compatible chat completion endpoint.
type ChatDigestGenerator struct {
	client   *resty.Client
	model    string
	endpoint string
}

// NewChatDigestGenerator creates a ChatDigestGenerator.
// Parameters:
//   - cfg: digest configuration with model, API key and base URL.
// Returns:
//   - *ChatDigestGenerator: generator instance.
//   - error: ConfigurationError when the API key or model is missing.
func NewChatDigestGenerator(cfg config.DigestConfig) (*ChatDigestGenerator, error) {
	if cfg.APIKey == "" {
		return nil, domain.NewConfigurationError("digest.api_key is required")
	}
	if cfg.Model == "" {
		return nil, domain.NewConfigurationError("digest.model is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	client := resty.New().
		SetTimeout(digestTimeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &ChatDigestGenerator{
		client:   client,
		model:    cfg.Model,
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
	}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate asks the model for a digest of items.
func (g *ChatDigestGenerator) Generate(ctx context.Context, since, until time.Time, items []prompts.DigestItem) (string, error) {
	req := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.DigestSystemPrompt},
			{Role: "user", Content: prompts.DigestUserPrompt(since, until, items)},
		},
		MaxTokens: digestMaxTokens,
	}

	var resp chatResponse
	httpResp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(g.endpoint)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("digest model: %w", err))
	}

	if httpResp.IsError() {
		detail := ""
		if resp.Error != nil {
			detail = resp.Error.Message
		}
		return "", domain.StatusError("digest model", httpResp.StatusCode(), detail)
	}
	if resp.Error != nil {
		return "", domain.Transient(fmt.Errorf("digest model: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return "", domain.Transient(fmt.Errorf("digest model returned no choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// DigestHandler summarizes a window of routine activities. It handles
// generate_digest jobs.
type DigestHandler struct {
	activities *repository.ActivityRepository
	generator  DigestGenerator
	window     time.Duration
	limit      int
	now        func() time.Time
}

// NewDigestHandler creates a DigestHandler. generator may be nil when digests
// are disabled; jobs then fail as a configuration error.
func NewDigestHandler(activities *repository.ActivityRepository, generator DigestGenerator, window time.Duration, limit int) *DigestHandler {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 50
	}
	return &DigestHandler{
		activities: activities,
		generator:  generator,
		window:     window,
		limit:      limit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// DigestResult is stored as the result of a generate_digest job.
type DigestResult struct {
	Since       time.Time `json:"since"`
	Until       time.Time `json:"until"`
	Count       int       `json:"count"`
	ActivityIDs []string  `json:"activity_ids"`
	Text        string    `json:"text"`
}

// Handle collects activities without a live escalation in the window and
// asks the generator for the digest. An empty window completes without
// calling the generator.
func (h *DigestHandler) Handle(ctx context.Context, job *domain.Job) (interface{}, error) {
	if h.generator == nil {
		return nil, domain.NewConfigurationError("digest generation is not configured")
	}

	var payload DigestPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	until := payload.Until
	if until.IsZero() {
		until = h.now()
	}
	since := payload.Since
	if since.IsZero() {
		since = until.Add(-h.window)
	}
	if !since.Before(until) {
		return nil, domain.Permanent(fmt.Errorf("digest window since %s is not before until %s", since, until))
	}

	activities, err := h.activities.ListUnescalated(ctx, job.TenantID, since, until, h.limit)
	if err != nil {
		return nil, err
	}

	result := &DigestResult{Since: since.UTC(), Until: until.UTC(), Count: len(activities), ActivityIDs: []string{}}
	if len(activities) == 0 {
		return result, nil
	}

	items := make([]prompts.DigestItem, 0, len(activities))
	for i := range activities {
		a := &activities[i]
		result.ActivityIDs = append(result.ActivityIDs, a.ID)
		item := prompts.DigestItem{
			OccurredAt: a.OccurredAt,
			Source:     string(a.Source),
			Subject:    a.Subject,
			Preview:    a.Preview,
		}
		if sender, ok := a.Sender(); ok {
			item.Sender = sender.DisplayName
			if item.Sender == "" {
				item.Sender = sender.Identifier
			}
		}
		items = append(items, item)
	}

	text, err := h.generator.Generate(ctx, since, until, items)
	if err != nil {
		return nil, err
	}
	result.Text = text

	logger.With(logger.Fields{"count": result.Count}).Info(ctx, "Digest generated")
	return result, nil
}
