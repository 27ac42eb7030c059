package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
)

const (
	jinaEndpoint     = "https://api.jina.ai/v1/embeddings"
	embeddingTimeout = 60 * time.Second
)

// EmbeddingProvider turns texts into vectors, one per input, in input order.
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// NewEmbeddingProvider builds the provider named by cfg.Provider.
// A missing API key is a ConfigurationError so jobs fail without retrying.
func NewEmbeddingProvider(cfg config.EmbeddingConfig) (EmbeddingProvider, error) {
	cfg.ResolveEnvVars()
	if err := cfg.ValidateWithAPIKey(); err != nil {
		return nil, domain.NewConfigurationError("%v", err)
	}

	endpoint := jinaEndpoint
	task := "retrieval.passage"
	if cfg.Provider == "openai-compatible" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"
		task = ""
	} else if cfg.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.BaseURL, "/") + "/embeddings"
	}

	client := resty.New().
		SetTimeout(embeddingTimeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &HTTPEmbeddingProvider{
		client:     client,
		endpoint:   endpoint,
		name:       cfg.Name,
		model:      cfg.Model,
		task:       task,
		dimensions: cfg.Dimensions,
	}, nil
}

// HTTPEmbeddingProvider speaks the /embeddings request shape shared by Jina and
// OpenAI-compatible servers.
type HTTPEmbeddingProvider struct {
	client     *resty.Client
	endpoint   string
	name       string
	model      string
	task       string
	dimensions int
}

type embeddingRequest struct {
	Model          string   `json:"model"`
	Task           string   `json:"task,omitempty"`
	Dimensions     int      `json:"dimensions,omitempty"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Detail string `json:"detail,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *HTTPEmbeddingProvider) Model() string   { return p.model }
func (p *HTTPEmbeddingProvider) Dimensions() int { return p.dimensions }

// EmbedBatch embeds texts in one request. A response whose size or vector
// dimensions do not match the input is rejected as permanent.
func (p *HTTPEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var resp embeddingResponse
	httpResp, err := p.client.R().
		SetContext(ctx).
		SetBody(embeddingRequest{
			Model:          p.model,
			Task:           p.task,
			Dimensions:     p.dimensions,
			Input:          texts,
			EncodingFormat: "float",
		}).
		SetResult(&resp).
		SetError(&resp).
		Post(p.endpoint)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("embedding %s: %w", p.name, err))
	}

	if httpResp.IsError() {
		detail := resp.Detail
		if detail == "" && resp.Error != nil {
			detail = resp.Error.Message
		}
		return nil, domain.StatusError("embedding "+p.name, httpResp.StatusCode(), detail)
	}

	if len(resp.Data) != len(texts) {
		return nil, domain.Permanent(fmt.Errorf("embedding %s: got %d vectors for %d inputs", p.name, len(resp.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) || vectors[item.Index] != nil {
			return nil, domain.Permanent(fmt.Errorf("embedding %s: bad vector index %d", p.name, item.Index))
		}
		if p.dimensions > 0 && len(item.Embedding) != p.dimensions {
			return nil, domain.Permanent(fmt.Errorf("embedding %s: vector %d has %d dimensions, want %d",
				p.name, item.Index, len(item.Embedding), p.dimensions))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
