package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
)

func newTestEmbeddingProvider(t *testing.T, handler http.HandlerFunc) EmbeddingProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewEmbeddingProvider(config.EmbeddingConfig{
		Name:       "test",
		Provider:   "openai-compatible",
		Model:      "tiny",
		APIKey:     "k",
		BaseURL:    srv.URL + "/v1",
		Dimensions: 2,
		BatchSize:  8,
	})
	if err != nil {
		t.Fatalf("NewEmbeddingProvider: %v", err)
	}
	return p
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	var gotPath string
	var gotReq embeddingRequest
	p := newTestEmbeddingProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	})

	vectors, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if gotPath != "/v1/embeddings" {
		t.Errorf("path = %s", gotPath)
	}
	if gotReq.Model != "tiny" || len(gotReq.Input) != 2 || gotReq.Task != "" {
		t.Errorf("request = %+v", gotReq)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors = %v", vectors)
	}
}

func TestEmbedBatchRejectsMismatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"fewer vectors", `{"data":[{"index":0,"embedding":[1,0]}]}`},
		{"wrong dimensions", `{"data":[{"index":0,"embedding":[1,0,0]},{"index":1,"embedding":[0,1]}]}`},
		{"duplicate index", `{"data":[{"index":0,"embedding":[1,0]},{"index":0,"embedding":[0,1]}]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestEmbeddingProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
			if err == nil || !domain.IsPermanent(err) {
				t.Fatalf("err = %v, want permanent", err)
			}
		})
	}
}

func TestEmbedBatchClassifiesStatus(t *testing.T) {
	p := newTestEmbeddingProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	})
	_, err := p.EmbedBatch(context.Background(), []string{"a"})
	if err == nil || domain.IsPermanent(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	p := newTestEmbeddingProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider called for empty input")
	})
	vectors, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || len(vectors) != 0 {
		t.Fatalf("EmbedBatch(nil) = %v, %v", vectors, err)
	}
}

func TestNewEmbeddingProviderRequiresKey(t *testing.T) {
	_, err := NewEmbeddingProvider(config.EmbeddingConfig{
		Name:       "default",
		Provider:   "jina",
		Model:      "jina-embeddings-v3",
		Dimensions: 1024,
		BatchSize:  32,
	})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}
