package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/timmy/triage/internal/domain"
)

// Connector defines the contract of an upstream source connector.
// Connectors own provider auth and wire formats; they hand back raw records
// that the normalizer validates.
type Connector interface {
	// Source returns the source this connector produces records for.
	Source() domain.Source

	// FetchBatch fetches a batch of raw records starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - tenantID: tenant whose mailbox or workspace is read.
	//   - cursor: pagination cursor or empty for the first page.
	//   - limit: maximum number of records to fetch.
	// Returns:
	//   - records: raw records in source order.
	//   - nextCursor: cursor for the next batch, or cursor itself when caught up.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, tenantID, cursor string, limit int) (records []json.RawMessage, nextCursor string, err error)
}

// Registry resolves the connector for a source.
type Registry struct {
	connectors map[domain.Source]Connector
}

// NewRegistry builds a registry from connectors. Later entries replace earlier
// ones for the same source.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[domain.Source]Connector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.Source()] = c
	}
	return r
}

// Get returns the connector for src, or a ConfigurationError when none is configured.
func (r *Registry) Get(src domain.Source) (Connector, error) {
	if r != nil {
		if c, ok := r.connectors[src]; ok {
			return c, nil
		}
	}
	return nil, domain.NewConfigurationError("no connector configured for source %q", src)
}

// Sources lists the configured sources.
func (r *Registry) Sources() []domain.Source {
	if r == nil {
		return nil
	}
	out := make([]domain.Source, 0, len(r.connectors))
	for _, src := range []domain.Source{domain.SourceMail, domain.SourceChat} {
		if _, ok := r.connectors[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// ErrCursor reports a cursor the connector cannot interpret.
func ErrCursor(cursor string, err error) error {
	return domain.Permanent(fmt.Errorf("invalid cursor %q: %w", cursor, err))
}
