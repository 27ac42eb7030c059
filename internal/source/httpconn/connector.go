package httpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/source"
)

// Connector reads raw records from a connector service over HTTP.
//
// The service exposes
//
//	GET {base_url}/v1/tenants/{tenant}/{source}/records?cursor=...&limit=N
//
// and answers {"records": [...], "next_cursor": "..."}. The connector service
// holds the provider OAuth tokens; this client only sends its bearer token.
type Connector struct {
	client   *resty.Client
	baseURL  string
	src      domain.Source
	pageSize int
}

var _ source.Connector = (*Connector)(nil)

type page struct {
	Records    []json.RawMessage `json:"records"`
	NextCursor string            `json:"next_cursor"`
	Error      string            `json:"error,omitempty"`
}

// New creates a connector for src.
// Parameters:
//   - src: source the service serves.
//   - cfg: base URL, token, page size and timeout.
// Returns:
//   - *Connector: ready connector.
//   - error: ConfigurationError when base_url is missing.
func New(src domain.Source, cfg config.ConnectorConfig) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, domain.NewConfigurationError("connectors.%s.base_url is required", src)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	return &Connector{
		client:   client,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		src:      src,
		pageSize: pageSize,
	}, nil
}

// Source returns the source this connector serves.
func (c *Connector) Source() domain.Source {
	return c.src
}

// FetchBatch fetches one page of raw records.
func (c *Connector) FetchBatch(ctx context.Context, tenantID, cursor string, limit int) ([]json.RawMessage, string, error) {
	if limit <= 0 || limit > c.pageSize {
		limit = c.pageSize
	}

	var resp page
	endpoint := fmt.Sprintf("%s/v1/tenants/%s/%s/records", c.baseURL, url.PathEscape(tenantID), c.src)
	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&resp).
		SetError(&resp)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}

	httpResp, err := req.Get(endpoint)
	if err != nil {
		return nil, "", domain.Transient(fmt.Errorf("%s connector: %w", c.src, err))
	}
	if httpResp.IsError() {
		return nil, "", domain.StatusError(string(c.src)+" connector", httpResp.StatusCode(), resp.Error)
	}

	next := resp.NextCursor
	if next == "" {
		next = cursor
	}
	return resp.Records, next, nil
}
