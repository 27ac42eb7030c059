package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/timmy/triage/internal/domain"
	"github.com/timmy/triage/internal/source"
)

// Adapter serves raw records from JSON Lines files laid out as
// <base>/<tenant>/<source>.jsonl, one record per line. It backs local runs and
// replays of exported mailboxes.
type Adapter struct {
	basePath string
	src      domain.Source

	mu     sync.Mutex
	loaded map[string][]json.RawMessage
}

var _ source.Connector = (*Adapter)(nil)

// NewAdapter creates a new staging adapter.
// Parameters:
//   - basePath: base path to the staging directory.
//   - src: source the files hold.
// Returns:
//   - *Adapter: initialized staging adapter.
func NewAdapter(basePath string, src domain.Source) *Adapter {
	return &Adapter{
		basePath: basePath,
		src:      src,
		loaded:   make(map[string][]json.RawMessage),
	}
}

// Source returns the source this adapter serves.
func (a *Adapter) Source() domain.Source {
	return a.src
}

// FetchBatch returns up to limit records after the cursor, which is a line offset.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - tenantID: tenant directory to read.
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of records to fetch.
// Returns:
//   - []json.RawMessage: batch of raw records.
//   - string: next cursor; equal to the end offset when caught up.
//   - error: non-nil if loading fails or the cursor is malformed.
func (a *Adapter) FetchBatch(ctx context.Context, tenantID, cursor string, limit int) ([]json.RawMessage, string, error) {
	records, err := a.records(tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load staging records: %w", err)
	}

	startIndex := 0
	if cursor != "" {
		startIndex, err = strconv.Atoi(cursor)
		if err != nil || startIndex < 0 {
			return nil, "", source.ErrCursor(cursor, err)
		}
	}
	if startIndex >= len(records) {
		return []json.RawMessage{}, strconv.Itoa(len(records)), nil
	}

	endIndex := startIndex + limit
	if limit <= 0 || endIndex > len(records) {
		endIndex = len(records)
	}

	return records[startIndex:endIndex], strconv.Itoa(endIndex), nil
}

func (a *Adapter) records(tenantID string) ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if records, ok := a.loaded[tenantID]; ok {
		return records, nil
	}
	records, err := a.loadRecords(tenantID)
	if err != nil {
		return nil, err
	}
	a.loaded[tenantID] = records
	return records, nil
}

// loadRecords reads the tenant's JSONL file. Blank lines are skipped; lines
// that are not JSON are kept so the normalizer reports them as invalid.
func (a *Adapter) loadRecords(tenantID string) ([]json.RawMessage, error) {
	path := filepath.Join(a.basePath, tenantID, string(a.src)+".jsonl")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		records = append(records, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}

	return records, nil
}

// ListTenants lists the tenant directories that hold staged records.
// Parameters:
//   - basePath: base path to the staging directory.
// Returns:
//   - []string: tenant IDs.
//   - error: non-nil if reading the directory fails.
func ListTenants(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	return tenants, nil
}
