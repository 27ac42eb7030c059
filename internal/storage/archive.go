package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"
)

// RawArchive keeps the untouched upstream payload of every stored activity so
// a tenant's history can be replayed through the normalizer.
type RawArchive struct {
	store ObjectStorage
}

// NewRawArchive wraps store. A nil store yields a nil archive.
func NewRawArchive(store ObjectStorage) *RawArchive {
	if store == nil {
		return nil
	}
	return &RawArchive{store: store}
}

// Key returns the object key of a raw record:
// raw/<tenant>/<source>/<yyyy>/<mm>/<dd>/<stable hash>.json, dated by occurrence.
func Key(tenantID, source string, occurredAt time.Time, stableHash string) string {
	day := occurredAt.UTC()
	return path.Join("raw", tenantID, source,
		fmt.Sprintf("%04d", day.Year()),
		fmt.Sprintf("%02d", int(day.Month())),
		fmt.Sprintf("%02d", day.Day()),
		stableHash+".json")
}

// Put stores raw under its key unless it is already archived.
// Returns the key it was stored under.
func (a *RawArchive) Put(ctx context.Context, tenantID, source string, occurredAt time.Time, stableHash string, raw []byte) (string, error) {
	key := Key(tenantID, source, occurredAt, stableHash)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}
	if err := a.store.Upload(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the archived payload stored under key.
func (a *RawArchive) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// Keys lists a tenant's archived records for one source.
func (a *RawArchive) Keys(ctx context.Context, tenantID, source string) ([]string, error) {
	return a.store.List(ctx, path.Join("raw", tenantID, source)+"/")
}
