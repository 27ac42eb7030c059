package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/timmy/triage/internal/domain"
)

func TestFetchBatchPages(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "acme")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "{\"id\":1}\n\n{\"id\":2}\n{\"id\":3}\n"
	if err := os.WriteFile(filepath.Join(dir, "chat.jsonl"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(base, domain.SourceChat)
	ctx := context.Background()

	first, next, err := a.FetchBatch(ctx, "acme", "", 2)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(first) != 2 || next != "2" {
		t.Fatalf("first page: %d records, next %q", len(first), next)
	}

	second, next, err := a.FetchBatch(ctx, "acme", next, 2)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(second) != 1 || string(second[0]) != `{"id":3}` || next != "3" {
		t.Fatalf("second page: %v next %q", second, next)
	}

	empty, next, err := a.FetchBatch(ctx, "acme", next, 2)
	if err != nil || len(empty) != 0 || next != "3" {
		t.Fatalf("caught up: %d records next %q err %v", len(empty), next, err)
	}

	if _, _, err := a.FetchBatch(ctx, "acme", "abc", 2); !domain.IsPermanent(err) {
		t.Errorf("bad cursor: err = %v, want permanent", err)
	}

	tenants, err := ListTenants(base)
	if err != nil || len(tenants) != 1 || tenants[0] != "acme" {
		t.Errorf("ListTenants = %v, %v", tenants, err)
	}
}

func TestFetchBatchMissingTenant(t *testing.T) {
	a := NewAdapter(t.TempDir(), domain.SourceMail)
	records, next, err := a.FetchBatch(context.Background(), "nobody", "", 5)
	if err != nil || len(records) != 0 || next != "0" {
		t.Fatalf("records=%d next=%q err=%v", len(records), next, err)
	}
}
