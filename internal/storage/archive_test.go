package storage

import (
	"context"
	"testing"
	"time"
)

func TestRawArchivePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	archive := NewRawArchive(store)
	occurred := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))

	key, err := archive.Put(ctx, "acme", "mail", occurred, "abc", []byte(`{"v":1}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "raw/acme/mail/2026/03/03/abc.json" {
		t.Errorf("key = %q", key)
	}

	if _, err := archive.Put(ctx, "acme", "mail", occurred, "abc", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := archive.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"v":1}` {
		t.Errorf("archived payload overwritten: %s", got)
	}

	if _, err := archive.Put(ctx, "acme", "chat", occurred, "def", []byte(`{}`)); err != nil {
		t.Fatalf("Put chat: %v", err)
	}
	keys, err := archive.Keys(ctx, "acme", "mail")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("keys = %v", keys)
	}
}

func TestNewRawArchiveNilStore(t *testing.T) {
	if NewRawArchive(nil) != nil {
		t.Fatal("expected nil archive for nil store")
	}
}

func TestDetectStorageType(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{endpoint: "https://abc.r2.cloudflarestorage.com", want: StorageTypeR2},
		{endpoint: "s3.us-west-2.amazonaws.com", want: StorageTypeS3},
		{endpoint: "localhost:9000", want: StorageTypeS3Compatible},
	}
	for _, tc := range tests {
		if got := detectStorageType(tc.endpoint); got != tc.want {
			t.Errorf("detectStorageType(%q) = %s, want %s", tc.endpoint, got, tc.want)
		}
	}
}
