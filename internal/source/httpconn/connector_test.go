package httpconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/timmy/triage/internal/config"
	"github.com/timmy/triage/internal/domain"
)

func TestFetchBatch(t *testing.T) {
	var gotPath, gotCursor, gotLimit, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"records":[{"source_message_id":"a"},{"source_message_id":"b"}],"next_cursor":"c2"}`))
	}))
	defer srv.Close()

	conn, err := New(domain.SourceMail, config.ConnectorConfig{BaseURL: srv.URL + "/", Token: "secret", PageSize: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	records, next, err := conn.FetchBatch(context.Background(), "acme", "c1", 100)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(records) != 2 || next != "c2" {
		t.Fatalf("records=%d next=%q", len(records), next)
	}
	if gotPath != "/v1/tenants/acme/mail/records" || gotCursor != "c1" || gotLimit != "20" {
		t.Errorf("request path=%q cursor=%q limit=%q", gotPath, gotCursor, gotLimit)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestFetchBatchKeepsCursorWhenCaughtUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"records":[]}`))
	}))
	defer srv.Close()

	conn, _ := New(domain.SourceChat, config.ConnectorConfig{BaseURL: srv.URL})
	_, next, err := conn.FetchBatch(context.Background(), "acme", "c9", 10)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if next != "c9" {
		t.Errorf("next = %q, want c9", next)
	}
}

func TestFetchBatchClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "unavailable", status: http.StatusBadGateway, permanent: false},
		{name: "token revoked", status: http.StatusUnauthorized, permanent: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			conn, _ := New(domain.SourceMail, config.ConnectorConfig{BaseURL: srv.URL})
			_, _, err := conn.FetchBatch(context.Background(), "acme", "", 10)
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsPermanent(err) != tc.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", domain.IsPermanent(err), tc.permanent, err)
			}
		})
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(domain.SourceMail, config.ConnectorConfig{}); !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}
