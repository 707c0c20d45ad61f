package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DemonGiggle/criticizer/internal/failure"
)

func TestModelClientReview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/review" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["changelist_id"].(float64) != 42 {
			t.Errorf("unexpected body: %v", req)
		}
		_, _ = w.Write([]byte(`{"schema_version":"1.0","prompt_version":"1.0","findings":[]}`))
	}))
	defer srv.Close()

	raw, err := NewModelClient(srv.URL, time.Second).Review(context.Background(), 42, []string{"//depot/src/a.py"})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("empty response")
	}
}

func TestModelClientClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		class  string
	}{
		{http.StatusTooManyRequests, failure.ClassRateLimited},
		{http.StatusUnauthorized, failure.ClassAuthDenied},
		{http.StatusForbidden, failure.ClassPermissionDenied},
		{http.StatusNotFound, failure.ClassNotFoundPermanent},
		{http.StatusUnprocessableEntity, failure.ClassContentPolicyReject},
		{http.StatusInternalServerError, failure.ClassUpstream5xx},
		{http.StatusBadGateway, failure.ClassUpstream5xx},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewModelClient(srv.URL, time.Second).Review(context.Background(), 1, nil)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := failure.Classify(err); got != tc.class {
			t.Fatalf("status %d classified as %s, want %s", tc.status, got, tc.class)
		}
	}
}

func TestModelClientCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewModelClient(srv.URL, time.Second).Review(context.Background(), 1, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := failure.RetryAfterHint(err); got != 17*time.Second {
		t.Fatalf("Retry-After hint = %s, want 17s", got)
	}
}

func TestNotifyProviderSendAndLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/send":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["idempotency_token"] == "" || req["recipient"] != "alice" {
				t.Errorf("unexpected send body: %v", req)
			}
			_, _ = w.Write([]byte(`{"message_id":"m-99"}`))
		case "/lookup":
			if r.URL.Query().Get("token") == "known" {
				_, _ = w.Write([]byte(`{"message_id":"m-99"}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewNotifyProvider(srv.URL, time.Second)
	ctx := context.Background()

	msgID, err := p.Send(ctx, "alice", []byte(`{}`), "tok-1")
	if err != nil || msgID != "m-99" {
		t.Fatalf("Send = %q, %v", msgID, err)
	}

	id, delivered, err := p.Lookup(ctx, "known")
	if err != nil || !delivered || id != "m-99" {
		t.Fatalf("Lookup known = %q %v %v", id, delivered, err)
	}

	_, delivered, err = p.Lookup(ctx, "unknown")
	if err != nil || delivered {
		t.Fatalf("Lookup unknown should be NotFound: %v %v", delivered, err)
	}
}

func TestNotifyProviderTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewNotifyProvider(srv.URL, 20*time.Millisecond)
	_, err := p.Send(context.Background(), "alice", []byte(`{}`), "tok-1")
	if err == nil {
		t.Fatal("expected timeout")
	}
	if got := failure.Classify(err); got != failure.ClassNetworkTimeout {
		t.Fatalf("timeout classified as %s", got)
	}
}
