package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastProvider(rawURL, token string) *HTTPCSVProvider {
	p := NewHTTPCSVProvider(rawURL, token, nil)
	p.baseDelay = time.Millisecond
	p.maxDelay = 5 * time.Millisecond
	return p
}

func TestFetchRowsParsesCSV(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("source") != "sheet-1" || r.URL.Query().Get("range") != "A:I" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("id,title\nev-1,Shift\nev-2,\"Shift, late\"\n"))
	}))
	defer server.Close()

	rows, err := fastProvider(server.URL, "").FetchRows(context.Background(), "sheet-1", "A:I")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected three rows, got %d", len(rows))
	}
	if rows[2][1] != "Shift, late" {
		t.Fatalf("quoted cell parsed wrong: %q", rows[2][1])
	}
}

func TestFetchRowsSendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("id\n"))
	}))
	defer server.Close()

	if _, err := fastProvider(server.URL, "tok-123").FetchRows(context.Background(), "s", ""); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestFetchRowsInterpolatesPlaceholders(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("id\n"))
	}))
	defer server.Close()

	provider := fastProvider(server.URL+"/sheets/{source}/export/{range}", "")
	if _, err := provider.FetchRows(context.Background(), "sheet-1", "A:I"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotPath != "/sheets/sheet-1/export/A:I" {
		t.Fatalf("placeholders not interpolated, got %q", gotPath)
	}
}

func TestFetchRowsRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("id\nev-1\n"))
	}))
	defer server.Close()

	rows, err := fastProvider(server.URL, "").FetchRows(context.Background(), "s", "")
	if err != nil {
		t.Fatalf("fetch should succeed after retries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(rows))
	}
	if calls.Load() != 3 {
		t.Fatalf("expected three attempts, got %d", calls.Load())
	}
}

func TestFetchRowsGivesUpAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := fastProvider(server.URL, "").FetchRows(context.Background(), "s", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFetchRowsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := fastProvider(server.URL, "").FetchRows(context.Background(), "s", "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("403 must not be retried, got %d attempts", calls.Load())
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d, ok := parseRetryAfter("2"); !ok || d != 2*time.Second {
		t.Fatalf("expected 2s, got %v %v", d, ok)
	}
	if _, ok := parseRetryAfter("soon"); ok {
		t.Fatalf("non-numeric values should be ignored")
	}
	if _, ok := parseRetryAfter(""); ok {
		t.Fatalf("empty values should be ignored")
	}
}
