package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLookupRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"device:aabb","userId":3}`))
	}))
	defer srv.Close()

	var out struct {
		ID     string `json:"id"`
		UserID int    `json:"userId"`
	}
	l := Lookup{Client: srv.Client(), Retries: 1, RetryDelay: 5 * time.Millisecond}
	status, err := l.GetJSON(context.Background(), srv.URL, &out)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if out.ID != "device:aabb" || out.UserID != 3 {
		t.Fatalf("unexpected payload: %+v", out)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts got %d", attempts)
	}
}

func TestLookupReturnsNotFoundWithoutRetry(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var out struct{}
	l := Lookup{Client: srv.Client(), Retries: 3, RetryDelay: 5 * time.Millisecond}
	status, err := l.GetJSON(context.Background(), srv.URL, &out)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", status)
	}
	if attempts != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", attempts)
	}
}

func TestLookupGivesUpAfterRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := Lookup{Client: srv.Client(), Retries: 2, RetryDelay: time.Millisecond}
	if _, err := l.GetJSON(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts got %d", attempts)
	}
}

func TestLookupSendsConfiguredHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("expected json accept header, got %q", got)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	l := Lookup{Client: srv.Client(), Headers: map[string]string{"X-Api-Key": "secret"}}
	if _, err := l.GetJSON(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("lookup error: %v", err)
	}
}

func TestLookupDecodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	var out struct{}
	l := Lookup{Client: srv.Client()}
	if _, err := l.GetJSON(context.Background(), srv.URL, &out); err == nil {
		t.Fatal("expected a decode error")
	}
}
