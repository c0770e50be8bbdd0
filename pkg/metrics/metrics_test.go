package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()
	r.SessionCreated()
	r.SessionCreated()
	r.SessionsPurged(1)
	r.Blocked("ads")
	r.Blocked("trackers")
	r.Blocked("trackers")
	r.ContextEvicted()
	r.TransactionPrepared()
	r.TransactionsExpired(3)
	r.DecisionResolved("PASS")
	r.DecisionResolved("PASS")
	r.DecisionResolved("REDIRECT")
	r.DecisionPersisted()
	r.DecisionReset()
	r.UnknownDevice()
	r.UnknownToken()

	snap := r.Snapshot()
	if snap.SessionsCreated != 2 || snap.SessionsPurged != 1 || snap.SessionsActive != 1 {
		t.Fatalf("session counters wrong: %+v", snap)
	}
	if snap.BlockedAds != 1 || snap.BlockedTrackings != 2 {
		t.Fatalf("blocked counters wrong: %+v", snap)
	}
	if snap.PageContextsEvicted != 1 || snap.TransactionsPrepared != 1 || snap.TransactionsExpired != 3 {
		t.Fatalf("cache counters wrong: %+v", snap)
	}
	if snap.DecisionOutcomes["PASS"] != 2 || snap.DecisionOutcomes["REDIRECT"] != 1 {
		t.Fatalf("decision outcomes wrong: %+v", snap.DecisionOutcomes)
	}
	if snap.DecisionsPersisted != 1 || snap.DecisionsReset != 1 {
		t.Fatalf("persist counters wrong: %+v", snap)
	}
	if snap.UnknownDevices != 1 || snap.UnknownTokens != 1 {
		t.Fatalf("error counters wrong: %+v", snap)
	}
}

func TestSessionsActiveNeverNegative(t *testing.T) {
	r := NewRegistry()
	r.SessionsPurged(5)
	if got := r.Snapshot().SessionsActive; got != 0 {
		t.Fatalf("expected active floor of 0, got %d", got)
	}
}

func TestObserveEndpoint(t *testing.T) {
	r := NewRegistry()
	r.ObserveEndpoint("POST /decisions", 200, 20*time.Millisecond)
	r.ObserveEndpoint("POST /decisions", 404, 40*time.Millisecond)

	stat := r.Snapshot().Endpoints["POST /decisions"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected endpoint stat: %+v", stat)
	}
	if stat.MaxMillis != 40 || stat.LastStatusCode != 404 {
		t.Fatalf("unexpected endpoint stat: %+v", stat)
	}
	if stat.AverageMillis != 30 {
		t.Fatalf("expected average 30ms, got %v", stat.AverageMillis)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.SessionCreated()
	r.SessionsPurged(1)
	r.Blocked("ads")
	r.ContextEvicted()
	r.TransactionPrepared()
	r.TransactionsExpired(1)
	r.DecisionResolved("PASS")
	r.DecisionPersisted()
	r.DecisionReset()
	r.UnknownDevice()
	r.UnknownToken()
	r.ObserveEndpoint("GET /", 200, time.Millisecond)
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.SessionCreated()

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SessionsCreated != 1 {
		t.Fatalf("expected 1 session created in payload, got %d", snap.SessionsCreated)
	}
}
