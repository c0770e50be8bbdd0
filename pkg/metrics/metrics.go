package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/httpx"
)

// Registry collects gateway counters for the JSON metrics endpoint.
type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	sessionsCreated  int64
	sessionsPurged   int64
	sessionsActive   int64
	blockedAds       int64
	blockedTrackings int64
	contextsEvicted  int64
	txPrepared       int64
	txExpired        int64
	decisionOutcomes map[string]int64
	decisionsPersist int64
	decisionsReset   int64
	unknownDevices   int64
	unknownTokens    int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	SessionsCreated      int64                   `json:"sessions_created"`
	SessionsPurged       int64                   `json:"sessions_purged"`
	SessionsActive       int64                   `json:"sessions_active"`
	BlockedAds           int64                   `json:"blocked_ads"`
	BlockedTrackings     int64                   `json:"blocked_trackings"`
	PageContextsEvicted  int64                   `json:"page_contexts_evicted"`
	TransactionsPrepared int64                   `json:"transactions_prepared"`
	TransactionsExpired  int64                   `json:"transactions_expired"`
	DecisionOutcomes     map[string]int64        `json:"decision_outcomes"`
	DecisionsPersisted   int64                   `json:"decisions_persisted"`
	DecisionsReset       int64                   `json:"decisions_reset"`
	UnknownDevices       int64                   `json:"unknown_devices"`
	UnknownTokens        int64                   `json:"unknown_tokens"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:         map[string]*EndpointStat{},
		decisionOutcomes: map[string]int64{},
	}
}

// ObserveEndpoint records one handled request for the endpoint key.
func (r *Registry) ObserveEndpoint(key string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	millis := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[key]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[key] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) SessionCreated() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sessionsCreated++
	r.sessionsActive++
	r.mu.Unlock()
}

func (r *Registry) SessionsPurged(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.Lock()
	r.sessionsPurged += int64(n)
	r.sessionsActive -= int64(n)
	if r.sessionsActive < 0 {
		r.sessionsActive = 0
	}
	r.mu.Unlock()
}

func (r *Registry) Blocked(kind string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if kind == "ads" {
		r.blockedAds++
	} else {
		r.blockedTrackings++
	}
	r.mu.Unlock()
}

func (r *Registry) ContextEvicted() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.contextsEvicted++
	r.mu.Unlock()
}

func (r *Registry) TransactionPrepared() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.txPrepared++
	r.mu.Unlock()
}

func (r *Registry) TransactionsExpired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.Lock()
	r.txExpired += int64(n)
	r.mu.Unlock()
}

func (r *Registry) DecisionResolved(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.decisionOutcomes[outcome]++
	r.mu.Unlock()
}

func (r *Registry) DecisionPersisted() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.decisionsPersist++
	r.mu.Unlock()
}

func (r *Registry) DecisionReset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.decisionsReset++
	r.mu.Unlock()
}

func (r *Registry) UnknownDevice() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.unknownDevices++
	r.mu.Unlock()
}

func (r *Registry) UnknownToken() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.unknownTokens++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoints := make(map[string]EndpointStat, len(r.endpoint))
	for k, v := range r.endpoint {
		endpoints[k] = *v
	}
	outcomes := make(map[string]int64, len(r.decisionOutcomes))
	for k, v := range r.decisionOutcomes {
		outcomes[k] = v
	}
	return Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            endpoints,
		SessionsCreated:      r.sessionsCreated,
		SessionsPurged:       r.sessionsPurged,
		SessionsActive:       r.sessionsActive,
		BlockedAds:           r.blockedAds,
		BlockedTrackings:     r.blockedTrackings,
		PageContextsEvicted:  r.contextsEvicted,
		TransactionsPrepared: r.txPrepared,
		TransactionsExpired:  r.txExpired,
		DecisionOutcomes:     outcomes,
		DecisionsPersisted:   r.decisionsPersist,
		DecisionsReset:       r.decisionsReset,
		UnknownDevices:       r.unknownDevices,
		UnknownTokens:        r.unknownTokens,
	}
}

// Handler serves the current snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}
