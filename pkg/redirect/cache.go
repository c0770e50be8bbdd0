package redirect

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
)

// DefaultTransactionTTL bounds how long a decision-UI round trip may
// take before its correlation token goes stale.
const DefaultTransactionTTL = 5 * time.Minute

// Transaction is the immutable snapshot handed to the decision UI via
// a correlation token. By the time the UI answers, the raw request it
// was derived from is long gone.
type Transaction struct {
	SessionID      string            `json:"sessionId"`
	URL            string            `json:"url"`
	NormalizedURL  string            `json:"normalizedUrl"`
	OriginalDomain string            `json:"originalDomain"`
	TargetDomain   string            `json:"targetDomain,omitempty"`
	Accept         string            `json:"accept,omitempty"`
	Decision       decision.Decision `json:"decision"`
	RedirectTarget string            `json:"redirectTarget,omitempty"`
	Prepared       bool              `json:"prepared"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// TransactionCache correlates in-flight transactions with the
// asynchronous decision UI. Entries are write-once, read-many until
// they expire; expiry is a deterministic timestamp comparison, never a
// weak reference.
type TransactionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]Transaction
}

func NewTransactionCache(ttl time.Duration) *TransactionCache {
	if ttl <= 0 {
		ttl = DefaultTransactionTTL
	}
	return &TransactionCache{
		ttl:     ttl,
		entries: make(map[string]Transaction),
	}
}

// Put stores the snapshot and returns its correlation token.
func (c *TransactionCache) Put(tx Transaction) string {
	token := uuid.NewString()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	c.mu.Lock()
	c.entries[token] = tx
	c.mu.Unlock()
	return token
}

// Get returns the snapshot for token. Expired entries report a miss
// even before the sweep has removed them.
func (c *TransactionCache) Get(token string) (Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.entries[token]
	if !ok {
		return Transaction{}, false
	}
	if time.Now().UTC().Sub(tx.CreatedAt) > c.ttl {
		delete(c.entries, token)
		return Transaction{}, false
	}
	return tx, true
}

// Sweep removes entries older than the ttl and returns how many were
// dropped. Run on a periodic cycle, same pattern as the session purge.
func (c *TransactionCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for token, tx := range c.entries {
		if now.Sub(tx.CreatedAt) > c.ttl {
			delete(c.entries, token)
			removed++
		}
	}
	return removed
}

func (c *TransactionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
