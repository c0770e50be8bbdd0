package redirect

import (
	"testing"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
)

func TestPutGetReadMany(t *testing.T) {
	c := NewTransactionCache(time.Minute)
	token := c.Put(Transaction{
		SessionID:      "s1",
		URL:            "http://x.test/a",
		OriginalDomain: "x.test",
		Decision:       decision.NoDecision,
		Prepared:       true,
	})
	if token == "" {
		t.Fatal("expected a token")
	}

	for i := 0; i < 3; i++ {
		tx, ok := c.Get(token)
		if !ok {
			t.Fatalf("read %d: expected hit", i)
		}
		if tx.URL != "http://x.test/a" || !tx.Prepared {
			t.Fatalf("read %d: unexpected snapshot %+v", i, tx)
		}
	}
}

func TestGetUnknownToken(t *testing.T) {
	c := NewTransactionCache(time.Minute)
	if _, ok := c.Get("not-a-real-token"); ok {
		t.Fatal("expected miss for unknown token")
	}
}

func TestExpiredEntryMissesBeforeSweep(t *testing.T) {
	c := NewTransactionCache(time.Minute)
	token := c.Put(Transaction{
		SessionID: "s1",
		CreatedAt: time.Now().UTC().Add(-2 * time.Minute),
	})
	if _, ok := c.Get(token); ok {
		t.Fatal("expired entry must miss even before the sweep runs")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be dropped on read, len=%d", c.Len())
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := NewTransactionCache(time.Minute)
	c.Put(Transaction{SessionID: "old", CreatedAt: time.Now().UTC().Add(-2 * time.Minute)})
	fresh := c.Put(Transaction{SessionID: "fresh"})

	if removed := c.Sweep(time.Now().UTC()); removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}
	if _, ok := c.Get(fresh); !ok {
		t.Fatal("fresh entry must survive the sweep")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 live entry, got %d", c.Len())
	}
}

func TestDefaultTTL(t *testing.T) {
	c := NewTransactionCache(0)
	if c.ttl != DefaultTransactionTTL {
		t.Fatalf("expected default ttl, got %v", c.ttl)
	}
}

func TestTokensAreUnique(t *testing.T) {
	c := NewTransactionCache(time.Minute)
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		token := c.Put(Transaction{SessionID: "s1"})
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
}
