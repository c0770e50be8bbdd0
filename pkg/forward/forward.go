package forward

import (
	"sync"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
)

// Store maps a pending URL to a one-shot decision for one session.
// A forward decision answers "may this specific pending URL proceed"
// and is consumed by the first reader, so a stale answer can never
// silently reapply to a later transaction for the same URL.
type Store struct {
	mu        sync.Mutex
	decisions map[string]decision.Decision
}

func NewStore() *Store {
	return &Store{decisions: make(map[string]decision.Decision)}
}

// Add upserts the decision for url.
func (s *Store) Add(url string, d decision.Decision) {
	s.mu.Lock()
	s.decisions[url] = d
	s.mu.Unlock()
}

// Pop removes and returns the decision for url. Remove-and-return
// happens under one lock acquisition so two concurrent poppers can
// never both observe the same value.
func (s *Store) Pop(url string) (decision.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[url]
	if !ok {
		return decision.NoDecision, false
	}
	delete(s.decisions, url)
	return d, true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.decisions)
}
