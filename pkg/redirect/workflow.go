package redirect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/decision"
	"github.com/eblocker/eblocker-sub002/pkg/identity"
	"github.com/eblocker/eblocker-sub002/pkg/metrics"
	"github.com/eblocker/eblocker-sub002/pkg/session"
	"github.com/eblocker/eblocker-sub002/pkg/store"
	"github.com/eblocker/eblocker-sub002/pkg/stream"
)

var (
	// ErrTransactionNotFound means the correlation token is unknown or
	// expired. The decision request is no longer valid and the user
	// must navigate again; this is recoverable, never an internal error.
	ErrTransactionNotFound = errors.New("decision request no longer valid")

	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidURL is a client error raised before any state mutation.
	ErrInvalidURL = errors.New("invalid url")

	// ErrUnsupportedDecision means the keyword is not a legal answer
	// for this workflow step.
	ErrUnsupportedDecision = errors.New("unsupported decision for this step")
)

const keyPrefix = "redirect:"

// SessionLookup is the slice of the session store the workflow needs.
type SessionLookup interface {
	Find(id string) (*session.Session, bool)
}

// Recorder appends durable audit entries for decision changes.
type Recorder interface {
	Record(ctx context.Context, sessionID, domain string, d decision.Decision, action string) error
}

// Workflow mediates the asynchronous redirect-decision round trip: it
// correlates in-flight transactions with the decision UI and owns all
// reads/writes of the durable per-(session,domain) decision records.
type Workflow struct {
	cache    *TransactionCache
	kv       store.KV
	sessions SessionLookup
	metrics  *metrics.Registry
	hub      *stream.Hub
	audit    Recorder
}

type Config struct {
	KV             store.KV
	Sessions       SessionLookup
	TransactionTTL time.Duration
	Metrics        *metrics.Registry
	Hub            *stream.Hub
	Audit          Recorder
}

func NewWorkflow(cfg Config) (*Workflow, error) {
	if cfg.KV == nil {
		return nil, errors.New("redirect workflow requires a durable store")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("redirect workflow requires a session lookup")
	}
	return &Workflow{
		cache:    NewTransactionCache(cfg.TransactionTTL),
		kv:       cfg.KV,
		sessions: cfg.Sessions,
		metrics:  cfg.Metrics,
		hub:      cfg.Hub,
		audit:    cfg.Audit,
	}, nil
}

// Cache exposes the correlation cache for the sweep loop.
func (w *Workflow) Cache() *TransactionCache { return w.cache }

// Domain extracts the lowercased decision domain from a transaction
// URL. Callers use it to consult stored decisions before committing a
// cache entry for the round trip.
func Domain(rawURL string) (string, error) {
	parsed, err := parseAbsoluteURL(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Hostname()), nil
}

// Prepare snapshots a transaction that needs user adjudication and
// returns the correlation token to embed in the redirect to the
// decision UI. Durable state is untouched.
func (w *Workflow) Prepare(sess *session.Session, rawURL, accept, redirectTarget string) (string, error) {
	parsed, err := parseAbsoluteURL(rawURL)
	if err != nil {
		return "", err
	}
	tx := Transaction{
		SessionID:      sess.ID(),
		URL:            rawURL,
		NormalizedURL:  normalizeURL(parsed),
		OriginalDomain: strings.ToLower(parsed.Hostname()),
		Accept:         accept,
		Decision:       decision.NoDecision,
		RedirectTarget: redirectTarget,
		Prepared:       true,
	}
	if redirectTarget != "" {
		target, err := parseAbsoluteURL(redirectTarget)
		if err != nil {
			return "", err
		}
		tx.TargetDomain = strings.ToLower(target.Hostname())
	}
	token := w.cache.Put(tx)
	w.metrics.TransactionPrepared()
	return token, nil
}

// Resolve answers a decision-UI callback and returns the next redirect
// target for the browser. On PASS the original URL also becomes a
// one-shot forward decision on the session, so the retried navigation
// sails through exactly once.
func (w *Workflow) Resolve(ctx context.Context, token string, chosen decision.Decision) (string, error) {
	tx, ok := w.cache.Get(token)
	if !ok {
		w.metrics.UnknownToken()
		return "", ErrTransactionNotFound
	}
	switch chosen {
	case decision.Pass:
		sess, ok := w.sessions.Find(tx.SessionID)
		if !ok {
			return "", fmt.Errorf("resolve %s: %w", tx.OriginalDomain, ErrSessionNotFound)
		}
		sess.Forward().Add(tx.URL, decision.Pass)
		w.metrics.DecisionResolved(string(decision.Pass))
		w.publishDecision(tx.SessionID, tx.OriginalDomain, decision.Pass)
		return tx.URL, nil
	case decision.Redirect:
		if tx.RedirectTarget == "" {
			return "", fmt.Errorf("no redirect target for %s: %w", tx.OriginalDomain, ErrUnsupportedDecision)
		}
		w.metrics.DecisionResolved(string(decision.Redirect))
		w.publishDecision(tx.SessionID, tx.OriginalDomain, decision.Redirect)
		return tx.RedirectTarget, nil
	default:
		return "", fmt.Errorf("%s: %w", chosen, ErrUnsupportedDecision)
	}
}

// PersistDecision stores the user's durable choice for (session,
// domain). The stored state walks the decision machine: an absent
// record passes through ASK before settling, and settled records can
// only move back to ASK via ResetDecision.
func (w *Workflow) PersistDecision(ctx context.Context, sessionID, domain string, d decision.Decision) error {
	if domain == "" {
		return fmt.Errorf("empty domain: %w", ErrInvalidURL)
	}
	if d != decision.Pass && d != decision.Redirect && d != decision.Ask {
		return fmt.Errorf("%s: %w", d, ErrUnsupportedDecision)
	}
	current, err := w.StoredDecision(ctx, sessionID, domain)
	if err != nil {
		return err
	}
	if current == decision.NoDecision {
		current, _ = decision.Transition(current, decision.Ask)
	}
	if d != current {
		if _, err := decision.Transition(current, d); err != nil {
			return err
		}
	}
	if err := w.kv.Set(ctx, decisionKey(sessionID, domain), string(d), 0); err != nil {
		return fmt.Errorf("persist decision for %s: %w", domain, err)
	}
	w.metrics.DecisionPersisted()
	w.publishDecision(sessionID, domain, d)
	w.record(ctx, sessionID, domain, d, "persist")
	return nil
}

// ResetDecision revokes a prior durable choice: the record goes back
// to ASK and the next transaction to the domain re-triggers the UI.
func (w *Workflow) ResetDecision(ctx context.Context, sessionID, domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain: %w", ErrInvalidURL)
	}
	if err := w.kv.Set(ctx, decisionKey(sessionID, domain), string(decision.Ask), 0); err != nil {
		return fmt.Errorf("reset decision for %s: %w", domain, err)
	}
	w.metrics.DecisionReset()
	w.publishDecision(sessionID, domain, decision.Ask)
	w.record(ctx, sessionID, domain, decision.Ask, "reset")
	return nil
}

// StoredDecision reads the durable record. Absence is NO_DECISION, an
// explicit member of the closed set, never an error.
func (w *Workflow) StoredDecision(ctx context.Context, sessionID, domain string) (decision.Decision, error) {
	raw, err := w.kv.Get(ctx, decisionKey(sessionID, domain))
	if errors.Is(err, store.ErrNotFound) {
		return decision.NoDecision, nil
	}
	if err != nil {
		return decision.NoDecision, fmt.Errorf("read decision for %s: %w", domain, err)
	}
	d, err := decision.Parse(raw)
	if err != nil {
		return decision.NoDecision, fmt.Errorf("stored decision for %s: %w", domain, err)
	}
	return d, nil
}

// StoredDecisions lists all durable records for one session, keyed by
// domain.
func (w *Workflow) StoredDecisions(ctx context.Context, sessionID string) (map[string]decision.Decision, error) {
	prefix := keyPrefix + sessionID + ":"
	raw, err := w.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	out := make(map[string]decision.Decision, len(raw))
	for key, value := range raw {
		d, err := decision.Parse(value)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = d
	}
	return out, nil
}

func (w *Workflow) publishDecision(sessionID, domain string, d decision.Decision) {
	shortID := sessionID
	if sess, ok := w.sessions.Find(sessionID); ok {
		shortID = sess.ShortID()
	}
	w.hub.Publish(stream.NewEvent(stream.TypeDecision, stream.DecisionEvent{
		SessionShortID: shortID,
		Domain:         domain,
		Decision:       string(d),
	}))
}

func (w *Workflow) record(ctx context.Context, sessionID, domain string, d decision.Decision, action string) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Record(ctx, sessionID, domain, d, action); err != nil {
		log.Printf("decision audit failed for %s/%s: %v", identity.ShortID(sessionID), domain, err)
	}
}

func decisionKey(sessionID, domain string) string {
	return keyPrefix + sessionID + ":" + strings.ToLower(domain)
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%q: %w", raw, ErrInvalidURL)
	}
	if parsed.Scheme == "" || parsed.Hostname() == "" {
		return nil, fmt.Errorf("%q: %w", raw, ErrInvalidURL)
	}
	return parsed, nil
}

// normalizeURL lowercases scheme and host and drops fragments, so the
// same page is one cache key no matter how the browser spells it.
func normalizeURL(u *url.URL) string {
	clone := *u
	clone.Scheme = strings.ToLower(clone.Scheme)
	clone.Host = strings.ToLower(clone.Host)
	clone.Fragment = ""
	return clone.String()
}
