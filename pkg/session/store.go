package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/identity"
	"github.com/eblocker/eblocker-sub002/pkg/metrics"
	"github.com/eblocker/eblocker-sub002/pkg/pagectx"
	"github.com/eblocker/eblocker-sub002/pkg/stream"
)

// DefaultIdleThreshold is how long a session may stay unused before
// the purge sweep reclaims it.
const DefaultIdleThreshold = 24 * time.Hour

// ErrUnknownDevice means no device is registered for the observed
// address. A transaction that cannot be attributed is rejected, never
// assigned to a default session.
var ErrUnknownDevice = errors.New("no device known for address")

// Device is the directory's view of one network client.
type Device struct {
	ID     string
	UserID int
	Name   string
}

// DeviceDirectory resolves observed addresses to registered devices.
// Owned by an external collaborator service.
type DeviceDirectory interface {
	LookupDeviceByIP(ctx context.Context, ip string) (Device, error)
}

// UserAgentService resolves the cloaked user agent configured for a
// (user, device) pair, if any. Owned by an external collaborator.
type UserAgentService interface {
	CloakedUserAgent(ctx context.Context, userID int, deviceID string) (string, bool)
}

// Identity is the per-transaction requester identity supplied by the
// interception pipeline.
type Identity struct {
	IP        string
	UserAgent string
	UserID    int
}

// Store resolves transaction identities to sessions. It owns the
// session table; there is no ambient session state anywhere else.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	devices      DeviceDirectory
	userAgents   UserAgentService
	gatewayIP    string
	pageCapacity int
	metrics      *metrics.Registry
	hub          *stream.Hub
	correlate    func(shortID string)
}

// Config carries the store's collaborators. Devices is required;
// everything else is optional.
type Config struct {
	Devices             DeviceDirectory
	UserAgents          UserAgentService
	GatewayIP           string
	PageContextCapacity int
	Metrics             *metrics.Registry
	Hub                 *stream.Hub
	// Correlate receives the session short id on every successful
	// resolution, for diagnostics (trace attributes, log fields).
	Correlate func(shortID string)
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Devices == nil {
		return nil, errors.New("session store requires a device directory")
	}
	return &Store{
		sessions:     make(map[string]*Session),
		devices:      cfg.Devices,
		userAgents:   cfg.UserAgents,
		gatewayIP:    cfg.GatewayIP,
		pageCapacity: cfg.PageContextCapacity,
		metrics:      cfg.Metrics,
		hub:          cfg.Hub,
		correlate:    cfg.Correlate,
	}, nil
}

// Resolve maps an inbound transaction identity to its session,
// creating the session at most once per identity triple. The cloaked
// user agent is looked up before the session becomes visible, so other
// workers never observe a half-seeded session.
func (s *Store) Resolve(ctx context.Context, in Identity) (*Session, error) {
	ip := identity.NormalizeIP(in.IP, s.gatewayIP)
	ua := identity.NormalizeUserAgent(in.UserAgent)

	dev, err := s.devices.LookupDeviceByIP(ctx, ip)
	if err != nil {
		s.metrics.UnknownDevice()
		return nil, fmt.Errorf("resolve session for %s: %w", ip, err)
	}

	id := identity.DeriveSessionID(dev.ID, ua, in.UserID)
	now := time.Now().UTC()

	// The refresh happens while the table lock is held so a concurrent
	// purge can never evaluate a stale LastUsedAt for a session that is
	// being handed out right now.
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.touch(now)
	}
	s.mu.Unlock()
	if ok {
		s.correlated(sess)
		return sess, nil
	}

	// Seed the outgoing user agent outside the table lock. The lookup
	// is a pure function of (user, device), so a racing creator
	// computing the same value keeps this idempotent.
	outgoingUA := ""
	if s.userAgents != nil {
		if cloaked, ok := s.userAgents.CloakedUserAgent(ctx, in.UserID, dev.ID); ok {
			outgoingUA = cloaked
		}
	}

	created := false
	s.mu.Lock()
	sess, ok = s.sessions[id]
	if !ok {
		onEvict := func(string) { s.metrics.ContextEvicted() }
		sess = newSession(id, ua, ip, dev.ID, in.UserID, outgoingUA, s.pageCapacity, onEvict)
		s.sessions[id] = sess
		created = true
	}
	sess.touch(now)
	s.mu.Unlock()

	s.correlated(sess)
	if created {
		s.metrics.SessionCreated()
		s.hub.Publish(stream.NewEvent(stream.TypeSessionCreated, stream.SessionEvent{
			ShortID:  sess.ShortID(),
			DeviceID: dev.ID,
		}))
	}
	return sess, nil
}

// Find looks a session up by id without creating it. A hit refreshes
// the idle clock, which is what keeps purge from removing a session
// that is still being used.
func (s *Store) Find(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.touch(time.Now().UTC())
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.correlated(sess)
	return sess, true
}

// PurgeIdle removes every session idle longer than threshold and
// returns how many were removed. LastUsedAt is re-checked under the
// table lock at the moment of removal, so a session refreshed by a
// concurrent Resolve or Find survives.
func (s *Store) PurgeIdle(now time.Time, threshold time.Duration) int {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	cutoff := now.Add(-threshold)

	s.mu.Lock()
	var purged []*Session
	for id, sess := range s.sessions {
		if sess.LastUsedAt().Before(cutoff) {
			delete(s.sessions, id)
			purged = append(purged, sess)
		}
	}
	s.mu.Unlock()

	s.metrics.SessionsPurged(len(purged))
	for _, sess := range purged {
		s.hub.Publish(stream.NewEvent(stream.TypeSessionPurged, stream.SessionEvent{
			ShortID: sess.ShortID(),
		}))
	}
	return len(purged)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot lists all live sessions for the inspection handler, ordered
// by short id for stable output.
func (s *Store) Snapshot() []Info {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ShortID < infos[j].ShortID })
	return infos
}

// Forest returns the reconstructed page-context forest for a session.
func (s *Store) Forest(id string) ([]pagectx.Node, bool) {
	sess, ok := s.Find(id)
	if !ok {
		return nil, false
	}
	return sess.Pages().SnapshotForest(), true
}

func (s *Store) correlated(sess *Session) {
	if s.correlate != nil {
		s.correlate(sess.ShortID())
	}
}
