package session

import (
	"sync"
	"time"

	"github.com/eblocker/eblocker-sub002/pkg/forward"
	"github.com/eblocker/eblocker-sub002/pkg/identity"
	"github.com/eblocker/eblocker-sub002/pkg/pagectx"
)

// Session is the attribution unit for one (device, browser, acting
// user) tuple. It exclusively owns its forward-decision store and its
// page-context tree; all three die together in the purge sweep.
type Session struct {
	id        string
	userAgent string
	deviceID  string
	userID    int

	mu                sync.Mutex
	ip                string
	outgoingUserAgent string
	lastUsedAt        time.Time

	blockAds              bool
	blockTrackings        bool
	useDomainWhiteList    bool
	patternFiltersEnabled bool
	whatIfMode            bool
	torWorking            bool

	blockedAds       int64
	blockedTrackings int64

	forward *forward.Store
	pages   *pagectx.Tree
}

// Settings is the mutable per-session configuration surface.
type Settings struct {
	BlockAds              bool `json:"blockAds"`
	BlockTrackings        bool `json:"blockTrackings"`
	UseDomainWhiteList    bool `json:"useDomainWhiteList"`
	PatternFiltersEnabled bool `json:"patternFiltersEnabled"`
	WhatIfMode            bool `json:"whatIfMode"`
	TorWorking            bool `json:"torWorking"`
}

// Info is a read-only snapshot for inspection handlers.
type Info struct {
	ID                string    `json:"id"`
	ShortID           string    `json:"shortId"`
	UserAgent         string    `json:"userAgent"`
	OutgoingUserAgent string    `json:"outgoingUserAgent,omitempty"`
	IP                string    `json:"ip"`
	DeviceID          string    `json:"deviceId"`
	UserID            int       `json:"userId"`
	LastUsedAt        time.Time `json:"lastUsedAt"`
	Settings          Settings  `json:"settings"`
	BlockedAds        int64     `json:"blockedAds"`
	BlockedTrackings  int64     `json:"blockedTrackings"`
	PageContexts      int       `json:"pageContexts"`
}

func newSession(id, userAgent, ip, deviceID string, userID int, outgoingUA string, pageCapacity int, onEvict func(string)) *Session {
	return &Session{
		id:                id,
		userAgent:         userAgent,
		deviceID:          deviceID,
		userID:            userID,
		ip:                ip,
		outgoingUserAgent: outgoingUA,
		lastUsedAt:        time.Now().UTC(),
		// New-session defaults: blocking on, whitelist on, the rest off.
		blockAds:           true,
		blockTrackings:     true,
		useDomainWhiteList: true,
		forward:            forward.NewStore(),
		pages:              pagectx.NewTree(pageCapacity, pagectx.WithEvictHook(onEvict)),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) ShortID() string   { return identity.ShortID(s.id) }
func (s *Session) UserAgent() string { return s.userAgent }
func (s *Session) DeviceID() string  { return s.deviceID }
func (s *Session) UserID() int       { return s.userID }

// Forward returns the session's one-shot decision store.
func (s *Session) Forward() *forward.Store { return s.forward }

// Pages returns the session's page-context tree.
func (s *Session) Pages() *pagectx.Tree { return s.pages }

func (s *Session) IP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

func (s *Session) OutgoingUserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoingUserAgent
}

func (s *Session) SetOutgoingUserAgent(ua string) {
	s.mu.Lock()
	s.outgoingUserAgent = ua
	s.mu.Unlock()
}

func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsedAt = now
	s.mu.Unlock()
}

func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		BlockAds:              s.blockAds,
		BlockTrackings:        s.blockTrackings,
		UseDomainWhiteList:    s.useDomainWhiteList,
		PatternFiltersEnabled: s.patternFiltersEnabled,
		WhatIfMode:            s.whatIfMode,
		TorWorking:            s.torWorking,
	}
}

func (s *Session) ApplySettings(cfg Settings) {
	s.mu.Lock()
	s.blockAds = cfg.BlockAds
	s.blockTrackings = cfg.BlockTrackings
	s.useDomainWhiteList = cfg.UseDomainWhiteList
	s.patternFiltersEnabled = cfg.PatternFiltersEnabled
	s.whatIfMode = cfg.WhatIfMode
	s.torWorking = cfg.TorWorking
	s.mu.Unlock()
}

// RecordBlocked attributes one blocked item to the session and to the
// page context for origin (a no-op there if the context is gone).
func (s *Session) RecordBlocked(kind pagectx.Kind, origin, itemID string) {
	s.mu.Lock()
	if kind == pagectx.KindAds {
		s.blockedAds++
	} else {
		s.blockedTrackings++
	}
	s.mu.Unlock()
	s.pages.IncrementBlocked(kind, origin, itemID)
}

func (s *Session) BlockedCounts() (ads, trackings int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedAds, s.blockedTrackings
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:                s.id,
		ShortID:           identity.ShortID(s.id),
		UserAgent:         s.userAgent,
		OutgoingUserAgent: s.outgoingUserAgent,
		IP:                s.ip,
		DeviceID:          s.deviceID,
		UserID:            s.userID,
		LastUsedAt:        s.lastUsedAt,
		Settings: Settings{
			BlockAds:              s.blockAds,
			BlockTrackings:        s.blockTrackings,
			UseDomainWhiteList:    s.useDomainWhiteList,
			PatternFiltersEnabled: s.patternFiltersEnabled,
			WhatIfMode:            s.whatIfMode,
			TorWorking:            s.torWorking,
		},
		BlockedAds:       s.blockedAds,
		BlockedTrackings: s.blockedTrackings,
	}
	s.mu.Unlock()
	info.PageContexts = s.pages.Len()
	return info
}
