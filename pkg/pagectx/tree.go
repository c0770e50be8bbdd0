package pagectx

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the number of live page contexts per session.
// Sessions are long-lived, page contexts are not; evicting the oldest
// context only degrades attribution detail for stale pages.
const DefaultCapacity = 128

var ErrNoSuchContext = errors.New("no such page context")

type Kind string

const (
	KindAds       Kind = "ads"
	KindTrackings Kind = "trackers"
)

// WhiteListConfig is a per-page override of ad/tracker whitelisting.
type WhiteListConfig struct {
	Ads      bool `json:"ads"`
	Trackers bool `json:"trackers"`
}

// PageContext is one browsing context within a session. ParentID is a
// plain key, never a pointer: eviction of a parent must not leave a
// dangling reference, so children are always recomputed from live
// contexts rather than stored.
type PageContext struct {
	ID                    string          `json:"id"`
	Origin                string          `json:"origin"`
	IP                    string          `json:"ip"`
	ParentID              string          `json:"parentId,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	BlockedAdsCount       int             `json:"blockedAdsCount"`
	BlockedTrackingsCount int             `json:"blockedTrackingsCount"`
	BlockedAds            []string        `json:"blockedAds,omitempty"`
	BlockedTrackings      []string        `json:"blockedTrackings,omitempty"`
	WhiteList             WhiteListConfig `json:"whiteList"`
}

type entry struct {
	id               string
	origin           string
	ip               string
	parentID         string
	createdAt        time.Time
	blockedAdsCount  int
	blockedTrkCount  int
	blockedAds       map[string]struct{}
	blockedTrackings map[string]struct{}
	whiteList        WhiteListConfig
	touched          uint64
}

// Tree holds the bounded forest of page contexts for one session.
type Tree struct {
	mu       sync.Mutex
	capacity int
	byOrigin map[string]*entry
	byID     map[string]*entry
	clock    uint64
	onEvict  func(origin string)
}

type Option func(*Tree)

// WithEvictHook registers a callback invoked (outside the hot path
// semantics, inside the lock) whenever a context is evicted.
func WithEvictHook(fn func(origin string)) Option {
	return func(t *Tree) { t.onEvict = fn }
}

func NewTree(capacity int, opts ...Option) *Tree {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tree{
		capacity: capacity,
		byOrigin: make(map[string]*entry),
		byID:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetOrCreate returns the live context for origin, creating and linking
// it to parentID if absent. When the tree is over capacity the
// least-recently-touched context is evicted.
func (t *Tree) GetOrCreate(parentID, origin, ip string) PageContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byOrigin[origin]; ok {
		t.touch(e)
		return snapshot(e)
	}
	e := &entry{
		id:               uuid.NewString(),
		origin:           origin,
		ip:               ip,
		parentID:         parentID,
		createdAt:        time.Now().UTC(),
		blockedAds:       make(map[string]struct{}),
		blockedTrackings: make(map[string]struct{}),
	}
	t.touch(e)
	t.byOrigin[origin] = e
	t.byID[e.id] = e
	for len(t.byOrigin) > t.capacity {
		t.evictOldest()
	}
	return snapshot(e)
}

// Get looks up without creating. Touches recency on hit.
func (t *Tree) Get(origin string) (PageContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byOrigin[origin]
	if !ok {
		return PageContext{}, false
	}
	t.touch(e)
	return snapshot(e), true
}

// PromoteToRoot clears a context's parent link. This is the only
// allowed mutation of the parent relationship: it happens when the
// browser reports the page as top-level content.
func (t *Tree) PromoteToRoot(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return ErrNoSuchContext
	}
	e.parentID = ""
	return nil
}

// IncrementBlocked records one blocked item against the context for
// origin. Blocking can race ahead of context creation, so an unknown
// origin is a silent no-op.
func (t *Tree) IncrementBlocked(kind Kind, origin, itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byOrigin[origin]
	if !ok {
		return
	}
	switch kind {
	case KindAds:
		e.blockedAdsCount++
		e.blockedAds[itemID] = struct{}{}
	case KindTrackings:
		e.blockedTrkCount++
		e.blockedTrackings[itemID] = struct{}{}
	}
}

// SetWhiteList stores the per-page whitelist override for origin.
func (t *Tree) SetWhiteList(origin string, cfg WhiteListConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byOrigin[origin]
	if !ok {
		return ErrNoSuchContext
	}
	e.whiteList = cfg
	return nil
}

func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOrigin)
}

// Node is one tree node of the reconstructed forest.
type Node struct {
	PageContext
	Children []Node `json:"children,omitempty"`
}

// SnapshotForest rebuilds the display forest by grouping live contexts
// by parent id. A context whose parent is absent or evicted becomes a
// root. Siblings are ordered by origin so the output is deterministic.
func (t *Tree) SnapshotForest() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	children := make(map[string][]*entry)
	var roots []*entry
	for _, e := range t.byOrigin {
		if e.parentID == "" {
			roots = append(roots, e)
			continue
		}
		if _, ok := t.byID[e.parentID]; !ok {
			roots = append(roots, e)
			continue
		}
		children[e.parentID] = append(children[e.parentID], e)
	}

	var build func(list []*entry) []Node
	build = func(list []*entry) []Node {
		sort.Slice(list, func(i, j int) bool { return list[i].origin < list[j].origin })
		nodes := make([]Node, 0, len(list))
		for _, e := range list {
			nodes = append(nodes, Node{
				PageContext: snapshot(e),
				Children:    build(children[e.id]),
			})
		}
		return nodes
	}
	return build(roots)
}

func (t *Tree) touch(e *entry) {
	t.clock++
	e.touched = t.clock
}

func (t *Tree) evictOldest() {
	var oldest *entry
	for _, e := range t.byOrigin {
		if oldest == nil || e.touched < oldest.touched {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	delete(t.byOrigin, oldest.origin)
	delete(t.byID, oldest.id)
	if t.onEvict != nil {
		t.onEvict(oldest.origin)
	}
}

func snapshot(e *entry) PageContext {
	return PageContext{
		ID:                    e.id,
		Origin:                e.origin,
		IP:                    e.ip,
		ParentID:              e.parentID,
		CreatedAt:             e.createdAt,
		BlockedAdsCount:       e.blockedAdsCount,
		BlockedTrackingsCount: e.blockedTrkCount,
		BlockedAds:            sortedKeys(e.blockedAds),
		BlockedTrackings:      sortedKeys(e.blockedTrackings),
		WhiteList:             e.whiteList,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
