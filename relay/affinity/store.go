// Package affinity pins sessions to upstreams. Bindings live in-process
// with an idle TTL; losing one on restart only costs a re-route, so nothing
// is persisted.
package affinity

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/causewayapi/causeway/common/metrics"
)

// idleTTL is how long a binding survives without being touched.
const idleTTL = 30 * time.Minute

// Binding pins one session to an upstream and accumulates the migration
// metric across its requests.
type Binding struct {
	UpstreamId int64
	// Accumulated is total tokens or response bytes, per the upstream's
	// configured migration metric.
	Accumulated int64
	EstablishedAt time.Time
}

// Store maps session ids to bindings. Mutations to a binding happen under
// the store lock; the underlying cache handles idle expiry.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewStore returns an empty affinity store.
func NewStore() *Store {
	return &Store{
		cache: gocache.New(idleTTL, 10*time.Minute),
	}
}

// Get returns the current binding for a session and refreshes its idle TTL.
func (s *Store) Get(sessionId string) (Binding, bool) {
	if sessionId == "" {
		return Binding{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(sessionId)
	if !ok {
		return Binding{}, false
	}
	b := v.(Binding)
	s.cache.Set(sessionId, b, idleTTL)
	return b, true
}

// Establish binds a session to an upstream, replacing any previous binding
// and resetting the accumulated metric.
func (s *Store) Establish(sessionId string, upstreamId int64) {
	if sessionId == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(sessionId, Binding{
		UpstreamId:    upstreamId,
		EstablishedAt: time.Now(),
	}, idleTTL)
	metrics.GlobalRecorder.RecordAffinityEvent("establish")
}

// Accumulate adds to the session's migration metric. A vanished binding is
// a no-op.
func (s *Store) Accumulate(sessionId string, delta int64) {
	if sessionId == "" || delta <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(sessionId)
	if !ok {
		return
	}
	b := v.(Binding)
	b.Accumulated += delta
	s.cache.Set(sessionId, b, idleTTL)
}

// Drop removes the binding, typically because the migration threshold was
// crossed or the bound upstream became ineligible.
func (s *Store) Drop(sessionId string) {
	if sessionId == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(sessionId)
	metrics.GlobalRecorder.RecordAffinityEvent("drop")
}

// Len reports the number of live bindings, for the status endpoint.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.ItemCount()
}
