// Package routing selects upstreams. A Selection is a lazy failover
// iterator: each Next claims one eligible upstream, honoring session
// affinity, priority tiers and weighted random choice within a tier, and
// every decision is captured in a trace persisted with the request log.
package routing

import (
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/relay/affinity"
	"github.com/causewayapi/causeway/relay/breaker"
	"github.com/causewayapi/causeway/relay/meta"
	"github.com/causewayapi/causeway/relay/quota"
)

// ErrNoEligibleUpstream means no upstream can serve the request right now.
var ErrNoEligibleUpstream = errors.New("no eligible upstream")

// ErrKeyForbidden means capable upstreams exist but the api key's
// allow-list excludes all of them.
var ErrKeyForbidden = errors.New("api key is not allowed on any capable upstream")

// Exclusion reasons recorded in the decision trace.
const (
	reasonKeyNotAllowed   = "key_not_allowed"
	reasonNoCapability    = "capability_mismatch"
	reasonModelNotAllowed = "model_not_allowed"
	reasonBreakerOpen     = "breaker_open"
	reasonQuotaExceeded   = "quota_exceeded"
	reasonAlreadyTried    = "already_tried"
)

// Router owns the eligibility sources the selector consults.
type Router struct {
	Upstreams *model.UpstreamCache
	Breakers  *breaker.Registry
	Quota     *quota.Tracker
	Affinity  *affinity.Store

	// MaxAttempts bounds attempts per request; zero falls back to config.
	MaxAttempts int

	// now and seedTick are injectable for deterministic tests.
	now func() time.Time
}

// NewRouter wires a router over the shared state.
func NewRouter(upstreams *model.UpstreamCache, breakers *breaker.Registry, quotaTracker *quota.Tracker, affinityStore *affinity.Store) *Router {
	return &Router{
		Upstreams: upstreams,
		Breakers:  breakers,
		Quota:     quotaTracker,
		Affinity:  affinityStore,
		now:       time.Now,
	}
}

// Attempt is one claimed upstream. The caller must settle the claim through
// the breaker (success, failure or release).
type Attempt struct {
	Upstream *model.Upstream
	// OutboundModel is the requested model after this upstream's redirect.
	OutboundModel string
	PriorityTier  int
	IsProbe       bool
	ViaAffinity   bool
}

// exclusion is one trace entry explaining why an upstream was skipped.
type exclusion struct {
	UpstreamId int64  `json:"upstream_id"`
	Reason     string `json:"reason"`
}

// trace is the serialized routing decision.
type trace struct {
	CandidateIds []int64     `json:"candidate_ids"`
	Excluded     []exclusion `json:"excluded,omitempty"`
	PickedIds    []int64     `json:"picked_ids,omitempty"`
	SessionBound bool        `json:"session_bound,omitempty"`
	Migrated     bool        `json:"migrated,omitempty"`
}

// Selection iterates eligible upstreams for one request.
type Selection struct {
	router *Router
	meta   *meta.Meta

	candidates []*model.Upstream
	tried      map[int64]bool
	attempts   int
	maxAttempt int

	affinityPending *model.Upstream
	affinityHit     bool
	migrated        bool

	rng   *rand.Rand
	trace trace

	lastTier int
	history  []model.FailoverEntry
}

// Select builds the candidate set and the affinity decision for a request.
// It returns ErrNoEligibleUpstream when the static filters (key allow-list,
// capability, model) leave nothing; dynamic exhaustion surfaces from Next.
func (r *Router) Select(m *meta.Meta) (*Selection, error) {
	s := &Selection{
		router:     r,
		meta:       m,
		tried:      map[int64]bool{},
		maxAttempt: r.maxAttempts(),
		rng:        rand.New(rand.NewSource(r.seed(m))),
	}

	keyBlocked := false
	for _, up := range r.Upstreams.Active() {
		switch {
		case !up.HasCapability(m.Capability):
			s.trace.Excluded = append(s.trace.Excluded, exclusion{up.Id, reasonNoCapability})
		case m.ApiKey != nil && !m.ApiKey.AllowsUpstream(up.Id):
			keyBlocked = true
			s.trace.Excluded = append(s.trace.Excluded, exclusion{up.Id, reasonKeyNotAllowed})
		case m.RequestModel != "" && !up.AllowsModel(up.RedirectModel(m.RequestModel)):
			s.trace.Excluded = append(s.trace.Excluded, exclusion{up.Id, reasonModelNotAllowed})
		default:
			s.candidates = append(s.candidates, up)
			s.trace.CandidateIds = append(s.trace.CandidateIds, up.Id)
		}
	}
	if len(s.candidates) == 0 {
		if keyBlocked {
			return nil, ErrKeyForbidden
		}
		return nil, ErrNoEligibleUpstream
	}

	s.resolveAffinity()
	return s, nil
}

// resolveAffinity decides whether the first attempt reuses a session
// binding, and drops bindings that can no longer be honored.
func (s *Selection) resolveAffinity() {
	if s.meta.SessionID == "" || s.router.Affinity == nil {
		return
	}
	binding, ok := s.router.Affinity.Get(s.meta.SessionID)
	if !ok {
		return
	}
	var bound *model.Upstream
	for _, up := range s.candidates {
		if up.Id == binding.UpstreamId {
			bound = up
			break
		}
	}
	if bound == nil {
		s.router.Affinity.Drop(s.meta.SessionID)
		return
	}
	if mig := bound.GetAffinityMigration(); mig != nil && mig.Enabled && binding.Accumulated >= mig.Threshold {
		s.router.Affinity.Drop(s.meta.SessionID)
		s.migrated = true
		s.trace.Migrated = true
		metrics.GlobalRecorder.RecordAffinityEvent("migrate")
		return
	}
	s.affinityPending = bound
	s.trace.SessionBound = true
}

// Next claims the next upstream to try. It returns ErrNoEligibleUpstream
// when the attempt budget or the candidate set is exhausted.
func (s *Selection) Next() (*Attempt, error) {
	if s.attempts >= s.maxAttempt {
		return nil, ErrNoEligibleUpstream
	}

	if up := s.affinityPending; up != nil {
		s.affinityPending = nil
		if attempt := s.claim(up, true); attempt != nil {
			s.affinityHit = true
			metrics.GlobalRecorder.RecordAffinityEvent("hit")
			return attempt, nil
		}
		// The bound upstream went dark; the binding no longer holds.
		s.router.Affinity.Drop(s.meta.SessionID)
	}

	for {
		pool := s.currentTier()
		if len(pool) == 0 {
			return nil, ErrNoEligibleUpstream
		}
		up := s.weightedPick(pool)
		if attempt := s.claim(up, false); attempt != nil {
			return attempt, nil
		}
		// claim marked it tried; loop and pick again.
	}
}

// currentTier returns the lowest-priority tier that still has an untried
// eligible candidate.
func (s *Selection) currentTier() []*model.Upstream {
	var pool []*model.Upstream
	tier := -1
	for _, up := range s.candidates {
		if s.tried[up.Id] {
			continue
		}
		if !s.eligibleNow(up) {
			continue
		}
		if tier == -1 || up.Priority < tier {
			tier = up.Priority
			pool = pool[:0]
		}
		if up.Priority == tier {
			pool = append(pool, up)
		}
	}
	return pool
}

// eligibleNow applies the dynamic mask: breaker and quota. Exclusions are
// traced once per upstream.
func (s *Selection) eligibleNow(up *model.Upstream) bool {
	if !s.router.Breakers.Get(up.Id).Eligible() {
		s.exclude(up.Id, reasonBreakerOpen)
		return false
	}
	if !s.router.Quota.IsWithinQuota(up.Id) {
		s.exclude(up.Id, reasonQuotaExceeded)
		return false
	}
	return true
}

func (s *Selection) exclude(id int64, reason string) {
	for _, e := range s.trace.Excluded {
		if e.UpstreamId == id && e.Reason == reason {
			return
		}
	}
	s.trace.Excluded = append(s.trace.Excluded, exclusion{id, reason})
}

// weightedPick draws from the pool with probability weight/Σweights.
func (s *Selection) weightedPick(pool []*model.Upstream) *model.Upstream {
	if len(pool) == 1 {
		return pool[0]
	}
	total := 0
	for _, up := range pool {
		total += up.Weight
	}
	n := s.rng.Intn(total)
	for _, up := range pool {
		n -= up.Weight
		if n < 0 {
			return up
		}
	}
	return pool[len(pool)-1]
}

// claim acquires the breaker slot for an upstream and builds the attempt.
// A refused claim marks the upstream tried so it is not drawn again.
func (s *Selection) claim(up *model.Upstream, viaAffinity bool) *Attempt {
	if !s.eligibleNow(up) {
		s.tried[up.Id] = true
		return nil
	}
	admitted, probe := s.router.Breakers.Get(up.Id).TryAcquire()
	if !admitted {
		s.exclude(up.Id, reasonBreakerOpen)
		s.tried[up.Id] = true
		return nil
	}
	s.tried[up.Id] = true
	s.attempts++
	s.lastTier = up.Priority
	s.trace.PickedIds = append(s.trace.PickedIds, up.Id)
	return &Attempt{
		Upstream:      up,
		OutboundModel: up.RedirectModel(s.meta.RequestModel),
		PriorityTier:  up.Priority,
		IsProbe:       probe,
		ViaAffinity:   viaAffinity,
	}
}

// Fail records a failed attempt in the failover history before the caller
// asks for the next upstream.
func (s *Selection) Fail(up *model.Upstream, errorType, message string, statusCode int) {
	s.history = append(s.history, model.FailoverEntry{
		UpstreamId:   up.Id,
		UpstreamName: up.Name,
		AttemptedAt:  s.router.now().UnixMilli(),
		ErrorType:    errorType,
		ErrorMessage: message,
		StatusCode:   statusCode,
	})
	metrics.GlobalRecorder.RecordFailover(up.Name, errorType)
}

// AffinityHit reports whether the served attempt reused a session binding.
func (s *Selection) AffinityHit() bool { return s.affinityHit }

// Migrated reports whether a binding was dropped by the migration rule.
func (s *Selection) Migrated() bool { return s.migrated }

// Attempts returns how many upstreams were claimed so far.
func (s *Selection) Attempts() int { return s.attempts }

// RoutingInfo assembles the persisted decision record.
func (s *Selection) RoutingInfo() *model.RoutingInfo {
	routingType := model.RoutingTypeWeighted
	switch {
	case s.attempts == 0:
		routingType = model.RoutingTypeNone
	case s.affinityHit:
		routingType = model.RoutingTypeAffinity
	}
	decision, _ := json.Marshal(s.trace)
	failovers := len(s.history)
	return &model.RoutingInfo{
		Type:             routingType,
		PriorityTier:     s.lastTier,
		FailoverAttempts: failovers,
		FailoverHistory:  s.history,
		Decision:         decision,
	}
}

func (r *Router) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	if config.MaxFailoverAttempts > 0 {
		return config.MaxFailoverAttempts
	}
	return 3
}

// seed mixes the request id with a coarse time tick, plus the session id
// when present so a session's draws stay stable across a short window.
func (r *Router) seed(m *meta.Meta) int64 {
	h := fnv.New64a()
	if m.SessionID != "" {
		h.Write([]byte(m.SessionID))
		return int64(h.Sum64()) ^ (r.now().Unix() / 30)
	}
	h.Write([]byte(m.RequestID))
	return int64(h.Sum64()) ^ r.now().UnixNano()
}
