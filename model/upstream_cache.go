package model

import (
	"context"
	"sync/atomic"

	"github.com/Laisky/zap"

	"github.com/causewayapi/causeway/common/logger"
)

// UpstreamCache holds the active upstream set in a copy-on-write slice. The
// router reads it on every request; Refresh swaps in a fresh load after
// admin changes or on the periodic reload.
type UpstreamCache struct {
	active atomic.Pointer[[]*Upstream]
	byId   atomic.Pointer[map[int64]*Upstream]
}

// NewUpstreamCache returns an empty cache; call Refresh before serving.
func NewUpstreamCache() *UpstreamCache {
	c := &UpstreamCache{}
	empty := []*Upstream{}
	c.active.Store(&empty)
	emptyMap := map[int64]*Upstream{}
	c.byId.Store(&emptyMap)
	return c
}

// Refresh reloads every upstream row and swaps both views.
func (c *UpstreamCache) Refresh(ctx context.Context) error {
	upstreams, err := ListUpstreams()
	if err != nil {
		return err
	}
	active := make([]*Upstream, 0, len(upstreams))
	byId := make(map[int64]*Upstream, len(upstreams))
	for _, u := range upstreams {
		byId[u.Id] = u
		if u.Active {
			active = append(active, u)
		}
	}
	c.active.Store(&active)
	c.byId.Store(&byId)
	logger.FromContext(ctx).Debug("upstream cache refreshed",
		zap.Int("total", len(upstreams)), zap.Int("active", len(active)))
	return nil
}

// Active returns the active upstreams, priority-ordered. Callers must not
// mutate the returned slice.
func (c *UpstreamCache) Active() []*Upstream {
	return *c.active.Load()
}

// All returns every cached upstream keyed by id, active or not.
func (c *UpstreamCache) All() map[int64]*Upstream {
	return *c.byId.Load()
}

// Get returns one cached upstream by id.
func (c *UpstreamCache) Get(id int64) (*Upstream, bool) {
	u, ok := (*c.byId.Load())[id]
	return u, ok
}
