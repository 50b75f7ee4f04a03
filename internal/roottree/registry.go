package roottree

import (
	"sync"

	"github.com/meridiantv/broadcastd/internal/agent"
	"github.com/meridiantv/broadcastd/internal/broadcaster"
	"github.com/meridiantv/broadcastd/internal/health"
)

// ChannelRegistry is the single map of live channel ID to its Broadcaster,
// shared by the health supervisor and the bounded AI agent. Both need the
// same live set but declare their own narrow interface over it
// (health.ChannelBroadcaster, agent.RestartTarget) — identical method sets,
// distinct named types, so this registry satisfies both structurally
// without needing two separate maps.
type ChannelRegistry struct {
	mu   sync.RWMutex
	byID map[int64]*broadcaster.Broadcaster
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{byID: make(map[int64]*broadcaster.Broadcaster)}
}

func (r *ChannelRegistry) Put(channelID int64, b *broadcaster.Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[channelID] = b
}

func (r *ChannelRegistry) Remove(channelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, channelID)
}

// Channels satisfies health.Registry.
func (r *ChannelRegistry) Channels() map[int64]health.ChannelBroadcaster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]health.ChannelBroadcaster, len(r.byID))
	for id, b := range r.byID {
		out[id] = b
	}
	return out
}

// Lookup satisfies agent.ChannelRegistry.
func (r *ChannelRegistry) Lookup(channelID int64) (agent.RestartTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[channelID]
	return b, ok
}

// Get returns the raw Broadcaster for channelID, satisfying
// internal/tunerapi.BroadcasterSource: the tuner HTTP surface needs
// AttachClient/DetachClient directly, which the narrower health/agent seams
// above don't expose.
func (r *ChannelRegistry) Get(channelID int64) (*broadcaster.Broadcaster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[channelID]
	return b, ok
}
