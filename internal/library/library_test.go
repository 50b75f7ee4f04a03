package library

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

type memCache struct {
	url       string
	fetchedAt time.Time
	ttl       time.Duration
	ok        bool
}

func (m *memCache) Get(string) (string, time.Time, time.Duration, bool) {
	return m.url, m.fetchedAt, m.ttl, m.ok
}
func (m *memCache) Set(_, url string, ttl time.Duration) error {
	if ttl <= 0 {
		m.ok = false
		return nil
	}
	m.url, m.fetchedAt, m.ttl, m.ok = url, time.Now().UTC(), ttl, true
	return nil
}

type countingResolver struct {
	calls int32
	url   string
}

func (c *countingResolver) Resolve(context.Context, model.MediaItem) (Resolved, error) {
	atomic.AddInt32(&c.calls, 1)
	return Resolved{URL: c.url, TTL: time.Hour}, nil
}

func TestResolveURLServesFreshCacheWithoutCallingResolver(t *testing.T) {
	cache := &memCache{url: "http://cached", fetchedAt: time.Now().UTC(), ttl: time.Hour, ok: true}
	r := New(cache, zerolog.Nop())
	resolver := &countingResolver{url: "http://fresh"}
	r.Register(model.SourcePlex, resolver)

	got, err := r.ResolveURL(context.Background(), model.MediaItem{Source: model.SourcePlex, SourceID: "1"})
	require.NoError(t, err)
	require.Equal(t, "http://cached", got)
	require.EqualValues(t, 0, resolver.calls)
}

func TestResolveURLHardExpiredReResolvesSynchronously(t *testing.T) {
	cache := &memCache{url: "http://stale", fetchedAt: time.Now().UTC().Add(-2 * time.Hour), ttl: time.Hour, ok: true}
	r := New(cache, zerolog.Nop())
	resolver := &countingResolver{url: "http://fresh"}
	r.Register(model.SourcePlex, resolver)

	got, err := r.ResolveURL(context.Background(), model.MediaItem{Source: model.SourcePlex, SourceID: "1"})
	require.NoError(t, err)
	require.Equal(t, "http://fresh", got)
	require.EqualValues(t, 1, resolver.calls)
}

func TestResolveURLPastRefreshFactorStillServesStaleButSchedulesRefresh(t *testing.T) {
	// Age at 85% of a 1h TTL: past the 0.8 threshold but not hard-expired.
	cache := &memCache{url: "http://aging", fetchedAt: time.Now().UTC().Add(-51 * time.Minute), ttl: time.Hour, ok: true}
	r := New(cache, zerolog.Nop())
	resolver := &countingResolver{url: "http://refreshed"}
	r.Register(model.SourcePlex, resolver)

	got, err := r.ResolveURL(context.Background(), model.MediaItem{Source: model.SourcePlex, SourceID: "1"})
	require.NoError(t, err)
	require.Equal(t, "http://aging", got, "the aging-but-not-expired entry must still be served immediately")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&resolver.calls) == 1 }, time.Second, 10*time.Millisecond,
		"a background refresh must call the resolver once")
}

func TestLocalResolverNormalizesToForwardSlashFileURL(t *testing.T) {
	r := LocalResolver{}
	got, err := r.Resolve(context.Background(), model.MediaItem{URL: `/media/shows/a.mkv`})
	require.NoError(t, err)
	require.Equal(t, "file:///media/shows/a.mkv", got.URL)
	require.Equal(t, TTLInfinite, got.TTL)
}
