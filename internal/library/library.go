// Package library implements the Library Adapters & URL Resolver (spec.md
// §4.6): it resolves a model.MediaItem to a playable URL, per source, with
// a TTL-cached result and proactive refresh at 80% of the entry's TTL
// (spec.md P11). The per-source adapters are a capability interface
// (spec.md §9 "dynamic-dispatch subclasses for library adapters") rather
// than a class hierarchy — a registry maps model.MediaSource tags to
// Resolver implementations.
package library

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

// Resolved is what a Resolver hands back for one MediaItem.
type Resolved struct {
	URL string
	TTL time.Duration
}

// Resolver is the capability interface every source adapter implements.
type Resolver interface {
	Resolve(ctx context.Context, item model.MediaItem) (Resolved, error)
}

// Per-source TTLs, the design contract table in spec.md §3 (URLCacheEntry).
const (
	TTLInfinite   = 365 * 24 * time.Hour // local / http direct: never expires in practice
	TTLPlex       = 2 * time.Hour
	TTLJellyfin   = 1 * time.Hour
	TTLYouTube    = 6 * time.Hour
	TTLCloud      = 1 * time.Hour
	refreshFactor = 0.8
	maxRetries    = 5
)

// Cache is the narrow persistence seam the URL cache needs; internal/library
// badger_cache.go implements it against an embedded badger.DB, but tests can swap
// in an in-memory stub.
type Cache interface {
	Get(key string) (url string, fetchedAt time.Time, ttl time.Duration, ok bool)
	Set(key, url string, ttl time.Duration) error
}

// Registry is the URL Resolver: it owns the per-source adapter map and the
// TTL cache, and is the only thing the Channel Broadcaster talks to.
type Registry struct {
	logger zerolog.Logger
	cache  Cache

	resolvers map[model.MediaSource]Resolver

	refreshMu sync.Mutex
	inflight  map[string]bool
}

// New constructs a Registry. Adapters are registered via Register after
// construction so tests can swap in fakes for individual sources.
func New(cache Cache, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:    logger.With().Str("component", "library").Logger(),
		cache:     cache,
		resolvers: make(map[model.MediaSource]Resolver),
		inflight:  make(map[string]bool),
	}
}

func (r *Registry) Register(source model.MediaSource, resolver Resolver) {
	r.resolvers[source] = resolver
}

func cacheKey(item model.MediaItem) string {
	return fmt.Sprintf("%s/%s", item.Source, item.SourceID)
}

// ResolveURL returns a playable URL for item, serving from cache when fresh,
// proactively kicking off an async refresh past 80% of TTL (never blocking
// the caller on that refresh), and synchronously re-resolving with bounded
// retries once the entry is hard-expired or absent (spec.md §4.6, P11).
func (r *Registry) ResolveURL(ctx context.Context, item model.MediaItem) (string, error) {
	key := cacheKey(item)

	if url, fetchedAt, ttl, ok := r.cache.Get(key); ok {
		age := time.Since(fetchedAt)
		if age < ttl {
			if age > time.Duration(refreshFactor*float64(ttl)) {
				r.refreshAsync(item, key)
			}
			return url, nil
		}
		// hard-expired: fall through to synchronous re-resolve.
	}

	return r.resolveWithRetry(ctx, item, key)
}

func (r *Registry) refreshAsync(item model.MediaItem, key string) {
	r.refreshMu.Lock()
	if r.inflight[key] {
		r.refreshMu.Unlock()
		return
	}
	r.inflight[key] = true
	r.refreshMu.Unlock()

	go func() {
		defer func() {
			r.refreshMu.Lock()
			delete(r.inflight, key)
			r.refreshMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.resolveOnce(ctx, item); err != nil {
			// On refresh failure the existing (still-valid, just aging) entry
			// is kept until hard expiration — spec.md §4.6.
			r.logger.Warn().Err(err).Str("key", key).Msg("proactive url refresh failed; keeping stale entry")
		}
	}()
}

func (r *Registry) resolveWithRetry(ctx context.Context, item model.MediaItem, key string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1)) //nolint:gosec // retry jitter, not a security context
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		resolved, err := r.resolveOnce(ctx, item)
		if err == nil {
			return resolved.URL, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("resolve url for %s after %d attempts: %w", key, maxRetries, lastErr)
}

func (r *Registry) resolveOnce(ctx context.Context, item model.MediaItem) (Resolved, error) {
	resolver, ok := r.resolvers[item.Source]
	if !ok {
		return Resolved{}, fmt.Errorf("library: no resolver registered for source %q", item.Source)
	}
	resolved, err := resolver.Resolve(ctx, item)
	if err != nil {
		return Resolved{}, &xerrors.TransientSource{Cause: err}
	}
	if resolved.TTL <= 0 {
		resolved.TTL = defaultTTL(item.Source)
	}
	if err := r.cache.Set(cacheKey(item), resolved.URL, resolved.TTL); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write url cache entry")
	}
	return resolved, nil
}

// Invalidate drops a cache entry outright — used when a resolved URL comes
// back 401/403/410 (spec.md §7 "Resolved-URL expired"), forcing the next
// ResolveURL call to re-resolve synchronously.
func (r *Registry) Invalidate(item model.MediaItem) {
	_ = r.cache.Set(cacheKey(item), "", -1)
}

func defaultTTL(source model.MediaSource) time.Duration {
	switch source {
	case model.SourcePlex:
		return TTLPlex
	case model.SourceJellyfin, model.SourceEmby:
		return TTLJellyfin
	case model.SourceYouTube:
		return TTLYouTube
	case model.SourceArchiveOrg:
		return TTLCloud
	default:
		return TTLInfinite
	}
}
