package library

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridiantv/broadcastd/internal/model"
)

// LocalResolver turns a local MediaItem into a file:// URL, normalized to
// forward slashes per spec.md §4.6 so downstream ffmpeg invocation is
// platform-stable. Local sources never expire.
type LocalResolver struct{}

func (LocalResolver) Resolve(_ context.Context, item model.MediaItem) (Resolved, error) {
	p := filepath.ToSlash(item.URL)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return Resolved{URL: "file://" + p, TTL: TTLInfinite}, nil
}

// HTTPResolver passes an HTTP-direct URL through after a reachability check
// (e.g. Archive.org page-linked media), per spec.md §4.6. It never expires
// in cache terms — the transcoder's own reconnect flags (spec.md §4.3) absorb
// transient failures at stream time.
type HTTPResolver struct {
	Client *http.Client
}

func (h HTTPResolver) Resolve(ctx context.Context, item model.MediaItem) (Resolved, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, item.URL, nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("build reachability check: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("http source unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Resolved{}, fmt.Errorf("http source returned %d", resp.StatusCode)
	}
	return Resolved{URL: item.URL, TTL: TTLInfinite}, nil
}

// PlexResolver requests a transcode/stream URL scoped by library section
// using a stored token, per spec.md §4.6's 2h TTL row.
type PlexResolver struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (p PlexResolver) Resolve(ctx context.Context, item model.MediaItem) (Resolved, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(strings.TrimRight(p.BaseURL, "/") + "/library/parts/" + item.SourceID + "/file.ts")
	if err != nil {
		return Resolved{}, fmt.Errorf("build plex stream url: %w", err)
	}
	q := u.Query()
	q.Set("X-Plex-Token", p.Token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return Resolved{}, fmt.Errorf("build plex reachability check: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Resolved{}, fmt.Errorf("plex source unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Resolved{}, fmt.Errorf("plex token rejected: %d", resp.StatusCode)
	}
	return Resolved{URL: u.String(), TTL: TTLPlex}, nil
}

// JellyfinResolver resolves Jellyfin/Emby item stream URLs (both APIs share
// the same item-stream shape), per spec.md §4.6's 1h TTL row.
type JellyfinResolver struct {
	BaseURL string
	APIKey  string
}

func (j JellyfinResolver) Resolve(_ context.Context, item model.MediaItem) (Resolved, error) {
	u := fmt.Sprintf("%s/Items/%s/Download?api_key=%s", strings.TrimRight(j.BaseURL, "/"), item.SourceID, j.APIKey)
	return Resolved{URL: u, TTL: TTLJellyfin}, nil
}

// YouTubeExtractor is implemented by the platform-specific stream-URL
// extractor; Resolve must run on a worker and never block the broadcaster's
// hot loop (spec.md §4.6).
type YouTubeExtractor interface {
	ExtractStreamURL(ctx context.Context, videoID string) (string, error)
}

// YouTubeResolver wraps a YouTubeExtractor, per spec.md §4.6's 6h TTL row.
type YouTubeResolver struct {
	Extractor YouTubeExtractor
}

func (y YouTubeResolver) Resolve(ctx context.Context, item model.MediaItem) (Resolved, error) {
	u, err := y.Extractor.ExtractStreamURL(ctx, item.SourceID)
	if err != nil {
		return Resolved{}, fmt.Errorf("extract youtube stream url: %w", err)
	}
	return Resolved{URL: u, TTL: TTLYouTube}, nil
}

// CloudPresignedProvider is implemented by a specific cloud storage adapter
// (out of scope per spec.md §1, specified only by this interface).
type CloudPresignedProvider interface {
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// CloudResolver resolves presigned URLs, per spec.md §4.6's 1h TTL row.
type CloudResolver struct {
	Provider CloudPresignedProvider
}

func (c CloudResolver) Resolve(ctx context.Context, item model.MediaItem) (Resolved, error) {
	u, err := c.Provider.PresignURL(ctx, item.SourceID, TTLCloud)
	if err != nil {
		return Resolved{}, fmt.Errorf("presign cloud url: %w", err)
	}
	return Resolved{URL: u, TTL: TTLCloud}, nil
}

// BaseURLFromRequest derives the base URL the service emits back to a
// client (tuner lineup URLs etc.) from the incoming request's Host header,
// rewriting localhost/127.0.0.1 to the server's LAN address (spec.md §4.6).
func BaseURLFromRequest(r *http.Request, lanAddr string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		if lanAddr != "" {
			_, port, ok := strings.Cut(host, ":")
			if ok && port != "" {
				host = lanAddr + ":" + port
			} else {
				host = lanAddr
			}
		}
	}
	return scheme + "://" + host
}
