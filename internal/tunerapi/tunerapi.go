// Package tunerapi is the Tuner Emulation surface (spec.md §4.7, §6.1, §6.2):
// an HTTP server that makes broadcastd indistinguishable from a networked TV
// tuner appliance to discovery-driven clients (Plex, HDHomeRun scanners).
// Routed with chi the same way internal/httpapi is, logged with zerolog, and
// using goccy/go-json on its JSON endpoints the way the rest of the corpus
// (e.g. cartographus's authz handlers) swaps it in as a drop-in encoding/json
// replacement on hot request paths.
package tunerapi

import (
	"compress/gzip"
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/broadcaster"
	"github.com/meridiantv/broadcastd/internal/model"
)

// StreamBroadcaster is the seam into internal/broadcaster.Broadcaster that
// the tune handler needs: enough to start an idle channel and fan its bytes
// to one more client.
type StreamBroadcaster interface {
	Start(ctx context.Context)
	AttachClient(capacityChunks int) (<-chan broadcaster.Chunk, string)
	DetachClient(sessionID string)
}

// BroadcasterSource resolves a channel ID to its live Broadcaster.
// internal/roottree.ChannelRegistry.Get satisfies this.
type BroadcasterSource interface {
	Get(channelID int64) (StreamBroadcaster, bool)
}

// ChannelSource is the seam into internal/store.Store for channel lookup by
// number (tune, IPTV) and lineup enumeration (lineup.json, playlist.m3u).
type ChannelSource interface {
	GetChannel(number string) (*model.Channel, error)
	ListEnabledChannels() ([]*model.Channel, error)
}

// EPGSource supplies the cached XMLTV document for /epg.xml.
// internal/epg.Generator.Bytes satisfies this.
type EPGSource interface {
	Bytes() []byte
}

// Config fixes the appliance identity spec.md §4.7's Discovery response
// advertises. TunerCount defaults to 4 per spec; DeviceID is normalized to
// 8 uppercase hex characters, falling back to a deterministic value when the
// configured one doesn't fit.
type Config struct {
	FriendlyName string
	ModelNumber  string
	DeviceID     string
	TunerCount   int
}

var deviceIDPattern = regexp.MustCompile(`^[0-9A-F]{8}$`)

// deviceIDFallback is the deterministic default spec.md line 357 names.
const deviceIDFallback = "E5E17001"

func (c Config) normalized(logger zerolog.Logger) Config {
	out := c
	if out.FriendlyName == "" {
		out.FriendlyName = "broadcastd"
	}
	if out.ModelNumber == "" {
		out.ModelNumber = "HDTC-2US"
	}
	if out.TunerCount <= 0 {
		out.TunerCount = 4
	}
	id := strings.ToUpper(strings.TrimSpace(out.DeviceID))
	if !deviceIDPattern.MatchString(id) {
		if out.DeviceID != "" {
			logger.Warn().Str("configured_device_id", out.DeviceID).Msg("device id is not 8 hex characters, normalizing to fallback")
		}
		id = deviceIDFallback
	}
	out.DeviceID = id
	return out
}

// Server wires the tuner emulation and IPTV surfaces.
type Server struct {
	cfg          Config
	channels     ChannelSource
	broadcasters BroadcasterSource
	epg          EPGSource
	queueChunks  int
	logger       zerolog.Logger
}

func New(cfg Config, channels ChannelSource, broadcasters BroadcasterSource, epgSrc EPGSource, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "tunerapi").Logger()
	return &Server{
		cfg:          cfg.normalized(logger),
		channels:     channels,
		broadcasters: broadcasters,
		epg:          epgSrc,
		queueChunks:  200,
		logger:       logger,
	}
}

// Router builds the chi router for the whole tuner + IPTV surface (spec.md
// §6.1, §6.2). Unlike internal/httpapi this carries no auth gate: a physical
// tuner doesn't challenge its discovery/stream endpoints either.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/discover", s.withEncoding(s.handleDiscover))
	r.Get("/discover.json", s.withEncoding(s.handleDiscover))
	r.Get("/lineup", s.withEncoding(s.handleLineup))
	r.Get("/lineup.json", s.withEncoding(s.handleLineup))
	r.Get("/lineup_status.json", s.withEncoding(s.handleLineupStatus))
	r.Get("/device.xml", s.handleDeviceXML)
	r.Get("/tune/tuner{k}", s.handleTune)
	r.Get("/stream/{number}", s.handleStreamByNumber)
	r.Get("/iptv/channel/{number}.ts", s.handleStreamByNumber)
	r.Get("/iptv/playlist.m3u", s.handlePlaylist)
	r.Get("/epg.xml", s.handleEPG)

	return r
}

type discoverResponse struct {
	FriendlyName string `json:"FriendlyName"`
	ModelNumber  string `json:"ModelNumber"`
	DeviceID     string `json:"DeviceID"`
	BaseURL      string `json:"BaseURL"`
	LineupURL    string `json:"LineupURL"`
	GuideURL     string `json:"GuideURL"`
	TunerCount   int    `json:"TunerCount"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	writeJSON(w, http.StatusOK, discoverResponse{
		FriendlyName: s.cfg.FriendlyName,
		ModelNumber:  s.cfg.ModelNumber,
		DeviceID:     s.cfg.DeviceID,
		BaseURL:      base,
		LineupURL:    base + "/lineup.json",
		GuideURL:     base + "/epg.xml",
		TunerCount:   s.cfg.TunerCount,
	})
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
	})
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.ListEnabledChannels()
	if err != nil {
		s.logger.Error().Err(err).Msg("list enabled channels")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lineup unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, s.lineupEntries(channels, baseURL(r)))
}

// lineupEntries builds the spec.md §4.7/§6.1 {GuideNumber, GuideName, URL}
// array. ListEnabledChannels already orders by number, which satisfies the
// "entries ordered by channel number" requirement directly.
func (s *Server) lineupEntries(channels []*model.Channel, base string) []lineupEntry {
	out := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		out = append(out, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
			URL:         base + "/iptv/channel/" + ch.Number + ".ts",
		})
	}
	return out
}

func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	base := baseURL(r)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <URLBase>%s</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>broadcastd</manufacturer>
    <modelName>%s</modelName>
    <UDN>uuid:%s</UDN>
  </device>
</root>`, base, s.cfg.FriendlyName, s.cfg.ModelNumber, s.cfg.DeviceID)
}

var autoChannelPattern = regexp.MustCompile(`^auto:v\s*(.+)$`)

// handleTune implements spec.md line 359: GET /tune/tuner{K}?channel=auto:v{N}.
// The {K} slot index is accepted but not tracked per-tuner; concurrency is
// bounded by the Process Pool Supervisor, not by a fixed tuner count.
func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("channel"))
	number := raw
	if m := autoChannelPattern.FindStringSubmatch(raw); m != nil {
		number = strings.TrimSpace(m[1])
	}
	s.streamChannel(w, r, number)
}

func (s *Server) handleStreamByNumber(w http.ResponseWriter, r *http.Request) {
	s.streamChannel(w, r, chi.URLParam(r, "number"))
}

// streamChannel resolves a channel by its string number — never int-parsed,
// per spec.md §4.7's "accept decimal channel numbers as strings" — attaches
// a client to its Broadcaster, and copies fan-out chunks onto the response
// body until the client disconnects.
func (s *Server) streamChannel(w http.ResponseWriter, r *http.Request, number string) {
	number = strings.TrimSpace(number)
	if number == "" {
		http.NotFound(w, r)
		return
	}
	ch, err := s.channels.GetChannel(number)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !ch.Enabled {
		http.Error(w, "channel disabled", http.StatusForbidden)
		return
	}
	b, ok := s.broadcasters.Get(ch.ID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	b.Start(ctx)
	chunks, sessionID := b.AttachClient(s.queueChunks)
	defer b.DetachClient(sessionID)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Transfer-Encoding", "chunked")
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-chunks:
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.ListEnabledChannels()
	if err != nil {
		s.logger.Error().Err(err).Msg("list enabled channels")
		http.Error(w, "playlist unavailable", http.StatusInternalServerError)
		return
	}
	base := baseURL(r)
	w.Header().Set("Content-Type", "audio/x-mpegurl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "#EXTM3U url-tvg=\"%s/epg.xml\"\n", base)
	for _, ch := range channels {
		fmt.Fprintf(w, "#EXTINF:-1 tvg-id=\"%s\" tvg-name=\"%s\",%s\n", ch.Number, m3uEscape(ch.Name), ch.Name)
		fmt.Fprintf(w, "%s/iptv/channel/%s.ts\n", base, ch.Number)
	}
}

func m3uEscape(s string) string { return strings.ReplaceAll(s, ",", " ") }

func (s *Server) handleEPG(w http.ResponseWriter, r *http.Request) {
	doc := s.epg.Bytes()
	if len(doc) == 0 {
		http.Error(w, "guide not yet generated", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(doc)
}

// baseURL derives the URL the server hands back to clients for its own
// resources (spec.md line 231): taken from the request's Host header,
// rewriting localhost/127.0.0.1 to a LAN-reachable address so a tuning
// client on another device doesn't receive an address it can't reach.
func baseURL(r *http.Request) string {
	host := r.Host
	if strings.Contains(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		if lan := outboundIP(); lan != "" {
			_, port, ok := strings.Cut(host, ":")
			if ok {
				host = lan + ":" + port
			} else {
				host = lan
			}
		}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + host
}

// withEncoding negotiates brotli over gzip over identity on the JSON
// discovery endpoints, the way a CDN-facing edge would, since Plex's own
// scan loop polls /lineup.json repeatedly and every byte saved there is
// saved on every poll.
func (s *Server) withEncoding(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(accept, "br"):
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
			defer bw.Close()
			next(&encodingWriter{ResponseWriter: w, enc: bw}, r)
		case strings.Contains(accept, "gzip"):
			w.Header().Set("Content-Encoding", "gzip")
			gw := gzip.NewWriter(w)
			defer gw.Close()
			next(&encodingWriter{ResponseWriter: w, enc: gw}, r)
		default:
			next(w, r)
		}
	}
}

type encodingWriter struct {
	http.ResponseWriter
	enc interface{ Write([]byte) (int, error) }
}

func (e *encodingWriter) Write(p []byte) (int, error) { return e.enc.Write(p) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// outboundIP finds the local address used to reach the public internet,
// without sending any traffic (UDP "connect" just picks a route).
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
