// Package epg implements the EPG Generator (spec.md §4.8): it walks each
// enabled channel's authoritative playout forward, reassigns sequential
// non-overlapping programme times regardless of what the playout engine's
// own slot timings say, resolves titles through a fallback chain, and
// validates the whole document before emit — a validation failure keeps the
// prior cycle's cached XMLTV rather than emitting anything broken. The
// resulting document is served at GET /epg.xml by internal/tunerapi.
package epg

import (
	"context"
	"encoding/xml"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridiantv/broadcastd/internal/metrics"
	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

// ProgrammeSource is the seam into internal/playout.Engine.
type ProgrammeSource interface {
	FutureProgrammes(ctx context.Context, channelID int64, now time.Time, horizon time.Duration) ([]model.ScheduledProgramme, error)
}

// LineupChannel is the minimal per-channel shape the generator and its
// lineup cross-check need; internal/tunerapi's lineup entries are built
// from the same channel rows.
type LineupChannel struct {
	ChannelID   int64
	GuideNumber string
	GuideName   string
}

// LineupSource exposes the enabled lineup for the cross-check in spec.md
// §4.8 step 7 ("lineup cross-check").
type LineupSource interface {
	Lineup() []LineupChannel
}

const (
	defaultHorizon   = 48 * time.Hour
	defaultBackSlots = 5
)

var (
	episodePattern   = regexp.MustCompile(`(?i)S(\d{1,2})E(\d{1,2})`)
	yearPattern      = regexp.MustCompile(`(19|20)\d{2}`)
	placeholderTitle = regexp.MustCompile(`^Item \d+$`)
)

// CycleStats summarizes one Generate call for internal/metadata's per-cycle
// early-warning checks (spec.md §4.9): the ratio of programmes missing an
// episode number, the ratio missing a year, and the count of placeholder
// titles emitted.
type CycleStats struct {
	MissingEpisodeRatio float64
	MissingYearRatio    float64
	PlaceholderCount    int
}

// ChannelLister supplies the enabled channel set for a parameterless
// Rebuild call (the bounded AI agent's rebuild_xmltv tool has no per-channel
// context of its own). internal/store.Store.ListEnabledChannels satisfies
// this directly.
type ChannelLister interface {
	ListEnabledChannels() ([]*model.Channel, error)
}

// Generator produces and validates XMLTV documents.
type Generator struct {
	programmes ProgrammeSource
	lineup     LineupSource
	channels   ChannelLister

	mu        sync.Mutex
	cachedXML []byte
	lastCycle CycleStats
}

func New(programmes ProgrammeSource, lineup LineupSource) *Generator {
	return &Generator{programmes: programmes, lineup: lineup}
}

// WithChannelLister attaches the channel source Rebuild uses; returns g for
// chaining at construction time.
func (g *Generator) WithChannelLister(ch ChannelLister) *Generator {
	g.channels = ch
	return g
}

// Rebuild implements internal/agent.EPGRebuilder: regenerate the XMLTV
// document for every known channel, right now.
func (g *Generator) Rebuild(ctx context.Context) error {
	if g.channels == nil {
		return fmt.Errorf("epg: no channel lister configured")
	}
	channels, err := g.channels.ListEnabledChannels()
	if err != nil {
		return err
	}
	_, err = g.Generate(ctx, channels, time.Now())
	return err
}

// tvChannel / tvProgramme mirror XMLTV's <channel>/<programme> element shape.
type tvDoc struct {
	XMLName   xml.Name      `xml:"tv"`
	Channels  []tvChannel   `xml:"channel"`
	Programme []tvProgramme `xml:"programme"`
}

type tvChannel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
}

type tvProgramme struct {
	Start       string     `xml:"start,attr"`
	Stop        string     `xml:"stop,attr"`
	Channel     string     `xml:"channel,attr"`
	Title       string     `xml:"title"`
	EpisodeNum  *episodeNS `xml:"episode-num,omitempty"`
}

type episodeNS struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

const xmltvTimeLayout = "20060102150405 -0700"

// Generate builds the full XMLTV document for channels, covering each
// channel's programmes from its current playout position through now+48h;
// programmes that finished before the current one are not included. On validation failure
// it returns the prior cycle's cached bytes and a non-nil error wrapping
// xerrors.EPGValidationFailed — callers should log and keep serving the
// cached bytes (spec.md §7).
func (g *Generator) Generate(ctx context.Context, channels []*model.Channel, now time.Time) ([]byte, error) {
	doc := &tvDoc{}
	var allProgrammes []tvProgramme
	var missingEpisode, missingYear, placeholders, total int

	for _, ch := range channels {
		if !ch.ShowInEPG || !ch.Enabled {
			continue
		}
		doc.Channels = append(doc.Channels, tvChannel{ID: guideID(ch), DisplayName: ch.Name})

		progs, err := g.programmes.FutureProgrammes(ctx, ch.ID, now, defaultHorizon)
		if err != nil {
			return g.keepCached(fmt.Errorf("load programmes for channel %d: %w", ch.ID, err))
		}

		seq := sequentialize(progs, now)
		for _, p := range seq {
			total++
			title := resolveTitle(ch, p)
			if placeholderTitle.MatchString(title) {
				metrics.PlaceholderTitleGeneratedTotal.Inc()
				placeholders++
			}

			tp := tvProgramme{
				Start:   p.Start.Format(xmltvTimeLayout),
				Stop:    p.End.Format(xmltvTimeLayout),
				Channel: guideID(ch),
				Title:   title,
			}
			if p.MediaItem.Season != nil && p.MediaItem.Episode != nil {
				tp.EpisodeNum = &episodeNS{
					System: "xmltv_ns",
					Value:  fmt.Sprintf("%d.%d.0", maxInt(0, *p.MediaItem.Season-1), maxInt(0, *p.MediaItem.Episode-1)),
				}
			} else {
				missingEpisode++
			}
			if p.MediaItem.Year == nil {
				missingYear++
			}
			allProgrammes = append(allProgrammes, tp)
		}
	}
	doc.Programme = allProgrammes

	stats := CycleStats{PlaceholderCount: placeholders}
	if total > 0 {
		stats.MissingEpisodeRatio = float64(missingEpisode) / float64(total)
		stats.MissingYearRatio = float64(missingYear) / float64(total)
	}

	if err := g.validate(doc, now); err != nil {
		return g.keepCached(&xerrors.EPGValidationFailed{Cause: err})
	}
	if err := g.crossCheckLineup(doc); err != nil {
		metrics.XMLTVLineupMismatchTotal.Inc()
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return g.keepCached(&xerrors.EPGValidationFailed{Cause: err})
	}
	full := append([]byte(xml.Header), out...)

	g.mu.Lock()
	g.cachedXML = full
	g.lastCycle = stats
	g.mu.Unlock()
	return full, nil
}

// LastCycleStats returns the missing-episode/year ratios and placeholder
// count from the most recent successful Generate call, for
// internal/metadata's per-cycle early-warning checks.
func (g *Generator) LastCycleStats() CycleStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCycle
}

func (g *Generator) keepCached(err error) ([]byte, error) {
	metrics.XMLTVValidationErrorTotal.Inc()
	g.mu.Lock()
	cached := g.cachedXML
	g.mu.Unlock()
	return cached, err
}

// sequentialize implements spec.md §4.8 step 2: regardless of upstream
// timing, each programme's start equals the prior programme's end, and the
// first programme's start is taken from the engine's own first entry (which
// is itself the playout anchor). It also guarantees step 3: the currently
// playing item is retained even if its start is in the past, as long as
// now < end.
func sequentialize(progs []model.ScheduledProgramme, now time.Time) []model.ScheduledProgramme {
	out := make([]model.ScheduledProgramme, 0, len(progs))
	var cursor time.Time
	for i, p := range progs {
		start := p.Start
		if i > 0 {
			start = cursor
		}
		dur := p.End.Sub(p.Start)
		end := start.Add(dur)
		out = append(out, model.ScheduledProgramme{MediaItem: p.MediaItem, Start: start, End: end})
		cursor = end
	}
	return out
}

// resolveTitle implements the fallback chain in spec.md §4.8 step 4,
// stopping at the first non-empty, non-placeholder candidate.
func resolveTitle(ch *model.Channel, p model.ScheduledProgramme) string {
	candidates := []string{
		"", // slot custom_title is not threaded through ScheduledProgramme today; filename/basename chain below covers it
		p.MediaItem.Title,
		deriveFromFilename(p.MediaItem.URL),
		path.Base(p.MediaItem.URL),
		fmt.Sprintf("%s — %s", ch.Name, p.Start.Format(time.Kitchen)),
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || placeholderTitle.MatchString(c) {
			continue
		}
		return c
	}
	return fmt.Sprintf("%s — %s", ch.Name, p.Start.Format(time.Kitchen))
}

func deriveFromFilename(url string) string {
	base := path.Base(url)
	name := strings.TrimSuffix(base, path.Ext(base))
	if m := episodePattern.FindStringSubmatch(name); m != nil {
		show := strings.TrimSpace(episodePattern.ReplaceAllString(name, ""))
		show = strings.Trim(show, " -._")
		if show == "" {
			show = "Show"
		}
		return fmt.Sprintf("%s S%sE%s", show, m[1], m[2])
	}
	if m := yearPattern.FindString(name); m != "" {
		title := strings.TrimSpace(strings.Replace(name, m, "", 1))
		title = strings.Trim(title, " -._()[]")
		if title == "" {
			return ""
		}
		return fmt.Sprintf("%s (%s)", title, m)
	}
	return ""
}

func guideID(ch *model.Channel) string {
	return strings.TrimSpace(ch.Number)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// validate implements spec.md §4.8 step 7's per-programme and cross-
// programme checks.
func (g *Generator) validate(doc *tvDoc, now time.Time) error {
	byChannel := make(map[string][]tvProgramme)
	for _, p := range doc.Programme {
		start, err := time.Parse(xmltvTimeLayout, p.Start)
		if err != nil {
			return fmt.Errorf("unparseable start time %q: %w", p.Start, err)
		}
		stop, err := time.Parse(xmltvTimeLayout, p.Stop)
		if err != nil {
			return fmt.Errorf("unparseable stop time %q: %w", p.Stop, err)
		}
		if !start.Before(stop) {
			return fmt.Errorf("programme start %s not before stop %s", p.Start, p.Stop)
		}
		if strings.TrimSpace(p.Title) == "" {
			return fmt.Errorf("empty title for channel %s at %s", p.Channel, p.Start)
		}
		if start.Year() < 1970 || start.Year() > 2100 || stop.Year() < 1970 || stop.Year() > 2100 {
			return fmt.Errorf("programme time out of [1970,2100] range: %s / %s", p.Start, p.Stop)
		}
		byChannel[p.Channel] = append(byChannel[p.Channel], p)
	}

	for chID, progs := range byChannel {
		sort.Slice(progs, func(i, j int) bool { return progs[i].Start < progs[j].Start })
		for i := 1; i < len(progs); i++ {
			prevStop, _ := time.Parse(xmltvTimeLayout, progs[i-1].Stop)
			curStart, _ := time.Parse(xmltvTimeLayout, progs[i].Start)
			if curStart.Before(prevStop) {
				return fmt.Errorf("overlapping programmes on channel %s", chID)
			}
			prevStart, _ := time.Parse(xmltvTimeLayout, progs[i-1].Start)
			if curStart.Before(prevStart) {
				return fmt.Errorf("non-monotone start times on channel %s", chID)
			}
		}
	}

	seenIDs := make(map[string]bool)
	for _, c := range doc.Channels {
		if strings.TrimSpace(c.DisplayName) == "" {
			return fmt.Errorf("empty display-name for channel %s", c.ID)
		}
		if seenIDs[c.ID] {
			return fmt.Errorf("duplicate xmltv channel id %s", c.ID)
		}
		seenIDs[c.ID] = true
	}
	return nil
}

// crossCheckLineup implements the lineup ⇄ EPG cross-check (spec.md §4.8
// step 7, P6): the sets of guide numbers in the lineup and in the XMLTV
// channel list must match.
func (g *Generator) crossCheckLineup(doc *tvDoc) error {
	if g.lineup == nil {
		return nil
	}
	lineupIDs := make(map[string]bool)
	for _, l := range g.lineup.Lineup() {
		lineupIDs[strings.TrimSpace(l.GuideNumber)] = true
	}
	epgIDs := make(map[string]bool)
	for _, c := range doc.Channels {
		epgIDs[c.ID] = true
	}
	if len(lineupIDs) != len(epgIDs) {
		return fmt.Errorf("lineup/epg channel count mismatch: lineup=%d epg=%d", len(lineupIDs), len(epgIDs))
	}
	for id := range epgIDs {
		if !lineupIDs[id] {
			return fmt.Errorf("epg channel %s not present in lineup", id)
		}
	}
	return nil
}

// Bytes returns the last successfully generated (or still-cached) document.
func (g *Generator) Bytes() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]byte(nil), g.cachedXML...)
}
