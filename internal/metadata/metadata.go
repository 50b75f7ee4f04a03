// Package metadata implements the Metadata Enrichment Pipeline (spec.md
// §4.9): a TVDB -> TMDB -> local NFO -> filename fallback chain, confidence
// tracking consumed by the bounded AI agent's AIEnvelope, and per-EPG-cycle
// drift/early-warning checks. Lookups never block streaming; a broadcaster
// never waits on this package.
package metadata

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/metrics"
	"github.com/meridiantv/broadcastd/internal/model"
)

const (
	confidenceFailureMultiplier = 0.8
	confidenceFloor             = 0.1
	confidenceCeiling           = 1.0
	driftWarningThreshold       = 0.1
	missingEpisodeWarnRatio     = 0.05
	missingYearWarnRatio        = 0.05
	placeholderWarnCount        = 10
	failureRatioWarnThreshold   = 0.3
)

// Fields is the set of item attributes a Provider can contribute. A zero
// value for any field means "not found"; providers merge into whatever the
// earlier chain entries left unset.
type Fields struct {
	Title   string
	Season  *int
	Episode *int
	Year    *int
	Genres  []string
}

func (f Fields) empty() bool {
	return f.Title == "" && f.Season == nil && f.Episode == nil && f.Year == nil && len(f.Genres) == 0
}

func mergeFields(dst, src Fields) Fields {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Season == nil {
		dst.Season = src.Season
	}
	if dst.Episode == nil {
		dst.Episode = src.Episode
	}
	if dst.Year == nil {
		dst.Year = src.Year
	}
	if len(dst.Genres) == 0 {
		dst.Genres = src.Genres
	}
	return dst
}

func (f Fields) complete() bool {
	return f.Title != "" && f.Season != nil && f.Episode != nil && f.Year != nil
}

// Provider is one step of the spec.md §4.9 fallback chain.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error)
}

// ChannelIdentityProvider resolves a channel's canonical guide id from a
// currently-known tvg-id and display name. gracenote.DB, iptvorg.DB, and
// schedulesdirect.DB each already expose this exact method signature
// (EnrichTVGID), so they satisfy this interface without an adapter.
type ChannelIdentityProvider interface {
	EnrichTVGID(currentTVGID, displayName string) (id string, method string)
}

// Pipeline runs the provider chain per item and tracks the confidence,
// drift, and early-warning state spec.md §4.9 requires.
type Pipeline struct {
	providers []Provider
	identity  []ChannelIdentityProvider
	logger    zerolog.Logger

	mu               sync.Mutex
	confidence       map[int64]float64
	cycleSuccesses   int
	cycleFailures    int
	prevFailureRatio float64
	haveHistory      bool
}

// New builds a Pipeline with providers tried in the given order (spec.md
// §4.9: TVDB, TMDB, NFO, filename). identity providers (gracenote, iptvorg,
// schedulesdirect) are tried, in order, after the item chain, only for
// channel guide-id enrichment (a distinct concern from item title/episode
// metadata) — see SPEC_FULL.md's supplemented-features section.
func New(providers []Provider, identity []ChannelIdentityProvider, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		providers:  providers,
		identity:   identity,
		logger:     logger.With().Str("component", "metadata").Logger(),
		confidence: make(map[int64]float64),
	}
}

// Enrich runs the fallback chain for one item, merging fields from each
// provider tried until the result is complete or the chain is exhausted.
// Confidence for item.ID is updated per spec.md §4.9: a successful lookup
// raises it, a failure multiplies it by 0.8 with a floor of 0.1.
func (p *Pipeline) Enrich(ctx context.Context, item model.MediaItem) Fields {
	var out Fields
	for _, prov := range p.providers {
		if out.complete() {
			break
		}
		fields, found, err := prov.Lookup(ctx, item)
		if err != nil || !found || fields.empty() {
			p.recordFailure(item.ID)
			metrics.MetadataLookupFailureTotal.Inc()
			continue
		}
		out = mergeFields(out, fields)
		p.recordSuccess(item.ID)
		metrics.MetadataLookupSuccessTotal.Inc()
	}
	return out
}

// EnrichChannelIdentity tries each configured ChannelIdentityProvider in
// order, returning the first non-empty resolved guide id.
func (p *Pipeline) EnrichChannelIdentity(currentTVGID, displayName string) (id string, method string) {
	for _, src := range p.identity {
		if resolved, m := src.EnrichTVGID(currentTVGID, strings.TrimSpace(displayName)); resolved != "" {
			return resolved, m
		}
	}
	return currentTVGID, ""
}

func (p *Pipeline) recordSuccess(itemID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycleSuccesses++
	c := p.confidence[itemID]
	if c == 0 {
		c = 0.5
	}
	c += (confidenceCeiling - c) * 0.5
	p.confidence[itemID] = c
}

func (p *Pipeline) recordFailure(itemID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycleFailures++
	c := p.confidence[itemID]
	if c == 0 {
		c = 0.5
	}
	c *= confidenceFailureMultiplier
	if c < confidenceFloor {
		c = confidenceFloor
	}
	p.confidence[itemID] = c
}

// FailureRatio returns the failure ratio as of the last RunCycleChecks call,
// for the bounded AI agent's self-resolution-worsened-things abort check
// (spec.md §4.10).
func (p *Pipeline) FailureRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prevFailureRatio
}

// Confidence returns the current confidence for an item, defaulting to 0.5
// (neutral) for items never looked up.
func (p *Pipeline) Confidence(itemID int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.confidence[itemID]; ok {
		return c
	}
	return 0.5
}

// CycleStats is what RunCycleChecks reports back to the caller (the EPG
// generator's per-cycle loop) for wiring into the AI envelope.
type CycleStats struct {
	FailureRatio float64
	DriftedUp    bool
}

// RunCycleChecks implements spec.md §4.9's once-per-EPG-cycle drift
// detection and early-warning logging, then resets the per-cycle counters.
// missingEpisodeRatio, missingYearRatio, and placeholderCount are supplied
// by the caller (the EPG generator), which is the only component that knows
// the shape of the just-generated document.
func (p *Pipeline) RunCycleChecks(missingEpisodeRatio, missingYearRatio float64, placeholderCount int) CycleStats {
	p.mu.Lock()
	successes, failures := p.cycleSuccesses, p.cycleFailures
	p.cycleSuccesses, p.cycleFailures = 0, 0
	p.mu.Unlock()

	var ratio float64
	if successes+failures > 0 {
		ratio = float64(failures) / float64(successes+failures)
	}
	metrics.MetadataFailureRatio.Set(ratio)

	drifted := false
	p.mu.Lock()
	if p.haveHistory && ratio-p.prevFailureRatio > driftWarningThreshold {
		drifted = true
	}
	p.prevFailureRatio = ratio
	p.haveHistory = true
	p.mu.Unlock()

	if drifted {
		metrics.MetadataDriftWarningTotal.Inc()
		p.logger.Warn().Float64("failure_ratio", ratio).Msg("metadata_failure_ratio rose by more than 0.1 since the prior cycle")
	}

	if missingEpisodeRatio > missingEpisodeWarnRatio {
		p.logger.Warn().Float64("missing_episode_ratio", missingEpisodeRatio).Msg("more than 5% of programmes are missing an episode number")
	}
	if missingYearRatio > missingYearWarnRatio {
		p.logger.Warn().Float64("missing_year_ratio", missingYearRatio).Msg("more than 5% of programmes are missing a year")
	}
	if placeholderCount > placeholderWarnCount {
		p.logger.Warn().Int("placeholder_count", placeholderCount).Msg("more than 10 programmes used a placeholder title this cycle")
	}
	if ratio > failureRatioWarnThreshold {
		p.logger.Warn().Float64("failure_ratio", ratio).Msg("metadata_failure_ratio exceeds 0.3")
	}

	return CycleStats{FailureRatio: ratio, DriftedUp: drifted}
}
