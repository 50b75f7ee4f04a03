package metadata

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

type fakeProvider struct {
	name    string
	fields  Fields
	found   bool
	err     error
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Lookup(ctx context.Context, item model.MediaItem) (Fields, bool, error) {
	f.calls++
	return f.fields, f.found, f.err
}

func intp(v int) *int { return &v }

func TestEnrichStopsAtFirstCompleteResult(t *testing.T) {
	first := &fakeProvider{name: "a", found: true, fields: Fields{Title: "Show", Season: intp(1), Episode: intp(2), Year: intp(2020)}}
	second := &fakeProvider{name: "b", found: true, fields: Fields{Title: "Should Not Be Used"}}
	p := New([]Provider{first, second}, nil, zerolog.Nop())

	out := p.Enrich(context.Background(), model.MediaItem{ID: 1, Title: "Show"})
	require.Equal(t, "Show", out.Title)
	require.Equal(t, 0, second.calls, "chain must stop once a complete result is found")
}

func TestEnrichMergesAcrossProviders(t *testing.T) {
	first := &fakeProvider{name: "a", found: true, fields: Fields{Title: "Show"}}
	second := &fakeProvider{name: "b", found: true, fields: Fields{Season: intp(1), Episode: intp(2), Year: intp(2020)}}
	p := New([]Provider{first, second}, nil, zerolog.Nop())

	out := p.Enrich(context.Background(), model.MediaItem{ID: 1, Title: "Show"})
	require.Equal(t, "Show", out.Title)
	require.Equal(t, 1, *out.Season)
	require.Equal(t, 2, *out.Episode)
	require.Equal(t, 2020, *out.Year)
}

func TestConfidenceFallsWithFailureAndFloorsAt01(t *testing.T) {
	failing := &fakeProvider{name: "a", found: false}
	p := New([]Provider{failing}, nil, zerolog.Nop())

	for i := 0; i < 20; i++ {
		p.Enrich(context.Background(), model.MediaItem{ID: 1, Title: "X"})
	}
	require.InDelta(t, 0.1, p.Confidence(1), 1e-9)
}

func TestConfidenceRisesOnSuccess(t *testing.T) {
	ok := &fakeProvider{name: "a", found: true, fields: Fields{Title: "X"}}
	p := New([]Provider{ok}, nil, zerolog.Nop())
	before := p.Confidence(1)
	p.Enrich(context.Background(), model.MediaItem{ID: 1, Title: "X"})
	require.Greater(t, p.Confidence(1), before)
}

func TestRunCycleChecksDetectsDrift(t *testing.T) {
	prov := &fakeProvider{name: "a", found: true, fields: Fields{Title: "X"}}
	p := New([]Provider{prov}, nil, zerolog.Nop())

	p.Enrich(context.Background(), model.MediaItem{ID: 1})
	stats := p.RunCycleChecks(0, 0, 0)
	require.False(t, stats.DriftedUp, "first cycle has no prior ratio to compare against")

	// Second cycle: every lookup fails, so the ratio rises from 0 to 1.
	prov.found = false
	for i := 0; i < 5; i++ {
		p.Enrich(context.Background(), model.MediaItem{ID: int64(i + 2)})
	}
	stats = p.RunCycleChecks(0, 0, 0)
	require.Equal(t, 1.0, stats.FailureRatio)
	require.True(t, stats.DriftedUp)
}

type fakeIdentitySource struct {
	id, method string
}

func (f fakeIdentitySource) EnrichTVGID(currentTVGID, displayName string) (string, string) {
	return f.id, f.method
}

func TestEnrichChannelIdentityTriesInOrder(t *testing.T) {
	p := New(nil, []ChannelIdentityProvider{
		fakeIdentitySource{id: "", method: ""},
		fakeIdentitySource{id: "gridkey123", method: "gracenote_callsign"},
	}, zerolog.Nop())
	id, method := p.EnrichChannelIdentity("", "CNN HD")
	require.Equal(t, "gridkey123", id)
	require.Equal(t, "gracenote_callsign", method)
}

func TestFilenameProviderParsesEpisodeAndYear(t *testing.T) {
	fp := NewFilenameProvider()
	fields, found, err := fp.Lookup(context.Background(), model.MediaItem{URL: "/media/Cool Show (2019) S02E05.mkv"})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, *fields.Season)
	require.Equal(t, 5, *fields.Episode)
	require.Equal(t, 2019, *fields.Year)
}
