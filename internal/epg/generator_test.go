package epg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

type fakeProgrammeSource struct {
	byChannel map[int64][]model.ScheduledProgramme
	err       error
}

func (f *fakeProgrammeSource) FutureProgrammes(ctx context.Context, channelID int64, now time.Time, horizon time.Duration) ([]model.ScheduledProgramme, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byChannel[channelID], nil
}

type fakeLineupSource struct {
	entries []LineupChannel
}

func (f *fakeLineupSource) Lineup() []LineupChannel { return f.entries }

func testChannel() *model.Channel {
	return &model.Channel{ID: 1, Number: "1.1", Name: "Test Channel", Enabled: true, ShowInEPG: true}
}

func intp(v int) *int { return &v }

func TestSequentializeReassignsNonOverlappingTimes(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	progs := []model.ScheduledProgramme{
		{MediaItem: model.MediaItem{Title: "A"}, Start: now, End: now.Add(30 * time.Minute)},
		// upstream claims this starts an hour later than it actually should
		{MediaItem: model.MediaItem{Title: "B"}, Start: now.Add(90 * time.Minute), End: now.Add(120 * time.Minute)},
	}
	out := sequentialize(progs, now)
	require.Len(t, out, 2)
	require.True(t, out[0].Start.Equal(now))
	require.True(t, out[0].End.Equal(now.Add(30*time.Minute)))
	require.True(t, out[1].Start.Equal(out[0].End), "second programme must start exactly when the first ends")
	require.True(t, out[1].End.Equal(out[1].Start.Add(30*time.Minute)), "original duration must be preserved")
}

func TestSequentializeKeepsCurrentlyPlayingItemWithPastStart(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	progs := []model.ScheduledProgramme{
		{MediaItem: model.MediaItem{Title: "Current"}, Start: now.Add(-10 * time.Minute), End: now.Add(20 * time.Minute)},
	}
	out := sequentialize(progs, now)
	require.Len(t, out, 1)
	require.True(t, out[0].Start.Before(now))
	require.True(t, out[0].End.After(now))
}

func TestResolveTitleFallsBackThroughChain(t *testing.T) {
	ch := testChannel()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	withTitle := model.ScheduledProgramme{MediaItem: model.MediaItem{Title: "Real Title"}, Start: now, End: now.Add(time.Hour)}
	require.Equal(t, "Real Title", resolveTitle(ch, withTitle))

	noTitle := model.ScheduledProgramme{MediaItem: model.MediaItem{Title: "", URL: "/media/shows/Cool Show S02E05.mkv"}, Start: now, End: now.Add(time.Hour)}
	require.Equal(t, "Cool Show S02E05", resolveTitle(ch, noTitle))

	yearOnly := model.ScheduledProgramme{MediaItem: model.MediaItem{Title: "", URL: "/media/movies/Old Movie (1987).mkv"}, Start: now, End: now.Add(time.Hour)}
	require.Equal(t, "Old Movie (1987)", resolveTitle(ch, yearOnly))

	// The basename "Item 7" is itself a placeholder, so every candidate
	// before the channel-name fallback is rejected.
	nothingUsable := model.ScheduledProgramme{MediaItem: model.MediaItem{Title: "", URL: "/media/x/Item 7"}, Start: now, End: now.Add(time.Hour)}
	title := resolveTitle(ch, nothingUsable)
	require.Contains(t, title, ch.Name, "must fall back to channel name + time when nothing else resolves")
}

func TestResolveTitleRejectsPlaceholderUpstreamTitle(t *testing.T) {
	ch := testChannel()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	p := model.ScheduledProgramme{MediaItem: model.MediaItem{Title: "Item 42", URL: "/media/x/file1.mkv"}, Start: now, End: now.Add(time.Hour)}
	title := resolveTitle(ch, p)
	require.NotEqual(t, "Item 42", title)
}

func TestGenerateProducesEpisodeNumInXMLTVNSFormat(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	src := &fakeProgrammeSource{byChannel: map[int64][]model.ScheduledProgramme{
		1: {{MediaItem: model.MediaItem{Title: "Ep", Season: intp(2), Episode: intp(5)}, Start: now, End: now.Add(30 * time.Minute)}},
	}}
	g := New(src, nil)
	out, err := g.Generate(context.Background(), []*model.Channel{testChannel()}, now)
	require.NoError(t, err)
	require.Contains(t, string(out), `system="xmltv_ns"`)
	require.Contains(t, string(out), "1.4.0")
}

func TestGenerateSkipsChannelsNotShownInEPG(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	src := &fakeProgrammeSource{byChannel: map[int64][]model.ScheduledProgramme{}}
	g := New(src, nil)
	hidden := testChannel()
	hidden.ShowInEPG = false
	out, err := g.Generate(context.Background(), []*model.Channel{hidden}, now)
	require.NoError(t, err)
	require.NotContains(t, string(out), `id="1.1"`)
}

func TestGenerateOnValidationFailureReturnsCachedBytesAndError(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	src := &fakeProgrammeSource{byChannel: map[int64][]model.ScheduledProgramme{
		1: {{MediaItem: model.MediaItem{Title: "Good"}, Start: now, End: now.Add(30 * time.Minute)}},
	}}
	g := New(src, nil)
	first, err := g.Generate(context.Background(), []*model.Channel{testChannel()}, now)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A zero-length programme (start == stop) fails validate(); the generator
	// must keep serving the previously cached document rather than emit nothing.
	src.byChannel[1] = []model.ScheduledProgramme{
		{MediaItem: model.MediaItem{Title: ""}, Start: now, End: now},
	}
	second, err := g.Generate(context.Background(), []*model.Channel{testChannel()}, now)
	require.Error(t, err)
	require.Equal(t, first, second, "must keep serving the prior cycle's cached XMLTV on validation failure")
	require.Equal(t, first, g.Bytes())
}

func TestCrossCheckLineupDetectsMismatch(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	src := &fakeProgrammeSource{byChannel: map[int64][]model.ScheduledProgramme{
		1: {{MediaItem: model.MediaItem{Title: "Good"}, Start: now, End: now.Add(30 * time.Minute)}},
	}}
	lineup := &fakeLineupSource{entries: []LineupChannel{{ChannelID: 1, GuideNumber: "9.9", GuideName: "Other"}}}
	g := New(src, lineup)
	_, err := g.Generate(context.Background(), []*model.Channel{testChannel()}, now)
	require.NoError(t, err, "lineup mismatch increments a metric but does not fail generation")
	require.Error(t, g.crossCheckLineup(&tvDoc{Channels: []tvChannel{{ID: "1.1", DisplayName: "Test Channel"}}}))
}
