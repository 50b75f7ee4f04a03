package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broadcastd.db")
	s, err := Open(Config{Path: path, EnabledChannels: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPoolSizeFor(t *testing.T) {
	require.Equal(t, 20, poolSizeFor(0))
	require.Equal(t, 20, poolSizeFor(2))
	require.Equal(t, 23, poolSizeFor(5))
	require.Equal(t, 35, poolSizeFor(10))
}

func TestUpsertAndGetChannel(t *testing.T) {
	s := openTestStore(t)

	ch := &model.Channel{
		Number:        "1.1",
		Name:          "Test Channel",
		Enabled:       true,
		StreamingMode: model.StreamingModeTS,
		TranscodeMode: model.TranscodeOnDemand,
		SubtitleMode:  model.SubtitleNone,
		IdleBehavior:  model.IdleStopOnDisconnect,
		ShowInEPG:     true,
	}
	require.NoError(t, s.UpsertChannel(ch))
	require.NotZero(t, ch.ID)

	got, err := s.GetChannel("1.1")
	require.NoError(t, err)
	require.Equal(t, "Test Channel", got.Name)
	require.True(t, got.Enabled)
	require.Nil(t, got.FFmpegProfileID)

	profileID := int64(7)
	ch.FFmpegProfileID = &profileID
	ch.Name = "Renamed"
	require.NoError(t, s.UpsertChannel(ch))

	got, err = s.GetChannel("1.1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Name)
	require.NotNil(t, got.FFmpegProfileID)
	require.Equal(t, int64(7), *got.FFmpegProfileID)
}

func TestUpsertChannelValidation(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertChannel(&model.Channel{Name: "missing number"})
	require.Error(t, err)
}

func TestListEnabledChannels(t *testing.T) {
	s := openTestStore(t)
	for _, num := range []string{"1.1", "1.2", "1.3"} {
		ch := &model.Channel{
			Number:        num,
			Name:          "Channel " + num,
			Enabled:       num != "1.3",
			StreamingMode: model.StreamingModeTS,
			TranscodeMode: model.TranscodeOnDemand,
			SubtitleMode:  model.SubtitleNone,
			IdleBehavior:  model.IdleStopOnDisconnect,
		}
		require.NoError(t, s.UpsertChannel(ch))
	}

	enabled, err := s.ListEnabledChannels()
	require.NoError(t, err)
	require.Len(t, enabled, 2)
}

func TestPlayoutRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ch := &model.Channel{
		Number:        "2.1",
		Name:          "Playout Channel",
		StreamingMode: model.StreamingModeTS,
		TranscodeMode: model.TranscodeOnDemand,
		SubtitleMode:  model.SubtitleNone,
		IdleBehavior:  model.IdleStopOnDisconnect,
	}
	require.NoError(t, s.UpsertChannel(ch))

	_, err := s.GetPlayout(ch.ID)
	require.ErrorIs(t, err, ErrNotFound)

	p := &model.Playout{ChannelID: ch.ID, LastItemIndex: 4, IsActive: true, EnumeratorState: []byte(`{"seed":1}`)}
	require.NoError(t, s.SavePlayout(p))

	got, err := s.GetPlayout(ch.ID)
	require.NoError(t, err)
	require.Equal(t, 4, got.LastItemIndex)
	require.True(t, got.IsActive)
}
