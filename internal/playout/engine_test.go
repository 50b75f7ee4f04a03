package playout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

type fakeScheduleStore struct {
	schedule *model.ProgramSchedule
	playouts map[int64]*model.Playout
	saved    []*model.Playout
}

func newFakeScheduleStore(schedule *model.ProgramSchedule) *fakeScheduleStore {
	return &fakeScheduleStore{schedule: schedule, playouts: make(map[int64]*model.Playout)}
}

func (f *fakeScheduleStore) GetSchedule(ctx context.Context, channelID int64) (*model.ProgramSchedule, error) {
	return f.schedule, nil
}

func (f *fakeScheduleStore) GetPlayout(channelID int64) (*model.Playout, error) {
	if p, ok := f.playouts[channelID]; ok {
		return p, nil
	}
	return &model.Playout{ChannelID: channelID}, nil
}

func (f *fakeScheduleStore) SavePlayout(p *model.Playout) error {
	f.playouts[p.ChannelID] = p
	f.saved = append(f.saved, p)
	return nil
}

type fakeCollectionResolver struct {
	items []model.MediaItem
}

func (f *fakeCollectionResolver) Resolve(ctx context.Context, ref model.CollectionRef) ([]model.MediaItem, error) {
	return f.items, nil
}

func TestRebuildScheduleResetsAnchorToSlotZero(t *testing.T) {
	schedule := &model.ProgramSchedule{
		ID: 42,
		Items: []model.ScheduleSlot{
			{Index: 0, StartType: model.StartDynamic, PlaybackOrder: model.OrderChronological, PlayoutMode: model.PlayoutOne},
		},
	}
	store := newFakeScheduleStore(schedule)
	store.playouts[1] = &model.Playout{
		ChannelID:            1,
		ScheduleID:           42,
		LastItemIndex:        7,
		LastItemEndWallclock: time.Now().Add(-time.Hour),
		EnumeratorState:      []byte(`{"slot_index":3}`),
		IsActive:             true,
	}

	e := New(store, &fakeCollectionResolver{})
	err := e.RebuildSchedule(context.Background(), 1)
	require.NoError(t, err)

	p, err := store.GetPlayout(1)
	require.NoError(t, err)
	require.Equal(t, int64(42), p.ScheduleID)
	require.Equal(t, 0, p.LastItemIndex)
	require.Nil(t, p.EnumeratorState)
	require.True(t, p.IsActive)
	require.WithinDuration(t, time.Now().UTC(), p.LastItemEndWallclock, 5*time.Second)
}

func TestDecodeStateSeedsSlotFromLastItemIndexWhenStateMissing(t *testing.T) {
	st, err := decodeState(nil, 5, 3)
	require.NoError(t, err)
	require.Equal(t, 2, st.SlotIndex, "last_item_index must seed the slot position, not always slot zero")

	st, err = decodeState(nil, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 0, st.SlotIndex)
}

func TestDecodeStatePrefersPersistedEnumeratorStateOverLastItemIndex(t *testing.T) {
	raw := []byte(`{"slot_index":1,"items_played_in_slot":2}`)
	st, err := decodeState(raw, 5, 3)
	require.NoError(t, err)
	require.Equal(t, 1, st.SlotIndex, "a persisted cursor is the steady-state source of truth, last_item_index only seeds a cold start")
}

func TestRebuildScheduleOnFreshChannel(t *testing.T) {
	schedule := &model.ProgramSchedule{ID: 9, Items: []model.ScheduleSlot{
		{Index: 0, StartType: model.StartDynamic, PlaybackOrder: model.OrderChronological, PlayoutMode: model.PlayoutOne},
	}}
	store := newFakeScheduleStore(schedule)
	e := New(store, &fakeCollectionResolver{})

	require.NoError(t, e.RebuildSchedule(context.Background(), 5))
	p, err := store.GetPlayout(5)
	require.NoError(t, err)
	require.Equal(t, int64(9), p.ScheduleID)
	require.Equal(t, int64(5), p.ChannelID)
}
