package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridiantv/broadcastd/internal/model"
)

// GetPlayout loads the persistent playback cursor for a channel. Returns
// ErrNotFound if the channel has never been played.
func (s *Store) GetPlayout(channelID int64) (*model.Playout, error) {
	var p model.Playout
	var endWall sql.NullString
	var state []byte
	var scheduleID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT channel_id, schedule_id, last_item_index, last_item_end_wallclock, enumerator_state, is_active
		FROM playouts WHERE channel_id = ?`, channelID).
		Scan(&p.ChannelID, &scheduleID, &p.LastItemIndex, &endWall, &state, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get playout: %w", err)
	}
	if endWall.Valid && endWall.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, endWall.String)
		if perr == nil {
			p.LastItemEndWallclock = t
		}
	}
	p.EnumeratorState = state
	if scheduleID.Valid {
		p.ScheduleID = scheduleID.Int64
	}
	return &p, nil
}

// SavePlayout persists the playback cursor. It is the only write path for
// the playout engine's advance-on-exit-0 step (spec.md §4.2 invariant S2):
// callers must not also mutate last_item_index anywhere else.
func (s *Store) SavePlayout(p *model.Playout) error {
	// ScheduleID 0 means no schedule; store NULL so the foreign key holds.
	var scheduleID *int64
	if p.ScheduleID != 0 {
		scheduleID = &p.ScheduleID
	}
	_, err := s.db.Exec(`
		INSERT INTO playouts (channel_id, schedule_id, last_item_index, last_item_end_wallclock, enumerator_state, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			schedule_id = excluded.schedule_id,
			last_item_index = excluded.last_item_index,
			last_item_end_wallclock = excluded.last_item_end_wallclock,
			enumerator_state = excluded.enumerator_state,
			is_active = excluded.is_active
	`, p.ChannelID, nullableID(scheduleID), p.LastItemIndex, p.LastItemEndWallclock.Format(time.RFC3339Nano), p.EnumeratorState, p.IsActive)
	if err != nil {
		return fmt.Errorf("save playout: %w", err)
	}
	return nil
}
