package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridiantv/broadcastd/internal/model"
)

// GetSchedule loads the active ProgramSchedule for a channel along with its
// ordered slots, satisfying internal/playout.ScheduleStore.
func (s *Store) GetSchedule(ctx context.Context, channelID int64) (*model.ProgramSchedule, error) {
	var scheduleID int64
	var keepMulti, treatColl, shuffleItems, randomStart bool
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM program_schedules WHERE channel_id = ? ORDER BY id LIMIT 1`, channelID).Scan(&scheduleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, start_type, fixed_start_time, playback_order, playout_mode,
			playout_count, playout_duration_ms, collection_type, collection_ref_id
		FROM program_schedule_items WHERE schedule_id = ? ORDER BY position`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list schedule items: %w", err)
	}
	defer rows.Close()

	sched := &model.ProgramSchedule{
		ID:                            scheduleID,
		KeepMultiPartEpisodesTogether: keepMulti,
		TreatCollectionsAsShows:       treatColl,
		ShuffleScheduleItems:          shuffleItems,
		RandomStartPoint:              randomStart,
	}
	for rows.Next() {
		var position int
		var startType, playbackOrder, playoutMode, collectionType, collectionRefID string
		var fixedStart sql.NullString
		var playoutCount sql.NullInt64
		var playoutDurationMS sql.NullInt64

		if err := rows.Scan(&position, &startType, &fixedStart, &playbackOrder, &playoutMode,
			&playoutCount, &playoutDurationMS, &collectionType, &collectionRefID); err != nil {
			return nil, fmt.Errorf("scan schedule item: %w", err)
		}

		slot := model.ScheduleSlot{
			Index:         position,
			StartType:     model.StartType(startType),
			PlaybackOrder: model.PlaybackOrder(playbackOrder),
			PlayoutMode:   model.PlayoutMode(playoutMode),
			CollectionRef: model.CollectionRef{Kind: collectionType, ID: parseRefID(collectionRefID)},
		}
		if fixedStart.Valid && fixedStart.String != "" {
			if t, perr := time.Parse(time.RFC3339, fixedStart.String); perr == nil {
				slot.FixedStartTime = &t
			}
		}
		if playoutCount.Valid {
			n := int(playoutCount.Int64)
			slot.MultipleCount = &n
		}
		if playoutDurationMS.Valid {
			d := time.Duration(playoutDurationMS.Int64) * time.Millisecond
			slot.Duration = &d
		}
		sched.Items = append(sched.Items, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sched, nil
}

func parseRefID(s string) int64 {
	var id int64
	_, _ = fmt.Sscanf(s, "%d", &id)
	return id
}

// Resolve implements internal/playout.CollectionResolver against the
// playlist_items table — the only collection kind this store currently
// backs; "smart"/"static" collection kinds are resolved the same way once
// their membership is materialized into playlist_items by whatever
// ingestion path populates it, so the resolver itself stays source-agnostic.
func (s *Store) Resolve(ctx context.Context, ref model.CollectionRef) ([]model.MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.source, m.source_id, m.url, m.title, m.duration_ms / 1000
		FROM playlist_items pi
		JOIN media_items m ON m.id = pi.media_item_id
		WHERE pi.playlist_id = ? AND pi.enabled = 1
		ORDER BY pi.position`, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve collection %d: %w", ref.ID, err)
	}
	defer rows.Close()

	var out []model.MediaItem
	for rows.Next() {
		var item model.MediaItem
		var id string
		if err := rows.Scan(&id, &item.Source, &item.SourceID, &item.URL, &item.Title, &item.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan media item: %w", err)
		}
		item.ID = parseRefID(id)
		out = append(out, item)
	}
	return out, rows.Err()
}
