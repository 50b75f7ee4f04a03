package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/meridiantv/broadcastd/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrNotFound is returned by Get* helpers when no row matches.
var ErrNotFound = errors.New("store: not found")

// UpsertChannel validates ch against its `validate:` struct tags before
// writing. The teacher never validated config structs before persisting
// them; this mirrors the validator/v10 usage the rest of the corpus (e.g.
// cartographus's config layer) applies at every boundary.
func (s *Store) UpsertChannel(ch *model.Channel) error {
	if err := validate.Struct(ch); err != nil {
		return fmt.Errorf("channel validation: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO channels (
			number, name, enabled, group_name, logo, streaming_mode, transcode_mode,
			ffmpeg_profile_id, watermark_id, preferred_audio_language,
			preferred_subtitle_language, subtitle_mode, idle_behavior,
			fallback_filler_id, show_in_epg, prewarm, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			name = excluded.name, enabled = excluded.enabled, group_name = excluded.group_name,
			logo = excluded.logo, streaming_mode = excluded.streaming_mode,
			transcode_mode = excluded.transcode_mode, ffmpeg_profile_id = excluded.ffmpeg_profile_id,
			watermark_id = excluded.watermark_id,
			preferred_audio_language = excluded.preferred_audio_language,
			preferred_subtitle_language = excluded.preferred_subtitle_language,
			subtitle_mode = excluded.subtitle_mode, idle_behavior = excluded.idle_behavior,
			fallback_filler_id = excluded.fallback_filler_id, show_in_epg = excluded.show_in_epg,
			prewarm = excluded.prewarm, updated_at = excluded.updated_at
	`,
		ch.Number, ch.Name, ch.Enabled, ch.Group, ch.Logo, ch.StreamingMode, ch.TranscodeMode,
		nullableID(ch.FFmpegProfileID), nullableID(ch.WatermarkID), ch.PreferredAudioLanguage,
		ch.PreferredSubtitleLanguage, ch.SubtitleMode, ch.IdleBehavior,
		nullableID(ch.FallbackFillerID), ch.ShowInEPG, ch.Prewarm, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	if ch.ID == 0 {
		id, err := res.LastInsertId()
		if err == nil {
			ch.ID = id
		}
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// GetChannel loads a single channel by its HDHomeRun-visible number.
func (s *Store) GetChannel(number string) (*model.Channel, error) {
	row := s.db.QueryRow(`
		SELECT id, number, name, enabled, group_name, logo, streaming_mode, transcode_mode,
			ffmpeg_profile_id, watermark_id, preferred_audio_language,
			preferred_subtitle_language, subtitle_mode, idle_behavior,
			fallback_filler_id, show_in_epg, prewarm
		FROM channels WHERE number = ?`, number)
	ch, err := scanChannel(row)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func scanChannel(row *sql.Row) (*model.Channel, error) {
	var ch model.Channel
	var group, logo, audioLang, subLang sql.NullString
	var profileID, watermarkID, fillerID sql.NullInt64

	err := row.Scan(
		&ch.ID, &ch.Number, &ch.Name, &ch.Enabled, &group, &logo, &ch.StreamingMode, &ch.TranscodeMode,
		&profileID, &watermarkID, &audioLang, &subLang, &ch.SubtitleMode, &ch.IdleBehavior,
		&fillerID, &ch.ShowInEPG, &ch.Prewarm,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Group = group.String
	ch.Logo = logo.String
	ch.PreferredAudioLanguage = audioLang.String
	ch.PreferredSubtitleLanguage = subLang.String
	ch.FFmpegProfileID = nullableIDPtr(profileID)
	ch.WatermarkID = nullableIDPtr(watermarkID)
	ch.FallbackFillerID = nullableIDPtr(fillerID)
	return &ch, nil
}

func nullableIDPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// ListEnabledChannels returns every channel with enabled = true, ordered by
// number, for lineup.json generation and Broadcaster setup at startup.
func (s *Store) ListEnabledChannels() ([]*model.Channel, error) {
	rows, err := s.db.Query(`
		SELECT id, number, name, enabled, group_name, logo, streaming_mode, transcode_mode,
			ffmpeg_profile_id, watermark_id, preferred_audio_language,
			preferred_subtitle_language, subtitle_mode, idle_behavior,
			fallback_filler_id, show_in_epg, prewarm
		FROM channels WHERE enabled = 1 ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("list enabled channels: %w", err)
	}
	defer rows.Close()

	var out []*model.Channel
	for rows.Next() {
		var ch model.Channel
		var group, logo, audioLang, subLang sql.NullString
		var profileID, watermarkID, fillerID sql.NullInt64
		if err := rows.Scan(
			&ch.ID, &ch.Number, &ch.Name, &ch.Enabled, &group, &logo, &ch.StreamingMode, &ch.TranscodeMode,
			&profileID, &watermarkID, &audioLang, &subLang, &ch.SubtitleMode, &ch.IdleBehavior,
			&fillerID, &ch.ShowInEPG, &ch.Prewarm,
		); err != nil {
			return nil, fmt.Errorf("scan channel row: %w", err)
		}
		ch.Group = group.String
		ch.Logo = logo.String
		ch.PreferredAudioLanguage = audioLang.String
		ch.PreferredSubtitleLanguage = subLang.String
		ch.FFmpegProfileID = nullableIDPtr(profileID)
		ch.WatermarkID = nullableIDPtr(watermarkID)
		ch.FallbackFillerID = nullableIDPtr(fillerID)
		out = append(out, &ch)
	}
	return out, rows.Err()
}
