// Package store is the persistent store for broadcastd (spec.md §6.6):
// channels, media items, playlists, program schedules and their slots,
// playouts, filler presets, libraries, ffmpeg profiles and watermarks, all
// backed by a single local modernc.org/sqlite file in WAL mode.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config controls pool sizing and SQLite pragmas.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	EnabledChannels int // drives pool_size = max(20, ceil(2.5*enabled_channels)+10)
}

// Store wraps *sql.DB with the schema and query helpers broadcastd needs.
type Store struct {
	db *sql.DB
}

// DB exposes the underlying handle for packages that need raw queries not
// wrapped below.
func (s *Store) DB() *sql.DB { return s.db }

// Open connects to the sqlite file, applies mandatory pragmas in the DSN so
// every pooled connection gets them, sizes the pool per spec.md §5, and runs
// migrations. Grounded on ManuGH-xg2g's internal/persistence/sqlite/config.go
// DSN-pragma pattern.
func Open(cfg Config) (*Store, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		cfg.Path, busy.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	poolSize := poolSizeFor(cfg.EnabledChannels)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// poolSizeFor implements spec.md §5's connection pool sizing formula.
func poolSizeFor(enabledChannels int) int {
	n := int(2.5*float64(enabledChannels)+0.999999) + 10
	if n < 20 {
		return 20
	}
	return n
}

func (s *Store) Close() error { return s.db.Close() }

const schemaVersion = 1

// migrate applies the full schema in a single idempotent pass. broadcastd's
// schema is young enough that a single CREATE-TABLE-IF-NOT-EXISTS migration
// suffices; migration_history is kept (grounded on ManuGH-xg2g's
// internal/migration/engine.go) so future versions have a place to record
// incremental steps without changing this function's shape.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS migration_history (
			version     INTEGER PRIMARY KEY,
			applied_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id                          INTEGER PRIMARY KEY AUTOINCREMENT,
			number                      TEXT NOT NULL UNIQUE,
			name                        TEXT NOT NULL,
			enabled                     INTEGER NOT NULL DEFAULT 1,
			group_name                  TEXT,
			logo                        TEXT,
			streaming_mode              TEXT NOT NULL DEFAULT 'transcode',
			transcode_mode              TEXT NOT NULL DEFAULT 'auto',
			ffmpeg_profile_id           INTEGER,
			watermark_id                INTEGER,
			preferred_audio_language    TEXT,
			preferred_subtitle_language TEXT,
			subtitle_mode               TEXT NOT NULL DEFAULT 'none',
			idle_behavior               TEXT NOT NULL DEFAULT 'black_screen',
			fallback_filler_id          INTEGER,
			show_in_epg                 INTEGER NOT NULL DEFAULT 1,
			prewarm                     INTEGER NOT NULL DEFAULT 0,
			created_at                  TEXT NOT NULL,
			updated_at                  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_items (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			source      TEXT NOT NULL,
			source_id   TEXT NOT NULL,
			url         TEXT,
			title       TEXT NOT NULL,
			show_title  TEXT,
			season      INTEGER,
			episode     INTEGER,
			year        INTEGER,
			duration_ms INTEGER NOT NULL,
			provider_metadata BLOB,
			created_at  TEXT NOT NULL,
			UNIQUE(source, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS playlists (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL,
			collection_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playlist_items (
			playlist_id   INTEGER NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
			position      INTEGER NOT NULL,
			media_item_id INTEGER NOT NULL REFERENCES media_items(id),
			in_point      INTEGER,
			out_point     INTEGER,
			enabled       INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (playlist_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS program_schedules (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			name       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS program_schedule_items (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id       INTEGER NOT NULL REFERENCES program_schedules(id) ON DELETE CASCADE,
			position          INTEGER NOT NULL,
			start_type        TEXT NOT NULL,
			fixed_start_time  TEXT,
			playback_order    TEXT NOT NULL,
			playout_mode      TEXT NOT NULL,
			playout_count     INTEGER,
			playout_duration_ms INTEGER,
			collection_type   TEXT NOT NULL,
			collection_ref_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playouts (
			channel_id               INTEGER PRIMARY KEY REFERENCES channels(id) ON DELETE CASCADE,
			schedule_id              INTEGER REFERENCES program_schedules(id),
			last_item_index          INTEGER NOT NULL DEFAULT 0,
			last_item_end_wallclock  TEXT,
			enumerator_state         TEXT NOT NULL DEFAULT '{}',
			is_active                INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS filler_presets (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			name          TEXT NOT NULL,
			media_item_id INTEGER NOT NULL REFERENCES media_items(id)
		)`,
		`CREATE TABLE IF NOT EXISTS libraries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			source     TEXT NOT NULL,
			config     TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS ffmpeg_profiles (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL UNIQUE,
			config     TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			image_path TEXT NOT NULL,
			position   TEXT NOT NULL DEFAULT 'bottom_right',
			opacity    REAL NOT NULL DEFAULT 1.0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playlist_items_playlist ON playlist_items(playlist_id)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_items_schedule ON program_schedule_items(schedule_id)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	var applied bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM migration_history WHERE version = ?)`, schemaVersion).Scan(&applied); err != nil {
		return err
	}
	if !applied {
		if _, err := tx.Exec(`INSERT INTO migration_history (version, applied_at) VALUES (?, ?)`, schemaVersion, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}

	return tx.Commit()
}
