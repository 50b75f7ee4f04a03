// Package model holds the entity types shared by the store, playout engine,
// broadcaster, and tuner surface. Types mirror the persistence layout in
// internal/store; validation tags are enforced by internal/store before a
// row is written.
package model

import "time"

// StreamingMode controls how the broadcaster paces output for a channel.
type StreamingMode string

const (
	StreamingModeTS       StreamingMode = "transport_stream"
	StreamingModeTSHybrid StreamingMode = "transport_stream_hybrid"
)

// TranscodeMode controls whether the transcoder driver ever re-encodes.
type TranscodeMode string

const (
	TranscodeOnDemand TranscodeMode = "on_demand"
	TranscodeAlways   TranscodeMode = "always"
	TranscodeCopyOnly TranscodeMode = "copy_only"
)

type SubtitleMode string

const (
	SubtitleNone  SubtitleMode = "none"
	SubtitleEmbed SubtitleMode = "embed"
	SubtitleBurn  SubtitleMode = "burn"
)

type IdleBehavior string

const (
	IdleStopOnDisconnect IdleBehavior = "stop_on_disconnect"
	IdleKeepRunning      IdleBehavior = "keep_running"
)

// Channel is a single virtual tuner channel. Number is never re-parsed as an
// integer anywhere in the system — it is an opaque, stable, unique string.
type Channel struct {
	ID                        int64         `json:"id" db:"id"`
	Number                    string        `json:"number" db:"number" validate:"required"`
	Name                      string        `json:"name" db:"name" validate:"required"`
	Enabled                   bool          `json:"enabled" db:"enabled"`
	Group                     string        `json:"group,omitempty" db:"group_name"`
	Logo                      string        `json:"logo,omitempty" db:"logo"`
	StreamingMode             StreamingMode `json:"streaming_mode" db:"streaming_mode" validate:"required,oneof=transport_stream transport_stream_hybrid"`
	TranscodeMode             TranscodeMode `json:"transcode_mode" db:"transcode_mode" validate:"required,oneof=on_demand always copy_only"`
	FFmpegProfileID           *int64        `json:"ffmpeg_profile_id,omitempty" db:"ffmpeg_profile_id"`
	WatermarkID               *int64        `json:"watermark_id,omitempty" db:"watermark_id"`
	PreferredAudioLanguage    string        `json:"preferred_audio_language,omitempty" db:"preferred_audio_language"`
	PreferredSubtitleLanguage string        `json:"preferred_subtitle_language,omitempty" db:"preferred_subtitle_language"`
	SubtitleMode              SubtitleMode  `json:"subtitle_mode" db:"subtitle_mode" validate:"required,oneof=none embed burn"`
	IdleBehavior              IdleBehavior  `json:"idle_behavior" db:"idle_behavior" validate:"required,oneof=stop_on_disconnect keep_running"`
	FallbackFillerID          *int64        `json:"fallback_filler_id,omitempty" db:"fallback_filler_id"`
	ShowInEPG                 bool          `json:"show_in_epg" db:"show_in_epg"`
	Prewarm                   bool          `json:"prewarm" db:"prewarm"`
}

// MediaSource enumerates where a MediaItem's bytes ultimately come from.
type MediaSource string

const (
	SourceLocal     MediaSource = "local"
	SourcePlex      MediaSource = "plex"
	SourceJellyfin  MediaSource = "jellyfin"
	SourceEmby      MediaSource = "emby"
	SourceYouTube   MediaSource = "youtube"
	SourceArchiveOrg MediaSource = "archive_org"
	SourceHTTP      MediaSource = "http"
)

// MediaItem is a single playable unit of content, independent of any channel.
type MediaItem struct {
	ID               int64       `json:"id" db:"id"`
	Source           MediaSource `json:"source" db:"source" validate:"required,oneof=local plex jellyfin emby youtube archive_org http"`
	SourceID         string      `json:"source_id" db:"source_id" validate:"required"`
	URL              string      `json:"url" db:"url"`
	Title            string      `json:"title" db:"title"`
	DurationSeconds  int         `json:"duration_seconds" db:"duration_seconds" validate:"gte=0"`
	ShowTitle        string      `json:"show_title,omitempty" db:"show_title"`
	Season           *int        `json:"season,omitempty" db:"season"`
	Episode          *int        `json:"episode,omitempty" db:"episode"`
	Year             *int        `json:"year,omitempty" db:"year"`
	Genres           []string    `json:"genres,omitempty" db:"-"`
	ProviderMetadata []byte      `json:"-" db:"provider_metadata"` // opaque JSON
}

type CollectionType string

const (
	CollectionManual CollectionType = "manual"
	CollectionSmart  CollectionType = "smart"
	CollectionStatic CollectionType = "static"
)

// Playlist is a named, ordered collection of media items.
type Playlist struct {
	ID             int64          `json:"id" db:"id"`
	Name           string         `json:"name" db:"name" validate:"required"`
	CollectionType CollectionType `json:"collection_type" db:"collection_type" validate:"required,oneof=manual smart static"`
	SearchQuery    string         `json:"search_query,omitempty" db:"search_query"`
	Items          []PlaylistItem `json:"items" db:"-"`
}

type PlaylistItem struct {
	MediaItemID int64  `json:"media_item_id" db:"media_item_id"`
	Position    int    `json:"position" db:"position" validate:"gte=0"`
	InPoint     *int   `json:"in_point,omitempty" db:"in_point"`
	OutPoint    *int   `json:"out_point,omitempty" db:"out_point"`
	Enabled     bool   `json:"enabled" db:"enabled"`
}

type StartType string

const (
	StartDynamic StartType = "dynamic"
	StartFixed   StartType = "fixed"
)

type PlaybackOrder string

const (
	OrderChronological   PlaybackOrder = "chronological"
	OrderShuffle         PlaybackOrder = "shuffle"
	OrderRandom          PlaybackOrder = "random"
	OrderRotatingShuffle PlaybackOrder = "rotating_shuffle"
)

type PlayoutMode string

const (
	PlayoutOne      PlayoutMode = "one"
	PlayoutMultiple PlayoutMode = "multiple"
	PlayoutDuration PlayoutMode = "duration"
	PlayoutFlood    PlayoutMode = "flood"
)

// CollectionRef points at either a Playlist or another addressable collection kind.
type CollectionRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// ScheduleSlot is one entry in a ProgramSchedule.
type ScheduleSlot struct {
	Index          int           `json:"index" db:"slot_index"`
	StartType      StartType     `json:"start_type" db:"start_type" validate:"required,oneof=dynamic fixed"`
	FixedStartTime *time.Time    `json:"fixed_start_time,omitempty" db:"fixed_start_time"`
	CollectionRef  CollectionRef `json:"collection_ref" db:"-"`
	PlaybackOrder  PlaybackOrder `json:"playback_order" db:"playback_order" validate:"required,oneof=chronological shuffle random rotating_shuffle"`
	PlayoutMode    PlayoutMode   `json:"playout_mode" db:"playout_mode" validate:"required,oneof=one multiple duration flood"`
	MultipleCount  *int          `json:"multiple_count,omitempty" db:"multiple_count"`
	Duration       *time.Duration `json:"duration,omitempty" db:"duration_ns"`
	PreRollID      *int64        `json:"pre_roll_id,omitempty" db:"pre_roll_id"`
	MidRollID      *int64        `json:"mid_roll_id,omitempty" db:"mid_roll_id"`
	PostRollID     *int64        `json:"post_roll_id,omitempty" db:"post_roll_id"`
	TailFillerID   *int64        `json:"tail_filler_id,omitempty" db:"tail_filler_id"`
	FallbackFillerID *int64      `json:"fallback_filler_id,omitempty" db:"fallback_filler_id"`
	CustomTitle    string        `json:"custom_title,omitempty" db:"custom_title"`
	GuideMode      string        `json:"guide_mode,omitempty" db:"guide_mode"`
}

// ProgramSchedule is an ordered list of slots plus cross-cutting enumerator flags.
type ProgramSchedule struct {
	ID                           int64          `json:"id" db:"id"`
	Items                        []ScheduleSlot `json:"items" db:"-"`
	KeepMultiPartEpisodesTogether bool          `json:"keep_multi_part_episodes_together" db:"keep_multi_part_together"`
	TreatCollectionsAsShows      bool           `json:"treat_collections_as_shows" db:"treat_collections_as_shows"`
	ShuffleScheduleItems         bool           `json:"shuffle_schedule_items" db:"shuffle_schedule_items"`
	RandomStartPoint             bool          `json:"random_start_point" db:"random_start_point"`
}

// Playout is the persistent per-channel playback cursor — the single source
// of truth for "what plays now". Mutated only by the playout engine under a
// per-channel lock (see internal/playout).
type Playout struct {
	ChannelID            int64     `json:"channel_id" db:"channel_id"`
	ScheduleID            int64     `json:"schedule_id" db:"schedule_id"`
	LastItemIndex         int       `json:"last_item_index" db:"last_item_index"`
	LastItemEndWallclock  time.Time `json:"last_item_end_wallclock" db:"last_item_end_wallclock"`
	EnumeratorState       []byte    `json:"enumerator_state" db:"enumerator_state"` // opaque JSON
	IsActive              bool      `json:"is_active" db:"is_active"`
}

// StreamSession tracks one attached client of a Channel Broadcaster.
type StreamSession struct {
	SessionID    string    `json:"session_id"`
	ChannelID    int64     `json:"channel_id"`
	OpenedAt     time.Time `json:"opened_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesSent    int64     `json:"bytes_sent"`
}

// HealthState is the per-channel observable health used by the restart gate.
type HealthState string

const (
	HealthHealthy    HealthState = "healthy"
	HealthUnhealthy  HealthState = "unhealthy"
	HealthRestarting HealthState = "restarting"
)

// CircuitState mirrors spec.md §4.4 R3 / sony/gobreaker's three states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// AIEnvelope is the bounded agent's per-invocation observation snapshot.
type AIEnvelope struct {
	ChannelID             *int64  `json:"channel_id,omitempty"`
	FailureClassification string  `json:"failure_classification,omitempty"`
	RestartVelocity        float64 `json:"restart_velocity"`
	PoolPressure            float64 `json:"pool_pressure"`
	MetadataFailureRatio    float64 `json:"metadata_failure_ratio"`
	PlaceholderRatio        float64 `json:"placeholder_ratio"`
	CircuitState            CircuitState `json:"circuit_state"`
	ContainmentMode         bool    `json:"containment_mode"`
	Confidence              float64 `json:"confidence"`
}

// ScheduledProgramme is a resolved, wall-clock-anchored playout entry used
// both by the broadcaster (current item) and the EPG generator (future list).
type ScheduledProgramme struct {
	MediaItem MediaItem
	Start     time.Time
	End       time.Time
}
