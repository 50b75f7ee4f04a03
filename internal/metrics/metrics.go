// Package metrics defines the Prometheus series mandated by spec.md §6.5.
// All series are registered once against a package-level registry so every
// component (pool, broadcaster, health, epg, metadata) can import this
// package and update its own counters/gauges without passing a registry
// handle through every constructor — the same module-wide-singleton-made-
// explicit pattern spec.md §9 calls for.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FFmpegProcessesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ffmpeg_processes_active",
		Help: "Number of transcoder processes currently held by the process pool.",
	})
	FFmpegSpawnPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ffmpeg_spawn_pending",
		Help: "Number of acquire() calls currently waiting on a guard or the spawn itself.",
	})
	FFmpegSpawnRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ffmpeg_spawn_rejected_total",
		Help: "Process pool acquire() rejections by reason.",
	}, []string{"reason"})
	FFmpegSpawnTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ffmpeg_spawn_timeout_total",
		Help: "Spawns that failed to produce a first stdout byte within the cold-start deadline.",
	})
	FFmpegPoolPressureEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ffmpeg_pool_pressure_events_total",
		Help: "Times active processes crossed the 0.8*max_processes early-warning threshold.",
	})
	PoolAcquisitionLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pool_acquisition_latency_seconds",
		Help:    "Latency of successful acquire() calls, guards through first byte.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	ChannelRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channel_restart_total",
		Help: "Restarts performed by the health supervisor's gate, per channel.",
	}, []string{"channel_id"})
	StreamSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_success_total",
		Help: "Successful (exit-0) transcoder runs, per channel.",
	}, []string{"channel_id"})
	StreamFailureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_failure_total",
		Help: "Failed transcoder runs (non-zero exit or read error), per channel.",
	}, []string{"channel_id"})
	ChannelMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "channel_memory_bytes",
		Help: "RSS of the transcoder process currently attached to a channel.",
	}, []string{"channel_id"})
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Per-channel circuit breaker state: 0=closed 1=open 2=half_open.",
	}, []string{"channel_id"})

	SystemRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_rss_bytes",
		Help: "Resident set size of the broadcastd process.",
	})
	FDUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fd_usage",
		Help: "Open file descriptors held by the broadcastd process.",
	})
	EventLoopLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "event_loop_lag_seconds",
		Help: "Observed scheduling lag of the cooperative event loop's periodic tasks.",
	})
	DBPoolCheckedOut = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_checked_out",
		Help: "Connections currently checked out of the store's connection pool.",
	})
	DBPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_size",
		Help: "Configured size of the store's connection pool.",
	})

	MetadataLookupSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metadata_lookup_success_total",
		Help: "Successful metadata provider lookups across the fallback chain.",
	})
	MetadataLookupFailureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metadata_lookup_failure_total",
		Help: "Failed metadata provider lookups across the fallback chain.",
	})
	PlaceholderTitleGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "placeholder_title_generated_total",
		Help: "Programmes emitted with a placeholder title because the fallback chain was exhausted.",
	})
	XMLTVValidationErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xmltv_validation_error_total",
		Help: "XMLTV validation failures (the cycle's output is discarded; the prior cycle is kept).",
	})
	XMLTVLineupMismatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xmltv_lineup_mismatch_total",
		Help: "XMLTV/lineup guide-number cross-check mismatches.",
	})

	MetadataFailureRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metadata_failure_ratio",
		Help: "failures/(failures+successes) across the metadata provider chain, as of the last EPG cycle.",
	})
	MetadataDriftWarningTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metadata_drift_warning_total",
		Help: "Cycles where metadata_failure_ratio rose by more than 0.1 over the prior cycle.",
	})
)
