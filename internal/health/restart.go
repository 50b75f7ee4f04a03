// Package health implements the Health & Restart Supervisor (spec.md §4.4):
// a periodic ticker that detects stale channels and a single gated entry
// point, request_channel_restart, that is the only code path permitted to
// stop+start a running channel (spec.md P2). CheckProvider/CheckEndpoints
// (health.go) are an unrelated, pre-existing ambient liveness check kept
// as-is; they never feed the restart gate.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/metrics"
	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

// ChannelBroadcaster is the narrow seam the gate needs into a running
// channel; internal/broadcaster.Broadcaster satisfies it.
type ChannelBroadcaster interface {
	Stop()
	Start(ctx context.Context)
	LastOutputTime() time.Time
	AutoRestartEligible() bool
	MarkRestarted()
}

// Registry gives the supervisor the set of channels to watch.
type Registry interface {
	// Channels returns the currently enabled channel IDs paired with their
	// broadcaster, so the ticker can both read last_output_time and, if the
	// gate allows, call Stop/Start on exactly that broadcaster.
	Channels() map[int64]ChannelBroadcaster
}

// ContainmentSource reports whether the bounded AI agent (spec.md §4.10) is
// currently in containment mode, blocking restarts per R4. Supplied by
// internal/agent; may be nil if the agent feature is disabled, in which case
// containment never blocks.
type ContainmentSource interface {
	ContainmentActive(channelID int64) bool
}

// Supervisor is the Health & Restart Supervisor.
type Supervisor struct {
	cfg        config.HealthConfig
	logger     zerolog.Logger
	registry   Registry
	breakers   *breakerRegistry
	containment ContainmentSource

	mu           sync.Mutex
	stormWindow  []time.Time // rolling log of restart initiations, global
	lastRestart  map[int64]time.Time
}

// New constructs a Supervisor. containment may be nil.
func New(cfg config.HealthConfig, registry Registry, containment ContainmentSource, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With().Str("component", "health").Logger(),
		registry:    registry,
		breakers:    newBreakerRegistry(cfg),
		containment: containment,
		lastRestart: make(map[int64]time.Time),
	}
}

// Serve runs the periodic staleness check until ctx is cancelled, satisfying
// suture.Service.
func (s *Supervisor) Serve(ctx context.Context) error {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	threshold := s.cfg.UnhealthyThreshold
	if threshold <= 0 {
		threshold = 180 * time.Second
	}
	now := time.Now()
	for channelID, b := range s.registry.Channels() {
		if !b.AutoRestartEligible() {
			continue
		}
		age := now.Sub(b.LastOutputTime())
		if age <= threshold {
			continue
		}
		s.breakers.recordFailure(channelID)
		if err := s.RequestChannelRestart(ctx, channelID, b, "stale_output"); err != nil {
			s.logger.Info().Int64("channel_id", channelID).Dur("age", age).Err(err).Msg("restart blocked")
		}
	}
}

// RequestChannelRestart is the single gate (spec.md §4.4): it enforces R1
// (global storm throttle), R2 (per-channel cooldown), R3 (circuit breaker),
// and R4 (agent containment mode), in that order, and only then calls
// Stop()/Start() on the broadcaster. No other component may call
// Stop/Start to effect a recovery (spec.md P2) — this is the only file in
// the module permitted to do so outside of graceful user-initiated
// enable/disable, which goes through a separate, ungated path.
func (s *Supervisor) RequestChannelRestart(ctx context.Context, channelID int64, b ChannelBroadcaster, reason string) error {
	s.mu.Lock()
	now := time.Now()

	window := s.cfg.RestartStormWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	stormMax := s.cfg.RestartStormMax
	if stormMax <= 0 {
		stormMax = 10
	}
	cutoff := now.Add(-window)
	kept := s.stormWindow[:0]
	for _, t := range s.stormWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.stormWindow = kept
	if len(s.stormWindow) >= stormMax {
		s.mu.Unlock()
		return &xerrors.RestartBlocked{Reason: xerrors.RestartBlockStorm}
	}

	cooldown := s.cfg.RestartCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if last, ok := s.lastRestart[channelID]; ok && now.Sub(last) < cooldown {
		s.mu.Unlock()
		return &xerrors.RestartBlocked{Reason: xerrors.RestartBlockCooldown}
	}

	if s.breakers.state(channelID) == model.CircuitOpen {
		s.mu.Unlock()
		return &xerrors.RestartBlocked{Reason: xerrors.RestartBlockCircuitOpen}
	}
	if s.containment != nil && s.containment.ContainmentActive(channelID) {
		s.mu.Unlock()
		return &xerrors.RestartBlocked{Reason: xerrors.RestartBlockContainment}
	}

	s.stormWindow = append(s.stormWindow, now)
	s.lastRestart[channelID] = now
	s.mu.Unlock()

	metrics.ChannelRestartTotal.WithLabelValues(channelIDLabel(channelID)).Inc()
	s.logger.Info().Int64("channel_id", channelID).Str("reason", reason).Msg("restarting channel")

	b.Stop()
	b.Start(ctx)
	b.MarkRestarted()
	return nil
}

// RecordStreamOutcome is called by the Channel Broadcaster on every
// transcoder exit so the circuit breaker and EPG/metadata drift signals see
// real success/failure observations, not just staleness-driven ones.
func (s *Supervisor) RecordStreamOutcome(channelID int64, success bool) {
	if success {
		s.breakers.recordSuccess(channelID)
		metrics.StreamSuccessTotal.WithLabelValues(channelIDLabel(channelID)).Inc()
		return
	}
	s.breakers.recordFailure(channelID)
	metrics.StreamFailureTotal.WithLabelValues(channelIDLabel(channelID)).Inc()
}

// CircuitState exposes the per-channel breaker state for the bounded AI
// agent's get_channel_health tool and for tests.
func (s *Supervisor) CircuitState(channelID int64) int {
	return int(s.breakers.state(channelID))
}

// RestartVelocity reports restarts initiated in the last 60s, for the
// bounded AI agent's containment-mode trigger (spec.md §4.10: restart
// velocity >= 10 per 60s).
func (s *Supervisor) RestartVelocity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-60 * time.Second)
	n := 0
	for _, t := range s.stormWindow {
		if t.After(cutoff) {
			n++
		}
	}
	return float64(n)
}
