// Package agent implements the Bounded AI Agent (spec.md §4.10): a
// deterministic, step-capped loop over a static allow-listed tool registry.
// No recursion, no tool-from-tool calls, no DB writes, no process spawning
// outside §4.1, no restarts outside §4.4's gate. It satisfies
// internal/health.ContainmentSource so the restart gate can see when the
// agent itself has gone into containment.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/metadata"
	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/pool"
)

// Risk is a tool's declared blast radius (spec.md §4.10 table).
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// PoolInspector is the seam into internal/pool.Pool for inspect_pool_status.
type PoolInspector interface {
	Metrics() pool.Snapshot
}

// HealthInspector is the seam into internal/health.Supervisor for
// get_channel_health and restart_channel.
type HealthInspector interface {
	CircuitState(channelID int64) int
	RestartVelocity() float64
	RequestChannelRestart(ctx context.Context, channelID int64, b RestartTarget, reason string) error
}

// RestartTarget mirrors health.ChannelBroadcaster's shape, re-declared here
// so this package does not need to import internal/broadcaster.
type RestartTarget interface {
	Stop()
	Start(ctx context.Context)
	LastOutputTime() time.Time
	AutoRestartEligible() bool
	MarkRestarted()
}

// ChannelRegistry resolves a channel ID to its broadcaster, for
// restart_channel.
type ChannelRegistry interface {
	Lookup(channelID int64) (RestartTarget, bool)
}

// EPGRebuilder is the seam into internal/epg.Generator for rebuild_xmltv.
type EPGRebuilder interface {
	Rebuild(ctx context.Context) error
}

// PlayoutRebuilder is the seam into internal/playout.Engine for
// rebuild_playout.
type PlayoutRebuilder interface {
	RebuildSchedule(ctx context.Context, channelID int64) error
}

// LogSource backs fetch_recent_logs — any ring-buffer sink the logger
// writes to; internal/roottree wires the same zerolog instance's buffer.
type LogSource interface {
	RecentLines(n int) []string
}

// ToolDef is one row of the spec.md §4.10 tool table.
type ToolDef struct {
	Name       string
	Risk       Risk
	Cooldown   time.Duration
	Idempotent bool
	Metadata   bool // requires confidence >= 0.3 unless overridden
	Handler    func(ctx context.Context, a *Agent, args map[string]any) (string, error)
}

// Loop tracks per-invocation state across the (bounded) set of steps taken
// within a single agent run, enforcing the per-loop constraints in spec.md
// §4.10: at most one HIGH-risk tool, no tool repeats, cooldowns, and
// metadata-tool confidence gating.
type Loop struct {
	steps             int
	maxSteps          int
	usedTools         map[string]bool
	usedHighRisk      bool
	metadataFailures  int
	startFailureRatio float64
	aborted           bool
	escalation        string
}

// Aborted reports whether the loop has hit an automatic-shutdown condition.
func (l *Loop) Aborted() bool { return l.aborted }

// Escalation returns the human-readable reason the loop aborted, if any.
func (l *Loop) Escalation() string { return l.escalation }

// Agent runs the bounded tool loop and tracks containment-mode state.
type Agent struct {
	cfg      config.AgentConfig
	logger   zerolog.Logger
	tools    map[string]ToolDef
	pool     PoolInspector
	health   HealthInspector
	channels ChannelRegistry
	epg      EPGRebuilder
	playout  PlayoutRebuilder
	logs     LogSource
	pipeline *metadata.Pipeline

	mu            sync.Mutex
	lastInvoked   map[string]time.Time
	rssSamples    []rssSample
	containmentOn bool
}

type rssSample struct {
	at   time.Time
	rss  uint64
}

// New constructs an Agent. Any dependency may be nil; tools backed by a nil
// dependency return an error when invoked rather than panicking.
func New(cfg config.AgentConfig, pool PoolInspector, health HealthInspector, channels ChannelRegistry, epg EPGRebuilder, playout PlayoutRebuilder, logs LogSource, pipeline *metadata.Pipeline, logger zerolog.Logger) *Agent {
	a := &Agent{
		cfg:         cfg,
		logger:      logger.With().Str("component", "agent").Logger(),
		pool:        pool,
		health:      health,
		channels:    channels,
		epg:         epg,
		playout:     playout,
		logs:        logs,
		pipeline:    pipeline,
		lastInvoked: make(map[string]time.Time),
	}
	a.tools = defaultToolRegistry()
	return a
}

// NewLoop starts a fresh bounded loop, capped at cfg.MaxSteps (default 3),
// recording the current metadata_failure_ratio as the baseline for the
// self-resolution-worsened-things abort check.
func (a *Agent) NewLoop() *Loop {
	max := a.cfg.MaxSteps
	if max <= 0 {
		max = 3
	}
	startRatio := 0.0
	if a.pipeline != nil {
		startRatio = a.pipeline.FailureRatio()
	}
	return &Loop{maxSteps: max, usedTools: make(map[string]bool), startFailureRatio: startRatio}
}

// Invoke runs one named tool within loop, enforcing every per-loop
// constraint before dispatch. confidence is the caller's current metadata
// confidence estimate for the target item/channel; ignored for non-metadata
// tools.
func (a *Agent) Invoke(ctx context.Context, loop *Loop, toolName string, args map[string]any, confidence float64) (string, error) {
	if loop.aborted {
		return "", fmt.Errorf("agent: loop aborted (%s)", loop.escalation)
	}
	if !a.cfg.BoundedAgentEnabled {
		return "", fmt.Errorf("agent: bounded agent disabled")
	}
	channelID, _ := args["channel_id"].(int64)
	if a.ContainmentActive(channelID) {
		return "", fmt.Errorf("agent: containment mode active, tool calls refused")
	}
	if loop.steps >= loop.maxSteps {
		return "", fmt.Errorf("agent: max_steps (%d) exceeded", loop.maxSteps)
	}
	tool, ok := a.tools[toolName]
	if !ok {
		return "", fmt.Errorf("agent: unknown tool %q", toolName)
	}
	if loop.usedTools[toolName] {
		return "", fmt.Errorf("agent: tool %q already used this loop", toolName)
	}
	if tool.Risk == RiskHigh && loop.usedHighRisk {
		return "", fmt.Errorf("agent: at most one HIGH-risk tool per loop")
	}
	if tool.Metadata && confidence < 0.3 {
		return "", fmt.Errorf("agent: metadata tool %q requires confidence >= 0.3 (have %.2f)", toolName, confidence)
	}

	a.mu.Lock()
	if last, ok := a.lastInvoked[toolName]; ok && time.Since(last) < tool.Cooldown {
		a.mu.Unlock()
		return "", fmt.Errorf("agent: tool %q on cooldown", toolName)
	}
	a.lastInvoked[toolName] = time.Now()
	a.mu.Unlock()

	loop.steps++
	loop.usedTools[toolName] = true
	if tool.Risk == RiskHigh {
		loop.usedHighRisk = true
	}

	result, err := tool.Handler(ctx, a, args)

	if tool.Metadata {
		if err != nil {
			loop.metadataFailures++
			if loop.metadataFailures >= 3 {
				loop.aborted = true
				loop.escalation = "3 consecutive metadata-tool failures"
				a.logger.Error().Msg("agent loop aborted: 3 consecutive metadata-tool failures, escalating")
			}
		} else {
			loop.metadataFailures = 0
			if a.pipeline != nil && a.pipeline.FailureRatio()-loop.startFailureRatio > 0.1 {
				loop.aborted = true
				loop.escalation = "self-resolution worsened metadata_failure_ratio by more than 0.1"
				a.logger.Error().Str("tool", toolName).Msg("agent loop aborted: self-resolution worsened metadata_failure_ratio, escalating")
			}
		}
	}
	return result, err
}

// ContainmentActive implements internal/health.ContainmentSource. It
// evaluates the four spec.md §4.10 triggers directly against the agent's
// live dependencies rather than caching a stale decision. channelID scopes
// the circuit-breaker trigger to the channel a tool call or restart request
// targets; pass 0 when no specific channel is in play (e.g. a general
// status check) — the other three triggers are global and unaffected.
func (a *Agent) ContainmentActive(channelID int64) bool {
	if a.health != nil {
		if a.health.RestartVelocity() >= 10 {
			a.setContainment(true, "restart_velocity")
			return true
		}
	}
	if a.pool != nil {
		snap := a.pool.Metrics()
		if snap.Max > 0 && float64(snap.Active)/float64(snap.Max) >= 0.9 {
			a.setContainment(true, "pool_pressure")
			return true
		}
	}
	if channelID != 0 && a.CircuitOpenFor(channelID) {
		a.setContainment(true, "circuit_open")
		return true
	}
	if a.rssGrowthOver10Min() > 100<<20 {
		a.setContainment(true, "rss_growth")
		return true
	}
	a.setContainment(false, "")
	return false
}

func (a *Agent) setContainment(on bool, reason string) {
	a.mu.Lock()
	was := a.containmentOn
	a.containmentOn = on
	a.mu.Unlock()
	if on && !was {
		a.logger.Warn().Str("reason", reason).Msg("entering containment mode")
	} else if !on && was {
		a.logger.Info().Msg("exiting containment mode")
	}
}

// ObserveRSS records a process RSS sample for the 10-minute growth trigger;
// internal/roottree calls this alongside its system_rss_bytes sampling.
func (a *Agent) ObserveRSS(rss uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	a.rssSamples = append(a.rssSamples, rssSample{at: now, rss: rss})
	cutoff := now.Add(-10 * time.Minute)
	kept := a.rssSamples[:0]
	for _, s := range a.rssSamples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	a.rssSamples = kept
}

func (a *Agent) rssGrowthOver10Min() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rssSamples) < 2 {
		return 0
	}
	first := a.rssSamples[0]
	last := a.rssSamples[len(a.rssSamples)-1]
	return int64(last.rss) - int64(first.rss)
}

// CircuitOpenFor reports whether target channel's circuit is OPEN, the
// third containment trigger — evaluated per-target rather than globally
// because it only blocks restarts for that one channel (spec.md §4.10).
func (a *Agent) CircuitOpenFor(channelID int64) bool {
	if a.health == nil {
		return false
	}
	return a.health.CircuitState(channelID) == int(model.CircuitOpen)
}
