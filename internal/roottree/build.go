package roottree

import (
	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/agent"
	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/epg"
	"github.com/meridiantv/broadcastd/internal/health"
	"github.com/meridiantv/broadcastd/internal/metadata"
	"github.com/meridiantv/broadcastd/internal/pool"
	"github.com/meridiantv/broadcastd/internal/transcoder"
)

// Deps is everything the root tree needs to assemble broadcastd's runtime:
// the pieces are built independently by cmd/broadcastd/main.go (each reads
// its own store/config slice) and handed here purely for wiring.
type Deps struct {
	Config     *config.BroadcastConfig
	Pool       *pool.Pool
	Registry   *ChannelRegistry
	Generator  *epg.Generator
	Pipeline   *metadata.Pipeline
	Playout    agent.PlayoutRebuilder
	Logs       agent.LogSource
	Driver     *transcoder.Driver
	FFmpegPath string
	Logger     zerolog.Logger
}

// Built is the fully wired runtime, with the constructed pieces that
// cmd/broadcastd needs a handle to after Serve returns/during shutdown.
type Built struct {
	Tree           *SupervisorTree
	Health         *health.Supervisor
	Agent          *agent.Agent
	CommandBuilder *commandBuilderAdapter
}

// Build assembles the health supervisor, the bounded AI agent, and the EPG
// ticker atop the supplied dependencies, and lays them into a new
// SupervisorTree's three layers (ingest/playback/guide).
func Build(d Deps) *Built {
	tree := New(d.Logger, DefaultTreeConfig())

	// health.Supervisor and agent.Agent need a handle to each other
	// (the supervisor's ContainmentSource is the agent; the agent's
	// HealthInspector is the supervisor), so the adapter is constructed
	// empty and back-filled once the supervisor exists.
	hinspector := newHealthInspectorAdapter(nil)
	a := agent.New(d.Config.Agent, d.Pool, hinspector, d.Registry, d.Generator, d.Playout, d.Logs, d.Pipeline, d.Logger)
	healthSupervisor := health.New(d.Config.Health, d.Registry, a, d.Logger)
	hinspector.supervisor = healthSupervisor

	builder := newCommandBuilderAdapter(d.Driver, d.FFmpegPath)

	tree.AddIngestService(d.Pool)
	tree.AddPlaybackService(healthSupervisor)
	tree.AddGuideService(newEPGTickerService(d.Generator, d.Pipeline, d.Config.EPG.RegenInterval, d.Logger))

	return &Built{
		Tree:           tree,
		Health:         healthSupervisor,
		Agent:          a,
		CommandBuilder: builder,
	}
}
