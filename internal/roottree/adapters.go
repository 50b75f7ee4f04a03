package roottree

import (
	"context"

	"github.com/meridiantv/broadcastd/internal/agent"
	"github.com/meridiantv/broadcastd/internal/broadcaster"
	"github.com/meridiantv/broadcastd/internal/health"
	"github.com/meridiantv/broadcastd/internal/pool"
	"github.com/meridiantv/broadcastd/internal/transcoder"
	"github.com/meridiantv/broadcastd/internal/tunerapi"
)

// healthInspectorAdapter satisfies agent.HealthInspector by forwarding to a
// *health.Supervisor. A plain type assertion would not do here:
// RequestChannelRestart's third parameter is agent.RestartTarget on one
// side and health.ChannelBroadcaster on the other — two distinctly named
// interface types with an identical method set, and Go requires exact
// parameter-type identity for a method to satisfy an interface, even though
// passing an agent.RestartTarget value into a health.ChannelBroadcaster slot
// below compiles fine (interface-to-interface assignment only needs the
// source's method set to be a superset).
type healthInspectorAdapter struct {
	supervisor *health.Supervisor
}

func newHealthInspectorAdapter(s *health.Supervisor) *healthInspectorAdapter {
	return &healthInspectorAdapter{supervisor: s}
}

func (a *healthInspectorAdapter) CircuitState(channelID int64) int {
	return a.supervisor.CircuitState(channelID)
}

func (a *healthInspectorAdapter) RestartVelocity() float64 {
	return a.supervisor.RestartVelocity()
}

func (a *healthInspectorAdapter) RequestChannelRestart(ctx context.Context, channelID int64, b agent.RestartTarget, reason string) error {
	return a.supervisor.RequestChannelRestart(ctx, channelID, b, reason)
}

// commandBuilderAdapter satisfies broadcaster.CommandBuilder by wrapping the
// teacher's *transcoder.Driver. Channel.WatermarkID/SubtitleMode resolve to
// on-disk paths through the library store, which this adapter does not have
// a handle to yet; both BuildInput path fields are left empty until that
// wiring is added.
type commandBuilderAdapter struct {
	driver     *transcoder.Driver
	ffmpegPath string
}

func newCommandBuilderAdapter(driver *transcoder.Driver, ffmpegPath string) *commandBuilderAdapter {
	return &commandBuilderAdapter{driver: driver, ffmpegPath: ffmpegPath}
}

func (a *commandBuilderAdapter) Build(ctx context.Context, in broadcaster.BuildInput) (pool.Command, error) {
	return a.driver.Build(ctx, transcoder.BuildInput{
		URL:              in.URL,
		Source:           in.Source,
		Channel:          in.Channel,
		WatermarkPath:    "",
		SubtitleBurnPath: "",
		FFmpegPath:       a.ffmpegPath,
	})
}

// tunerBroadcasterSource satisfies tunerapi.BroadcasterSource over a
// *ChannelRegistry. Same exact-signature issue as healthInspectorAdapter
// above: ChannelRegistry.Get returns the concrete *broadcaster.Broadcaster,
// which does not itself structurally satisfy
// Get(int64) (tunerapi.StreamBroadcaster, bool) — the return type has to be
// the named interface, not merely something assignable to it.
type tunerBroadcasterSource struct {
	registry *ChannelRegistry
}

// NewTunerBroadcasterSource adapts registry for internal/tunerapi.Server.
func NewTunerBroadcasterSource(registry *ChannelRegistry) tunerapi.BroadcasterSource {
	return &tunerBroadcasterSource{registry: registry}
}

func (a *tunerBroadcasterSource) Get(channelID int64) (tunerapi.StreamBroadcaster, bool) {
	b, ok := a.registry.Get(channelID)
	return b, ok
}
