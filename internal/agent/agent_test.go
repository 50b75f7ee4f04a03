package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/metadata"
	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/pool"
)

type fakePool struct{ snap pool.Snapshot }

func (f fakePool) Metrics() pool.Snapshot { return f.snap }

type fakeHealth struct {
	velocity     float64
	circuitState int
	restartErr   error
	restarted    int
}

func (f *fakeHealth) CircuitState(channelID int64) int { return f.circuitState }
func (f *fakeHealth) RestartVelocity() float64         { return f.velocity }
func (f *fakeHealth) RequestChannelRestart(ctx context.Context, channelID int64, b RestartTarget, reason string) error {
	f.restarted++
	return f.restartErr
}

type fakeBroadcastTarget struct{}

func (fakeBroadcastTarget) Stop()                   {}
func (fakeBroadcastTarget) Start(context.Context)   {}
func (fakeBroadcastTarget) LastOutputTime() time.Time { return time.Now() }
func (fakeBroadcastTarget) AutoRestartEligible() bool { return true }
func (fakeBroadcastTarget) MarkRestarted()            {}

type fakeChannels struct{}

func (fakeChannels) Lookup(channelID int64) (RestartTarget, bool) { return fakeBroadcastTarget{}, true }

func enabledCfg() config.AgentConfig {
	return config.AgentConfig{BoundedAgentEnabled: true, MaxSteps: 3}
}

func newTestAgent() *Agent {
	return New(enabledCfg(), fakePool{snap: pool.Snapshot{Active: 1, Pending: 0, Max: 10}}, &fakeHealth{}, fakeChannels{}, nil, nil, nil, metadata.New(nil, nil, zerolog.Nop()), zerolog.Nop())
}

func TestInvokeEnforcesMaxSteps(t *testing.T) {
	a := newTestAgent()
	loop := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop, "inspect_pool_status", nil, 1)
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), loop, "get_channel_health", map[string]any{"channel_id": int64(1)}, 1)
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), loop, "fetch_recent_logs", nil, 1)
	require.Error(t, err, "no log source configured, but this still consumes a step")
	_, err = a.Invoke(context.Background(), loop, "rebuild_xmltv", nil, 1)
	require.Error(t, err, "a 4th distinct tool call must be refused by max_steps")
}

func TestInvokeRejectsToolRepeatWithinLoop(t *testing.T) {
	a := newTestAgent()
	loop := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop, "inspect_pool_status", nil, 1)
	require.NoError(t, err)
	_, err = a.Invoke(context.Background(), loop, "inspect_pool_status", nil, 1)
	require.Error(t, err)
}

func TestInvokeAllowsOnlyOneHighRiskToolPerLoop(t *testing.T) {
	a := newTestAgent()
	loop := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop, "restart_channel", map[string]any{"channel_id": int64(1)}, 1)
	require.NoError(t, err)

	a2 := newTestAgent()
	loop2 := &Loop{maxSteps: 3, usedTools: map[string]bool{}, usedHighRisk: true}
	_, err = a2.Invoke(context.Background(), loop2, "restart_channel", map[string]any{"channel_id": int64(1)}, 1)
	require.Error(t, err, "a second HIGH-risk tool in the same loop must be refused")
}

func TestInvokeEnforcesCooldownAcrossLoops(t *testing.T) {
	a := newTestAgent()
	loop1 := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop1, "inspect_pool_status", nil, 1)
	require.NoError(t, err)

	loop2 := a.NewLoop()
	_, err = a.Invoke(context.Background(), loop2, "inspect_pool_status", nil, 1)
	require.Error(t, err, "cooldown is tracked per-tool across loops, not reset by NewLoop")
}

func TestInvokeGatesMetadataToolsOnConfidence(t *testing.T) {
	a := newTestAgent()
	loop := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop, "re_enrich_metadata", nil, 0.1)
	require.Error(t, err)

	a2 := newTestAgent()
	loop2 := a2.NewLoop()
	_, err = a2.Invoke(context.Background(), loop2, "re_enrich_metadata", nil, 0.5)
	require.NoError(t, err)
}

func TestContainmentActiveBlocksRestartVelocity(t *testing.T) {
	h := &fakeHealth{velocity: 12}
	a := New(enabledCfg(), fakePool{snap: pool.Snapshot{Active: 1, Max: 10}}, h, fakeChannels{}, nil, nil, nil, metadata.New(nil, nil, zerolog.Nop()), zerolog.Nop())
	require.True(t, a.ContainmentActive(0))

	loop := a.NewLoop()
	_, err := a.Invoke(context.Background(), loop, "inspect_pool_status", nil, 1)
	require.Error(t, err)
}

func TestContainmentActiveBlocksOnPoolPressure(t *testing.T) {
	a := New(enabledCfg(), fakePool{snap: pool.Snapshot{Active: 9, Max: 10}}, &fakeHealth{}, fakeChannels{}, nil, nil, nil, metadata.New(nil, nil, zerolog.Nop()), zerolog.Nop())
	require.True(t, a.ContainmentActive(0))
}

func TestContainmentActiveBlocksOnChannelCircuitOpen(t *testing.T) {
	h := &fakeHealth{circuitState: int(model.CircuitOpen)}
	a := New(enabledCfg(), fakePool{snap: pool.Snapshot{Active: 1, Max: 10}}, h, fakeChannels{}, nil, nil, nil, metadata.New(nil, nil, zerolog.Nop()), zerolog.Nop())

	require.False(t, a.ContainmentActive(0), "no channel in scope: the per-channel trigger must not fire")
	require.True(t, a.ContainmentActive(1), "target channel's breaker is open")
}

func TestRSSGrowthOver10MinTriggersContainment(t *testing.T) {
	a := New(enabledCfg(), fakePool{snap: pool.Snapshot{Active: 1, Max: 10}}, &fakeHealth{}, fakeChannels{}, nil, nil, nil, metadata.New(nil, nil, zerolog.Nop()), zerolog.Nop())
	a.ObserveRSS(100 << 20)
	a.ObserveRSS(300 << 20)
	require.True(t, a.ContainmentActive(0))
}
