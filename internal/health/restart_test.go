package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

type fakeBroadcaster struct {
	stopped, started, restarted int
	lastOutput                  time.Time
	eligible                    bool
}

func (f *fakeBroadcaster) Stop()                   { f.stopped++ }
func (f *fakeBroadcaster) Start(context.Context)   { f.started++ }
func (f *fakeBroadcaster) LastOutputTime() time.Time { return f.lastOutput }
func (f *fakeBroadcaster) AutoRestartEligible() bool { return f.eligible }
func (f *fakeBroadcaster) MarkRestarted()            { f.restarted++ }

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		UnhealthyThreshold:      180 * time.Second,
		CheckInterval:           30 * time.Second,
		RestartStormWindow:      60 * time.Second,
		RestartStormMax:         10,
		RestartCooldown:         30 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitFailureWindow:    300 * time.Second,
		CircuitOpenDuration:     120 * time.Second,
	}
}

func TestRequestChannelRestartAllowsFirstRequest(t *testing.T) {
	s := New(testHealthConfig(), nil, nil, zerolog.Nop())
	b := &fakeBroadcaster{eligible: true}
	err := s.RequestChannelRestart(context.Background(), 1, b, "test")
	require.NoError(t, err)
	require.Equal(t, 1, b.stopped)
	require.Equal(t, 1, b.started)
	require.Equal(t, 1, b.restarted)
}

func TestRequestChannelRestartBlocksOnCooldown(t *testing.T) {
	s := New(testHealthConfig(), nil, nil, zerolog.Nop())
	b := &fakeBroadcaster{eligible: true}
	require.NoError(t, s.RequestChannelRestart(context.Background(), 1, b, "test"))
	err := s.RequestChannelRestart(context.Background(), 1, b, "test")
	var blocked *xerrors.RestartBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, xerrors.RestartBlockCooldown, blocked.Reason)
}

func TestRequestChannelRestartBlocksOnStorm(t *testing.T) {
	cfg := testHealthConfig()
	cfg.RestartStormMax = 2
	cfg.RestartCooldown = 0
	s := New(cfg, nil, nil, zerolog.Nop())

	for i := int64(1); i <= 2; i++ {
		b := &fakeBroadcaster{eligible: true}
		require.NoError(t, s.RequestChannelRestart(context.Background(), i, b, "test"))
	}
	b3 := &fakeBroadcaster{eligible: true}
	err := s.RequestChannelRestart(context.Background(), 3, b3, "test")
	var blocked *xerrors.RestartBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, xerrors.RestartBlockStorm, blocked.Reason)
	require.Equal(t, 0, b3.stopped, "the 11th-equivalent request must never touch the broadcaster")
}

type alwaysContained struct{}

func (alwaysContained) ContainmentActive(channelID int64) bool { return true }

func TestRequestChannelRestartBlocksOnContainment(t *testing.T) {
	s := New(testHealthConfig(), nil, alwaysContained{}, zerolog.Nop())
	b := &fakeBroadcaster{eligible: true}
	err := s.RequestChannelRestart(context.Background(), 1, b, "test")
	var blocked *xerrors.RestartBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, xerrors.RestartBlockContainment, blocked.Reason)
}

func TestCircuitOpensAfterThresholdFailuresAndBlocksRestart(t *testing.T) {
	cfg := testHealthConfig()
	cfg.CircuitFailureThreshold = 3
	cfg.RestartCooldown = 0
	s := New(cfg, nil, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		s.breakers.recordFailure(42)
	}
	b := &fakeBroadcaster{eligible: true}
	err := s.RequestChannelRestart(context.Background(), 42, b, "test")
	var blocked *xerrors.RestartBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, xerrors.RestartBlockCircuitOpen, blocked.Reason)
}
