package roottree

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/health"
)

type fakeRestartTarget struct {
	stopped, started, restarted int
	eligible                    bool
}

func (f *fakeRestartTarget) Stop()                   { f.stopped++ }
func (f *fakeRestartTarget) Start(context.Context)    { f.started++ }
func (f *fakeRestartTarget) LastOutputTime() time.Time { return time.Time{} }
func (f *fakeRestartTarget) AutoRestartEligible() bool { return f.eligible }
func (f *fakeRestartTarget) MarkRestarted()            { f.restarted++ }

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		RestartStormWindow:      60 * time.Second,
		RestartStormMax:         10,
		RestartCooldown:         30 * time.Second,
		CircuitFailureThreshold: 5,
		CircuitFailureWindow:    300 * time.Second,
		CircuitOpenDuration:     120 * time.Second,
	}
}

func TestHealthInspectorAdapterForwardsRequestChannelRestart(t *testing.T) {
	supervisor := health.New(testHealthConfig(), nil, nil, zerolog.Nop())
	a := newHealthInspectorAdapter(supervisor)

	target := &fakeRestartTarget{eligible: true}
	err := a.RequestChannelRestart(context.Background(), 1, target, "test")
	require.NoError(t, err)
	require.Equal(t, 1, target.stopped)
	require.Equal(t, 1, target.started)
}

func TestHealthInspectorAdapterForwardsCircuitStateAndVelocity(t *testing.T) {
	supervisor := health.New(testHealthConfig(), nil, nil, zerolog.Nop())
	a := newHealthInspectorAdapter(supervisor)

	require.Equal(t, supervisor.CircuitState(7), a.CircuitState(7))

	target := &fakeRestartTarget{eligible: true}
	require.NoError(t, a.RequestChannelRestart(context.Background(), 7, target, "test"))
	require.Equal(t, supervisor.RestartVelocity(), a.RestartVelocity())
	require.Equal(t, float64(1), a.RestartVelocity())
}
