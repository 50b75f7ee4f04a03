package health

import (
	"strconv"
	"sync"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/metrics"
	"github.com/meridiantv/broadcastd/internal/model"
)

// breakerRegistry owns one gobreaker.CircuitBreaker[struct{}] per channel,
// implementing spec.md §4.4 R3 on top of sony/gobreaker/v2 rather than a
// hand-rolled state machine — ReadyToTrip fires at cfg.CircuitFailureThreshold
// consecutive failures; gobreaker's Interval clears the counts every
// cfg.CircuitFailureWindow. The window is therefore a fixed period rather
// than a rolling one, and a single success in between resets the failure
// count. Timeout is the OPEN→HALF_OPEN delay; a single allowed request in
// HALF_OPEN decides CLOSED vs re-OPEN: the next success closes it, the next
// failure reopens it.
type breakerRegistry struct {
	cfg config.HealthConfig

	mu       sync.Mutex
	breakers map[int64]*gobreaker.CircuitBreaker[struct{}]
}

func newBreakerRegistry(cfg config.HealthConfig) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: make(map[int64]*gobreaker.CircuitBreaker[struct{}])}
}

func (b *breakerRegistry) breakerFor(channelID int64) *gobreaker.CircuitBreaker[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[channelID]; ok {
		return cb
	}
	id := channelID
	settings := gobreaker.Settings{
		Name:        channelIDLabel(id),
		MaxRequests: 1,
		Interval:    b.cfg.CircuitFailureWindow,
		Timeout:     b.cfg.CircuitOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.cfg.CircuitFailureThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(channelIDLabel(id)).Set(float64(stateToModel(to)))
		},
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](settings)
	b.breakers[channelID] = cb
	metrics.CircuitBreakerState.WithLabelValues(channelIDLabel(id)).Set(float64(model.CircuitClosed))
	return cb
}

// state returns the current observable state for channelID without tripping
// a request — used by the restart gate's R3 check and the AI envelope.
func (b *breakerRegistry) state(channelID int64) model.CircuitState {
	return stateToModel(b.breakerFor(channelID).State())
}

// recordFailure feeds one failure observation into the breaker. The gate
// calls this whenever the health ticker marks a channel unhealthy or a
// broadcaster reports a hard decode failure (spec.md §7).
func (b *breakerRegistry) recordFailure(channelID int64) {
	cb := b.breakerFor(channelID)
	_, _ = cb.Execute(func() (struct{}, error) {
		return struct{}{}, errFailureObservation
	})
}

// recordSuccess feeds one success observation — called after a restart the
// gate allowed actually produces output again.
func (b *breakerRegistry) recordSuccess(channelID int64) {
	cb := b.breakerFor(channelID)
	_, _ = cb.Execute(func() (struct{}, error) {
		return struct{}{}, nil
	})
}

var errFailureObservation = errFailure{}

type errFailure struct{}

func (errFailure) Error() string { return "observed channel failure" }

func stateToModel(s gobreaker.State) model.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	default:
		return model.CircuitClosed
	}
}

func channelIDLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
