package broadcaster

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

func TestClientQueueDropsOldestUnderPressure(t *testing.T) {
	// The requested capacity of 2 is raised to minClientQueueChunks.
	q := newClientQueue("s1", 2)
	q.enqueue(Chunk("a"))
	q.enqueue(Chunk("b"))
	for i := 2; i < cap(q.ch); i++ {
		q.enqueue(Chunk("x"))
	}
	// Queue is now full; this enqueue must not block longer than
	// clientEnqueueTimeout and must drop "a" to make room for "c".
	start := time.Now()
	q.enqueue(Chunk("c"))
	elapsed := time.Since(start)
	require.Less(t, elapsed, 2*clientEnqueueTimeout)

	first := <-q.ch
	require.Equal(t, Chunk("b"), first, "oldest chunk should have been dropped, not newest")
}

func newTestBroadcaster() *Broadcaster {
	return &Broadcaster{
		channel: &model.Channel{ID: 1, IdleBehavior: model.IdleKeepRunning},
		clients: make(map[string]*clientQueue),
		logger:  zerolog.Nop(),
	}
}

func TestDetachClientIsIdempotent(t *testing.T) {
	b := newTestBroadcaster()
	_, sid := b.AttachClient(10)
	b.DetachClient(sid)
	require.NotPanics(t, func() { b.DetachClient(sid) })
}

func TestFanOutSkipsClosedQueueWithoutPanic(t *testing.T) {
	b := newTestBroadcaster()
	_, sid := b.AttachClient(10)
	b.DetachClient(sid)
	require.NotPanics(t, func() { b.fanOut(Chunk("x")) })
}

func TestMarkOutputAdvancesLastOutputTime(t *testing.T) {
	b := newTestBroadcaster()
	before := b.LastOutputTime()
	b.markOutput()
	require.True(t, b.LastOutputTime().After(before))
}
