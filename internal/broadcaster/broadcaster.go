// Package broadcaster implements the Channel Broadcaster (spec.md §4.2):
// for one channel, it owns exactly one live transcoder process (S1) and
// fans its MPEG-TS stdout out to every attached client via bounded,
// drop-oldest queues so a stalled client never stalls the broadcast (S3).
package broadcaster

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/pool"
)

// Chunk is one read from the transcoder's stdout, handed to every client
// queue verbatim (spec.md §4.2 step 6: reads in <=64 KiB chunks).
type Chunk []byte

const (
	readChunkSize    = 64 * 1024
	clientEnqueueTimeout = 100 * time.Millisecond
	minClientQueueChunks = 100
)

// PlayoutSource is the seam into internal/playout.Engine.
type PlayoutSource interface {
	CurrentItem(ctx context.Context, channelID int64, now time.Time) (*model.ScheduledProgramme, error)
	Advance(ctx context.Context, channelID int64) (*model.ScheduledProgramme, error)
}

// URLResolver is the seam into internal/library.Registry.
type URLResolver interface {
	ResolveURL(ctx context.Context, item model.MediaItem) (string, error)
}

// CommandBuilder is the seam into internal/transcoder.Driver.
type CommandBuilder interface {
	Build(ctx context.Context, in BuildInput) (pool.Command, error)
}

// BuildInput mirrors transcoder.BuildInput without broadcaster depending on
// the transcoder package's full import graph; internal/roottree adapts.
type BuildInput struct {
	URL     string
	Source  model.MediaSource
	Channel *model.Channel
}

// ProcessPool is the seam into internal/pool.Pool.
type ProcessPool interface {
	Acquire(ctx context.Context, cmd pool.Command) (*pool.ProcessHandle, error)
	Release(channelID int64)
}

// SlateGenerator produces a short "no programming"/error MPEG-TS slate
// (spec.md §4.2 step 2, §7) via the external transcoder. Implementations
// live alongside internal/transcoder; this package only needs the bytes.
type SlateGenerator interface {
	Generate(ctx context.Context, message string) (io.ReadCloser, error)
}

// OutcomeRecorder is the narrow seam into internal/health.Supervisor so the
// circuit breaker sees real stream success/failure observations without
// broadcaster importing health.
type OutcomeRecorder interface {
	RecordStreamOutcome(channelID int64, success bool)
}

type clientQueue struct {
	ch        chan Chunk
	sessionID string
	closed    bool
	mu        sync.Mutex
}

func newClientQueue(sessionID string, capacity int) *clientQueue {
	if capacity < minClientQueueChunks {
		capacity = minClientQueueChunks
	}
	return &clientQueue{ch: make(chan Chunk, capacity), sessionID: sessionID}
}

// enqueue implements the drop-oldest overflow policy (spec.md §4.2 step 6,
// invariant S3): a short timeout bounds how long the broadcast waits on a
// single client; on timeout the oldest queued chunk is discarded to make
// room, preserving recency without ever blocking the fan-out.
func (q *clientQueue) enqueue(c Chunk) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case q.ch <- c:
		return
	case <-time.After(clientEnqueueTimeout):
	}
	select {
	case <-q.ch:
	default:
	}
	select {
	case q.ch <- c:
	default:
	}
}

func (q *clientQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// State is the observable snapshot returned by Broadcaster.State.
type State struct {
	IsRunning      bool
	LastOutputTime time.Time
	ClientCount    int
	RestartCount   int
}

// Broadcaster is the Channel Broadcaster for exactly one channel.
type Broadcaster struct {
	channel  *model.Channel
	playout  PlayoutSource
	resolver URLResolver
	builder  CommandBuilder
	pool     ProcessPool
	slate    SlateGenerator
	outcome  OutcomeRecorder
	logger   zerolog.Logger

	idleGrace time.Duration

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastOutput   time.Time
	restartCount int
	clients      map[string]*clientQueue
}

// New constructs a Broadcaster for one channel. outcome and slate may be nil.
func New(channel *model.Channel, playout PlayoutSource, resolver URLResolver, builder CommandBuilder, p ProcessPool, slate SlateGenerator, outcome OutcomeRecorder, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		channel:   channel,
		playout:   playout,
		resolver:  resolver,
		builder:   builder,
		pool:      p,
		slate:     slate,
		outcome:   outcome,
		logger:    logger.With().Str("component", "broadcaster").Int64("channel_id", channel.ID).Logger(),
		idleGrace: 15 * time.Second,
		clients:   make(map[string]*clientQueue),
	}
}

// Start is idempotent: it is a no-op if already running (spec.md §4.2).
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.run(runCtx)
}

// Stop halts the loop and waits for it to exit. It cancels the loop's
// context first; the loop then releases the process handle back to the
// pool on its way out, so the release comes after the cancellation, not
// before it.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	<-done
}

// AttachClient returns a new bounded client queue and session id (spec.md
// §4.2 attach_client). The caller disconnects by calling DetachClient with
// the session id; a queue that is merely dropped stays attached.
func (b *Broadcaster) AttachClient(capacityChunks int) (<-chan Chunk, string) {
	sessionID := uuid.NewString()
	q := newClientQueue(sessionID, capacityChunks)
	b.mu.Lock()
	b.clients[sessionID] = q
	b.mu.Unlock()
	return q.ch, sessionID
}

// DetachClient is idempotent (spec.md §4.2 detach_client, invariant S4: a
// client queue is removed even if the broadcast is mid-chunk, since the
// removal only touches the client map under its own lock).
func (b *Broadcaster) DetachClient(sessionID string) {
	b.mu.Lock()
	q, ok := b.clients[sessionID]
	if ok {
		delete(b.clients, sessionID)
	}
	clientCount := len(b.clients)
	idle := clientCount == 0 && b.channel.IdleBehavior == model.IdleStopOnDisconnect
	b.mu.Unlock()
	if ok {
		q.close()
	}
	if idle {
		go b.stopAfterGrace()
	}
}

func (b *Broadcaster) stopAfterGrace() {
	time.Sleep(b.idleGrace)
	b.mu.Lock()
	stillIdle := len(b.clients) == 0
	b.mu.Unlock()
	if stillIdle {
		b.Stop()
	}
}

// State returns a point-in-time snapshot (spec.md §4.2 state()).
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		IsRunning:      b.running,
		LastOutputTime: b.lastOutput,
		ClientCount:    len(b.clients),
		RestartCount:   b.restartCount,
	}
}

// LastOutputTime and AutoRestartEligible satisfy health.ChannelBroadcaster.
func (b *Broadcaster) LastOutputTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastOutput
}

func (b *Broadcaster) AutoRestartEligible() bool {
	return b.channel.Enabled
}

// MarkRestarted increments restart_count (spec.md line 112's state()
// contract). Called only from health.Supervisor.RequestChannelRestart, the
// single gate permitted to restart a channel (spec.md P2) — no other caller
// should touch this.
func (b *Broadcaster) MarkRestarted() {
	b.mu.Lock()
	b.restartCount++
	b.mu.Unlock()
}

func (b *Broadcaster) fanOut(c Chunk) {
	b.mu.Lock()
	queues := make([]*clientQueue, 0, len(b.clients))
	for _, q := range b.clients {
		queues = append(queues, q)
	}
	b.mu.Unlock()
	for _, q := range queues {
		q.enqueue(c)
	}
}

func (b *Broadcaster) markOutput() {
	b.mu.Lock()
	b.lastOutput = time.Now()
	b.mu.Unlock()
}

// run is the internal loop (spec.md §4.2): resolve the current item, build
// and acquire a transcoder, read its stdout, fan out, and on exit-0 advance
// the playout anchor and continue without tearing down broadcaster state.
func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		prog, err := b.playout.CurrentItem(ctx, b.channel.ID, time.Now())
		if err != nil {
			b.logger.Warn().Err(err).Msg("no current item; serving slate")
			b.serveSlateBriefly(ctx, "No programming")
			continue
		}

		url, err := b.resolver.ResolveURL(ctx, prog.MediaItem)
		if err != nil {
			b.logger.Warn().Err(err).Msg("url resolution failed; serving slate")
			b.serveSlateBriefly(ctx, "Content unavailable")
			continue
		}

		cmd, err := b.builder.Build(ctx, BuildInput{URL: url, Source: prog.MediaItem.Source, Channel: b.channel})
		if err != nil {
			b.logger.Error().Err(err).Msg("transcoder command build failed")
			b.serveSlateBriefly(ctx, "Stream error")
			continue
		}

		handle, err := b.pool.Acquire(ctx, cmd)
		if err != nil {
			b.logger.Warn().Err(err).Msg("pool rejected acquire")
			if b.outcome != nil {
				b.outcome.RecordStreamOutcome(b.channel.ID, false)
			}
			b.serveSlateBriefly(ctx, "Stream error")
			continue
		}

		exitErr := b.readLoop(ctx, handle)
		b.pool.Release(b.channel.ID)

		if ctx.Err() != nil {
			return
		}
		if exitErr != nil {
			b.logger.Warn().Err(exitErr).Msg("transcoder exited with error")
			if b.outcome != nil {
				b.outcome.RecordStreamOutcome(b.channel.ID, false)
			}
			// A failing transcoder never self-restarts (spec.md §4.2 step
			// 8, P2): the loop ends here and only health.Supervisor's
			// RequestChannelRestart gate (§4.4) may start it again.
			return
		}

		if b.outcome != nil {
			b.outcome.RecordStreamOutcome(b.channel.ID, true)
		}
		if _, err := b.playout.Advance(ctx, b.channel.ID); err != nil {
			b.logger.Error().Err(err).Msg("failed to advance playout anchor")
		}
	}
}

// readLoop reads <=64 KiB chunks from handle's stdout and fans each
// non-empty chunk out, advancing last_output_time exactly when a non-empty
// chunk was observed (invariant S2). Returns the process's exit error.
func (b *Broadcaster) readLoop(ctx context.Context, handle *pool.ProcessHandle) error {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := handle.Stdout().Read(buf)
		if n > 0 {
			chunk := make(Chunk, n)
			copy(chunk, buf[:n])
			b.markOutput()
			b.fanOut(chunk)
		}
		if err != nil {
			if err == io.EOF {
				return handle.Wait()
			}
			return fmt.Errorf("transcoder read error: %w", err)
		}
	}
}

// serveSlateBriefly emits a short generated slate to clients (spec.md §4.2
// step 2, §7) and sleeps briefly before the caller retries.
func (b *Broadcaster) serveSlateBriefly(ctx context.Context, message string) {
	if b.slate != nil {
		if r, err := b.slate.Generate(ctx, message); err == nil {
			defer r.Close()
			buf := make([]byte, readChunkSize)
			for {
				n, rerr := r.Read(buf)
				if n > 0 {
					chunk := make(Chunk, n)
					copy(chunk, buf[:n])
					b.fanOut(chunk)
				}
				if rerr != nil {
					break
				}
			}
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
}
