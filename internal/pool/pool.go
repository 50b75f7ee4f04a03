// Package pool implements the single chokepoint that spawns and releases
// external transcoder processes (spec.md §4.1). Every broadcaster acquires
// a process through here; nothing else calls exec.Command for a transcoder.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/meridiantv/broadcastd/internal/config"
	"github.com/meridiantv/broadcastd/internal/metrics"
	"github.com/meridiantv/broadcastd/internal/xerrors"
)

// Command describes an external transcoder invocation to spawn, built by
// internal/transcoder and handed to the pool opaquely.
type Command struct {
	ChannelID   int64
	Path        string
	Args        []string
	ColdStart   time.Duration // first-stdout-byte deadline
}

// ProcessHandle is a borrowed reference to a running transcoder. Exactly one
// broadcaster holds a given handle at a time (spec.md §3 ownership rule).
type ProcessHandle struct {
	ChannelID int64
	PID       int
	StartedAt time.Time

	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	firstByte chan struct{}
	released  bool
	exitErr   error
	waitOnce  sync.Once
	waitDone  chan struct{}
}

// Stdout returns the transcoder's stdout for the broadcaster's read loop.
func (h *ProcessHandle) Stdout() io.Reader { return h.stdout }

// StderrTail drains stderr in the background, decoding as UTF-8 with
// replacement (spec.md §4.3 step 6 — stderr may carry non-UTF-8 bytes; a
// strict decode failure is a forbidden silent-kill path), and keeps the last
// few lines for diagnostics.
func (h *ProcessHandle) StderrTail(logger zerolog.Logger) *stderrTail {
	t := &stderrTail{lines: make([]string, 0, 20)}
	go t.drain(h.stderr, logger)
	return t
}

type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *stderrTail) drain(r io.Reader, logger zerolog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		// bufio.Scanner operates on bytes and never errors on bad encoding;
		// ToValidUTF8 swaps each invalid sequence for the replacement rune,
		// satisfying P10's never-raise-on-bad-bytes requirement.
		line := strings.ToValidUTF8(sc.Text(), "�")
		t.mu.Lock()
		if len(t.lines) >= 20 {
			t.lines = t.lines[1:]
		}
		t.lines = append(t.lines, line)
		t.mu.Unlock()
		logger.Debug().Str("stream", "stderr").Msg(line)
	}
}

func (t *stderrTail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.lines) {
		n = len(t.lines)
	}
	return append([]string(nil), t.lines[len(t.lines)-n:]...)
}

// Wait blocks until the process exits and returns its error (nil on exit 0).
func (h *ProcessHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.exitErr = h.cmd.Wait()
		close(h.waitDone)
	})
	<-h.waitDone
	return h.exitErr
}

type guardReason = xerrors.PoolRejectReason

// Guards are pluggable so tests can force memory/FD pressure deterministically.
type Guards struct {
	// FreeMemoryBytes returns current free system memory; MemoryWatermarkBytes
	// is the floor below which acquire() is rejected.
	FreeMemoryBytes       func() uint64
	MemoryWatermarkBytes  uint64
	// OpenFDs returns the process's current open file descriptor count;
	// FDWatermark is the ceiling above which acquire() is rejected.
	OpenFDs     func() int
	FDWatermark int
	// PerProcRSSEstimate / PerProcFDEstimate feed the capacity formula in
	// spec.md §4.1 guard 1 (max_processes = min(config cap, memory budget /
	// per-proc RSS, fd soft limit / per-proc FD)).
	PerProcRSSEstimate uint64
	PerProcFDEstimate  int
	FDSoftLimit        int
}

func defaultGuards() Guards {
	return Guards{
		FreeMemoryBytes:      func() uint64 { return 1 << 34 }, // optimistic default; real impl reads /proc/meminfo
		MemoryWatermarkBytes: 256 << 20,
		OpenFDs:              func() int { return 0 },
		FDWatermark:          4096,
		PerProcRSSEstimate:   150 << 20,
		PerProcFDEstimate:    12,
		FDSoftLimit:          65536,
	}
}

// Pool is the process pool supervisor. It satisfies the suture.Service
// interface (Serve(ctx) error) so it can be added to the root supervisor
// tree and benefit from suture's restart-on-panic semantics even though the
// pool itself should never need restarting — its own internal loop is just
// the background reaper.
type Pool struct {
	cfg     config.PoolConfig
	logger  zerolog.Logger
	guards  Guards
	limiter *rate.Limiter

	mu       sync.Mutex
	active   map[int64]*ProcessHandle
	pending  int
	closed   bool
}

// New constructs a Pool. cfg comes from the koanf-backed BroadcastConfig.
func New(cfg config.PoolConfig, logger zerolog.Logger, guards *Guards) *Pool {
	g := defaultGuards()
	if guards != nil {
		g = *guards
	}
	return &Pool{
		cfg:     cfg,
		logger:  logging(logger),
		guards:  g,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRefillPerSecond), cfg.RateLimitCapacity),
		active:  make(map[int64]*ProcessHandle),
	}
}

func logging(l zerolog.Logger) zerolog.Logger { return l.With().Str("component", "pool").Logger() }

// maxProcesses implements the spec.md §4.1 guard-1 formula.
func (p *Pool) maxProcesses() int {
	max := p.cfg.MaxProcesses
	if p.guards.PerProcRSSEstimate > 0 {
		if budget := p.guards.FreeMemoryBytes(); budget > 0 {
			if byMem := int(budget / p.guards.PerProcRSSEstimate); byMem < max {
				max = byMem
			}
		}
	}
	if p.guards.PerProcFDEstimate > 0 && p.guards.FDSoftLimit > 0 {
		if byFD := p.guards.FDSoftLimit / p.guards.PerProcFDEstimate; byFD < max {
			max = byFD
		}
	}
	if max < 1 {
		max = 1
	}
	return max
}

// Acquire spawns (or fails to spawn) a transcoder process for cmd, running
// every guard in spec.md §4.1 order, fail-fast. No blocking I/O is performed
// while the registry lock is held; the rate limiter's Wait sleeps only after
// the lock is released.
func (p *Pool) Acquire(ctx context.Context, cmd Command) (*ProcessHandle, error) {
	start := time.Now()
	metrics.FFmpegSpawnPending.Inc()
	defer metrics.FFmpegSpawnPending.Dec()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.reject(xerrors.ReasonPoolClosed)
	}
	max := p.maxProcesses()
	if len(p.active)+p.pending >= max {
		p.mu.Unlock()
		return p.reject(xerrors.ReasonCapacity)
	}
	if free := p.guards.FreeMemoryBytes(); free > 0 && free < p.guards.MemoryWatermarkBytes {
		p.mu.Unlock()
		return p.reject(xerrors.ReasonMemoryGuard)
	}
	if fds := p.guards.OpenFDs(); p.guards.FDWatermark > 0 && fds > p.guards.FDWatermark {
		p.mu.Unlock()
		return p.reject(xerrors.ReasonFDGuard)
	}
	if float64(len(p.active)) >= 0.8*float64(max) {
		metrics.FFmpegPoolPressureEventsTotal.Inc()
		p.logger.Warn().Int("active", len(p.active)).Int("max", max).Msg("pool pressure: active processes at or above 80% of cap")
	}
	p.pending++
	p.mu.Unlock()

	// Token bucket: sleep occurs only here, lock-free, never while holding p.mu
	// and never by self-recursion (spec.md §9 "tail-recursive token bucket").
	if err := p.limiter.Wait(ctx); err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return p.reject(xerrors.ReasonRateLimited)
	}

	handle, err := p.spawn(ctx, cmd)
	p.mu.Lock()
	p.pending--
	if err == nil {
		p.active[cmd.ChannelID] = handle
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	metrics.FFmpegProcessesActive.Set(float64(len(p.active)))
	metrics.PoolAcquisitionLatencySeconds.Observe(time.Since(start).Seconds())
	return handle, nil
}

func (p *Pool) reject(reason xerrors.PoolRejectReason) (*ProcessHandle, error) {
	metrics.FFmpegSpawnRejectedTotal.WithLabelValues(string(reason)).Inc()
	return nil, &xerrors.PoolRejection{Reason: reason}
}

func (p *Pool) spawn(ctx context.Context, c Command) (*ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	h := &ProcessHandle{
		ChannelID: c.ChannelID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		firstByte: make(chan struct{}),
		waitDone:  make(chan struct{}),
	}

	br := bufio.NewReaderSize(stdout, 64*1024)
	peeked := make(chan error, 1)
	go func() {
		_, err := br.Peek(1)
		peeked <- err
	}()
	deadline := c.ColdStart
	if deadline <= 0 {
		deadline = 90 * time.Second
	}
	select {
	case err := <-peeked:
		if err != nil {
			_ = cmd.Process.Kill()
			metrics.FFmpegSpawnTimeoutTotal.Inc()
			return nil, &xerrors.PoolRejection{Reason: xerrors.ReasonSpawnTimeout}
		}
		h.stdout = io.NopCloser(br)
		close(h.firstByte)
		return h, nil
	case <-time.After(deadline):
		_ = cmd.Process.Kill()
		metrics.FFmpegSpawnTimeoutTotal.Inc()
		return nil, &xerrors.PoolRejection{Reason: xerrors.ReasonSpawnTimeout}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}
}

// Release returns a handle's slot to the pool. Idempotent.
func (p *Pool) Release(channelID int64) {
	p.mu.Lock()
	h, ok := p.active[channelID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, channelID)
	p.mu.Unlock()

	metrics.FFmpegProcessesActive.Set(float64(len(p.active)))
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	_ = h.Wait()
}

// Metrics returns a point-in-time snapshot for callers that don't scrape
// Prometheus directly (e.g. the bounded AI agent's inspect_pool_status tool).
type Snapshot struct {
	Active  int
	Pending int
	Max     int
}

func (p *Pool) Metrics() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{Active: len(p.active), Pending: p.pending, Max: p.maxProcesses()}
}

// Serve runs the background reaper until ctx is cancelled, satisfying
// suture.Service so the root supervisor tree (internal/roottree) can own
// the pool's lifecycle.
func (p *Pool) Serve(ctx context.Context) error {
	interval := p.cfg.ReapInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *Pool) reap() {
	longRunMax := p.cfg.LongRunMax
	if longRunMax <= 0 {
		longRunMax = 24 * time.Hour
	}
	now := time.Now()

	p.mu.Lock()
	var stale []int64
	for id, h := range p.active {
		select {
		case <-h.waitDone:
			stale = append(stale, id) // exited but never released: zombie
		default:
			if now.Sub(h.StartedAt) > longRunMax {
				stale = append(stale, id) // long-runner
			}
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.logger.Info().Int64("channel_id", id).Msg("reaping stale transcoder process")
		p.Release(id)
	}
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	p.closed = true
	ids := make([]int64, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Release(id)
	}
}
