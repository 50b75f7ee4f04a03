// Package roottree assembles the process-wide suture supervisor tree: the
// process pool, the per-channel broadcasters, the health & restart
// supervisor, and the EPG regeneration ticker, laid out in layers so a
// crash in one layer doesn't take down another — the same layered-tree
// shape cartographus's internal/supervisor/tree.go uses, generalized from
// three fixed layers (data/messaging/api) to this module's own layers
// (ingest, playback, guide).
package roottree

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig mirrors the failure-backoff knobs suture exposes, defaulted the
// same way cartographus's tree does.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// SupervisorTree is the root of broadcastd's suture tree. It has three
// layers: ingest (the process pool's reaper), playback (per-channel
// broadcasters and the health supervisor), and guide (the EPG regeneration
// ticker).
type SupervisorTree struct {
	root     *suture.Supervisor
	ingest   *suture.Supervisor
	playback *suture.Supervisor
	guide    *suture.Supervisor
	logger   zerolog.Logger
}

// New builds the tree. The suture EventHook is driven by sutureslog over a
// standalone structured slog.Logger (zerolog has no built-in slog bridge;
// both end up as JSON on stdout, matching the rest of the process's
// structured-logging convention).
func New(logger zerolog.Logger, cfg TreeConfig) *SupervisorTree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	slogLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	handler := &sutureslog.Handler{Logger: slogLogger}
	eventHook := handler.MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("broadcastd", rootSpec)
	ingest := suture.New("ingest", childSpec)
	playback := suture.New("playback", childSpec)
	guide := suture.New("guide", childSpec)

	root.Add(ingest)
	root.Add(playback)
	root.Add(guide)

	return &SupervisorTree{
		root:     root,
		ingest:   ingest,
		playback: playback,
		guide:    guide,
		logger:   logger.With().Str("component", "roottree").Logger(),
	}
}

// AddIngestService adds a service to the ingest layer (the process pool's
// background reaper).
func (t *SupervisorTree) AddIngestService(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddPlaybackService adds a service to the playback layer (the health &
// restart supervisor; individual broadcasters manage their own goroutine
// via Start/Stop rather than being suture services themselves, since their
// lifecycle is driven by the health gate, not by suture restart policy).
func (t *SupervisorTree) AddPlaybackService(svc suture.Service) suture.ServiceToken {
	return t.playback.Add(svc)
}

// AddGuideService adds a service to the guide layer (the EPG regeneration
// ticker).
func (t *SupervisorTree) AddGuideService(svc suture.Service) suture.ServiceToken {
	return t.guide.Add(svc)
}

// Serve starts the whole tree and blocks until ctx is cancelled.
func (t *SupervisorTree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a background goroutine.
func (t *SupervisorTree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}
