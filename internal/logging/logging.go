// Package logging wraps rs/zerolog with the console/JSON split the rest of
// the corpus uses: human-readable console output in development, structured
// JSON in production. New core components (pool, broadcaster, health,
// playout, library, agent, epg) take a zerolog.Logger from here rather than
// calling the standard log package.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the logger constructed by New.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // "console" or "json"
	Caller bool
}

// New builds a root zerolog.Logger per cfg. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	b := zerolog.New(out).Level(lvl).With().Timestamp()
	if cfg.Caller {
		b = b.Caller()
	}
	return b.Logger()
}

// Component returns a child logger tagged with a "component" field, matching
// the per-subsystem loggers handed to suture services in internal/roottree.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
