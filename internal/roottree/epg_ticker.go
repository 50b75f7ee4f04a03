package roottree

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/epg"
	"github.com/meridiantv/broadcastd/internal/metadata"
)

// epgTickerService periodically rebuilds the XMLTV guide and feeds the
// cycle's drift signals into the metadata pipeline, satisfying
// suture.Service so it lives in the guide layer.
type epgTickerService struct {
	generator *epg.Generator
	pipeline  *metadata.Pipeline
	interval  time.Duration
	logger    zerolog.Logger
}

func newEPGTickerService(generator *epg.Generator, pipeline *metadata.Pipeline, interval time.Duration, logger zerolog.Logger) *epgTickerService {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &epgTickerService{
		generator: generator,
		pipeline:  pipeline,
		interval:  interval,
		logger:    logger.With().Str("component", "epg_ticker").Logger(),
	}
}

func (s *epgTickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *epgTickerService) runOnce(ctx context.Context) {
	if err := s.generator.Rebuild(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("epg regeneration failed")
		return
	}
	stats := s.generator.LastCycleStats()
	s.pipeline.RunCycleChecks(stats.MissingEpisodeRatio, stats.MissingYearRatio, stats.PlaceholderCount)
}
