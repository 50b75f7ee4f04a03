package main

import (
	"github.com/rs/zerolog"

	"github.com/meridiantv/broadcastd/internal/broadcaster"
	"github.com/meridiantv/broadcastd/internal/library"
	"github.com/meridiantv/broadcastd/internal/playout"
	"github.com/meridiantv/broadcastd/internal/pool"
	"github.com/meridiantv/broadcastd/internal/roottree"
	"github.com/meridiantv/broadcastd/internal/store"
	"github.com/meridiantv/broadcastd/internal/transcoder"
)

// loadChannels constructs one Broadcaster per enabled channel and registers
// it, but does not Start it — a Broadcaster is started on demand by
// internal/tunerapi's stream handler when a client tunes to its channel.
// Nothing starts channels at process startup: the Prewarm flag is stored
// but no code acts on it.
func loadChannels(st *store.Store, registry *roottree.ChannelRegistry, built *roottree.Built, p *pool.Pool, playoutEngine *playout.Engine, resolver *library.Registry, ffmpegPath string, logger zerolog.Logger) error {
	channels, err := st.ListEnabledChannels()
	if err != nil {
		return err
	}

	slate := transcoder.NewSlateGenerator(ffmpegPath)

	for _, ch := range channels {
		b := broadcaster.New(
			ch,
			playoutEngine,
			resolver,
			built.CommandBuilder,
			p,
			slate,
			built.Health,
			logger.With().Int64("channel_id", ch.ID).Str("component", "broadcaster").Logger(),
		)
		registry.Put(ch.ID, b)
	}
	return nil
}
