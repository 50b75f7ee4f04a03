package roottree

import (
	"github.com/meridiantv/broadcastd/internal/epg"
)

// LineupAdapter satisfies epg.LineupSource over the same ChannelLister the
// generator already uses for Rebuild, so the lineup cross-check (spec.md
// §4.8 step 7) and the rebuild path share one channel source.
type LineupAdapter struct {
	channels epg.ChannelLister
}

func NewLineupAdapter(ch epg.ChannelLister) *LineupAdapter {
	return &LineupAdapter{channels: ch}
}

func (a *LineupAdapter) Lineup() []epg.LineupChannel {
	channels, err := a.channels.ListEnabledChannels()
	if err != nil {
		return nil
	}
	out := make([]epg.LineupChannel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, epg.LineupChannel{
			ChannelID:   ch.ID,
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
		})
	}
	return out
}
