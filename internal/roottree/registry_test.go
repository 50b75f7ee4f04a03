package roottree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/broadcaster"
)

func TestChannelRegistryChannelsAndLookupShareOneMap(t *testing.T) {
	r := NewChannelRegistry()
	b := &broadcaster.Broadcaster{}
	r.Put(5, b)

	channels := r.Channels()
	require.Len(t, channels, 1)
	require.Same(t, b, channels[5])

	target, ok := r.Lookup(5)
	require.True(t, ok)
	require.Same(t, b, target)

	r.Remove(5)
	_, ok = r.Lookup(5)
	require.False(t, ok)
	require.Empty(t, r.Channels())
}

func TestChannelRegistryLookupMissingChannel(t *testing.T) {
	r := NewChannelRegistry()
	_, ok := r.Lookup(99)
	require.False(t, ok)
}
