package transcoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiantv/broadcastd/internal/model"
)

func TestShouldCopy(t *testing.T) {
	require.True(t, shouldCopy(model.SourceLocal, &ProbeResult{VideoCodec: "h264", AudioCodec: "aac"}))
	require.False(t, shouldCopy(model.SourceLocal, &ProbeResult{VideoCodec: "hevc", AudioCodec: "aac"}))
	require.False(t, shouldCopy(model.SourceYouTube, &ProbeResult{VideoCodec: "h264", AudioCodec: "aac"}))
	require.False(t, shouldCopy(model.SourceLocal, &ProbeResult{VideoCodec: "h264", AudioCodec: "opus"}))
}

func TestCopyFlagsIncludeBitstreamFilter(t *testing.T) {
	flags := copyFlags()
	require.Contains(t, flags, "-bsf:v")
	found := false
	for i, f := range flags {
		if f == "-bsf:v" && i+1 < len(flags) {
			require.Contains(t, flags[i+1], "h264_mp4toannexb")
			require.Contains(t, flags[i+1], "dump_extra")
			found = true
		}
	}
	require.True(t, found, "bitstream filter flag must be present")
}

func TestInputFlagsReconnectOnlyForNetworkSources(t *testing.T) {
	local := inputFlags(model.SourceLocal)
	require.NotContains(t, local, "-reconnect")

	http := inputFlags(model.SourceHTTP)
	require.Contains(t, http, "-reconnect")
	require.Contains(t, http, "-reconnect_at_eof")
}

func TestColdStartTimeoutPerSource(t *testing.T) {
	require.Equal(t, 1e9, float64(coldStartTimeoutFor(model.SourceLocal)))
	require.Greater(t, coldStartTimeoutFor(model.SourcePlex), coldStartTimeoutFor(model.SourceYouTube))
}

func TestUnsupportedOnAccelerator(t *testing.T) {
	acc := Accelerator{Name: "videotoolbox", Unsupported: map[string]bool{"mpeg4": true}}
	require.True(t, unsupportedOnAccelerator(acc, "mpeg4"))
	require.False(t, unsupportedOnAccelerator(acc, "h264"))
}

func TestMuxerFlagsHaveShortPCRPeriod(t *testing.T) {
	flags := muxerFlags()
	require.Contains(t, flags, "-pcr_period")
	for i, f := range flags {
		if f == "-pcr_period" {
			require.Equal(t, "20", flags[i+1])
		}
	}
}
