package transcoder

import (
	"context"
	"fmt"

	"github.com/meridiantv/broadcastd/internal/model"
	"github.com/meridiantv/broadcastd/internal/pool"
)

// BuildInput is everything the command builder needs: the resolved URL, the
// source it came from, the channel's own config, and an optional watermark
// overlay path (spec.md §4.3 Inputs).
type BuildInput struct {
	URL              string
	Source           model.MediaSource
	Channel          *model.Channel
	WatermarkPath    string
	SubtitleBurnPath string
	FFmpegPath       string
}

// Driver builds pool.Command values. It owns the ffprobe prober and the
// accelerator registry so successive builds re-probe only on invalidation.
type Driver struct {
	prober     *Prober
	registry   *Registry
	ffmpegPath string
}

func NewDriver(ffmpegPath, ffprobePath string) *Driver {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Driver{
		prober:     NewProber(ffprobePath),
		registry:   NewRegistry(ffmpegPath, nil),
		ffmpegPath: ffmpegPath,
	}
}

// Build runs probe → smart-copy decision → flag assembly and returns a
// pool.Command ready for Pool.Acquire.
func (d *Driver) Build(ctx context.Context, in BuildInput) (pool.Command, error) {
	probeResult, err := d.prober.Probe(ctx, in.URL)
	if err != nil {
		// A probe failure does not abort the stream: fall back to an
		// always-transcode path, since the smart-copy decision requires
		// codec knowledge we no longer have.
		probeResult = &ProbeResult{}
	}

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats"}
	args = append(args, inputFlags(in.Source)...)
	args = append(args, "-i", in.URL)

	copyMode := shouldCopy(in.Source, probeResult)
	if copyMode {
		args = append(args, copyFlags()...)
	} else {
		acc := d.registry.Selected(ctx)
		if unsupportedOnAccelerator(acc, probeResult.VideoCodec) {
			acc = softwareFallback()
		}
		args = append(args, transcodeFlags(acc, in)...)
	}

	if isPrerecorded(in.Source) {
		args = append(args, "-re")
	}

	args = append(args, muxerFlags()...)
	args = append(args, "pipe:1")

	return pool.Command{
		ChannelID: in.Channel.ID,
		Path:      d.ffmpegPath,
		Args:      args,
		ColdStart: coldStartTimeoutFor(in.Source),
	}, nil
}

// inputFlags are the corruption-tolerant, reconnecting input flags mandated
// by spec.md §4.3 step 3, applied before -i so they govern the demuxer.
func inputFlags(source model.MediaSource) []string {
	flags := []string{
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-err_detect", "ignore_err",
		"-max_muxing_queue_size", "4096",
	}
	if source == model.SourceHTTP || source == model.SourceYouTube || source == model.SourceArchiveOrg {
		flags = append(flags,
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
	}
	return flags
}

// copyFlags implements the mandatory H.264-into-MPEG-TS bitstream converter
// (spec.md §4.3 step 3): rewrite length-prefixed NAL units to start-code
// form and re-emit SPS/PPS on every keyframe.
func copyFlags() []string {
	return []string{
		"-c:v", "copy",
		"-c:a", "copy",
		"-bsf:v", "h264_mp4toannexb,dump_extra=freq=keyframe",
	}
}

func transcodeFlags(acc Accelerator, in BuildInput) []string {
	flags := []string{}
	if acc.HWAccel != "" {
		flags = append(flags, "-hwaccel", acc.HWAccel)
	}
	flags = append(flags, "-c:v", acc.EncoderArg, "-c:a", "aac")

	var filters []string
	if in.WatermarkPath != "" {
		filters = append(filters, fmt.Sprintf("movie=%s[wm];[in][wm]overlay=W-w-10:H-h-10[out]", in.WatermarkPath))
	}
	if in.SubtitleBurnPath != "" {
		filters = append(filters, fmt.Sprintf("subtitles=%s", in.SubtitleBurnPath))
	}
	if len(filters) > 0 {
		flags = append(flags, "-vf", joinFilters(filters))
	}
	return flags
}

func joinFilters(filters []string) string {
	out := filters[0]
	for _, f := range filters[1:] {
		out += "," + f
	}
	return out
}

// unsupportedOnAccelerator enforces spec.md §4.3 step 2's explicit example:
// an MPEG-4-family decode must never be pushed onto an accelerator known not
// to support it (video-toolbox-style).
func unsupportedOnAccelerator(acc Accelerator, codec string) bool {
	return acc.Unsupported != nil && acc.Unsupported[codec]
}

func softwareFallback() Accelerator {
	return Accelerator{Name: "software", EncoderArg: "libx264"}
}

// muxerFlags implements spec.md §4.3 step 4: fixed mux rate, short PCR
// period for tight A/V sync, immediate flush, zero interleave delta.
func muxerFlags() []string {
	return []string{
		"-f", "mpegts",
		"-muxrate", "8000000",
		"-mpegts_flags", "+resend_headers",
		"-pcr_period", "20",
		"-flush_packets", "1",
		"-max_interleave_delta", "0",
	}
}
