// Package transcoder builds the external transcoder invocation for a
// playable URL (spec.md §4.3): probing, the smart-copy decision, the
// mandatory correctness flags, muxer tuning, and per-source timeouts.
package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/meridiantv/broadcastd/internal/model"
)

// ProbeResult is the subset of ffprobe's stream/format description the
// smart-copy decision and command builder need.
type ProbeResult struct {
	VideoCodec string
	AudioCodec string
	Container  string
}

type ffprobeOutput struct {
	Streams []map[string]any `json:"streams"`
	Format  map[string]any   `json:"format"`
}

// Prober runs ffprobe with a short probesize/analyzeduration to minimize
// time-to-first-byte on HTTP sources (spec.md §4.3 step 1), grounded on the
// teacher's internal/plex/probe_overrides.go runFFprobe/classifyProbe shape.
type Prober struct {
	FFprobePath string
	Timeout     time.Duration
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{FFprobePath: ffprobePath, Timeout: 8 * time.Second}
}

func (p *Prober) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-probesize", "2000000",
		"-analyzeduration", "2000000",
		"-show_streams", "-show_format",
		"-of", "json",
		url,
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.FFprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	for _, s := range parsed.Streams {
		ct, _ := s["codec_type"].(string)
		codec := strings.ToLower(stringField(s, "codec_name"))
		if ct == "video" && result.VideoCodec == "" {
			result.VideoCodec = codec
		}
		if ct == "audio" && result.AudioCodec == "" {
			result.AudioCodec = codec
		}
	}
	result.Container = strings.ToLower(stringField(parsed.Format, "format_name"))
	return result, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

var h264Aliases = map[string]bool{"h264": true, "avc": true}
var copyFriendlyAudio = map[string]bool{"aac": true, "mp3": true}

// isPrerecorded reports whether the source should be paced in real time and
// is eligible for smart-copy, per spec.md §4.3 step 2 ("source is
// pre-recorded").
func isPrerecorded(source model.MediaSource) bool {
	switch source {
	case model.SourceLocal, model.SourcePlex, model.SourceJellyfin, model.SourceEmby, model.SourceArchiveOrg:
		return true
	default:
		return false
	}
}

// shouldCopy implements the smart-copy decision, spec.md §4.3 step 2.
func shouldCopy(source model.MediaSource, probe *ProbeResult) bool {
	if !isPrerecorded(source) {
		return false
	}
	return h264Aliases[probe.VideoCodec] && copyFriendlyAudio[probe.AudioCodec]
}

func coldStartTimeoutFor(source model.MediaSource) time.Duration {
	switch source {
	case model.SourceLocal:
		return time.Second
	case model.SourceYouTube:
		return 10 * time.Second
	case model.SourcePlex:
		return 60 * time.Second
	case model.SourceArchiveOrg, model.SourceHTTP:
		return 45 * time.Second
	default:
		return 30 * time.Second
	}
}
