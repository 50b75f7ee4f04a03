package transcoder

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// Accelerator is a hardware (or software) encode path the command builder
// may select, per spec.md §4.3.1.
type Accelerator struct {
	Name       string   // "videotoolbox", "nvenc", "qsv", "vaapi", "software"
	EncoderArg string   // ffmpeg -c:v value, e.g. "h264_videotoolbox"
	HWAccel    string   // ffmpeg -hwaccel value, empty for software
	Unsupported map[string]bool // codec names this accelerator must never decode in hardware
}

// Registry probes candidate accelerators once at startup (or on explicit
// invalidation) and remembers the first that succeeds a short test encode,
// rather than branching on OS version (spec.md §4.3.1).
type Registry struct {
	ffmpegPath  string
	candidates  []Accelerator
	probeOnce   sync.Once
	mu          sync.RWMutex
	selected    *Accelerator
}

func NewRegistry(ffmpegPath string, candidates []Accelerator) *Registry {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	return &Registry{ffmpegPath: ffmpegPath, candidates: candidates}
}

// DefaultCandidates lists the typical platform-native-GPU-then-software
// order spec.md §4.3.1 describes as "typical".
func DefaultCandidates() []Accelerator {
	return []Accelerator{
		{Name: "videotoolbox", EncoderArg: "h264_videotoolbox", HWAccel: "videotoolbox", Unsupported: map[string]bool{"mpeg4": true, "msmpeg4v3": true}},
		{Name: "nvenc", EncoderArg: "h264_nvenc", HWAccel: "cuda"},
		{Name: "vaapi", EncoderArg: "h264_vaapi", HWAccel: "vaapi"},
		{Name: "software", EncoderArg: "libx264", HWAccel: ""},
	}
}

// Selected returns the accelerator chosen at the last probe, probing once
// (lazily) if this is the first call.
func (r *Registry) Selected(ctx context.Context) Accelerator {
	r.probeOnce.Do(func() { r.probe(ctx) })
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected != nil {
		return *r.selected
	}
	return r.candidates[len(r.candidates)-1] // software is always last and always viable
}

// Invalidate discards the current choice and re-probes before returning;
// later Selected calls return the new choice.
func (r *Registry) Invalidate(ctx context.Context) {
	r.mu.Lock()
	r.selected = nil
	r.mu.Unlock()
	r.probe(ctx)
}

func (r *Registry) probe(ctx context.Context) {
	for _, cand := range r.candidates {
		if cand.HWAccel == "" {
			r.mu.Lock()
			c := cand
			r.selected = &c
			r.mu.Unlock()
			return
		}
		if probeEncoder(ctx, r.ffmpegPath, cand) {
			r.mu.Lock()
			c := cand
			r.selected = &c
			r.mu.Unlock()
			return
		}
	}
}

// probeEncoder spawns a 100ms synthetic test encode against the candidate
// encoder and reports whether ffmpeg accepted it, per spec.md §4.3.1.
func probeEncoder(ctx context.Context, ffmpegPath string, cand Accelerator) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	args := []string{
		"-hide_banner", "-v", "error",
		"-f", "lavfi", "-i", "testsrc=duration=0.1:size=320x240:rate=25",
		"-c:v", cand.EncoderArg,
		"-frames:v", "2",
		"-f", "null", "-",
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	return cmd.Run() == nil
}
