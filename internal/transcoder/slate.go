package transcoder

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// SlateGenerator emits a short black-frame MPEG-TS slate with a burned-in
// drawtext message, the same lavfi color+anullsrc synthesis the teacher's
// gateway.go uses for its bootstrap TS, generalized into a standalone
// on-demand clip instead of a fixed pre-roll (spec.md §4.2 step 2, §7: shown
// while a channel has no playout item or its transcoder is between
// attempts).
type SlateGenerator struct {
	ffmpegPath string
}

func NewSlateGenerator(ffmpegPath string) *SlateGenerator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &SlateGenerator{ffmpegPath: ffmpegPath}
}

// Generate starts ffmpeg and returns its stdout pipe; closing the returned
// ReadCloser kills the process. The clip runs until ctx is cancelled or the
// reader is closed, so callers loop reads rather than expecting EOF.
func (s *SlateGenerator) Generate(ctx context.Context, message string) (io.ReadCloser, error) {
	drawtext := fmt.Sprintf("drawtext=text='%s':fontcolor=white:fontsize=36:x=(w-text_w)/2:y=(h-text_h)/2", escapeDrawtext(message))
	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=1280x720:r=30000/1001",
		"-f", "lavfi", "-i", "anullsrc=r=48000:cl=stereo",
		"-shortest",
		"-vf", drawtext,
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p", "-g", "30", "-keyint_min", "30", "-sc_threshold", "0",
		"-b:v", "900k", "-maxrate", "900k", "-bufsize", "900k",
		"-c:a", "aac", "-ac", "2", "-ar", "48000", "-b:a", "96k",
		"-f", "mpegts", "pipe:1",
	}

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("slate stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start slate ffmpeg: %w", err)
	}
	return &slateProcess{stdout: stdout, cmd: cmd}, nil
}

type slateProcess struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (p *slateProcess) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *slateProcess) Close() error {
	_ = p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

func escapeDrawtext(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' || c == ':' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
