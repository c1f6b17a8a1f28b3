package stitch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Capability records whether composition can run in this process.
// It is decided once at startup.
type Capability struct {
	Available bool
	Reason    string
}

// Unavailable returns a capability that always degrades.
func Unavailable(reason string) Capability {
	return Capability{Reason: reason}
}

// Probe checks that ffmpegPath resolves and runs.
func Probe(ctx context.Context, ffmpegPath string) Capability {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return Unavailable(fmt.Sprintf("%s not found: %v", ffmpegPath, err))
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, resolved, "-hide_banner", "-version").CombinedOutput(); err != nil {
		return Unavailable(fmt.Sprintf("%s -version failed: %v: %s", resolved, err, firstLine(out)))
	}
	return Capability{Available: true}
}

// Composer concatenates local media files, in order, into output.
type Composer interface {
	Compose(ctx context.Context, inputs []string, output string) error
}

// FFmpeg composes with the concat filter, re-encoding so clips with differing
// encodings line up. Audio tracks are merged when every input has one.
type FFmpeg struct {
	Path string
	Log  *slog.Logger
}

var _ Composer = (*FFmpeg)(nil)

func (f *FFmpeg) Compose(ctx context.Context, inputs []string, output string) error {
	err := f.run(ctx, concatArgs(inputs, output, true))
	if err == nil || ctx.Err() != nil {
		return err
	}
	// Generated clips are sometimes silent, which the audio concat rejects.
	if f.Log != nil {
		f.Log.Debug("concat with audio failed, retrying video only", slog.String("error", err.Error()))
	}
	return f.run(ctx, concatArgs(inputs, output, false))
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.Bytes()))
	}
	return nil
}

func concatArgs(inputs []string, output string, withAudio bool) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}

	var graph strings.Builder
	for i := range inputs {
		fmt.Fprintf(&graph, "[%d:v:0]", i)
		if withAudio {
			fmt.Fprintf(&graph, "[%d:a:0]", i)
		}
	}
	a := 0
	if withAudio {
		a = 1
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=%d[v]", len(inputs), a)
	if withAudio {
		graph.WriteString("[a]")
	}

	args = append(args, "-filter_complex", graph.String(), "-map", "[v]")
	if withAudio {
		args = append(args, "-map", "[a]", "-c:a", "aac")
	}
	return append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-movflags", "+faststart", output)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
