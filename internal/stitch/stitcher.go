// Package stitch composes ordered segment artifacts into one playable video.
// When composition cannot run, it degrades to the first artifact instead of failing.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"speech-to-video/internal/errs"
)

// Config holds the stitcher's directories and time bounds.
type Config struct {
	ScratchDir      string // parent for per-call scratch dirs; empty means os.TempDir
	OutputDir       string
	PublicPrefix    string // URL path under which OutputDir is served
	DownloadTimeout time.Duration
	Timeout         time.Duration
}

// Result is the outcome of one stitch call.
type Result struct {
	URL      string
	Stitched bool
	Degraded bool
	Reason   string
}

// Outcome labels reported to the OnOutcome hook.
const (
	OutcomeStitched    = "stitched"
	OutcomeDegraded    = "degraded"
	OutcomePassthrough = "passthrough"
)

// Stitcher downloads, composes and publishes stitched artifacts.
type Stitcher struct {
	cfg      Config
	cap      Capability
	composer Composer
	client   *http.Client
	log      *slog.Logger

	// OnOutcome, if set, is called once per successful Stitch call.
	OnOutcome func(outcome string)
	now       func() time.Time
}

// New returns a Stitcher. capability comes from Probe at startup.
func New(cfg Config, capability Capability, composer Composer, log *slog.Logger) *Stitcher {
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = "/stitched"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join("clips", "stitched")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 120 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if composer == nil {
		capability = Unavailable("no composer configured")
	}
	return &Stitcher{
		cfg:      cfg,
		cap:      capability,
		composer: composer,
		client:   &http.Client{},
		log:      log,
		now:      time.Now,
	}
}

// Capability reports what was decided at startup.
func (s *Stitcher) Capability() Capability { return s.cap }

// OutputDir is where stitched files are written.
func (s *Stitcher) OutputDir() string { return s.cfg.OutputDir }

// Stitch composes inputs in order. Download and composition failures degrade to
// inputs[0]; only empty input and a cancelled caller are errors.
func (s *Stitcher) Stitch(ctx context.Context, name string, inputs []string) (Result, error) {
	const op = "stitch"
	if len(inputs) == 0 {
		return Result{}, errs.New(errs.KindInvalidRequest, op, "no artifacts to stitch")
	}
	for _, in := range inputs {
		if strings.TrimSpace(in) == "" {
			return Result{}, errs.New(errs.KindInvalidRequest, op, "empty artifact reference")
		}
	}
	if len(inputs) == 1 {
		s.report(OutcomePassthrough)
		return Result{URL: inputs[0]}, nil
	}
	if !s.cap.Available {
		return s.degrade(inputs, s.cap.Reason), nil
	}

	if name == "" {
		name = fmt.Sprintf("stitched_%d", s.now().UnixMilli())
	}
	name = sanitize(name)

	url, err := s.compose(ctx, name, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, errs.Wrap(errs.KindOf(ctx.Err()), op, ctx.Err())
		}
		return s.degrade(inputs, err.Error()), nil
	}
	s.report(OutcomeStitched)
	s.log.Info("stitched artifacts", slog.Int("segments", len(inputs)), slog.String("url", url))
	return Result{URL: url, Stitched: true}, nil
}

func (s *Stitcher) compose(ctx context.Context, name string, inputs []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, "stitch-*")
	if err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	local := make([]string, len(inputs))
	for i, in := range inputs {
		p, err := s.fetch(ctx, scratch, i, in)
		if err != nil {
			return "", fmt.Errorf("segment %d: %w", i+1, err)
		}
		local[i] = p
	}

	tmpOut := filepath.Join(scratch, "out.mp4")
	if err := s.composer.Compose(ctx, local, tmpOut); err != nil {
		return "", err
	}
	if fi, err := os.Stat(tmpOut); err != nil || fi.Size() == 0 {
		return "", errors.New("composer produced no output")
	}

	if err := os.MkdirAll(s.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("output dir: %w", err)
	}
	final := filepath.Join(s.cfg.OutputDir, name+".mp4")
	if err := moveFile(tmpOut, final); err != nil {
		return "", err
	}
	return path.Join(s.cfg.PublicPrefix, name+".mp4"), nil
}

// fetch makes input i available as a local file inside scratch.
// Local paths and previously published outputs are used in place.
func (s *Stitcher) fetch(ctx context.Context, scratch string, i int, in string) (string, error) {
	if p, ok := s.localPath(in); ok {
		if _, err := os.Stat(p); err != nil {
			return "", err
		}
		return p, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: http %d", resp.StatusCode)
	}

	ext := strings.ToLower(path.Ext(req.URL.Path))
	if ext != ".webm" {
		ext = ".mp4"
	}
	dst := filepath.Join(scratch, fmt.Sprintf("seg_%03d%s", i, ext))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Stitcher) localPath(in string) (string, bool) {
	if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") {
		return "", false
	}
	prefix := strings.TrimRight(s.cfg.PublicPrefix, "/") + "/"
	if strings.HasPrefix(in, prefix) {
		return filepath.Join(s.cfg.OutputDir, filepath.Base(strings.TrimPrefix(in, prefix))), true
	}
	return strings.TrimPrefix(in, "file://"), true
}

func (s *Stitcher) degrade(inputs []string, reason string) Result {
	reason = errs.KindCompositionUnavailable.String() + ": " + reason
	s.log.Warn("stitch degraded to first segment",
		slog.Int("segments", len(inputs)),
		slog.String("reason", reason))
	s.report(OutcomeDegraded)
	return Result{URL: inputs[0], Degraded: true, Reason: reason}
}

func (s *Stitcher) report(outcome string) {
	if s.OnOutcome != nil {
		s.OnOutcome(outcome)
	}
}

func sanitize(name string) string {
	name = strings.TrimSuffix(filepath.Base(name), ".mp4")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
