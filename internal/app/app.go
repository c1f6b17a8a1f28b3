// Package app wires the generation engine from Settings. The HTTP server and the
// CLI both start from Build.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"speech-to-video/internal/orchestrator"
	"speech-to-video/internal/platform/config"
	"speech-to-video/internal/platform/metrics"
	"speech-to-video/internal/playlist"
	"speech-to-video/internal/provider"
	"speech-to-video/internal/ratelimit"
	"speech-to-video/internal/stitch"
)

// App holds the wired components.
type App struct {
	Settings    config.Settings
	Log         *slog.Logger
	Metrics     *metrics.Metrics
	Service     *orchestrator.Service
	Limiter     *ratelimit.Limiter
	Playlist    *playlist.Playlist
	Transcriber *provider.TranscriptionClient
	Stitcher    *stitch.Stitcher

	closers []func() error
}

// Build constructs every component. m may be nil.
func Build(ctx context.Context, s config.Settings, log *slog.Logger, m *metrics.Metrics) (*App, error) {
	a := &App{Settings: s, Log: log, Metrics: m}

	retry := provider.RetryPolicy{
		BaseDelay:   s.RetryBaseDelay,
		Multiplier:  s.RetryMultiplier,
		MaxDelay:    s.RetryMaxDelay,
		MaxAttempts: s.RetryMaxAttempts,
		Jitter:      provider.DefaultRetryPolicy().Jitter,
	}
	onRetry := m.IncProviderRetry

	openai := provider.OpenAIConfig{
		BaseURL:         s.OpenAIBaseURL,
		APIKey:          s.OpenAIAPIKey,
		TranscribeModel: s.OpenAITranscribeModel,
		ChatModel:       s.OpenAIChatModel,
		Timeout:         s.TranscribeTimeout,
		Retry:           retry,
	}
	a.Transcriber = provider.NewTranscriptionClient(openai, log, onRetry)
	var scenes provider.SceneWriter
	if s.ScenePrompts && s.OpenAIAPIKey != "" {
		scenes = provider.NewChatSceneWriter(openai, log, onRetry)
	}

	routes, err := provider.ParseRoutes(s.VideoRoutes)
	if err != nil {
		return nil, err
	}
	video := provider.NewVideoClient(provider.VideoConfig{
		BaseURL:          s.VideoBaseURL,
		APIKey:           s.VideoAPIKey,
		GeneratePath:     s.VideoGeneratePath,
		StatusPath:       s.VideoStatusPath,
		StatusQueryParam: s.VideoStatusQueryParam,
		Model:            s.VideoModel,
		Routes:           routes,
		ResolutionHigh:   s.ResolutionHigh,
		ResolutionMedium: s.ResolutionMedium,
		Timeout:          s.ProviderHTTPTimeout,
		Retry:            retry,
	}, log, onRetry)

	capability := stitch.Probe(ctx, s.FFmpegPath)
	if !capability.Available {
		log.Warn("stitching disabled, multi-segment results will degrade", slog.String("reason", capability.Reason))
	}
	a.Stitcher = stitch.New(stitch.Config{
		ScratchDir:      s.ScratchDir,
		OutputDir:       s.StitchOutputDir,
		DownloadTimeout: s.DownloadTimeout,
		Timeout:         s.StitchTimeout,
	}, capability, &stitch.FFmpeg{Path: s.FFmpegPath, Log: log}, log)
	a.Stitcher.OnOutcome = m.IncStitch

	store, backend, err := openStore(ctx, s)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.Playlist, err = playlist.Open(ctx, store, nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Limiter = ratelimit.New(s.RateLimit, s.RateWindow, nil)

	orch := orchestrator.NewOrchestrator(video, orchestrator.Config{
		PollInterval: s.PollInterval,
		MaxPollWait:  s.MaxPollWait,
		Concurrency:  s.SegmentConcurrency,
		ExpectedClip: s.ExpectedClip,
	}, log)
	orch.OnSegment = func(st orchestrator.JobState) { m.IncSegment(st.String()) }

	var transcriber provider.Transcriber
	if s.OpenAIAPIKey != "" {
		transcriber = a.Transcriber
	}
	a.Service = orchestrator.NewService(orchestrator.ServiceConfig{
		ClipCeiling:              s.ClipCeilingSeconds,
		MaxDuration:              s.MaxDurationSeconds,
		DeferCompletion:          s.DeferCompletion,
		Linger:                   s.ProgressLinger,
		Retention:                s.ResultRetention,
		ExpectedTranscribe:       s.ExpectedTranscribe,
		ExpectedStitchBase:       s.ExpectedStitchBase,
		ExpectedStitchPerSegment: s.ExpectedStitchPerSegment,
		TranscribeTimeout:        s.TranscribeTimeout,
		MaxPollWait:              s.MaxPollWait,
		StitchTimeout:            s.StitchTimeout,
		Presets: map[string]orchestrator.Preset{
			"ad": orchestrator.AdPreset(s.AdModel, s.ResolutionMedium),
		},
		Setup: orchestrator.SetupReport{
			TranscriptionConfigured: s.OpenAIAPIKey != "",
			VideoConfigured:         s.VideoAPIKey != "",
			VideoModel:              s.VideoModel,
			PlaylistBackend:         backend,
		},
	}, orchestrator.Deps{
		Limiter:      a.Limiter,
		Transcriber:  transcriber,
		Scenes:       scenes,
		Orchestrator: orch,
		Stitcher:     a.Stitcher,
		Playlist:     a.Playlist,
		Metrics:      m,
		Log:          log,
	})
	return a, nil
}

// openStore picks Postgres when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, s config.Settings) (playlist.Store, string, error) {
	if s.DatabaseURL != "" {
		st, err := playlist.NewPostgresStore(ctx, s.DatabaseURL)
		return st, "postgres", err
	}
	if s.PlaylistDB == ":memory:" {
		return playlist.NewMemoryStore(), "memory", nil
	}
	st, err := playlist.NewSQLiteStore(s.PlaylistDB)
	return st, "sqlite", err
}

// Sweep drops idle rate-limit windows every interval until ctx ends.
func (a *App) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Limiter.Sweep(); n > 0 {
				a.Log.Debug("rate limit windows swept", slog.Int("count", n))
			}
		}
	}
}

// UpdateGauges refreshes scrape-time gauges.
func (a *App) UpdateGauges() {
	a.Metrics.SetActiveGenerations(a.Service.ActiveGenerations())
	a.Metrics.SetPlaylistEntries(a.Service.PlaylistSize(context.Background()))
}

// Close releases storage.
func (a *App) Close() error {
	var errList []error
	for _, c := range a.closers {
		errList = append(errList, c())
	}
	return errors.Join(errList...)
}
