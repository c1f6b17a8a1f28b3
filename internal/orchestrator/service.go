package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/planner"
	"speech-to-video/internal/platform/metrics"
	"speech-to-video/internal/playlist"
	"speech-to-video/internal/progress"
	"speech-to-video/internal/provider"
	"speech-to-video/internal/ratelimit"
	"speech-to-video/internal/stitch"
)

// ServiceConfig holds the request-level tunables.
type ServiceConfig struct {
	ClipCeiling int
	// MaxDuration caps the requested total in seconds. Zero means 300.
	MaxDuration     int
	DefaultQuality  provider.Quality
	DeferCompletion bool
	// Presets are the fixed request shapes callers may name.
	Presets map[string]Preset
	// Linger is how long a finished request's progress stays visible before it
	// resets to idle. Zero keeps it.
	Linger    time.Duration
	Retention time.Duration

	ExpectedTranscribe       time.Duration
	ExpectedStitchBase       time.Duration
	ExpectedStitchPerSegment time.Duration

	TranscribeTimeout time.Duration
	MaxPollWait       time.Duration
	StitchTimeout     time.Duration

	// Setup is echoed by the setup report.
	Setup SetupReport
}

// Deps are the collaborators a Service drives. Transcriber and Scenes may be nil.
type Deps struct {
	Repo         Repository
	Limiter      *ratelimit.Limiter
	Transcriber  provider.Transcriber
	Scenes       provider.SceneWriter
	Orchestrator *Orchestrator
	Stitcher     *stitch.Stitcher
	Playlist     *playlist.Playlist
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// SetupReport tells a client which capabilities are configured.
type SetupReport struct {
	TranscriptionConfigured bool   `json:"transcription_configured"`
	VideoConfigured         bool   `json:"video_configured"`
	VideoModel              string `json:"video_model"`
	ClipCeilingSeconds      int    `json:"clip_ceiling_seconds"`
	PlaylistBackend         string `json:"playlist_backend"`
	StitchingAvailable      bool   `json:"stitching_available"`
	StitchingReason         string `json:"stitching_reason,omitempty"`
	ActiveGenerations       int    `json:"active_generations"`
}

// Service admits generation requests, runs them through transcription, planning,
// generation and stitching, and owns the request registry.
type Service struct {
	cfg         ServiceConfig
	repo        Repository
	limiter     *ratelimit.Limiter
	transcriber provider.Transcriber
	scenes      provider.SceneWriter
	orch        *Orchestrator
	stitcher    *stitch.Stitcher
	playlist    *playlist.Playlist
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService returns a Service. Zero durations in cfg fall back to defaults.
func NewService(cfg ServiceConfig, d Deps) *Service {
	if cfg.ClipCeiling <= 0 {
		cfg.ClipCeiling = 10
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 300
	}
	if !cfg.DefaultQuality.Valid() {
		cfg.DefaultQuality = provider.QualityMedium
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 2 * time.Minute
	}
	if cfg.MaxPollWait <= 0 {
		cfg.MaxPollWait = 5 * time.Minute
	}
	if cfg.StitchTimeout <= 0 {
		cfg.StitchTimeout = 5 * time.Minute
	}
	if d.Repo == nil {
		d.Repo = NewInMemoryRepository()
	}
	if d.Log == nil {
		d.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:         cfg,
		repo:        d.Repo,
		limiter:     d.Limiter,
		transcriber: d.Transcriber,
		scenes:      d.Scenes,
		orch:        d.Orchestrator,
		stitcher:    d.Stitcher,
		playlist:    d.Playlist,
		metrics:     d.Metrics,
		log:         d.Log,
		now:         time.Now,
		base:        base,
		cancel:      cancel,
	}
}

// accepted is a request that passed admission and has a registry slot.
type accepted struct {
	id      string
	req     GenerationRequest
	plan    planner.SegmentPlan
	prompts bool
	preset  *Preset
	tracker *progress.Tracker
}

// Generate runs a request to completion. A failed generation is reported in the
// result; the error return covers requests that were never admitted. The run ends
// when ctx does or when Shutdown gives up waiting.
func (s *Service) Generate(ctx context.Context, req GenerationRequest) (AggregateResult, error) {
	if err := ctx.Err(); err != nil {
		return AggregateResult{}, errs.Wrap(errs.KindOf(err), "generate", err)
	}
	a, err := s.admit(req)
	if err != nil {
		return AggregateResult{}, err
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()
	return s.run(ctx, a), nil
}

// Start admits a request and runs it in the background. Poll Result or Progress
// with the returned id.
func (s *Service) Start(ctx context.Context, req GenerationRequest) (string, error) {
	return s.StartThen(ctx, req, nil)
}

// StartThen is Start with a hook run after the request finishes, such as removing
// an uploaded audio file. The hook does not run when admission fails. ctx only
// bounds admission; the run itself outlives it.
func (s *Service) StartThen(ctx context.Context, req GenerationRequest, then func()) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Wrap(errs.KindOf(err), "generate", err)
	}
	a, err := s.admit(req)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.base, a)
		if then != nil {
			then()
		}
	}()
	return a.id, nil
}

// Shutdown waits for background requests. When ctx ends first they are cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) admit(req GenerationRequest) (*accepted, error) {
	const op = "generate"
	if req.CallerID == "" {
		return nil, errs.New(errs.KindUnauthenticated, op, "caller identity required")
	}
	if s.limiter != nil {
		if err := s.limiter.Admit(req.CallerID); err != nil {
			s.metrics.IncRateLimited()
			return nil, err
		}
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" && req.AudioPath == "" {
		return nil, errs.New(errs.KindInvalidRequest, op, "prompt or audio is required")
	}
	if req.Prompt != "" {
		// A typed prompt wins; the audio is not transcribed.
		req.AudioPath = ""
	}
	if req.AudioPath != "" && s.transcriber == nil {
		return nil, errs.New(errs.KindInvalidRequest, op, "transcription is not configured")
	}

	var preset *Preset
	if req.Preset != "" {
		p, ok := s.cfg.Presets[req.Preset]
		if !ok {
			return nil, errs.Newf(errs.KindInvalidRequest, op, "unknown preset %q", req.Preset)
		}
		if len(req.Split) > 0 || len(req.Prompts) > 0 {
			return nil, errs.Newf(errs.KindInvalidRequest, op, "preset %q fixes its own scenes", req.Preset)
		}
		req = p.apply(req)
		preset = &p
	}
	if req.Duration > s.cfg.MaxDuration {
		return nil, errs.Newf(errs.KindInvalidRequest, op, "duration %ds exceeds the %ds limit", req.Duration, s.cfg.MaxDuration)
	}
	if req.Quality == "" {
		req.Quality = s.cfg.DefaultQuality
	}
	if !req.Quality.Valid() {
		return nil, errs.Newf(errs.KindInvalidRequest, op, "unknown quality %q", req.Quality)
	}

	plan, err := s.plan(req, preset)
	if err != nil {
		return nil, err
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	req.RequestID = id
	tracker := progress.NewTracker(progress.Clock(s.now))
	if err := s.repo.Create(id, req.CallerID, tracker, s.now()); err != nil {
		return nil, err
	}
	s.metrics.SetActiveGenerations(s.repo.ActiveCount())
	return &accepted{id: id, req: req, plan: plan, prompts: len(req.Prompts) > 0, preset: preset, tracker: tracker}, nil
}

func (s *Service) plan(req GenerationRequest, preset *Preset) (planner.SegmentPlan, error) {
	switch {
	case preset != nil:
		return preset.plan()
	case len(req.Split) > 0:
		return planner.WithSplit(req.Duration, s.cfg.ClipCeiling, req.Split, req.Prompts)
	case req.Balanced:
		p, err := planner.Balanced(req.Duration, s.cfg.ClipCeiling)
		return p.WithPrompts(req.Prompts), err
	default:
		p, err := planner.Plan(req.Duration, s.cfg.ClipCeiling)
		return p.WithPrompts(req.Prompts), err
	}
}

// stageWeights splits the progress bar between transcription, generation and
// stitching. Stages that will not run get no weight.
func stageWeights(audio bool, segments int) (transcribe, generate, stitching float64) {
	if audio {
		transcribe = 0.1
	}
	if segments > 1 {
		stitching = 0.15
	}
	return transcribe, 1 - transcribe - stitching, stitching
}

func (s *Service) run(ctx context.Context, a *accepted) AggregateResult {
	n := a.plan.Len()
	deadline := s.cfg.TranscribeTimeout + time.Duration(n)*s.cfg.MaxPollWait + s.cfg.StitchTimeout
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	log := s.log.With(slog.String("request_id", a.id), slog.String("caller_id", a.req.CallerID))
	log.Info("generation started", slog.Int("duration", a.req.Duration), slog.Int("segments", n))

	res := AggregateResult{
		RequestID: a.id,
		CallerID:  a.req.CallerID,
		Status:    StatusRunning,
		StartedAt: s.now(),
	}
	wTranscribe, wGenerate, wStitch := stageWeights(a.req.AudioPath != "", n)

	prompt := a.req.Prompt
	if a.req.AudioPath != "" {
		text, err := s.transcribe(ctx, a, wTranscribe)
		if err != nil {
			return s.finish(ctx, a, res, err)
		}
		res.Transcript = text
		prompt = text
	}

	plan := a.plan
	switch {
	case a.preset != nil:
		plan = plan.WithPrompts(a.preset.prompts(prompt))
	case n > 1 && s.scenes != nil && !a.prompts:
		a.tracker.SetStatus("Writing scene prompts")
		scenes, err := s.scenes.Scenes(ctx, prompt, n)
		if err != nil {
			log.Warn("scene prompts unavailable, using base prompt", slog.String("error", err.Error()))
		} else {
			plan = plan.WithPrompts(scenes)
		}
	}

	base := provider.JobSpec{
		Prompt:      prompt,
		Quality:     a.req.Quality,
		Model:       a.req.Model,
		Resolution:  a.req.Resolution,
		AspectRatio: a.req.AspectRatio,
		Seed:        a.req.Seed,
	}
	if n > 1 && base.Seed == nil {
		// One seed across segments keeps characters and style consistent.
		seed := rand.Int64N(1<<31-1) + 1
		base.Seed = &seed
	}

	out, err := s.orch.Run(ctx, Batch{
		RequestID: a.id,
		Plan:      plan,
		Base:      base,
		Tracker:   a.tracker,
		Weight:    wGenerate,
	})
	res.Jobs = out.Jobs
	if err != nil {
		return s.finish(ctx, a, res, err)
	}
	res.SegmentArtifacts = out.Artifacts
	res.HasAudio = len(out.Jobs) > 0
	for _, j := range out.Jobs {
		res.HasAudio = res.HasAudio && j.HasAudio
		res.EstimatedCost += j.Cost
	}

	if n == 1 {
		res.FinalURL = out.Artifacts[0]
		return s.finish(ctx, a, res, nil)
	}

	est := progress.NewEstimator(progress.StitchExpected(s.cfg.ExpectedStitchBase, s.cfg.ExpectedStitchPerSegment, n), a.tracker.Clock())
	a.tracker.Stage(fmt.Sprintf("Stitching %d segments", n), wStitch, est)
	sr, err := s.stitcher.Stitch(ctx, a.id, out.Artifacts)
	if err != nil {
		return s.finish(ctx, a, res, err)
	}
	est.Complete()
	res.FinalURL = sr.URL
	res.Degraded = sr.Degraded
	res.DegradedReason = sr.Reason

	if sr.Stitched && s.playlist != nil {
		note := a.req.Note
		if note == "" {
			note = fmt.Sprintf("auto-saved %ds video", a.req.Duration)
		}
		entry, err := s.playlist.SaveStitched(ctx, a.req.CallerID, sr.URL, note)
		if err != nil {
			log.Warn("auto-save failed", slog.String("error", err.Error()))
		} else {
			res.SavedEntry = entry.Timestamp
		}
	}
	return s.finish(ctx, a, res, nil)
}

func (s *Service) transcribe(ctx context.Context, a *accepted, weight float64) (string, error) {
	est := progress.NewEstimator(s.cfg.ExpectedTranscribe, a.tracker.Clock())
	a.tracker.Stage("Transcribing audio", weight, est)

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TranscribeTimeout)
	defer cancel()
	text, err := s.transcriber.Transcribe(tctx, a.req.AudioPath)
	if err != nil {
		return "", err
	}
	est.Complete()
	if text == "" {
		return "", errs.New(errs.KindInvalidRequest, "transcribe", "no speech recognized")
	}
	return text, nil
}

// finish makes res terminal, records it and settles the tracker.
func (s *Service) finish(ctx context.Context, a *accepted, res AggregateResult, err error) AggregateResult {
	log := s.log.With(slog.String("request_id", a.id), slog.String("caller_id", a.req.CallerID))
	if err != nil {
		kind := errs.KindOf(err)
		res.Status = StatusFailed
		res.ErrorKind = kind.String()
		res.Reason = err.Error()
		a.tracker.Fail(kind.String())
		log.Warn("generation failed", slog.String("error_kind", res.ErrorKind), slog.String("error", res.Reason))
	} else {
		a.tracker.Finish(ctx, s.cfg.DeferCompletion)
		res.Status = StatusSucceeded
		log.Info("generation succeeded", slog.String("url", res.FinalURL), slog.Bool("degraded", res.Degraded))
	}
	res.FinishedAt = s.now()

	if uerr := s.repo.Update(a.id, res); uerr != nil {
		log.Error("record result failed", slog.String("error", uerr.Error()))
	}
	if s.cfg.Linger > 0 {
		a.tracker.ResetAfter(s.cfg.Linger)
	}
	s.metrics.ObserveGeneration(string(res.Status), res.FinishedAt.Sub(res.StartedAt))
	s.repo.Evict(res.FinishedAt.Add(-s.cfg.Retention))
	s.metrics.SetActiveGenerations(s.repo.ActiveCount())
	return res.clone()
}

// Result returns the request's current or final result.
func (s *Service) Result(id string) (AggregateResult, error) {
	res, ok := s.repo.Result(id)
	if !ok {
		return AggregateResult{}, errs.Newf(errs.KindUnknownEntry, "result", "no request %q", id)
	}
	return res, nil
}

// Progress returns the request's current progress.
func (s *Service) Progress(id string) (progress.Snapshot, error) {
	t, ok := s.repo.Tracker(id)
	if !ok {
		return progress.Snapshot{}, errs.Newf(errs.KindUnknownEntry, "progress", "no request %q", id)
	}
	return t.Snapshot(), nil
}

// WatchProgress pushes snapshots at tick until fn returns false, the request
// reaches a terminal or idle snapshot, or ctx ends.
func (s *Service) WatchProgress(ctx context.Context, id string, tick time.Duration, fn func(progress.Snapshot) bool) error {
	t, ok := s.repo.Tracker(id)
	if !ok {
		return errs.Newf(errs.KindUnknownEntry, "progress", "no request %q", id)
	}
	t.Watch(ctx, tick, func(snap progress.Snapshot) bool {
		return fn(snap) && !snap.Terminal() && snap.Status != progress.StatusIdle
	})
	return nil
}

// StitchSaved stitches the caller's manually saved clips, in playlist order, and
// auto-saves the stitched result.
func (s *Service) StitchSaved(ctx context.Context, callerID string) (AggregateResult, error) {
	const op = "stitch_saved"
	if err := requireCaller(op, callerID); err != nil {
		return AggregateResult{}, err
	}
	entries, err := s.playlist.List(ctx, callerID)
	if err != nil {
		return AggregateResult{}, err
	}
	var urls []string
	for _, e := range entries {
		if !e.AutoStitched {
			urls = append(urls, e.URL)
		}
	}
	if len(urls) == 0 {
		return AggregateResult{}, errs.New(errs.KindInvalidRequest, op, "no saved clips to stitch")
	}
	return s.stitchURLs(ctx, callerID, urls, true)
}

// StitchURLs stitches an explicit list of artifacts without saving the result.
func (s *Service) StitchURLs(ctx context.Context, callerID string, urls []string) (AggregateResult, error) {
	if err := requireCaller("stitch", callerID); err != nil {
		return AggregateResult{}, err
	}
	return s.stitchURLs(ctx, callerID, urls, false)
}

func (s *Service) stitchURLs(ctx context.Context, callerID string, urls []string, save bool) (AggregateResult, error) {
	res := AggregateResult{
		RequestID:        uuid.NewString(),
		CallerID:         callerID,
		SegmentArtifacts: append([]string(nil), urls...),
		StartedAt:        s.now(),
	}
	sr, err := s.stitcher.Stitch(ctx, res.RequestID, urls)
	if err != nil {
		return AggregateResult{}, err
	}
	res.Status = StatusSucceeded
	res.FinalURL = sr.URL
	res.Degraded = sr.Degraded
	res.DegradedReason = sr.Reason
	if save && sr.Stitched {
		entry, err := s.playlist.SaveStitched(ctx, callerID, sr.URL, fmt.Sprintf("stitched %d saved clips", len(urls)))
		if err != nil {
			s.log.Warn("auto-save failed", slog.String("caller_id", callerID), slog.String("error", err.Error()))
		} else {
			res.SavedEntry = entry.Timestamp
		}
	}
	res.FinishedAt = s.now()
	return res, nil
}

// Clips lists the caller's playlist.
func (s *Service) Clips(ctx context.Context, callerID string) ([]playlist.Entry, error) {
	if err := requireCaller("clips", callerID); err != nil {
		return nil, err
	}
	return s.playlist.List(ctx, callerID)
}

func (s *Service) SaveClip(ctx context.Context, callerID, url, note string) (playlist.Entry, error) {
	if err := requireCaller("clips.save", callerID); err != nil {
		return playlist.Entry{}, err
	}
	return s.playlist.Append(ctx, callerID, url, note)
}

func (s *Service) ReorderClips(ctx context.Context, callerID string, order []int64) ([]playlist.Entry, error) {
	if err := requireCaller("clips.reorder", callerID); err != nil {
		return nil, err
	}
	return s.playlist.Reorder(ctx, callerID, order)
}

func (s *Service) DeleteClip(ctx context.Context, callerID string, ts int64) error {
	if err := requireCaller("clips.delete", callerID); err != nil {
		return err
	}
	return s.playlist.Delete(ctx, callerID, ts)
}

func (s *Service) ClearClips(ctx context.Context, callerID string) (int, error) {
	if err := requireCaller("clips.clear", callerID); err != nil {
		return 0, err
	}
	return s.playlist.Clear(ctx, callerID)
}

// PlaylistSize counts entries across all callers, for the metrics gauge.
func (s *Service) PlaylistSize(ctx context.Context) int {
	if s.playlist == nil {
		return 0
	}
	n, err := s.playlist.Store().Count(ctx)
	if err != nil {
		s.log.Warn("count playlist entries failed", slog.String("error", err.Error()))
	}
	return n
}

// ActiveGenerations returns the number of requests still running.
func (s *Service) ActiveGenerations() int { return s.repo.ActiveCount() }

// Setup reports configured capabilities.
func (s *Service) Setup() SetupReport {
	r := s.cfg.Setup
	r.ClipCeilingSeconds = s.cfg.ClipCeiling
	if s.stitcher != nil {
		c := s.stitcher.Capability()
		r.StitchingAvailable = c.Available
		r.StitchingReason = c.Reason
	}
	r.ActiveGenerations = s.repo.ActiveCount()
	return r
}

func requireCaller(op, callerID string) error {
	if callerID == "" {
		return errs.New(errs.KindUnauthenticated, op, "caller identity required")
	}
	return nil
}
