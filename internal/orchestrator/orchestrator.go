package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/planner"
	"speech-to-video/internal/progress"
	"speech-to-video/internal/provider"
)

// Config bounds how segment jobs are driven.
type Config struct {
	PollInterval time.Duration
	MaxPollWait  time.Duration
	Concurrency  int
	ExpectedClip time.Duration
}

// Batch is one request's worth of segment jobs.
type Batch struct {
	RequestID string
	Plan      planner.SegmentPlan
	Base      provider.JobSpec
	// Tracker, if set, gets a stage of the given weight fed by per-segment estimators.
	Tracker *progress.Tracker
	Weight  float64
}

// Outcome holds per-segment results in index order.
type Outcome struct {
	Artifacts []string
	Jobs      []ProviderJob
}

// Orchestrator drives provider jobs for the segments of a plan.
type Orchestrator struct {
	gw  provider.Gateway
	cfg Config
	log *slog.Logger
	now func() time.Time

	// OnSegment, if set, is called with each segment's terminal state.
	OnSegment func(state JobState)
}

func NewOrchestrator(gw provider.Gateway, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPollWait <= 0 {
		cfg.MaxPollWait = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ExpectedClip <= 0 {
		cfg.ExpectedClip = 45 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{gw: gw, cfg: cfg, log: log, now: time.Now}
}

// Run generates every segment of b.Plan with bounded parallelism. Artifacts are
// assembled by segment index. The first failing segment cancels its siblings and its
// error is returned; segments not yet submitted at that point are never submitted.
func (o *Orchestrator) Run(ctx context.Context, b Batch) (Outcome, error) {
	segs := b.Plan.Segments()
	jobs := make([]*job, len(segs))
	ests := make([]*progress.Estimator, len(segs))
	var clock progress.Clock
	if b.Tracker != nil {
		clock = b.Tracker.Clock()
	}
	for i := range segs {
		jobs[i] = newJob(i)
		ests[i] = progress.NewEstimator(o.cfg.ExpectedClip, clock)
	}
	if b.Tracker != nil {
		b.Tracker.Stage(generatingStatus(len(segs)), b.Weight, ests...)
	}

	artifacts := make([]string, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, seg := range segs {
		spec := b.Base
		spec.Duration = seg.Duration
		if seg.PromptOverride != "" {
			spec.Prompt = seg.PromptOverride
		}
		g.Go(func() error {
			url, err := o.runSegment(gctx, b.RequestID, jobs[i], spec)
			if o.OnSegment != nil {
				o.OnSegment(jobs[i].snapshot().State)
			}
			if err != nil {
				return err
			}
			artifacts[i] = url
			ests[i].Complete()
			return nil
		})
	}
	err := g.Wait()

	out := Outcome{Jobs: make([]ProviderJob, len(jobs))}
	for i, j := range jobs {
		out.Jobs[i] = j.snapshot()
	}
	if err != nil {
		return out, err
	}
	out.Artifacts = artifacts
	return out, nil
}

func generatingStatus(n int) string {
	if n == 1 {
		return "Generating video"
	}
	return fmt.Sprintf("Generating %d segments", n)
}

// runSegment walks one job through Queued -> Submitted -> Polling -> terminal.
func (o *Orchestrator) runSegment(ctx context.Context, requestID string, j *job, spec provider.JobSpec) (string, error) {
	idx := j.snapshot().SegmentIndex
	op := fmt.Sprintf("segment %d", idx+1)
	log := o.log.With(slog.String("request_id", requestID), slog.Int("segment", idx))

	if err := ctx.Err(); err != nil {
		kind := errs.KindOf(err)
		j.fail(kind, "stopped before submit")
		return "", errs.Wrap(kind, op, err)
	}

	id, err := o.gw.Submit(ctx, spec)
	if err != nil {
		kind := errs.KindOf(err)
		if ctx.Err() != nil {
			kind = errs.KindOf(ctx.Err())
		}
		j.fail(kind, err.Error())
		log.Warn("submit failed", slog.String("error", err.Error()))
		return "", errs.Wrap(kind, op, err)
	}
	if err := j.submitted(id, o.now()); err != nil {
		j.fail(errs.KindInternal, err.Error())
		return "", err
	}
	log = log.With(slog.String("provider_job_id", id))
	log.Debug("segment submitted", slog.Int("duration", spec.Duration))

	if err := j.polling(); err != nil {
		j.fail(errs.KindInternal, err.Error())
		return "", err
	}

	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxPollWait)
	defer cancel()
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()

	for {
		if pollCtx.Err() != nil {
			return "", o.stopPolling(ctx, j, op)
		}

		st, err := o.gw.Poll(pollCtx, spec, id)
		j.polled(o.now())
		if err != nil {
			if pollCtx.Err() != nil {
				return "", o.stopPolling(ctx, j, op)
			}
			kind := errs.KindOf(err)
			j.fail(kind, err.Error())
			log.Warn("poll failed", slog.String("error", err.Error()))
			return "", errs.Wrap(kind, op, err)
		}

		switch st.State {
		case provider.StateSucceeded:
			if err := j.succeed(st); err != nil {
				return "", err
			}
			log.Info("segment succeeded", slog.String("url", st.ArtifactURL))
			return st.ArtifactURL, nil
		case provider.StateFailed:
			j.fail(errs.KindProviderUnavailable, st.Reason)
			log.Warn("provider reported failure", slog.String("reason", st.Reason))
			return "", errs.Newf(errs.KindProviderUnavailable, op, "generation failed: %s", st.Reason)
		}

		timer.Reset(o.cfg.PollInterval)
		select {
		case <-pollCtx.Done():
			return "", o.stopPolling(ctx, j, op)
		case <-timer.C:
		}
	}
}

// stopPolling fails a job whose poll loop ended without a result. A stopped parent
// means a sibling failed, the caller left or the request deadline passed; otherwise
// the per-segment bound ran out.
func (o *Orchestrator) stopPolling(parent context.Context, j *job, op string) error {
	if err := parent.Err(); err != nil {
		kind := errs.KindOf(err)
		j.fail(kind, "polling stopped")
		return errs.Wrap(kind, op, err)
	}
	reason := fmt.Sprintf("no result after %s", o.cfg.MaxPollWait)
	j.fail(errs.KindTimeout, reason)
	return errs.New(errs.KindTimeout, op, reason)
}
