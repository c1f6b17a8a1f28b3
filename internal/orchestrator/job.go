package orchestrator

import (
	"sync"
	"time"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/provider"
)

// allowed lists the legal transitions. Terminal states have none.
var allowed = map[JobState][]JobState{
	JobQueued:    {JobSubmitted, JobFailed},
	JobSubmitted: {JobPolling, JobFailed},
	JobPolling:   {JobSucceeded, JobFailed},
}

// job owns one ProviderJob. Only the orchestrator mutates it.
type job struct {
	mu sync.Mutex
	pj ProviderJob
}

func newJob(index int) *job {
	return &job{pj: ProviderJob{SegmentIndex: index, State: JobQueued}}
}

func (j *job) transitionLocked(to JobState) error {
	for _, s := range allowed[j.pj.State] {
		if s == to {
			j.pj.State = to
			return nil
		}
	}
	return errs.Newf(errs.KindInternal, "job.transition", "segment %d: %s -> %s not allowed", j.pj.SegmentIndex, j.pj.State, to)
}

// submitted records the provider's id. Submitting twice is refused, so a logical job
// is never billed twice.
func (j *job) submitted(id string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.pj.ProviderJobID != "" {
		return errs.Newf(errs.KindInternal, "job.submitted", "segment %d already has provider job %s", j.pj.SegmentIndex, j.pj.ProviderJobID)
	}
	if err := j.transitionLocked(JobSubmitted); err != nil {
		return err
	}
	j.pj.ProviderJobID = id
	j.pj.SubmittedAt = at
	return nil
}

func (j *job) polling() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(JobPolling)
}

func (j *job) polled(at time.Time) {
	j.mu.Lock()
	j.pj.LastPolledAt = at
	j.mu.Unlock()
}

func (j *job) succeed(st provider.Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(JobSucceeded); err != nil {
		return err
	}
	j.pj.ResultURL = st.ArtifactURL
	j.pj.HasAudio = st.HasAudio
	j.pj.Cost = st.Cost
	return nil
}

// fail moves the job to Failed from any non-terminal state. Failing a terminal job
// is a no-op.
func (j *job) fail(kind errs.Kind, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.pj.State.Terminal() {
		return
	}
	j.pj.State = JobFailed
	j.pj.ErrorKind = kind.String()
	j.pj.Reason = reason
}

func (j *job) snapshot() ProviderJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pj
}
