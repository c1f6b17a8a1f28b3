// Package provider is the gateway to the remote transcription and video generation
// services. Clients are stateless: they return snapshots of remote job status and
// never remember jobs between calls.
package provider

import "context"

// Quality is the requested output tier.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
)

// Valid reports whether q is a known tier.
func (q Quality) Valid() bool {
	return q == QualityHigh || q == QualityMedium
}

// JobSpec is one generation job as submitted to the provider.
type JobSpec struct {
	Prompt      string
	Duration    int
	Quality     Quality
	Model       string
	Resolution  string
	AspectRatio string
	Seed        *int64
}

// State is the provider-side state of a submitted job.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Status is an immutable snapshot returned by Poll. HasAudio and Cost are only
// meaningful once the job succeeded.
type Status struct {
	State       State
	ArtifactURL string
	Reason      string
	HasAudio    bool
	Cost        float64
}

// Gateway submits generation jobs and polls their status.
//
// Submit is billable. Callers must keep the returned id and only Poll afterwards;
// resubmitting the same logical job creates a second billable job. Poll takes the
// spec the job was submitted with, since the model decides where status lives.
type Gateway interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error)
}

// Transcriber turns an audio file into text in a single request.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// SceneWriter breaks one prompt into n sequential scene prompts.
type SceneWriter interface {
	Scenes(ctx context.Context, prompt string, n int) ([]string, error)
}
