package orchestrator

import (
	"fmt"
	"time"

	"speech-to-video/internal/provider"
)

// GenerationRequest is one caller's request for a video. It is immutable once accepted.
// Prompt or AudioPath supplies the source text; with both, the prompt is used and
// the audio is not transcribed.
type GenerationRequest struct {
	RequestID string `json:"request_id,omitempty"`
	CallerID  string `json:"-"`

	Prompt    string `json:"prompt,omitempty"`
	AudioPath string `json:"-"`

	// Duration is the requested total length in seconds.
	Duration int              `json:"duration"`
	Quality  provider.Quality `json:"quality,omitempty"`

	// Split optionally fixes per-segment durations; Prompts optionally fixes
	// per-segment prompts. Balanced spreads the duration evenly instead of
	// filling ceiling-length segments first.
	Split    []int    `json:"split,omitempty"`
	Prompts  []string `json:"prompts,omitempty"`
	Balanced bool     `json:"balanced,omitempty"`

	// Preset names a fixed request shape, such as "ad". It sets the duration and
	// scenes and fills in model, aspect ratio, quality and resolution when unset.
	Preset string `json:"preset,omitempty"`

	Model       string `json:"model,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
	Note        string `json:"note,omitempty"`
}

// JobState is the lifecycle of one provider job.
type JobState int

const (
	JobQueued JobState = iota
	JobSubmitted
	JobPolling
	JobSucceeded
	JobFailed
)

var jobStateNames = [...]string{"queued", "submitted", "polling", "succeeded", "failed"}

func (s JobState) String() string {
	if int(s) < len(jobStateNames) {
		return jobStateNames[s]
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no transition leaves s.
func (s JobState) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// ProviderJob is a snapshot of one segment's remote job.
type ProviderJob struct {
	SegmentIndex  int       `json:"segment_index"`
	ProviderJobID string    `json:"provider_job_id,omitempty"`
	State         JobState  `json:"state"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	LastPolledAt  time.Time `json:"last_polled_at,omitempty"`
	ResultURL     string    `json:"result_url,omitempty"`
	HasAudio      bool      `json:"has_audio,omitempty"`
	Cost          float64   `json:"cost,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Status is the state of a whole request.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// AggregateResult is the outcome of one request. Once Status is terminal it never changes.
type AggregateResult struct {
	RequestID        string        `json:"request_id"`
	CallerID         string        `json:"caller_id,omitempty"`
	Status           Status        `json:"status"`
	SegmentArtifacts []string      `json:"segment_artifacts"`
	FinalURL         string        `json:"final_url,omitempty"`
	Degraded         bool          `json:"degraded,omitempty"`
	DegradedReason   string        `json:"degraded_reason,omitempty"`
	Transcript       string        `json:"transcript,omitempty"`
	// HasAudio is set when every segment came back with a soundtrack.
	HasAudio         bool          `json:"has_audio,omitempty"`
	EstimatedCost    float64       `json:"estimated_cost,omitempty"`
	Jobs             []ProviderJob `json:"jobs,omitempty"`
	SavedEntry       int64         `json:"saved_entry,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at,omitempty"`
}

func (r AggregateResult) clone() AggregateResult {
	r.SegmentArtifacts = append([]string(nil), r.SegmentArtifacts...)
	r.Jobs = append([]ProviderJob(nil), r.Jobs...)
	return r
}
