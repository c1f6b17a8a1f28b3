package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"speech-to-video/internal/errs"
)

// VideoConfig configures the asynchronous generation service client.
type VideoConfig struct {
	BaseURL          string
	APIKey           string
	GeneratePath     string
	StatusPath       string // may contain "{id}" for REST-style lookups
	StatusQueryParam string
	Model            string
	// Routes overrides where jobs for a given model are created and polled.
	Routes           map[string]Route
	ResolutionHigh   string
	ResolutionMedium string
	Timeout          time.Duration
	Retry            RetryPolicy
}

// Route is where one model's jobs are created and looked up. Empty paths fall back
// to the client's defaults.
type Route struct {
	GeneratePath string `json:"generate_path"`
	StatusPath   string `json:"status_path"`
	// CostPerSecond estimates the charge for each generated second.
	CostPerSecond float64 `json:"cost_per_second,omitempty"`
	// Audio reports whether the model renders a soundtrack when the status
	// document does not say.
	Audio bool `json:"audio,omitempty"`
}

// ParseRoutes reads a JSON object of model name to Route.
func ParseRoutes(s string) (map[string]Route, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var routes map[string]Route
	if err := json.Unmarshal([]byte(s), &routes); err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "video.routes", err)
	}
	return routes, nil
}

// VideoClient submits generation jobs and polls them. It implements Gateway.
type VideoClient struct {
	cfg VideoConfig
	c   *caller
}

var _ Gateway = (*VideoClient)(nil)

// NewVideoClient returns a client. onRetry, if set, is called once per retried attempt.
func NewVideoClient(cfg VideoConfig, log *slog.Logger, onRetry func(op string)) *VideoClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.StatusQueryParam == "" {
		cfg.StatusQueryParam = "generation_id"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &VideoClient{
		cfg: cfg,
		c: &caller{
			http:    &http.Client{Timeout: cfg.Timeout},
			token:   cfg.APIKey,
			retry:   cfg.Retry,
			log:     log,
			onRetry: onRetry,
		},
	}
}

// Submit creates a generation job and returns the provider's job id.
func (v *VideoClient) Submit(ctx context.Context, spec JobSpec) (string, error) {
	const op = "video.submit"
	if strings.TrimSpace(spec.Prompt) == "" {
		return "", errs.New(errs.KindInvalidRequest, op, "prompt is required")
	}

	body := map[string]any{
		"model":  v.model(spec),
		"prompt": spec.Prompt,
	}
	if spec.Duration > 0 {
		body["duration"] = spec.Duration
	}
	if spec.Seed != nil {
		body["seed"] = *spec.Seed
	}
	if spec.AspectRatio != "" {
		body["aspect_ratio"] = spec.AspectRatio
	}
	if res := v.resolution(spec); res != "" {
		body["resolution"] = res
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidRequest, op, err)
	}

	var data map[string]any
	err = v.c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+v.route(spec).GeneratePath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &data)
	if err != nil {
		return "", err
	}

	for _, key := range []string{"id", "job_id", "generation_id"} {
		if id := stringField(data, key); id != "" {
			return id, nil
		}
	}
	return "", errs.New(errs.KindProviderUnavailable, op, "malformed response: no job id")
}

// Poll returns the current status of the job Submit created for spec. A 404 means
// the job is not visible yet and is reported as pending.
func (v *VideoClient) Poll(ctx context.Context, spec JobSpec, jobID string) (Status, error) {
	const op = "video.poll"
	if jobID == "" {
		return Status{}, errs.New(errs.KindInvalidRequest, op, "job id is required")
	}
	route := v.route(spec)
	target, err := v.statusURL(route.StatusPath, jobID)
	if err != nil {
		return Status{}, errs.Wrap(errs.KindInvalidRequest, op, err)
	}

	var data map[string]any
	err = v.c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, &data)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return Status{State: StatePending}, nil
		}
		return Status{}, err
	}
	st := interpretStatus(data)
	if st.State == StateSucceeded {
		st.HasAudio = route.Audio
		if b, ok := data["has_audio"].(bool); ok {
			st.HasAudio = b
		}
		st.Cost = float64(spec.Duration) * route.CostPerSecond
	}
	return st, nil
}

// route resolves the model's endpoints, filling gaps from the defaults.
func (v *VideoClient) route(spec JobSpec) Route {
	r := v.cfg.Routes[v.model(spec)]
	if r.GeneratePath == "" {
		r.GeneratePath = v.cfg.GeneratePath
	}
	if r.StatusPath == "" {
		r.StatusPath = v.cfg.StatusPath
	}
	return r
}

func (v *VideoClient) statusURL(statusPath, jobID string) (string, error) {
	if strings.Contains(statusPath, "{id}") {
		// Some ids come back as "<uuid>:<model>"; REST paths take the uuid only.
		idOnly, _, _ := strings.Cut(jobID, ":")
		return v.cfg.BaseURL + strings.ReplaceAll(statusPath, "{id}", url.PathEscape(idOnly)), nil
	}
	u, err := url.Parse(v.cfg.BaseURL + statusPath)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(v.cfg.StatusQueryParam, jobID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (v *VideoClient) model(spec JobSpec) string {
	if spec.Model != "" {
		return spec.Model
	}
	if v.cfg.Model != "" {
		return v.cfg.Model
	}
	return "alibaba/wan2.1-t2v-turbo"
}

func (v *VideoClient) resolution(spec JobSpec) string {
	if spec.Resolution != "" {
		return spec.Resolution
	}
	if spec.Quality == QualityHigh {
		return v.cfg.ResolutionHigh
	}
	return v.cfg.ResolutionMedium
}

// interpretStatus maps a provider status document onto the gateway's three states.
func interpretStatus(data map[string]any) Status {
	state := strings.ToLower(stringField(data, "status"))
	media := findMediaURL(data)

	switch state {
	case "failed", "error":
		return Status{State: StateFailed, Reason: failureReason(data, state)}
	case "waiting", "active", "queued", "generating", "processing", "pending":
		return Status{State: StatePending}
	case "completed", "succeeded", "finished":
		if media == "" {
			return Status{State: StateFailed, Reason: "provider finished without a media url"}
		}
		return Status{State: StateSucceeded, ArtifactURL: media}
	}
	if media != "" {
		return Status{State: StateSucceeded, ArtifactURL: media}
	}
	return Status{State: StatePending}
}

func failureReason(data map[string]any, state string) string {
	switch e := data["error"].(type) {
	case string:
		if e != "" {
			return e
		}
	case map[string]any:
		if msg := stringField(e, "message"); msg != "" {
			return msg
		}
		b, _ := json.Marshal(e)
		return string(b)
	}
	return "provider reported " + state
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return ""
}
