package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/provider"
)

// fakeGateway finishes each job after a number of polls chosen per prompt.
type fakeGateway struct {
	mu      sync.Mutex
	baseURL string
	next    int
	specs   map[string]provider.JobSpec
	polls   map[string]int
	submits []provider.JobSpec

	// readyAfter returns how many polls a job needs; 0 or less means never.
	readyAfter func(provider.JobSpec) int
	// failure, when it returns non-empty, is reported as the provider's failure reason.
	failure func(provider.JobSpec) string
	pollErr error
	// audio and costPerSecond are reported on every finished job.
	audio         bool
	costPerSecond float64
}

func newFakeGateway(baseURL string) *fakeGateway {
	return &fakeGateway{
		baseURL:    baseURL,
		specs:      make(map[string]provider.JobSpec),
		polls:      make(map[string]int),
		readyAfter: func(provider.JobSpec) int { return 1 },
		failure:    func(provider.JobSpec) string { return "" },
	}
}

func (g *fakeGateway) Submit(ctx context.Context, spec provider.JobSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	id := fmt.Sprintf("job-%d", g.next)
	g.specs[id] = spec
	g.submits = append(g.submits, spec)
	return id, nil
}

func (g *fakeGateway) Poll(ctx context.Context, _ provider.JobSpec, id string) (provider.Status, error) {
	if err := ctx.Err(); err != nil {
		return provider.Status{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return provider.Status{}, g.pollErr
	}
	spec, ok := g.specs[id]
	if !ok {
		return provider.Status{}, errs.Newf(errs.KindInvalidRequest, "poll", "unknown job %s", id)
	}
	g.polls[id]++
	if reason := g.failure(spec); reason != "" {
		return provider.Status{State: provider.StateFailed, Reason: reason}, nil
	}
	if n := g.readyAfter(spec); n > 0 && g.polls[id] >= n {
		return provider.Status{
			State:       provider.StateSucceeded,
			ArtifactURL: g.baseURL + "/" + clipName(spec.Prompt) + ".mp4",
			HasAudio:    g.audio,
			Cost:        float64(spec.Duration) * g.costPerSecond,
		}, nil
	}
	return provider.Status{State: provider.StatePending}, nil
}

func (g *fakeGateway) submitted() []provider.JobSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]provider.JobSpec(nil), g.submits...)
}

func clipName(prompt string) string {
	return strings.Map(func(r rune) rune {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			return r
		}
		return '-'
	}, strings.ToLower(prompt))
}

// clipServer serves each clip's own path as its body, so stitched output shows
// the order clips were joined in.
func clipServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path + "|"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// joinComposer concatenates input bytes in place of ffmpeg.
type joinComposer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *joinComposer) Compose(_ context.Context, inputs []string, output string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var all []byte
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		all = append(all, b...)
	}
	return os.WriteFile(output, all, 0o644)
}

type fakeTranscriber struct {
	text string
	err  error
	got  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (string, error) {
	f.got = audioPath
	return f.text, f.err
}

type fakeScenes struct {
	calls int
	err   error
}

func (f *fakeScenes) Scenes(_ context.Context, prompt string, n int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s scene %d", prompt, i+1)
	}
	return out, nil
}
