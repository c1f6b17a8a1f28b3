package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"speech-to-video/internal/errs"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3}
}

func newTestVideoClient(srv *httptest.Server, statusPath string) *VideoClient {
	return NewVideoClient(VideoConfig{
		BaseURL:          srv.URL,
		APIKey:           "secret",
		GeneratePath:     "/generate",
		StatusPath:       statusPath,
		ResolutionHigh:   "1080p",
		ResolutionMedium: "720p",
		Retry:            fastRetry(),
	}, nil, nil)
}

func TestVideoClient_Submit_retries_transient_then_succeeds(t *testing.T) {
	var calls atomic.Int32
	var retries atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer credential")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["prompt"] != "a red fox" || body["resolution"] != "1080p" || body["duration"] != float64(10) {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"id":"job-1"}`))
	}))
	defer srv.Close()

	c := newTestVideoClient(srv, "/status")
	c.c.onRetry = func(string) { retries.Add(1) }

	id, err := c.Submit(context.Background(), JobSpec{Prompt: "a red fox", Duration: 10, Quality: QualityHigh})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" {
		t.Errorf("id = %q", id)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if retries.Load() != 1 {
		t.Errorf("retries = %d, want 1", retries.Load())
	}
}

func TestVideoClient_Submit_error_classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantCalls int32
	}{
		{"bad request is not retried", http.StatusBadRequest, `{"error":"bad"}`, errs.ErrInvalidRequest, 1},
		{"unauthorized", http.StatusUnauthorized, ``, errs.ErrUnauthenticated, 1},
		{"forbidden", http.StatusForbidden, ``, errs.ErrUnauthenticated, 1},
		{"server error exhausts budget", http.StatusInternalServerError, ``, errs.ErrProviderUnavailable, 3},
		{"throttled exhausts budget", http.StatusTooManyRequests, ``, errs.ErrProviderUnavailable, 3},
		{"malformed body surfaces at once", http.StatusOK, `not json`, errs.ErrProviderUnavailable, 1},
		{"missing id", http.StatusOK, `{"status":"queued"}`, errs.ErrProviderUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestVideoClient(srv, "/status").Submit(context.Background(), JobSpec{Prompt: "x"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestVideoClient_missing_credential(t *testing.T) {
	c := NewVideoClient(VideoConfig{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	_, err := c.Submit(context.Background(), JobSpec{Prompt: "x"})
	if !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
}

func TestVideoClient_cancelled_context(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestVideoClient(srv, "/status").Submit(ctx, JobSpec{Prompt: "x"})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
}

func TestVideoClient_Poll_query_param(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.URL.Query().Get("generation_id") != "abc:wan" {
			t.Errorf("unexpected status url %s", r.URL.String())
		}
		w.Write([]byte(`{"status":"completed","video":{"url":"https://cdn.example.com/out/abc.mp4"}}`))
	}))
	defer srv.Close()

	st, err := newTestVideoClient(srv, "/status").Poll(context.Background(), JobSpec{}, "abc:wan")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != StateSucceeded || st.ArtifactURL != "https://cdn.example.com/out/abc.mp4" {
		t.Errorf("status = %+v", st)
	}
}

func TestVideoClient_Poll_rest_path_and_not_found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/abc" {
			t.Errorf("path = %s, want /jobs/abc", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st, err := newTestVideoClient(srv, "/jobs/{id}").Poll(context.Background(), JobSpec{}, "abc:wan")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.State != StatePending {
		t.Errorf("state = %v, want pending", st.State)
	}
}

func TestVideoClient_model_routes(t *testing.T) {
	var generated, polled string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			generated = r.URL.Path
			w.Write([]byte(`{"id":"v-1:google/veo-3.1-t2v"}`))
			return
		}
		polled = r.URL.Path
		w.Write([]byte(`{"status":"completed","video":{"url":"https://cdn.example.com/v-1.mp4"}}`))
	}))
	defer srv.Close()

	routes, err := ParseRoutes(`{"google/veo-3.1-t2v":{"generate_path":"/video/generations","status_path":"/video/generations/{id}","cost_per_second":0.5,"audio":true}}`)
	if err != nil {
		t.Fatalf("ParseRoutes: %v", err)
	}
	c := newTestVideoClient(srv, "/status")
	c.cfg.Routes = routes

	spec := JobSpec{Prompt: "ad", Duration: 8, Model: "google/veo-3.1-t2v"}
	id, err := c.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, err := c.Poll(context.Background(), spec, id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if generated != "/video/generations" || polled != "/video/generations/v-1" {
		t.Errorf("generate %q, poll %q", generated, polled)
	}
	if st.State != StateSucceeded || !st.HasAudio || st.Cost != 4 {
		t.Errorf("status = %+v", st)
	}

	if _, err := c.Submit(context.Background(), JobSpec{Prompt: "plain"}); err != nil {
		t.Fatalf("Submit default: %v", err)
	}
	if generated != "/generate" {
		t.Errorf("default model posted to %q", generated)
	}
}

func TestVideoClient_Poll_has_audio_from_status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"completed","has_audio":false,"video_url":"https://cdn.example.com/x.mp4"}`))
	}))
	defer srv.Close()
	c := newTestVideoClient(srv, "/status")
	c.cfg.Routes = map[string]Route{"veo": {Audio: true}}
	st, err := c.Poll(context.Background(), JobSpec{Model: "veo"}, "x")
	if err != nil || st.HasAudio {
		t.Errorf("status = %+v, %v", st, err)
	}
}

func TestParseRoutes_malformed(t *testing.T) {
	if _, err := ParseRoutes("{not json"); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
	if r, err := ParseRoutes(""); err != nil || r != nil {
		t.Errorf("empty = %v, %v", r, err)
	}
}

func TestInterpretStatus(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		state State
		url   string
	}{
		{"queued", `{"status":"queued"}`, StatePending, ""},
		{"generating", `{"status":"Generating"}`, StatePending, ""},
		{"failed with message", `{"status":"failed","error":{"message":"nsfw"}}`, StateFailed, ""},
		{"completed without media", `{"status":"completed"}`, StateFailed, ""},
		{"completed ignores status links", `{"status":"completed","links":["https://api.example.com/status"],"result":[{"file":"https://cdn.example.com/a.webm?sig=1"}]}`, StateSucceeded, "https://cdn.example.com/a.webm?sig=1"},
		{"unknown state with media", `{"state":"x","output":"https://cdn.example.com/b.mp4"}`, StateSucceeded, "https://cdn.example.com/b.mp4"},
		{"unknown state without media", `{}`, StatePending, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var doc map[string]any
			if err := json.Unmarshal([]byte(tt.doc), &doc); err != nil {
				t.Fatal(err)
			}
			st := interpretStatus(doc)
			if st.State != tt.state || st.ArtifactURL != tt.url {
				t.Errorf("got %+v, want state %v url %q", st, tt.state, tt.url)
			}
			if st.State == StateFailed && st.Reason == "" {
				t.Error("failed status needs a reason")
			}
		})
	}
}

func TestTranscriptionClient_Transcribe(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(audio, []byte("RIFF...."), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("model = %q", r.FormValue("model"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if hdr.Filename != "clip.wav" || string(data) != "RIFF...." {
			t.Errorf("file %q with %q", hdr.Filename, data)
		}
		w.Write([]byte(`{"text":"  a fox jumps over the fence \n"}`))
	}))
	defer srv.Close()

	c := NewTranscriptionClient(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry()}, nil, nil)
	text, err := c.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "a fox jumps over the fence" {
		t.Errorf("text = %q", text)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (body rebuilt for retry)", calls.Load())
	}
}

func TestTranscriptionClient_missing_file(t *testing.T) {
	c := NewTranscriptionClient(OpenAIConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k"}, nil, nil)
	_, err := c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	if !errors.Is(err, errs.ErrInvalidRequest) {
		t.Fatalf("err = %v, want InvalidRequest", err)
	}
}

func TestChatSceneWriter_Scenes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"1. The fox wakes up\n\n- It runs to the river\n"}}]}`))
	}))
	defer srv.Close()

	sw := NewChatSceneWriter(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry()}, nil, nil)
	got, err := sw.Scenes(context.Background(), "A fox.", 3)
	if err != nil {
		t.Fatalf("Scenes: %v", err)
	}
	want := []string{"A fox. The fox wakes up", "A fox. It runs to the river", "A fox."}
	if len(got) != len(want) {
		t.Fatalf("got %d scenes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scene %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsMediaURL(t *testing.T) {
	for u, want := range map[string]bool{
		"https://cdn.example.com/a.mp4":       true,
		"https://cdn.example.com/a.MP4?x=1":   true,
		"https://cdn.example.com/a.webm":      true,
		"https://api.example.com/v2/status":   false,
		"https://cdn.example.com/mp4/preview": false,
		"": false,
	} {
		if got := IsMediaURL(u); got != want {
			t.Errorf("IsMediaURL(%q) = %v, want %v", u, got, want)
		}
	}
}
