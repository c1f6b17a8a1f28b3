package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"speech-to-video/internal/platform/metrics"
	"speech-to-video/internal/playlist"
	"speech-to-video/internal/progress"
	"speech-to-video/internal/provider"
	"speech-to-video/internal/ratelimit"
)

func newTestRouter(t *testing.T, env *testEnv) *chi.Mux {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandler(env.svc, log, nil, 5*time.Millisecond)
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	r := newTestRouter(t, newTestEnv(t, nil))
	rec := doJSON(t, r, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Generate(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newTestRouter(t, env)

	rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "sunset", "duration": 20})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var res AggregateResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSucceeded || len(res.SegmentArtifacts) != 2 || !strings.HasPrefix(res.FinalURL, "/stitched/") {
		t.Errorf("result = %+v", res)
	}
	if entries, _ := env.pl.List(context.Background(), "alice"); len(entries) != 1 {
		t.Errorf("auto-save not under caller header identity: %+v", entries)
	}
}

func TestHandler_Generate_errors(t *testing.T) {
	t.Run("bad_body", func(t *testing.T) {
		r := newTestRouter(t, newTestEnv(t, nil))
		req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader("not json"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
	t.Run("invalid_duration", func(t *testing.T) {
		r := newTestRouter(t, newTestEnv(t, nil))
		rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "x", "duration": -3})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
		var body map[string]string
		json.NewDecoder(rec.Body).Decode(&body)
		if body["kind"] != "InvalidRequest" {
			t.Errorf("kind = %q", body["kind"])
		}
	})
	t.Run("duration_over_limit", func(t *testing.T) {
		env := newTestEnv(t, nil)
		r := newTestRouter(t, env)
		for _, d := range []int{1000000, math.MaxInt} {
			rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "x", "duration": d})
			if rec.Code != http.StatusBadRequest {
				t.Errorf("duration %d: expected 400, got %d", d, rec.Code)
			}
		}
		if n := len(env.gw.submitted()); n != 0 {
			t.Errorf("%d jobs submitted for rejected requests", n)
		}
	})
	t.Run("provider_failure_is_502", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.gw.failure = func(provider.JobSpec) string { return "rejected" }
		r := newTestRouter(t, env)
		rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "x", "duration": 5})
		if rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})
	t.Run("rate_limited_is_429", func(t *testing.T) {
		env := newTestEnv(t, func(_ *ServiceConfig, d *Deps) { d.Limiter = ratelimit.New(1, time.Minute, nil) })
		r := newTestRouter(t, env)
		body := map[string]any{"prompt": "x", "duration": 5}
		doJSON(t, r, http.MethodPost, "/api/generate", "alice", body)
		rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", body)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if secs, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || secs <= 0 {
			t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	})
}

func TestHandler_counts_api_errors(t *testing.T) {
	env := newTestEnv(t, nil)
	m := metrics.New()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHandler(env.svc, log, m, 5*time.Millisecond)
	r := chi.NewRouter()
	h.Mount(r)

	doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "x", "duration": -1})
	doJSON(t, r, http.MethodGet, "/api/requests/missing", "", nil)

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`s2v_api_errors_total{kind="InvalidRequest"} 1`,
		`s2v_api_errors_total{kind="UnknownEntry"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHandler_Generate_preset(t *testing.T) {
	env := newTestEnv(t, func(c *ServiceConfig, _ *Deps) {
		c.Presets = map[string]Preset{"ad": AdPreset("veo", "720p")}
	})
	r := newTestRouter(t, env)

	rec := doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "lemonade", "preset": "ad"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	subs := env.gw.submitted()
	if len(subs) != 2 || subs[0].Model != "veo" || subs[0].Duration != 8 {
		t.Errorf("submits = %+v", subs)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/generate", "alice", map[string]any{"prompt": "x", "preset": "trailer"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown preset: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Generate_async(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newTestRouter(t, env)

	rec := doJSON(t, r, http.MethodPost, "/api/generate?async=true", "alice", map[string]any{"prompt": "x", "duration": 5, "request_id": "async-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/requests/async-1" {
		t.Errorf("Location = %q", loc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.svc.Shutdown(ctx)

	rec = doJSON(t, r, http.MethodGet, "/api/requests/async-1", "", nil)
	var res AggregateResult
	json.NewDecoder(rec.Body).Decode(&res)
	if rec.Code != http.StatusOK || res.Status != StatusSucceeded {
		t.Errorf("GET result: %d %+v", rec.Code, res)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/requests/async-1/progress", "", nil)
	var snap progress.Snapshot
	json.NewDecoder(rec.Body).Decode(&snap)
	if !snap.Done {
		t.Errorf("progress = %+v", snap)
	}
}

func TestHandler_unknown_request_404(t *testing.T) {
	r := newTestRouter(t, newTestEnv(t, nil))
	for _, p := range []string{"/api/requests/missing", "/api/requests/missing/progress"} {
		if rec := doJSON(t, r, http.MethodGet, p, "", nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", p, rec.Code)
		}
	}
}

func TestHandler_Clips(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newTestRouter(t, env)

	var saved []playlist.Entry
	for _, u := range []string{"https://cdn.test/a.mp4", "https://cdn.test/b.mp4", "https://cdn.test/c.mp4"} {
		rec := doJSON(t, r, http.MethodPost, "/api/clips", "alice", map[string]string{"url": u})
		if rec.Code != http.StatusCreated {
			t.Fatalf("save: expected 201, got %d", rec.Code)
		}
		var e playlist.Entry
		json.NewDecoder(rec.Body).Decode(&e)
		saved = append(saved, e)
	}

	rec := doJSON(t, r, http.MethodPut, "/api/clips/order", "alice", map[string]any{"order": []int64{saved[2].Timestamp, saved[0].Timestamp, saved[1].Timestamp}})
	if rec.Code != http.StatusOK {
		t.Fatalf("reorder: expected 200, got %d", rec.Code)
	}
	var list struct {
		Clips []playlist.Entry `json:"clips"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Clips) != 3 || list.Clips[0].URL != "https://cdn.test/c.mp4" {
		t.Errorf("reordered = %+v", list.Clips)
	}

	rec = doJSON(t, r, http.MethodPut, "/api/clips/order", "alice", map[string]any{"order": []int64{saved[0].Timestamp}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("partial order: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/clips/"+strconv.FormatInt(saved[1].Timestamp, 10), "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodDelete, "/api/clips/"+strconv.FormatInt(saved[1].Timestamp, 10), "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/clips", "bob", nil)
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Clips) != 0 {
		t.Errorf("bob sees alice's clips: %+v", list.Clips)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/clips", "alice", nil)
	var cleared map[string]int
	json.NewDecoder(rec.Body).Decode(&cleared)
	if cleared["removed"] != 2 {
		t.Errorf("clear = %v", cleared)
	}
}

func TestHandler_Stitch_and_serve(t *testing.T) {
	env := newTestEnv(t, nil)
	r := newTestRouter(t, env)

	rec := doJSON(t, r, http.MethodPost, "/api/stitch", "alice", map[string]any{"urls": []string{env.clips.URL + "/x.mp4", env.clips.URL + "/y.mp4"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("stitch: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var res AggregateResult
	json.NewDecoder(rec.Body).Decode(&res)

	rec = doJSON(t, r, http.MethodGet, res.FinalURL, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "/x.mp4|/y.mp4|" {
		t.Errorf("serve: %d %q", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, r, http.MethodGet, "/stitched/missing.mp4", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing file: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/stitch", "alice", map[string]any{"urls": []string{"/etc/passwd", env.clips.URL + "/y.mp4"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("local path: expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, r, http.MethodPost, "/api/clips", "alice", map[string]string{"url": "/stitched/../../secret"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal clip: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/stitch", "alice", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty stitch: expected 400, got %d", rec.Code)
	}
}

func TestHandler_SpeechToVideo(t *testing.T) {
	tr := &fakeTranscriber{text: "hello there"}
	env := newTestEnv(t, func(_ *ServiceConfig, d *Deps) { d.Transcriber = tr })
	r := newTestRouter(t, env)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("audio", "note.wav")
	fw.Write([]byte("RIFF"))
	mw.WriteField("duration", "5")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/speech-to-video", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(CallerHeader, "alice")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var res AggregateResult
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Transcript != "hello there" {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(tr.got); !os.IsNotExist(err) {
		t.Errorf("uploaded audio %s not removed", tr.got)
	}
}

func TestHandler_WatchProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(newTestRouter(t, env))
	defer srv.Close()

	if _, err := env.svc.Generate(context.Background(), GenerationRequest{RequestID: "ws-1", CallerID: "alice", Prompt: "x", Duration: 5}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/requests/ws-1/progress/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap progress.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !snap.Done || snap.Ratio != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}
