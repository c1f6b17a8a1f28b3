package stitch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"speech-to-video/internal/errs"
)

// catComposer concatenates input bytes, standing in for ffmpeg.
type catComposer struct {
	calls  int
	inputs []string
	err    error
}

func (c *catComposer) Compose(_ context.Context, inputs []string, output string) error {
	c.calls++
	c.inputs = append([]string(nil), inputs...)
	if c.err != nil {
		// Leave a partial file behind to prove the scratch dir is removed.
		os.WriteFile(output, []byte("partial"), 0o644)
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

func segmentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/seg1.mp4":
			w.Write([]byte("one|"))
		case "/seg2.mp4":
			w.Write([]byte("two|"))
		case "/seg3.mp4":
			w.Write([]byte("three"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStitcher(t *testing.T, capability Capability, c Composer) (*Stitcher, string, string) {
	t.Helper()
	scratch := t.TempDir()
	out := t.TempDir()
	s := New(Config{ScratchDir: scratch, OutputDir: out}, capability, c, nil)
	return s, scratch, out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned: %d entries left", len(entries))
	}
}

func TestStitcher_Stitch_composes_in_order(t *testing.T) {
	srv := segmentServer(t)
	comp := &catComposer{}
	s, scratch, out := newTestStitcher(t, Capability{Available: true}, comp)
	var outcomes []string
	s.OnOutcome = func(o string) { outcomes = append(outcomes, o) }

	res, err := s.Stitch(context.Background(), "req-1", []string{srv.URL + "/seg1.mp4", srv.URL + "/seg2.mp4", srv.URL + "/seg3.mp4"})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !res.Stitched || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if res.URL != "/stitched/req-1.mp4" {
		t.Errorf("URL = %q", res.URL)
	}
	got, err := os.ReadFile(filepath.Join(out, "req-1.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one|two|three" {
		t.Errorf("stitched content = %q", got)
	}
	assertEmptyDir(t, scratch)
	if len(outcomes) != 1 || outcomes[0] != OutcomeStitched {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestStitcher_Stitch_unavailable_degrades_to_first(t *testing.T) {
	comp := &catComposer{}
	s, _, _ := newTestStitcher(t, Unavailable("ffmpeg not found"), comp)

	res, err := s.Stitch(context.Background(), "x", []string{"https://a/1.mp4", "https://a/2.mp4", "https://a/3.mp4"})
	if err != nil {
		t.Fatalf("degradation must not fail: %v", err)
	}
	if res.URL != "https://a/1.mp4" || !res.Degraded || res.Stitched {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "ffmpeg not found") {
		t.Errorf("reason = %q", res.Reason)
	}
	if comp.calls != 0 {
		t.Error("composer must not run when unavailable")
	}
}

func TestStitcher_Stitch_compose_failure_degrades_and_cleans_up(t *testing.T) {
	srv := segmentServer(t)
	comp := &catComposer{err: errors.New("boom")}
	s, scratch, out := newTestStitcher(t, Capability{Available: true}, comp)

	res, err := s.Stitch(context.Background(), "x", []string{srv.URL + "/seg1.mp4", srv.URL + "/seg2.mp4"})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !res.Degraded || res.URL != srv.URL+"/seg1.mp4" {
		t.Errorf("result = %+v", res)
	}
	assertEmptyDir(t, scratch)
	assertEmptyDir(t, out)
}

func TestStitcher_Stitch_download_failure_degrades(t *testing.T) {
	srv := segmentServer(t)
	comp := &catComposer{}
	s, scratch, _ := newTestStitcher(t, Capability{Available: true}, comp)

	res, err := s.Stitch(context.Background(), "x", []string{srv.URL + "/seg1.mp4", srv.URL + "/missing.mp4"})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !res.Degraded || res.URL != srv.URL+"/seg1.mp4" {
		t.Errorf("result = %+v", res)
	}
	if comp.calls != 0 {
		t.Error("composer ran despite failed download")
	}
	assertEmptyDir(t, scratch)
}

func TestStitcher_Stitch_local_and_published_inputs(t *testing.T) {
	comp := &catComposer{}
	s, _, out := newTestStitcher(t, Capability{Available: true}, comp)

	local := filepath.Join(t.TempDir(), "a.mp4")
	os.WriteFile(local, []byte("A"), 0o644)
	os.WriteFile(filepath.Join(out, "prev.mp4"), []byte("B"), 0o644)

	res, err := s.Stitch(context.Background(), "combo", []string{local, "/stitched/prev.mp4"})
	if err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if !res.Stitched {
		t.Fatalf("result = %+v", res)
	}
	got, _ := os.ReadFile(filepath.Join(out, "combo.mp4"))
	if string(got) != "AB" {
		t.Errorf("content = %q", got)
	}
}

func TestStitcher_Stitch_edge_inputs(t *testing.T) {
	s, _, _ := newTestStitcher(t, Capability{Available: true}, &catComposer{})

	if _, err := s.Stitch(context.Background(), "x", nil); !errors.Is(err, errs.ErrInvalidRequest) {
		t.Errorf("empty input: err = %v, want InvalidRequest", err)
	}
	res, err := s.Stitch(context.Background(), "x", []string{"https://a/only.mp4"})
	if err != nil {
		t.Fatalf("single: %v", err)
	}
	if res.URL != "https://a/only.mp4" || res.Stitched || res.Degraded {
		t.Errorf("single input result = %+v", res)
	}
}

func TestStitcher_Stitch_cancelled_caller(t *testing.T) {
	srv := segmentServer(t)
	s, scratch, _ := newTestStitcher(t, Capability{Available: true}, &catComposer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stitch(ctx, "x", []string{srv.URL + "/seg1.mp4", srv.URL + "/seg2.mp4"})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("err = %v, want Cancelled", err)
	}
	assertEmptyDir(t, scratch)
}

func TestProbe_missing_binary(t *testing.T) {
	c := Probe(context.Background(), filepath.Join(t.TempDir(), "no-ffmpeg"))
	if c.Available || c.Reason == "" {
		t.Errorf("capability = %+v", c)
	}
}

func TestConcatArgs(t *testing.T) {
	args := strings.Join(concatArgs([]string{"a.mp4", "b.mp4"}, "o.mp4", true), " ")
	if !strings.Contains(args, "[0:v:0][0:a:0][1:v:0][1:a:0]concat=n=2:v=1:a=1[v][a]") {
		t.Errorf("audio graph missing: %s", args)
	}
	if !strings.Contains(args, "-c:a aac") || !strings.Contains(args, "-c:v libx264") {
		t.Errorf("codecs missing: %s", args)
	}
	args = strings.Join(concatArgs([]string{"a.mp4", "b.mp4"}, "o.mp4", false), " ")
	if !strings.Contains(args, "concat=n=2:v=1:a=0[v]") || strings.Contains(args, "[a]") {
		t.Errorf("video-only graph wrong: %s", args)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("../evil name.mp4"); got != "evil_name" {
		t.Errorf("sanitize = %q", got)
	}
}
