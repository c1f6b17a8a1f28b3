package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/platform/metrics"
	"speech-to-video/internal/progress"
	"speech-to-video/internal/provider"
)

const (
	// CallerHeader carries the caller identity used for rate limiting and
	// playlist ownership. Without it the remote host is used.
	CallerHeader    = "X-Caller-ID"
	RequestIDHeader = "X-Request-ID"

	maxAudioBytes = 25 << 20
	wsWriteWait   = 5 * time.Second
)

// Handler exposes the generation API using go-chi.
type Handler struct {
	svc      *Service
	log      *slog.Logger
	metrics  *metrics.Metrics
	tick     time.Duration
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for svc. Metrics may be nil (e.g. in tests). tick is
// the progress push interval for websocket watchers.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, tick time.Duration) *Handler {
	return &Handler{
		svc:      svc,
		log:      log,
		metrics:  m,
		tick:     tick,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/setup", h.Setup)
		r.Post("/generate", h.Generate)
		r.Post("/speech-to-video", h.SpeechToVideo)
		r.Route("/requests/{id}", func(r chi.Router) {
			r.Get("/", h.GetResult)
			r.Get("/progress", h.GetProgress)
			r.Get("/progress/ws", h.WatchProgress)
		})
		r.Route("/clips", func(r chi.Router) {
			r.Get("/", h.ListClips)
			r.Post("/", h.SaveClip)
			r.Delete("/", h.ClearClips)
			r.Put("/order", h.ReorderClips)
			r.Delete("/{ts}", h.DeleteClip)
		})
		r.Post("/stitch", h.Stitch)
	})
	r.Get("/stitched/{name}", h.ServeStitched)
}

// callerID identifies who is calling.
func callerID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(CallerHeader)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// remoteRef reports whether u may be fetched on behalf of an HTTP caller: a web
// URL or a previously published stitched file, never a local path.
func remoteRef(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") ||
		(strings.HasPrefix(u, "/stitched/") && !strings.Contains(u, ".."))
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindUnknownEntry:
		return http.StatusNotFound
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindProviderUnavailable, errs.KindCompositionUnavailable:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindCancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	h.metrics.IncAPIError(kind.String())
	if d := errs.RetryAfter(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	if status >= 500 {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_generations": h.svc.ActiveGenerations(),
	})
}

// Setup handles GET /api/setup.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Setup())
}

// Generate handles POST /api/generate.
// Body: { "prompt": "...", "duration": 25, "quality": "medium" }.
// With ?async=true it answers 202 and the id to poll.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, "generate", "invalid body: %v", err))
		return
	}
	req.CallerID = callerID(r)
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(RequestIDHeader)
	}
	h.respond(w, r, req)
}

// SpeechToVideo handles POST /api/speech-to-video, a multipart form with an
// "audio" file plus the fields of GenerationRequest.
func (h *Handler) SpeechToVideo(w http.ResponseWriter, r *http.Request) {
	const op = "speech_to_video"
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, op, "invalid form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("audio")
	if err != nil {
		h.writeError(w, r, errs.New(errs.KindInvalidRequest, op, "audio file is required"))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "s2v-audio-*"+filepath.Ext(hdr.Filename))
	if err != nil {
		h.writeError(w, r, errs.Wrap(errs.KindInternal, op, err))
		return
	}
	_, err = io.Copy(tmp, file)
	tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		h.writeError(w, r, errs.Wrap(errs.KindInternal, op, err))
		return
	}

	req := GenerationRequest{
		RequestID:   r.Header.Get(RequestIDHeader),
		CallerID:    callerID(r),
		Prompt:      r.FormValue("prompt"),
		AudioPath:   tmp.Name(),
		Quality:     provider.Quality(r.FormValue("quality")),
		Preset:      r.FormValue("preset"),
		Model:       r.FormValue("model"),
		Resolution:  r.FormValue("resolution"),
		AspectRatio: r.FormValue("aspect_ratio"),
		Note:        r.FormValue("note"),
		Balanced:    r.FormValue("balanced") == "true",
	}
	// A preset sets its own duration.
	if d := r.FormValue("duration"); d != "" || req.Preset == "" {
		if req.Duration, err = strconv.Atoi(d); err != nil {
			os.Remove(tmp.Name())
			h.writeError(w, r, errs.New(errs.KindInvalidRequest, op, "duration must be a whole number of seconds"))
			return
		}
	}
	if r.URL.Query().Get("async") == "true" {
		h.start(w, r, req, func() { os.Remove(tmp.Name()) })
		return
	}
	defer os.Remove(tmp.Name())
	h.respond(w, r, req)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, req GenerationRequest) {
	if r.URL.Query().Get("async") == "true" {
		h.start(w, r, req, nil)
		return
	}
	res, err := h.svc.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == StatusFailed {
		status = statusFor(errs.ParseKind(res.ErrorKind))
	}
	writeJSON(w, status, res)
}

// start runs req in the background. cleanup, if set, runs once the request is done.
func (h *Handler) start(w http.ResponseWriter, r *http.Request, req GenerationRequest, cleanup func()) {
	id, err := h.svc.StartThen(r.Context(), req, cleanup)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/requests/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

// GetResult handles GET /api/requests/{id}.
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Result(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetProgress handles GET /api/requests/{id}/progress.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Progress(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// WatchProgress handles GET /api/requests/{id}/progress/ws. It pushes a snapshot
// every tick until the request is terminal or the client goes away.
func (h *Handler) WatchProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.svc.Progress(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Reads only detect the client closing.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = h.svc.WatchProgress(ctx, id, h.tick, func(snap progress.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(snap) == nil
	})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// ListClips handles GET /api/clips.
func (h *Handler) ListClips(w http.ResponseWriter, r *http.Request) {
	clips, err := h.svc.Clips(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

// SaveClip handles POST /api/clips. Body: { "url": "...", "note": "..." }.
func (h *Handler) SaveClip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string `json:"url"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, "clips.save", "invalid body: %v", err))
		return
	}
	if body.URL != "" && !remoteRef(body.URL) {
		h.writeError(w, r, errs.New(errs.KindInvalidRequest, "clips.save", "url must be http(s) or a stitched video"))
		return
	}
	entry, err := h.svc.SaveClip(r.Context(), callerID(r), body.URL, body.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ReorderClips handles PUT /api/clips/order. Body: { "order": [ts, ...] }.
func (h *Handler) ReorderClips(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order []int64 `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, "clips.reorder", "invalid body: %v", err))
		return
	}
	clips, err := h.svc.ReorderClips(r.Context(), callerID(r), body.Order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clips": clips})
}

// DeleteClip handles DELETE /api/clips/{ts}.
func (h *Handler) DeleteClip(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		h.writeError(w, r, errs.New(errs.KindInvalidRequest, "clips.delete", "timestamp must be an integer"))
		return
	}
	if err := h.svc.DeleteClip(r.Context(), callerID(r), ts); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearClips handles DELETE /api/clips.
func (h *Handler) ClearClips(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearClips(r.Context(), callerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Stitch handles POST /api/stitch.
// Body: { "use_saved": true } stitches the saved playlist; { "urls": [...] }
// stitches the given artifacts in order.
func (h *Handler) Stitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UseSaved bool     `json:"use_saved"`
		URLs     []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, "stitch", "invalid body: %v", err))
		return
	}
	var (
		res AggregateResult
		err error
	)
	switch {
	case body.UseSaved:
		res, err = h.svc.StitchSaved(r.Context(), callerID(r))
	case len(body.URLs) > 0:
		for _, u := range body.URLs {
			if !remoteRef(u) {
				h.writeError(w, r, errs.Newf(errs.KindInvalidRequest, "stitch", "cannot stitch %q", u))
				return
			}
		}
		res, err = h.svc.StitchURLs(r.Context(), callerID(r), body.URLs)
	default:
		err = errs.New(errs.KindInvalidRequest, "stitch", "use_saved or urls is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ServeStitched handles GET /stitched/{name}.
func (h *Handler) ServeStitched(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "." || name == "/" || !strings.HasSuffix(name, ".mp4") || h.svc.stitcher == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	p := filepath.Join(h.svc.stitcher.OutputDir(), name)
	if _, err := os.Stat(p); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, p)
}
