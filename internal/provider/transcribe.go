package provider

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"speech-to-video/internal/errs"
)

// OpenAIConfig configures the speech-to-text and chat clients.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	TranscribeModel string
	ChatModel       string
	Timeout         time.Duration
	Retry           RetryPolicy
}

func (c OpenAIConfig) caller(log *slog.Logger, onRetry func(op string)) *caller {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &caller{
		http:    &http.Client{Timeout: timeout},
		token:   c.APIKey,
		retry:   c.Retry,
		log:     log,
		onRetry: onRetry,
	}
}

// TranscriptionClient sends an audio file to an OpenAI-compatible transcription endpoint.
type TranscriptionClient struct {
	baseURL string
	model   string
	c       *caller
}

var _ Transcriber = (*TranscriptionClient)(nil)

func NewTranscriptionClient(cfg OpenAIConfig, log *slog.Logger, onRetry func(op string)) *TranscriptionClient {
	model := cfg.TranscribeModel
	if model == "" {
		model = "whisper-1"
	}
	return &TranscriptionClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		c:       cfg.caller(log, onRetry),
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe returns the recognized text of the audio file at audioPath.
func (t *TranscriptionClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	const op = "transcribe"

	f, err := os.Open(audioPath)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidRequest, op, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", t.model); err != nil {
		return "", errs.Wrap(errs.KindInternal, op, err)
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, op, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", errs.Wrap(errs.KindInvalidRequest, op, err)
	}
	if err := mw.Close(); err != nil {
		return "", errs.Wrap(errs.KindInternal, op, err)
	}
	payload := body.Bytes()
	contentType := mw.FormDataContentType()

	var out transcriptionResponse
	err = t.c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/audio/transcriptions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}
