package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"speech-to-video/internal/errs"
)

// ChatSceneWriter asks a chat-completion model to split a prompt into sequential scenes.
type ChatSceneWriter struct {
	baseURL string
	model   string
	c       *caller
}

var _ SceneWriter = (*ChatSceneWriter)(nil)

func NewChatSceneWriter(cfg OpenAIConfig, log *slog.Logger, onRetry func(op string)) *ChatSceneWriter {
	model := cfg.ChatModel
	if model == "" {
		model = "gpt-4"
	}
	return &ChatSceneWriter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		c:       cfg.caller(log, onRetry),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Scenes returns exactly n segment prompts of the form "<prompt>. <scene>".
// Missing scene lines are filled with the bare prompt.
func (w *ChatSceneWriter) Scenes(ctx context.Context, prompt string, n int) ([]string, error) {
	const op = "scenes"
	if n <= 0 {
		return nil, errs.New(errs.KindInvalidRequest, op, "scene count must be positive")
	}
	if n == 1 {
		return []string{prompt}, nil
	}

	payload, err := json.Marshal(chatRequest{
		Model: w.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write short, vivid video scene descriptions. Reply with one scene per line and nothing else."},
			{Role: "user", Content: fmt.Sprintf("Split this idea into %d sequential scenes that continue each other:\n%s", n, prompt)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}

	var out chatResponse
	err = w.c.do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errs.New(errs.KindProviderUnavailable, op, "malformed response: no choices")
	}
	return ScenePrompts(prompt, out.Choices[0].Message.Content, n), nil
}

// ScenePrompts turns a model reply into n prompts anchored on base.
func ScenePrompts(base, reply string, n int) []string {
	var lines []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = trimOrdinal(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	out := make([]string, n)
	for i := range out {
		if i < len(lines) {
			out[i] = strings.TrimRight(base, ". ") + ". " + lines[i]
		} else {
			out[i] = base
		}
	}
	return out
}

// trimOrdinal strips "1." or "2)" list markers.
func trimOrdinal(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
