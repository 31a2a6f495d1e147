package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/llmerr"
)

// CompatConfig locates an OpenAI-compatible chat-completions endpoint.
type CompatConfig struct {
	APIKey    string
	BaseURL   string
	Path      string
	Headers   map[string]string
	TimeoutMS int
}

type compatStrategy struct {
	name     string
	provider string
	model    string
	cfg      CompatConfig
	client   *http.Client
}

// NewOpenAICompat builds a strategy speaking the chat-completions wire
// format. BaseURL is required; Path defaults to /v1/chat/completions.
func NewOpenAICompat(provider, model string, cfg CompatConfig) (invoke.Strategy, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai_compat provider %q: base_url is required", provider)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	timeout := 10 * time.Minute
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &compatStrategy{
		name:     provider + "/" + model,
		provider: provider,
		model:    model,
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (c *compatStrategy) Name() string { return c.name }

func (c *compatStrategy) Execute(ctx context.Context, work invoke.UnitOfWork) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": work.Prompt},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return "", llmerr.WrapTransport(c.provider, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", llmerr.WrapTransport(c.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", llmerr.WrapTransport(c.provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llmerr.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return "", llmerr.FromHTTPStatus(c.provider, resp.StatusCode, errorMessage(raw), ra)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode chat.completions response: %w", c.name, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%s: empty completion", c.name)
	}
	return parsed.Choices[0].Message.Content, nil
}

// errorMessage digs the human-readable message out of an error body, falling
// back to the raw payload.
func errorMessage(raw []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = "chat.completions failed"
	}
	return msg
}
