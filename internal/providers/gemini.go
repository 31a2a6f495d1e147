package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/llmerr"
)

type geminiStrategy struct {
	name     string
	provider string
	model    string
	client   *genai.Client
}

// NewGemini builds a strategy backed by the Gemini SDK. The client is dialed
// once and reused across subtasks.
func NewGemini(provider, model, apiKey string) (invoke.Strategy, error) {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &geminiStrategy{
		name:     provider + "/" + model,
		provider: provider,
		model:    model,
		client:   client,
	}, nil
}

func (g *geminiStrategy) Name() string { return g.name }

func (g *geminiStrategy) Execute(ctx context.Context, work invoke.UnitOfWork) (string, error) {
	m := g.client.GenerativeModel(g.model)
	resp, err := m.GenerateContent(ctx, genai.Text(work.Prompt))
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return "", llmerr.FromHTTPStatus(g.provider, gerr.Code, gerr.Message, nil)
		}
		return "", llmerr.WrapTransport(g.provider, err)
	}
	text := firstText(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s: empty completion", g.name)
	}
	return text, nil
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
