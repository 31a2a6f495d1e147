// Package providers builds execution strategy chains from provider/model
// references. Shipped strategies: Gemini via the generative-ai-go SDK, any
// OpenAI-compatible chat-completions endpoint over plain HTTP, and a scripted
// offline strategy for tests and credential-free runs.
package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/eferist/weft/internal/invoke"
)

// Settings configures one named provider. Which fields matter depends on
// Kind; unused fields are ignored.
type Settings struct {
	// Kind selects the constructor: "gemini", "openai_compat" or "scripted".
	Kind string

	// APIKeyEnv names the environment variable holding the key. Defaults per
	// kind: GOOGLE_API_KEY for gemini, OPENAI_API_KEY for openai_compat.
	APIKeyEnv string

	// BaseURL and Path locate an openai_compat endpoint. Path defaults to
	// /v1/chat/completions.
	BaseURL string
	Path    string

	// Headers are extra HTTP headers for openai_compat requests.
	Headers map[string]string

	// TimeoutMS caps one request. Zero means the kind's default.
	TimeoutMS int
}

// ParseRef splits a "provider/model" chain reference. The model part may
// itself contain slashes.
func ParseRef(ref string) (provider, model string, err error) {
	parts := strings.SplitN(strings.TrimSpace(ref), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid chain reference %q: want provider/model", ref)
	}
	return parts[0], parts[1], nil
}

// BuildChain resolves each reference against the provider table, in order.
// The chain comes back in the same order the references were given.
func BuildChain(refs []string, table map[string]Settings) ([]invoke.Strategy, error) {
	chain := make([]invoke.Strategy, 0, len(refs))
	for _, ref := range refs {
		name, model, err := ParseRef(ref)
		if err != nil {
			return nil, err
		}
		st, ok := table[name]
		if !ok {
			return nil, fmt.Errorf("chain reference %q: provider %q is not configured", ref, name)
		}
		s, err := build(name, model, st)
		if err != nil {
			return nil, fmt.Errorf("chain reference %q: %w", ref, err)
		}
		chain = append(chain, s)
	}
	return chain, nil
}

func build(name, model string, st Settings) (invoke.Strategy, error) {
	switch st.Kind {
	case "gemini":
		key, err := apiKeyFromEnv(st.APIKeyEnv, "GOOGLE_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewGemini(name, model, key)
	case "openai_compat":
		key, err := apiKeyFromEnv(st.APIKeyEnv, "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewOpenAICompat(name, model, CompatConfig{
			APIKey:    key,
			BaseURL:   st.BaseURL,
			Path:      st.Path,
			Headers:   st.Headers,
			TimeoutMS: st.TimeoutMS,
		})
	case "scripted":
		return NewScripted(name + "/" + model), nil
	case "":
		return nil, fmt.Errorf("provider kind is empty")
	default:
		return nil, fmt.Errorf("unknown provider kind %q", st.Kind)
	}
}

func apiKeyFromEnv(envName, fallback string) (string, error) {
	if strings.TrimSpace(envName) == "" {
		envName = fallback
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty", envName)
	}
	return key, nil
}
