package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/eferist/weft/internal/invoke"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		ref      string
		provider string
		model    string
		ok       bool
	}{
		{"gemini/gemini-1.5-flash", "gemini", "gemini-1.5-flash", true},
		{"openrouter/meta-llama/llama-3-70b", "openrouter", "meta-llama/llama-3-70b", true},
		{"offline/echo", "offline", "echo", true},
		{"justprovider", "", "", false},
		{"", "", "", false},
		{"/model", "", "", false},
		{"provider/", "", "", false},
	}
	for _, tc := range cases {
		provider, model, err := ParseRef(tc.ref)
		if tc.ok && err != nil {
			t.Fatalf("ParseRef(%q): %v", tc.ref, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseRef(%q) accepted", tc.ref)
			}
			continue
		}
		if provider != tc.provider || model != tc.model {
			t.Fatalf("ParseRef(%q) = %q, %q", tc.ref, provider, model)
		}
	}
}

func TestBuildChainOrdersStrategies(t *testing.T) {
	table := map[string]Settings{
		"offline": {Kind: "scripted"},
		"backup":  {Kind: "scripted"},
	}
	chain, err := BuildChain([]string{"offline/fast", "backup/slow"}, table)
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d", len(chain))
	}
	if chain[0].Name() != "offline/fast" || chain[1].Name() != "backup/slow" {
		t.Fatalf("chain order = %q, %q", chain[0].Name(), chain[1].Name())
	}
}

func TestBuildChainUnknownProvider(t *testing.T) {
	_, err := BuildChain([]string{"mystery/model"}, map[string]Settings{})
	if err == nil {
		t.Fatalf("unknown provider accepted")
	}
	if !strings.Contains(err.Error(), `"mystery/model"`) {
		t.Fatalf("err %q does not name the offending reference", err)
	}
}

func TestBuildChainUnknownKind(t *testing.T) {
	table := map[string]Settings{"p": {Kind: "carrier-pigeon"}}
	if _, err := BuildChain([]string{"p/m"}, table); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	table = map[string]Settings{"p": {}}
	if _, err := BuildChain([]string{"p/m"}, table); err == nil {
		t.Fatalf("missing kind accepted")
	}
}

func TestBuildChainOpenAICompatRequiresKey(t *testing.T) {
	t.Setenv("WEFT_TEST_KEY", "")
	table := map[string]Settings{
		"prov": {Kind: "openai_compat", APIKeyEnv: "WEFT_TEST_KEY", BaseURL: "https://example.test"},
	}
	_, err := BuildChain([]string{"prov/model"}, table)
	if err == nil {
		t.Fatalf("empty api key accepted")
	}
	if !strings.Contains(err.Error(), "WEFT_TEST_KEY") {
		t.Fatalf("err %q does not name the env var", err)
	}

	t.Setenv("WEFT_TEST_KEY", "sk-something")
	if _, err := BuildChain([]string{"prov/model"}, table); err != nil {
		t.Fatalf("BuildChain with key set: %v", err)
	}
}

func TestBuildChainOpenAICompatDefaultEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-default")
	table := map[string]Settings{
		"prov": {Kind: "openai_compat", BaseURL: "https://example.test"},
	}
	if _, err := BuildChain([]string{"prov/model"}, table); err != nil {
		t.Fatalf("BuildChain with default env: %v", err)
	}
}

func TestBuildChainGemini(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "fake-key")
	table := map[string]Settings{"gemini": {Kind: "gemini"}}
	chain, err := BuildChain([]string{"gemini/gemini-1.5-flash"}, table)
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	if chain[0].Name() != "gemini/gemini-1.5-flash" {
		t.Fatalf("name = %q", chain[0].Name())
	}
}

type stubCapability string

func (c stubCapability) Name() string { return string(c) }

func (c stubCapability) Invoke(ctx context.Context, request string) (string, error) {
	return "", nil
}

func TestScriptedEchoesPromptAndCapabilities(t *testing.T) {
	s := NewScripted("offline/echo")
	if s.Name() != "offline/echo" {
		t.Fatalf("name = %q", s.Name())
	}
	work := invoke.UnitOfWork{
		SubtaskID: "t1",
		Prompt:    "summarize the findings",
		Capabilities: []invoke.Capability{
			stubCapability("web_fetch"),
			stubCapability("pdf_text"),
		},
	}
	got, err := s.Execute(context.Background(), work)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(got, "(offline t1)") {
		t.Fatalf("output %q missing subtask marker", got)
	}
	if !strings.Contains(got, "summarize the findings") {
		t.Fatalf("output %q missing prompt", got)
	}
	if !strings.Contains(got, "capabilities: web_fetch, pdf_text") {
		t.Fatalf("output %q missing capability listing", got)
	}
}

func TestScriptedTruncatesLongPrompts(t *testing.T) {
	s := NewScripted("offline/echo")
	long := strings.Repeat("x", 500)
	got, err := s.Execute(context.Background(), invoke.UnitOfWork{SubtaskID: "t1", Prompt: long})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) >= 500 {
		t.Fatalf("output not truncated, len = %d", len(got))
	}
	if !strings.Contains(got, "...") {
		t.Fatalf("output %q missing ellipsis", got)
	}
}
