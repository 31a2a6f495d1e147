// Package config loads the run configuration file: provider table, strategy
// chains, backoff policy, journal and capability manifest locations.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/providers"

	"gopkg.in/yaml.v3"
)

// Provider configures one upstream a chain reference can point at.
type Provider struct {
	Kind      string            `json:"kind" yaml:"kind"`
	APIKeyEnv string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL   string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path      string            `json:"path,omitempty" yaml:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutMS int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

type BackoffConfigFile struct {
	InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// File is the full run configuration. Example:
//
//	version: 1
//	chains:
//	  agent: [gemini/gemini-1.5-pro, openrouter/meta-llama/llama-3-70b]
//	  synthesizer: [gemini/gemini-1.5-flash]
//	providers:
//	  gemini:
//	    kind: gemini
//	  openrouter:
//	    kind: openai_compat
//	    base_url: https://openrouter.ai/api
//	    api_key_env: OPENROUTER_API_KEY
//	backoff:
//	  initial_delay_ms: 500
//	  jitter: true
//	journal:
//	  path: weft.db
//	capabilities:
//	  manifest: capabilities.toml
type File struct {
	Version int `json:"version" yaml:"version"`

	Chains struct {
		Agent       []string `json:"agent" yaml:"agent"`
		Synthesizer []string `json:"synthesizer,omitempty" yaml:"synthesizer,omitempty"`
	} `json:"chains" yaml:"chains"`

	Providers map[string]Provider `json:"providers,omitempty" yaml:"providers,omitempty"`

	Backoff BackoffConfigFile `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	MaxParallel *int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	Journal struct {
		Path string `json:"path,omitempty" yaml:"path,omitempty"`
	} `json:"journal,omitempty" yaml:"journal,omitempty"`

	Capabilities struct {
		Manifest string `json:"manifest,omitempty" yaml:"manifest,omitempty"`
	} `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	cfg.Chains.Agent = trimNonEmpty(cfg.Chains.Agent)
	cfg.Chains.Synthesizer = trimNonEmpty(cfg.Chains.Synthesizer)
	if cfg.MaxParallel == nil {
		v := 4
		cfg.MaxParallel = &v
	}

	def := invoke.DefaultBackoffConfig()
	if cfg.Backoff.InitialDelayMS == nil {
		v := def.InitialDelayMS
		cfg.Backoff.InitialDelayMS = &v
	}
	if cfg.Backoff.BackoffFactor == nil {
		v := def.BackoffFactor
		cfg.Backoff.BackoffFactor = &v
	}
	if cfg.Backoff.MaxDelayMS == nil {
		v := def.MaxDelayMS
		cfg.Backoff.MaxDelayMS = &v
	}
	if cfg.Backoff.Jitter == nil {
		v := def.Jitter
		cfg.Backoff.Jitter = &v
	}
}

func validate(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	for _, ref := range cfg.Chains.Agent {
		if _, _, err := providers.ParseRef(ref); err != nil {
			return fmt.Errorf("chains.agent: %w", err)
		}
	}
	for _, ref := range cfg.Chains.Synthesizer {
		if _, _, err := providers.ParseRef(ref); err != nil {
			return fmt.Errorf("chains.synthesizer: %w", err)
		}
	}
	for name, p := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Kind)) {
		case "gemini", "scripted":
		case "openai_compat":
			if strings.TrimSpace(p.BaseURL) == "" {
				return fmt.Errorf("providers.%s.base_url is required for kind openai_compat", name)
			}
		case "":
			return fmt.Errorf("providers.%s.kind is required", name)
		default:
			return fmt.Errorf("invalid providers.%s.kind: %q (want gemini|openai_compat|scripted)", name, p.Kind)
		}
		if p.TimeoutMS < 0 {
			return fmt.Errorf("providers.%s.timeout_ms must be >= 0", name)
		}
	}
	if *cfg.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1")
	}
	if *cfg.Backoff.InitialDelayMS < 0 {
		return fmt.Errorf("backoff.initial_delay_ms must be >= 0")
	}
	if *cfg.Backoff.BackoffFactor <= 0 {
		return fmt.Errorf("backoff.backoff_factor must be > 0")
	}
	if *cfg.Backoff.MaxDelayMS < 0 {
		return fmt.Errorf("backoff.max_delay_ms must be >= 0")
	}
	return nil
}

// EngineBackoff converts the file's backoff block into the invoker's form.
func (f *File) EngineBackoff() invoke.BackoffConfig {
	return invoke.BackoffConfig{
		InitialDelayMS: *f.Backoff.InitialDelayMS,
		BackoffFactor:  *f.Backoff.BackoffFactor,
		MaxDelayMS:     *f.Backoff.MaxDelayMS,
		Jitter:         *f.Backoff.Jitter,
	}
}

// ProviderTable converts the provider block for chain construction.
func (f *File) ProviderTable() map[string]providers.Settings {
	table := make(map[string]providers.Settings, len(f.Providers))
	for name, p := range f.Providers {
		table[name] = providers.Settings{
			Kind:      strings.ToLower(strings.TrimSpace(p.Kind)),
			APIKeyEnv: p.APIKeyEnv,
			BaseURL:   p.BaseURL,
			Path:      p.Path,
			Headers:   p.Headers,
			TimeoutMS: p.TimeoutMS,
		}
	}
	return table
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
