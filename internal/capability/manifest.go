package capability

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eferist/weft/internal/invoke"
)

// Manifest declares the capability catalog in TOML:
//
//	fallback_to_all = true
//
//	[capabilities.http_fetch]
//	kind = "http_fetch"
//	timeout_ms = 10000
//	max_bytes = 2097152
//
//	[capabilities.html_to_text]
//	kind = "html_to_text"
type Manifest struct {
	FallbackToAll bool            `toml:"fallback_to_all"`
	Capabilities  map[string]Spec `toml:"capabilities"`
}

// Spec configures one catalog entry. Fields irrelevant to a kind are ignored.
type Spec struct {
	Kind           string `toml:"kind"`
	TimeoutMS      int    `toml:"timeout_ms"`
	MaxBytes       int64  `toml:"max_bytes"`
	MaxPages       int    `toml:"max_pages"`
	MaxOutputChars int    `toml:"max_output_chars"`
	MaxOutputLines int    `toml:"max_output_lines"`
	Truncate       string `toml:"truncate"`
}

func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read capability manifest %s: %w", path, err)
	}
	return DecodeManifest(string(b))
}

func DecodeManifest(s string) (Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(s, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode capability manifest: %w", err)
	}
	return m, nil
}

// Build constructs a registry from the manifest. Entries register in name
// order so the catalog is deterministic whatever the TOML layout.
func (m Manifest) Build() (*Registry, error) {
	reg := NewRegistry()
	reg.SetFallbackToAll(m.FallbackToAll)

	names := make([]string, 0, len(m.Capabilities))
	for name := range m.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := m.Capabilities[name]
		handle, err := buildCapability(name, spec)
		if err != nil {
			return nil, err
		}
		limit := OutputLimit{
			MaxChars: spec.MaxOutputChars,
			MaxLines: spec.MaxOutputLines,
			Strategy: TruncationStrategy(spec.Truncate),
		}
		if err := reg.Register(handle, limit); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildCapability(name string, spec Spec) (invoke.Capability, error) {
	switch spec.Kind {
	case "http_fetch":
		return NewHTTPFetch(name, time.Duration(spec.TimeoutMS)*time.Millisecond, spec.MaxBytes), nil
	case "html_to_text":
		return NewHTMLToText(name), nil
	case "pdf_extract":
		return NewPDFExtract(name, spec.MaxBytes, spec.MaxPages), nil
	case "":
		return nil, fmt.Errorf("capability %q: missing kind", name)
	default:
		return nil, fmt.Errorf("capability %q: unknown kind %q", name, spec.Kind)
	}
}
