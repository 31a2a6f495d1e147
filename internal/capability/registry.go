// Package capability maps the capability names a plan declares to concrete
// tool handles. Names resolve by exact match or doublestar glob against the
// registered set, and every handle's output is clamped before it reaches a
// prompt.
package capability

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/eferist/weft/internal/invoke"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateName enforces the capability naming rule: lowercase snake_case,
// starting with a letter.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid capability name %q: must match %s", name, namePattern)
	}
	if len(name) > 64 {
		return fmt.Errorf("invalid capability name %q: longer than 64 characters", name)
	}
	return nil
}

// Func adapts a closure into a registrable capability.
type Func struct {
	CapabilityName string
	Run            func(ctx context.Context, request string) (string, error)
}

func (f Func) Name() string { return f.CapabilityName }

func (f Func) Invoke(ctx context.Context, request string) (string, error) {
	return f.Run(ctx, request)
}

type entry struct {
	cap   invoke.Capability
	limit OutputLimit
}

// Registry is the process-wide capability catalog. It implements the
// engine's Resolver contract.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]entry
	order       []string
	fallbackAll bool
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// SetFallbackToAll makes Resolve hand out the full catalog when a subtask's
// requested names match nothing, instead of failing the subtask.
func (r *Registry) SetFallbackToAll(v bool) {
	r.mu.Lock()
	r.fallbackAll = v
	r.mu.Unlock()
}

// Register adds a capability under its own name. A zero MaxChars limit gets
// the default clamp.
func (r *Registry) Register(c invoke.Capability, limit OutputLimit) error {
	if c == nil {
		return fmt.Errorf("nil capability")
	}
	name := c.Name()
	if err := ValidateName(name); err != nil {
		return err
	}
	if limit.MaxChars == 0 {
		limit = defaultLimit()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.entries[name] = entry{cap: c, limit: limit}
	r.order = append(r.order, name)
	return nil
}

// Names returns the catalog in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Resolve maps requested names to handles. Each entry matches exactly or as
// a doublestar glob over registered names; matches keep first-mention order
// without duplicates. Requested names that match nothing are dropped, but if
// the whole request matches nothing the result is either the full catalog
// (fallback enabled) or an error naming what was asked for.
//
// A subtask that declares no capabilities gets none.
func (r *Registry) Resolve(names []string) ([]invoke.Capability, error) {
	if len(names) == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	out := []invoke.Capability{}
	appendEntry := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		e := r.entries[name]
		out = append(out, limited{cap: e.cap, limit: e.limit})
	}

	for _, want := range names {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if _, ok := r.entries[want]; ok {
			appendEntry(want)
			continue
		}
		for _, name := range r.order {
			ok, err := doublestar.Match(want, name)
			if err != nil {
				break
			}
			if ok {
				appendEntry(name)
			}
		}
	}

	if len(out) == 0 {
		if r.fallbackAll {
			for _, name := range r.order {
				appendEntry(name)
			}
			return out, nil
		}
		return nil, fmt.Errorf("no registered capability matches %q", strings.Join(names, ", "))
	}
	return out, nil
}

// limited clamps a capability's output before it reaches the model.
type limited struct {
	cap   invoke.Capability
	limit OutputLimit
}

func (l limited) Name() string { return l.cap.Name() }

func (l limited) Invoke(ctx context.Context, request string) (string, error) {
	out, err := l.cap.Invoke(ctx, request)
	if err != nil {
		return "", err
	}
	out = truncateChars(out, l.limit.MaxChars, l.limit.Strategy)
	if l.limit.MaxLines > 0 {
		out = truncateLines(out, l.limit.MaxLines)
	}
	return out, nil
}
