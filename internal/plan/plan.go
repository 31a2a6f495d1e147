// Package plan holds the immutable task-graph model: subtasks, dependency
// edges, branch conditions, and the structural validation that rejects
// malformed graphs before anything runs.
package plan

import (
	"strings"
)

// Subtask is one unit of work in a plan. Instructions are opaque to the
// engine; capabilities are resolved by an external registry; depends_on
// entries may carry a trailing "?" marking the edge as failure-tolerant.
type Subtask struct {
	ID           string   `json:"id" yaml:"id"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Instructions string   `json:"instructions" yaml:"instructions"`
	DependsOn    []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition    string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Dep is one parsed depends_on edge.
type Dep struct {
	ID        string
	Tolerated bool
}

// SplitDepRef parses a depends_on entry: "analyze?" is a tolerated edge on
// subtask "analyze", "analyze" a strict one.
func SplitDepRef(ref string) Dep {
	ref = strings.TrimSpace(ref)
	if id, ok := strings.CutSuffix(ref, "?"); ok {
		return Dep{ID: strings.TrimSpace(id), Tolerated: true}
	}
	return Dep{ID: ref}
}

// Deps returns the parsed dependency edges in declaration order.
func (s Subtask) Deps() []Dep {
	if len(s.DependsOn) == 0 {
		return nil
	}
	out := make([]Dep, 0, len(s.DependsOn))
	for _, ref := range s.DependsOn {
		out = append(out, SplitDepRef(ref))
	}
	return out
}

func (s Subtask) clone() Subtask {
	c := s
	if s.Capabilities != nil {
		c.Capabilities = append([]string(nil), s.Capabilities...)
	}
	if s.DependsOn != nil {
		c.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return c
}

// Plan is an immutable DAG of subtasks. Construct one with New or by decoding
// a plan document; both paths run full structural validation, so a Plan in
// hand is always acyclic with unique ids and resolvable references.
type Plan struct {
	request     string
	subtasks    []Subtask
	byID        map[string]int
	dependents  map[string][]string
	fingerprint string
}

// New builds a validated Plan. The subtasks are deep-copied; later mutation
// of the caller's slices cannot reach the plan. A plan with zero subtasks is
// valid.
func New(request string, subtasks []Subtask) (*Plan, error) {
	copied := make([]Subtask, 0, len(subtasks))
	for _, s := range subtasks {
		copied = append(copied, s.clone())
	}
	if err := ValidateOrError(copied); err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(copied))
	dependents := map[string][]string{}
	for i, s := range copied {
		byID[s.ID] = i
	}
	for _, s := range copied {
		for _, d := range s.Deps() {
			dependents[d.ID] = append(dependents[d.ID], s.ID)
		}
	}

	return &Plan{
		request:     request,
		subtasks:    copied,
		byID:        byID,
		dependents:  dependents,
		fingerprint: fingerprint(request, copied),
	}, nil
}

func (p *Plan) Request() string { return p.request }

func (p *Plan) Len() int { return len(p.subtasks) }

// Subtasks returns the subtasks in declaration order. The returned slice is a
// copy; the plan stays immutable.
func (p *Plan) Subtasks() []Subtask {
	out := make([]Subtask, 0, len(p.subtasks))
	for _, s := range p.subtasks {
		out = append(out, s.clone())
	}
	return out
}

func (p *Plan) Subtask(id string) (Subtask, bool) {
	i, ok := p.byID[id]
	if !ok {
		return Subtask{}, false
	}
	return p.subtasks[i].clone(), true
}

// IDs returns all subtask ids in declaration order.
func (p *Plan) IDs() []string {
	out := make([]string, 0, len(p.subtasks))
	for _, s := range p.subtasks {
		out = append(out, s.ID)
	}
	return out
}

// Dependents returns the ids of subtasks that declare id as a dependency, in
// declaration order of the dependents.
func (p *Plan) Dependents(id string) []string {
	deps := p.dependents[id]
	if len(deps) == 0 {
		return nil
	}
	return append([]string(nil), deps...)
}

// Fingerprint is a BLAKE3 digest of the plan's canonical serialization, used
// to correlate journal rows and progress events with exact plan content.
func (p *Plan) Fingerprint() string { return p.fingerprint }
