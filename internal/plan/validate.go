package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/eferist/weft/internal/cond"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule      string   `json:"rule"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	SubtaskID string   `json:"subtask_id,omitempty"`
	DepID     string   `json:"dep_id,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validate runs every structural lint over the subtasks and returns the full
// diagnostic list. It is pure; a zero-subtask plan yields no diagnostics.
func Validate(subtasks []Subtask) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintIDs(subtasks)...)
	diags = append(diags, lintDepRefs(subtasks)...)
	diags = append(diags, lintAcyclic(subtasks)...)
	diags = append(diags, lintConditions(subtasks)...)
	diags = append(diags, lintCapabilities(subtasks)...)
	return diags
}

// ValidateOrError condenses ERROR diagnostics into a single construction
// error. Warnings do not block construction.
func ValidateOrError(subtasks []Subtask) error {
	var errs []string
	for _, d := range Validate(subtasks) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("plan validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintIDs(subtasks []Subtask) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, s := range subtasks {
		id := s.ID
		if strings.TrimSpace(id) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "id_required",
				Severity: SeverityError,
				Message:  "subtask has an empty id",
			})
			continue
		}
		if !idPattern.MatchString(id) {
			diags = append(diags, Diagnostic{
				Rule:      "id_syntax",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("subtask id %q must match %s", id, idPattern.String()),
				SubtaskID: id,
			})
		}
		if seen[id] {
			diags = append(diags, Diagnostic{
				Rule:      "id_unique",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("duplicate subtask id %q", id),
				SubtaskID: id,
			})
		}
		seen[id] = true
	}
	return diags
}

func lintDepRefs(subtasks []Subtask) []Diagnostic {
	ids := map[string]bool{}
	for _, s := range subtasks {
		ids[s.ID] = true
	}
	var diags []Diagnostic
	for _, s := range subtasks {
		declared := map[string]bool{}
		for _, d := range s.Deps() {
			if d.ID == "" {
				diags = append(diags, Diagnostic{
					Rule:      "dep_ref_syntax",
					Severity:  SeverityError,
					Message:   fmt.Sprintf("subtask %q has an empty depends_on entry", s.ID),
					SubtaskID: s.ID,
				})
				continue
			}
			if !ids[d.ID] {
				diags = append(diags, Diagnostic{
					Rule:      "dep_ref_exists",
					Severity:  SeverityError,
					Message:   fmt.Sprintf("subtask %q depends on unknown subtask %q", s.ID, d.ID),
					SubtaskID: s.ID,
					DepID:     d.ID,
				})
			}
			if d.ID == s.ID {
				diags = append(diags, Diagnostic{
					Rule:      "dep_no_self",
					Severity:  SeverityError,
					Message:   fmt.Sprintf("subtask %q depends on itself", s.ID),
					SubtaskID: s.ID,
					DepID:     d.ID,
				})
			}
			if declared[d.ID] {
				diags = append(diags, Diagnostic{
					Rule:      "dep_duplicate",
					Severity:  SeverityWarning,
					Message:   fmt.Sprintf("subtask %q declares dependency %q more than once", s.ID, d.ID),
					SubtaskID: s.ID,
					DepID:     d.ID,
				})
			}
			declared[d.ID] = true
		}
	}
	return diags
}

// lintAcyclic runs Kahn's algorithm for detection, then a DFS to name one
// concrete cycle so the error points at the offending ids rather than just
// saying "cycle".
func lintAcyclic(subtasks []Subtask) []Diagnostic {
	ids := map[string]bool{}
	for _, s := range subtasks {
		ids[s.ID] = true
	}

	indegree := map[string]int{}
	edges := map[string][]string{} // dep id -> dependent ids, declaration order
	for _, s := range subtasks {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, d := range s.Deps() {
			if !ids[d.ID] || d.ID == s.ID {
				continue // reported by lintDepRefs
			}
			edges[d.ID] = append(edges[d.ID], s.ID)
			indegree[s.ID]++
		}
	}

	var queue []string
	for _, s := range subtasks {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed == len(indegree) {
		return nil
	}

	cycle := findCycle(subtasks)
	var diags []Diagnostic
	path := strings.Join(append(append([]string(nil), cycle...), cycle[0]), " -> ")
	for _, id := range cycle {
		diags = append(diags, Diagnostic{
			Rule:      "acyclic",
			Severity:  SeverityError,
			Message:   fmt.Sprintf("dependency cycle: %s", path),
			SubtaskID: id,
		})
	}
	return diags
}

// findCycle returns the members of one cycle in declaration-order DFS. Only
// called when Kahn already proved a cycle exists.
func findCycle(subtasks []Subtask) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := map[string][]string{}
	ids := map[string]bool{}
	for _, s := range subtasks {
		ids[s.ID] = true
	}
	for _, s := range subtasks {
		for _, d := range s.Deps() {
			if ids[d.ID] && d.ID != s.ID {
				deps[s.ID] = append(deps[s.ID], d.ID)
			}
		}
	}

	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range deps[id] {
			switch color[next] {
			case gray:
				// Walk the stack back to the reentry point.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, s := range subtasks {
		if color[s.ID] == white && visit(s.ID) {
			break
		}
	}
	return cycle
}

func lintConditions(subtasks []Subtask) []Diagnostic {
	var diags []Diagnostic
	for _, s := range subtasks {
		if strings.TrimSpace(s.Condition) == "" {
			continue
		}
		if err := cond.Check(s.Condition); err != nil {
			// Unparseable conditions run the subtask anyway at execution
			// time, so this is a warning, not a construction error.
			diags = append(diags, Diagnostic{
				Rule:      "condition_syntax",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("subtask %q: %v", s.ID, err),
				SubtaskID: s.ID,
			})
		}
	}
	return diags
}

func lintCapabilities(subtasks []Subtask) []Diagnostic {
	var diags []Diagnostic
	for _, s := range subtasks {
		for _, name := range s.Capabilities {
			if strings.TrimSpace(name) == "" {
				diags = append(diags, Diagnostic{
					Rule:      "capability_name",
					Severity:  SeverityError,
					Message:   fmt.Sprintf("subtask %q declares an empty capability name", s.ID),
					SubtaskID: s.ID,
				})
				continue
			}
			if !doublestar.ValidatePattern(name) {
				diags = append(diags, Diagnostic{
					Rule:      "capability_pattern",
					Severity:  SeverityWarning,
					Message:   fmt.Sprintf("subtask %q capability %q is not a valid match pattern", s.ID, name),
					SubtaskID: s.ID,
				})
			}
		}
	}
	return diags
}
