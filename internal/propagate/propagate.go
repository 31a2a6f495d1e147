// Package propagate assembles the prompt a subtask actually runs with,
// folding completed dependency results into its instructions. It is pure:
// the same subtask and result set always produce the same prompt.
package propagate

import (
	"fmt"
	"strings"

	"github.com/eferist/weft/internal/outcome"
	"github.com/eferist/weft/internal/plan"
)

// sectionHeader introduces the dependency results appended to a prompt.
const sectionHeader = "Previous results you can use:"

// DependencyError reports a dependency whose outcome blocks the dependent
// from running. The scheduler converts these into skips.
type DependencyError struct {
	SubtaskID string
	DepID     string
	Kind      outcome.Kind
	Reason    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("subtask %q: dependency %q %s: %s", e.SubtaskID, e.DepID, e.Kind, e.Reason)
}

// Augment returns the prompt for sub given the outcomes of everything that
// has already finished. Subtasks without dependencies pass through verbatim.
// Dependency sections appear in the order the subtask declared them, one
// delimited section per dependency, so the receiving model can tell which
// result came from which producer.
//
// A failed or skipped dependency is an error unless the edge is tolerated,
// in which case the section carries an unavailability marker instead of
// output. A dependency with no recorded outcome at all is a scheduling bug
// and returns a plain error.
func Augment(sub plan.Subtask, results map[string]outcome.Outcome) (string, error) {
	deps := sub.Deps()
	if len(deps) == 0 {
		return sub.Instructions, nil
	}

	sections := make([]string, 0, len(deps))
	for _, dep := range deps {
		out, ok := results[dep.ID]
		if !ok {
			return "", fmt.Errorf("subtask %q: no outcome recorded for dependency %q", sub.ID, dep.ID)
		}
		switch {
		case out.Succeeded():
			sections = append(sections, fmt.Sprintf("[Result from %s]: %s", dep.ID, out.Output))
		case dep.Tolerated:
			sections = append(sections, fmt.Sprintf("[Result from %s]: (unavailable: %s)", dep.ID, out.FailureReason))
		default:
			return "", &DependencyError{
				SubtaskID: sub.ID,
				DepID:     dep.ID,
				Kind:      out.Kind,
				Reason:    out.FailureReason,
			}
		}
	}

	var b strings.Builder
	b.WriteString(sub.Instructions)
	b.WriteString("\n\n")
	b.WriteString(sectionHeader)
	b.WriteString("\n")
	b.WriteString(strings.Join(sections, "\n"))
	return b.String(), nil
}
