// Package synth turns a run's recorded outcomes into the single answer
// returned to the caller. One successful result passes through untouched;
// several are combined, by an LLM chain when one is configured and
// mechanically otherwise; a run with nothing to show says so instead of
// inventing an answer.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/outcome"
	"github.com/eferist/weft/internal/plan"
)

// NothingExecuted is returned when no subtask ran at all: an empty plan, or
// every subtask skipped or canceled before execution.
const NothingExecuted = "No subtasks were executed."

// workID labels the synthesis call in outcomes and progress payloads.
const workID = "synthesis"

// Synthesizer composes final output. An empty Chain selects mechanical
// composition without complaint; a non-empty chain that exhausts or is
// canceled falls back to mechanical composition with a warning.
type Synthesizer struct {
	Chain   []invoke.Strategy
	Invoker *invoke.Invoker
}

// Compose builds the run's final output from the plan and its outcomes.
// It always returns usable text; the warnings report any degraded path
// taken along the way.
func (s *Synthesizer) Compose(ctx context.Context, p *plan.Plan, results map[string]outcome.Outcome) (string, []string) {
	ids := p.IDs()

	var executed, succeeded, failed int
	var sole outcome.Outcome
	for _, id := range ids {
		out, ok := results[id]
		if !ok || !out.Executed() {
			continue
		}
		executed++
		if out.Succeeded() {
			succeeded++
			sole = out
		} else {
			failed++
		}
	}

	if executed == 0 {
		return NothingExecuted, nil
	}
	if succeeded == 0 {
		return degradedReport(ids, results), nil
	}
	if succeeded == 1 && failed == 0 {
		return sole.Output, nil
	}

	if len(s.Chain) == 0 {
		return mechanicalReport(ids, results), nil
	}

	inv := s.Invoker
	if inv == nil {
		inv = &invoke.Invoker{}
	}
	work := invoke.UnitOfWork{SubtaskID: workID, Prompt: synthesisPrompt(p, results)}
	out := inv.Invoke(ctx, work, s.Chain)
	if out.Succeeded() {
		return out.Output, nil
	}

	warning := fmt.Sprintf("synthesis %s (%s), composed mechanically instead", out.Kind, out.FailureReason)
	return mechanicalReport(ids, results), []string{warning}
}

// synthesisPrompt lays out every subtask result, present or absent, in plan
// declaration order so the model sees the full shape of what happened.
func synthesisPrompt(p *plan.Plan, results map[string]outcome.Outcome) string {
	var b strings.Builder
	b.WriteString("Original request: ")
	b.WriteString(p.Request())
	b.WriteString("\n\nResults from subtasks:\n\n")
	b.WriteString(strings.Join(sections(p.IDs(), results), "\n"))
	b.WriteString("\n\nCombine these results into a single coherent answer to the original request.")
	return b.String()
}

// mechanicalReport is the no-LLM composition: every section, blank-line
// separated, absence markers included.
func mechanicalReport(ids []string, results map[string]outcome.Outcome) string {
	return strings.Join(sections(ids, results), "\n\n")
}

// degradedReport states plainly that the run produced nothing, then lists
// what happened to each subtask. It never routes through an LLM: there is no
// material to synthesize from.
func degradedReport(ids []string, results map[string]outcome.Outcome) string {
	return "No subtask produced a result.\n\n" + strings.Join(sections(ids, results), "\n")
}

func sections(ids []string, results map[string]outcome.Outcome) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, section(id, results))
	}
	return out
}

func section(id string, results map[string]outcome.Outcome) string {
	res, ok := results[id]
	switch {
	case !ok:
		return fmt.Sprintf("[%s]: (no outcome recorded)", id)
	case res.Succeeded():
		return fmt.Sprintf("[%s]: %s", id, res.Output)
	case res.Kind == outcome.KindSkipped:
		return fmt.Sprintf("[%s]: (skipped: %s)", id, res.FailureReason)
	case res.Kind == outcome.KindCanceled:
		return fmt.Sprintf("[%s]: (canceled: %s)", id, res.FailureReason)
	default:
		return fmt.Sprintf("[%s]: (failed: %s)", id, res.FailureReason)
	}
}
