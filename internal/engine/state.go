package engine

import (
	"fmt"
	"sync"

	"github.com/eferist/weft/internal/outcome"
	"github.com/eferist/weft/internal/plan"
)

// State is where a subtask sits in its lifecycle. Pending and running are
// transient; the other three are terminal.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

func stateForKind(k outcome.Kind) State {
	switch k {
	case outcome.KindSuccess:
		return StateSucceeded
	case outcome.KindSkipped:
		return StateSkipped
	default:
		// Failures and cancellations both end as failed; the outcome kind
		// keeps them distinguishable.
		return StateFailed
	}
}

// executionState is the single mutable record of a run: one state and at most
// one outcome per subtask. Outcomes are write-once.
type executionState struct {
	mu     sync.Mutex
	order  []string
	states map[string]State
	result map[string]outcome.Outcome
}

func newExecutionState(p *plan.Plan) *executionState {
	ids := p.IDs()
	states := make(map[string]State, len(ids))
	for _, id := range ids {
		states[id] = StatePending
	}
	return &executionState{
		order:  ids,
		states: states,
		result: make(map[string]outcome.Outcome, len(ids)),
	}
}

func (s *executionState) state(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func (s *executionState) markRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[id] == StatePending {
		s.states[id] = StateRunning
	}
}

// complete records a terminal outcome. Recording a second outcome for the
// same subtask is a bug in the caller and returns an error.
func (s *executionState) complete(out outcome.Outcome) error {
	co, err := out.Canonicalize()
	if err != nil {
		return fmt.Errorf("complete %q: %w", out.SubtaskID, err)
	}
	out = co
	if err := out.Validate(); err != nil {
		return fmt.Errorf("complete %q: %w", out.SubtaskID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.result[out.SubtaskID]; exists {
		return fmt.Errorf("complete %q: outcome already recorded", out.SubtaskID)
	}
	if _, known := s.states[out.SubtaskID]; !known {
		return fmt.Errorf("complete %q: unknown subtask", out.SubtaskID)
	}
	s.result[out.SubtaskID] = out
	s.states[out.SubtaskID] = stateForKind(out.Kind)
	return nil
}

func (s *executionState) outcomeOf(id string) (outcome.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.result[id]
	return out, ok
}

// pendingIDs returns not-yet-dispatched subtasks in plan declaration order.
func (s *executionState) pendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, id := range s.order {
		if s.states[id] == StatePending {
			out = append(out, id)
		}
	}
	return out
}

func (s *executionState) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if !s.states[id].Terminal() {
			return false
		}
	}
	return true
}

// resultsCopy snapshots every recorded outcome.
func (s *executionState) resultsCopy() map[string]outcome.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]outcome.Outcome, len(s.result))
	for id, res := range s.result {
		out[id] = res
	}
	return out
}

func (s *executionState) counts() (succeeded, failed, skipped, canceled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range s.result {
		switch res.Kind {
		case outcome.KindSuccess:
			succeeded++
		case outcome.KindFailure:
			failed++
		case outcome.KindSkipped:
			skipped++
		case outcome.KindCanceled:
			canceled++
		}
	}
	return
}
