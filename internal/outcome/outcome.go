package outcome

import (
	"fmt"
	"strings"
)

// Kind classifies the terminal result of one subtask.
type Kind string

const (
	KindSuccess  Kind = "success"
	KindFailure  Kind = "failure"
	KindSkipped  Kind = "skipped"
	KindCanceled Kind = "canceled"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		return KindSuccess, nil
	case "failure", "fail", "error":
		return KindFailure, nil
	case "skipped", "skip":
		return KindSkipped, nil
	case "canceled", "cancelled":
		return KindCanceled, nil
	default:
		return "", fmt.Errorf("invalid outcome kind: %q", s)
	}
}

func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// Terminal reports whether the kind ends a subtask's lifecycle. All kinds do;
// the method exists so call sites read as intent rather than tautology when a
// non-terminal kind is ever introduced.
func (k Kind) Terminal() bool {
	switch k {
	case KindSuccess, KindFailure, KindSkipped, KindCanceled:
		return true
	default:
		return false
	}
}

// Outcome is the write-once record a subtask leaves in the results map.
// Failures are values here, never raised errors: a subtask whose whole
// strategy chain failed still produces an Outcome so sibling branches and the
// final synthesis can proceed.
type Outcome struct {
	SubtaskID string `json:"subtask_id"`
	Kind      Kind   `json:"kind"`

	// Output is the produced value. Meaningful only when Kind is success.
	Output string `json:"output,omitempty"`

	// FailureReason is required for failure, skipped and canceled kinds.
	FailureReason string `json:"failure_reason,omitempty"`

	// Strategy names the chain member that produced Output.
	Strategy string `json:"strategy,omitempty"`

	// Attempts counts strategy executions, including the successful one.
	Attempts int `json:"attempts,omitempty"`

	// Exhausted marks a failure where every strategy in the chain was tried.
	Exhausted bool `json:"exhausted,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`
}

func Success(subtaskID, output, strategy string, attempts int) Outcome {
	return Outcome{
		SubtaskID: subtaskID,
		Kind:      KindSuccess,
		Output:    output,
		Strategy:  strategy,
		Attempts:  attempts,
	}
}

func Failure(subtaskID, reason string, attempts int, exhausted bool) Outcome {
	return Outcome{
		SubtaskID:     subtaskID,
		Kind:          KindFailure,
		FailureReason: reason,
		Attempts:      attempts,
		Exhausted:     exhausted,
	}
}

func Skip(subtaskID, reason string) Outcome {
	return Outcome{
		SubtaskID:     subtaskID,
		Kind:          KindSkipped,
		FailureReason: reason,
	}
}

func Canceled(subtaskID, reason string) Outcome {
	return Outcome{
		SubtaskID:     subtaskID,
		Kind:          KindCanceled,
		FailureReason: reason,
	}
}

func (o Outcome) Succeeded() bool { return o.Kind == KindSuccess }
func (o Outcome) Skipped() bool   { return o.Kind == KindSkipped }

// Failed covers both ordinary failures and cancellation so dependents treat
// them alike for skip propagation; callers that care about the distinction
// check Kind directly.
func (o Outcome) Failed() bool { return o.Kind == KindFailure || o.Kind == KindCanceled }

// Executed reports whether the subtask actually ran, as opposed to being
// pruned before its invoker was called.
func (o Outcome) Executed() bool { return o.Kind == KindSuccess || o.Kind == KindFailure }

func (o Outcome) Canonicalize() (Outcome, error) {
	k, err := ParseKind(string(o.Kind))
	if err != nil {
		return Outcome{}, err
	}
	o.Kind = k
	o.SubtaskID = strings.TrimSpace(o.SubtaskID)
	if o.Meta == nil {
		o.Meta = map[string]string{}
	}
	return o, nil
}

func (o Outcome) Validate() error {
	co, err := o.Canonicalize()
	if err != nil {
		return err
	}
	if co.SubtaskID == "" {
		return fmt.Errorf("outcome missing subtask_id")
	}
	if co.Kind != KindSuccess && strings.TrimSpace(co.FailureReason) == "" {
		return fmt.Errorf("failure_reason must be non-empty when kind=%q", co.Kind)
	}
	return nil
}
