package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a point in the run lifecycle.
type EventKind string

const (
	EventRunStarted       EventKind = "run_started"
	EventSubtaskStarted   EventKind = "subtask_started"
	EventSubtaskFinished  EventKind = "subtask_finished"
	EventSubtaskSkipped   EventKind = "subtask_skipped"
	EventSynthesisStarted EventKind = "synthesis_started"
	EventRunFinished      EventKind = "run_finished"
)

// Event is one progress record. SubtaskID is empty for run-level events.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Kind      EventKind      `json:"kind"`
	SubtaskID string         `json:"subtask_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Observer receives progress events. Calls are serialized by the engine; a
// panicking observer is disarmed for the rest of the run, never fatal.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

func (e *Engine) emit(kind EventKind, subtaskID string, payload map[string]any) {
	if e.opts.Observer == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		RunID:     e.opts.RunID,
		Kind:      kind,
		SubtaskID: subtaskID,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.observerDisarmed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.observerDisarmed = true
			e.Warn("progress observer panicked and was disarmed")
		}
	}()
	e.opts.Observer.OnEvent(ev)
}
