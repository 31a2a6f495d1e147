package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/outcome"
	"github.com/eferist/weft/internal/plan"
	"github.com/eferist/weft/internal/synth"
)

func mustPlan(t *testing.T, request string, subtasks []plan.Subtask) *plan.Plan {
	t.Helper()
	p, err := plan.New(request, subtasks)
	if err != nil {
		t.Fatalf("plan.New: %v", err)
	}
	return p
}

// promptRecorder captures the exact prompt each subtask ran with and answers
// "out-<id>".
type promptRecorder struct {
	mu      sync.Mutex
	prompts map[string]string
}

func newPromptRecorder() *promptRecorder {
	return &promptRecorder{prompts: map[string]string{}}
}

func (r *promptRecorder) strategy() invoke.Strategy {
	return invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		r.mu.Lock()
		r.prompts[work.SubtaskID] = work.Prompt
		r.mu.Unlock()
		return "out-" + work.SubtaskID, nil
	}}
}

func (r *promptRecorder) prompt(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompts[id]
}

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnEvent(ev Event) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, string(ev.Kind))
	}
	return out
}

// index returns the position of the first event matching kind and subtask.
func (o *recordingObserver) index(kind EventKind, subtaskID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, ev := range o.events {
		if ev.Kind == kind && ev.SubtaskID == subtaskID {
			return i
		}
	}
	return -1
}

func TestRunLinearChainPropagatesResults(t *testing.T) {
	p := mustPlan(t, "two steps", []plan.Subtask{
		{ID: "a", Instructions: "step one"},
		{ID: "b", Instructions: "step two", DependsOn: []string{"a"}},
	})
	rec := newPromptRecorder()
	e, err := New(p, Options{AgentChain: []invoke.Strategy{rec.strategy()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success (warnings: %v)", res.Status, res.Warnings)
	}
	if got := rec.prompt("a"); got != "step one" {
		t.Fatalf("a prompt = %q, want bare instructions", got)
	}
	wantB := "step two\n\nPrevious results you can use:\n[Result from a]: out-a"
	if got := rec.prompt("b"); got != wantB {
		t.Fatalf("b prompt = %q, want %q", got, wantB)
	}
	if res.Output != "[a]: out-a\n\n[b]: out-b" {
		t.Fatalf("output = %q", res.Output)
	}
	if res.PlanFingerprint != p.Fingerprint() {
		t.Fatalf("fingerprint = %q, want %q", res.PlanFingerprint, p.Fingerprint())
	}
	if res.Request != "two steps" {
		t.Fatalf("request = %q", res.Request)
	}
	if res.RunID == "" {
		t.Fatalf("run id not generated")
	}
}

func TestRunDiamondFanOutFanIn(t *testing.T) {
	p := mustPlan(t, "diamond", []plan.Subtask{
		{ID: "a", Instructions: "root"},
		{ID: "b", Instructions: "left", DependsOn: []string{"a"}},
		{ID: "c", Instructions: "right", DependsOn: []string{"a"}},
		{ID: "d", Instructions: "join", DependsOn: []string{"b", "c"}},
	})
	rec := newPromptRecorder()
	obs := &recordingObserver{}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{rec.strategy()}, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	// The join gets both branch results in its declared order.
	dPrompt := rec.prompt("d")
	ib := strings.Index(dPrompt, "[Result from b]: out-b")
	ic := strings.Index(dPrompt, "[Result from c]: out-c")
	if ib < 0 || ic < 0 || ib > ic {
		t.Fatalf("d prompt sections wrong: %q", dPrompt)
	}

	// The join starts only after both branches finished.
	dStart := obs.index(EventSubtaskStarted, "d")
	bDone := obs.index(EventSubtaskFinished, "b")
	cDone := obs.index(EventSubtaskFinished, "c")
	if dStart < 0 || bDone < 0 || cDone < 0 {
		t.Fatalf("missing events: %v", obs.kinds())
	}
	if dStart < bDone || dStart < cDone {
		t.Fatalf("join started before branches finished: d@%d b@%d c@%d", dStart, bDone, cDone)
	}
}

func TestRunFailureSkipsDependentsTransitively(t *testing.T) {
	p := mustPlan(t, "cascade", []plan.Subtask{
		{ID: "a", Instructions: "will fail"},
		{ID: "b", Instructions: "needs a", DependsOn: []string{"a"}},
		{ID: "c", Instructions: "needs b", DependsOn: []string{"b"}},
	})
	failA := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		return "", errors.New("provider down")
	}}
	obs := &recordingObserver{}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{failA}, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	a := res.Outcomes["a"]
	if a.Kind != outcome.KindFailure || !a.Exhausted {
		t.Fatalf("a outcome = %+v, want exhausted failure", a)
	}
	b := res.Outcomes["b"]
	if b.Kind != outcome.KindSkipped || !strings.Contains(b.FailureReason, `"a"`) {
		t.Fatalf("b outcome = %+v, want skip naming a", b)
	}
	c := res.Outcomes["c"]
	if c.Kind != outcome.KindSkipped || !strings.Contains(c.FailureReason, `"b"`) {
		t.Fatalf("c outcome = %+v, want skip naming b", c)
	}
	if obs.index(EventSubtaskStarted, "b") != -1 {
		t.Fatalf("skipped subtask b was dispatched")
	}
	if !strings.HasPrefix(res.Output, "No subtask produced a result.") {
		t.Fatalf("output = %q, want degraded report", res.Output)
	}
}

func TestRunMixedOutcomesArePartial(t *testing.T) {
	p := mustPlan(t, "mixed", []plan.Subtask{
		{ID: "bad", Instructions: "x"},
		{ID: "good", Instructions: "y"},
	})
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		if work.SubtaskID == "bad" {
			return "", errors.New("boom")
		}
		return "fine", nil
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
}

func TestRunToleratedEdgeRunsWithMarker(t *testing.T) {
	p := mustPlan(t, "tolerant", []plan.Subtask{
		{ID: "a", Instructions: "will fail"},
		{ID: "b", Instructions: "best effort", DependsOn: []string{"a?"}},
	})
	rec := newPromptRecorder()
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		if work.SubtaskID == "a" {
			return "", errors.New("provider down")
		}
		rec.mu.Lock()
		rec.prompts[work.SubtaskID] = work.Prompt
		rec.mu.Unlock()
		return "partial answer", nil
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcomes["b"].Kind != outcome.KindSuccess {
		t.Fatalf("b outcome = %+v, want success", res.Outcomes["b"])
	}
	if !strings.Contains(rec.prompt("b"), "[Result from a]: (unavailable:") {
		t.Fatalf("b prompt = %q, want unavailability marker", rec.prompt("b"))
	}
	if res.Status != FinalPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
}

func TestRunConditionGatesExecution(t *testing.T) {
	p := mustPlan(t, "conditional", []plan.Subtask{
		{ID: "a", Instructions: "produce alpha"},
		{ID: "hit", Instructions: "runs", DependsOn: []string{"a"}, Condition: "a.result contains 'alpha'"},
		{ID: "miss", Instructions: "skipped", DependsOn: []string{"a"}, Condition: "a.result contains 'zeta'"},
	})
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		if work.SubtaskID == "a" {
			return "alpha beta", nil
		}
		return "ran", nil
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcomes["hit"].Kind != outcome.KindSuccess {
		t.Fatalf("hit = %+v, want success", res.Outcomes["hit"])
	}
	miss := res.Outcomes["miss"]
	if miss.Kind != outcome.KindSkipped || miss.FailureReason != "condition not met" {
		t.Fatalf("miss = %+v, want condition skip", miss)
	}
}

func TestRunUnparseableConditionRunsWithWarning(t *testing.T) {
	p := mustPlan(t, "garbled", []plan.Subtask{
		{ID: "a", Instructions: "go", Condition: "whenever the mood strikes"},
	})
	rec := newPromptRecorder()
	e, err := New(p, Options{AgentChain: []invoke.Strategy{rec.strategy()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcomes["a"].Kind != outcome.KindSuccess {
		t.Fatalf("a = %+v, want success despite garbled condition", res.Outcomes["a"])
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "unparseable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want unparseable condition warning", res.Warnings)
	}
}

func TestRunCancellationSettlesEverything(t *testing.T) {
	p := mustPlan(t, "cancel", []plan.Subtask{
		{ID: "a", Instructions: "x"},
		{ID: "b", Instructions: "y", DependsOn: []string{"a"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		cancel()
		return "", ctx.Err()
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatalf("result must be populated on cancellation")
	}
	if res.Status != FinalCanceled {
		t.Fatalf("status = %s, want canceled", res.Status)
	}
	if res.Outcomes["a"].Kind != outcome.KindCanceled {
		t.Fatalf("a = %+v, want canceled", res.Outcomes["a"])
	}
	if res.Outcomes["b"].Kind != outcome.KindCanceled {
		t.Fatalf("b = %+v, want canceled without dispatch", res.Outcomes["b"])
	}
}

func TestRunEmptyPlanSucceeds(t *testing.T) {
	p := mustPlan(t, "nothing to do", nil)
	obs := &recordingObserver{}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{}, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.Output != synth.NothingExecuted {
		t.Fatalf("output = %q, want %q", res.Output, synth.NothingExecuted)
	}
	want := []string{"run_started", "synthesis_started", "run_finished"}
	if strings.Join(obs.kinds(), ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", obs.kinds(), want)
	}
}

func TestRunEmptyAgentChainFailsEverySubtask(t *testing.T) {
	p := mustPlan(t, "no agents", []plan.Subtask{{ID: "a", Instructions: "x"}})
	e, err := New(p, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := res.Outcomes["a"]
	if a.Kind != outcome.KindFailure || !a.Exhausted || a.Attempts != 0 {
		t.Fatalf("a = %+v, want exhausted failure with zero attempts", a)
	}
	if res.Status != FinalFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
}

func TestRunSerializesWhenMaxParallelIsOne(t *testing.T) {
	p := mustPlan(t, "serial", []plan.Subtask{
		{ID: "a", Instructions: "x"},
		{ID: "b", Instructions: "y"},
		{ID: "c", Instructions: "z"},
	})
	var mu sync.Mutex
	running, peak := 0, 0
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}, MaxParallel: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

func TestRunIndependentSubtasksRunConcurrently(t *testing.T) {
	p := mustPlan(t, "parallel", []plan.Subtask{
		{ID: "a", Instructions: "x"},
		{ID: "b", Instructions: "y"},
	})
	var arrived sync.WaitGroup
	arrived.Add(2)
	allHere := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allHere)
	}()
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		arrived.Done()
		select {
		case <-allHere:
			return "met", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("rendezvous timeout: batch did not run in parallel")
		}
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}, MaxParallel: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success: %v", res.Status, res.Outcomes)
	}
}

func TestRunPanickingAgentBecomesFailure(t *testing.T) {
	p := mustPlan(t, "panic", []plan.Subtask{{ID: "a", Instructions: "x"}})
	agent := invoke.Func{StrategyName: "primary", Run: func(ctx context.Context, work invoke.UnitOfWork) (string, error) {
		panic("nil map write")
	}}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{agent}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := res.Outcomes["a"]
	if a.Kind != outcome.KindFailure || !strings.Contains(a.FailureReason, "panic") {
		t.Fatalf("a = %+v, want panic failure", a)
	}
}

func TestRunObserverPanicIsDisarmed(t *testing.T) {
	p := mustPlan(t, "bad observer", []plan.Subtask{{ID: "a", Instructions: "x"}})
	rec := newPromptRecorder()
	e, err := New(p, Options{
		AgentChain: []invoke.Strategy{rec.strategy()},
		Observer:   ObserverFunc(func(Event) { panic("observer bug") }),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success despite observer panic", res.Status)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "disarmed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want observer disarm warning", res.Warnings)
	}
}

func TestRunEventSequence(t *testing.T) {
	p := mustPlan(t, "events", []plan.Subtask{
		{ID: "a", Instructions: "x"},
		{ID: "b", Instructions: "y", DependsOn: []string{"a"}},
	})
	rec := newPromptRecorder()
	obs := &recordingObserver{}
	e, err := New(p, Options{AgentChain: []invoke.Strategy{rec.strategy()}, Observer: obs, RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := obs.kinds()
	if kinds[0] != "run_started" || kinds[len(kinds)-1] != "run_finished" {
		t.Fatalf("events = %v, want run_started first and run_finished last", kinds)
	}
	for _, want := range []struct {
		kind EventKind
		id   string
	}{
		{EventSubtaskStarted, "a"},
		{EventSubtaskFinished, "a"},
		{EventSubtaskStarted, "b"},
		{EventSubtaskFinished, "b"},
		{EventSynthesisStarted, ""},
	} {
		if obs.index(want.kind, want.id) < 0 {
			t.Fatalf("missing event %s/%s in %v", want.kind, want.id, kinds)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	seen := map[string]bool{}
	for _, ev := range obs.events {
		if ev.RunID != "run-fixed" {
			t.Fatalf("event run id = %q", ev.RunID)
		}
		if ev.ID == "" || seen[ev.ID] {
			t.Fatalf("event id %q missing or duplicated", ev.ID)
		}
		seen[ev.ID] = true
		if ev.At.IsZero() {
			t.Fatalf("event timestamp missing")
		}
	}
}

func TestNewRejectsNilPlan(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil plan")
	}
}

func TestRunTwiceIsAnError(t *testing.T) {
	p := mustPlan(t, "once", []plan.Subtask{{ID: "a", Instructions: "x"}})
	rec := newPromptRecorder()
	e, err := New(p, Options{AgentChain: []invoke.Strategy{rec.strategy()}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := e.Run(context.Background()); err == nil {
		t.Fatalf("second Run must fail")
	}
}

func TestRunWideFanOutDrains(t *testing.T) {
	subtasks := []plan.Subtask{{ID: "seed", Instructions: "root"}}
	for i := 0; i < 12; i++ {
		subtasks = append(subtasks, plan.Subtask{
			ID:           fmt.Sprintf("leaf%d", i),
			Instructions: "leaf",
			DependsOn:    []string{"seed"},
		})
	}
	rec := newPromptRecorder()
	e, err := New(mustPlan(t, "wide", subtasks), Options{AgentChain: []invoke.Strategy{rec.strategy()}, MaxParallel: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != FinalSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if len(res.Outcomes) != 13 {
		t.Fatalf("outcomes = %d, want 13", len(res.Outcomes))
	}
	for id, out := range res.Outcomes {
		if out.Kind != outcome.KindSuccess {
			t.Fatalf("%s = %+v, want success", id, out)
		}
	}
}
