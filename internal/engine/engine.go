// Package engine schedules a validated plan to completion: it dispatches
// every subtask whose dependencies have settled, fans batches out across a
// bounded worker pool, propagates skips through the graph, and hands the
// surviving results to the synthesizer. A run always drains; subtask
// failures are recorded outcomes, never engine errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	rdebug "runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eferist/weft/internal/cond"
	"github.com/eferist/weft/internal/invoke"
	"github.com/eferist/weft/internal/outcome"
	"github.com/eferist/weft/internal/plan"
	"github.com/eferist/weft/internal/propagate"
	"github.com/eferist/weft/internal/synth"
)

// Resolver turns a subtask's declared capability names into concrete handles.
type Resolver interface {
	Resolve(names []string) ([]invoke.Capability, error)
}

type noCapabilities struct{}

func (noCapabilities) Resolve([]string) ([]invoke.Capability, error) { return nil, nil }

type Options struct {
	// RunID is a globally unique identifier. If empty, one is generated (ULID).
	RunID string

	// AgentChain executes subtasks, SynthesizerChain composes the final
	// answer. An empty agent chain is legal and fails every subtask with an
	// exhausted outcome; an empty synthesizer chain means mechanical
	// composition only.
	AgentChain       []invoke.Strategy
	SynthesizerChain []invoke.Strategy

	// Resolver maps capability names to handles. Nil resolves everything to
	// no capabilities.
	Resolver Resolver

	// Observer receives progress events. Nil means no events.
	Observer Observer

	// Backoff paces strategy fallback within one subtask.
	Backoff invoke.BackoffConfig

	// MaxParallel bounds concurrent subtask execution. Defaults to 4.
	MaxParallel int
}

func (o *Options) applyDefaults() {
	if o.RunID == "" {
		o.RunID = ulid.Make().String()
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	o.Backoff = o.Backoff.Normalize()
	if o.Resolver == nil {
		o.Resolver = noCapabilities{}
	}
}

// Engine executes one plan once.
type Engine struct {
	plan    *plan.Plan
	opts    Options
	invoker *invoke.Invoker
	state   *executionState

	warningsMu sync.Mutex
	warnings   []string

	emitMu           sync.Mutex
	observerDisarmed bool

	runMu sync.Mutex
	ran   bool
}

// New binds a plan to run options. The plan is revalidated here: a run must
// never start on a malformed graph, whatever path produced it.
func New(p *plan.Plan, opts Options) (*Engine, error) {
	if p == nil {
		return nil, errors.New("engine: nil plan")
	}
	if err := plan.ValidateOrError(p.Subtasks()); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	opts.applyDefaults()
	return &Engine{
		plan:    p,
		opts:    opts,
		invoker: &invoke.Invoker{Backoff: opts.Backoff},
		state:   newExecutionState(p),
	}, nil
}

// Warn records a non-fatal observation surfaced in the run result.
func (e *Engine) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
}

func (e *Engine) warningsCopy() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.warnings...)
}

// FinalStatus summarizes a whole run.
type FinalStatus string

const (
	FinalSuccess  FinalStatus = "success"
	FinalPartial  FinalStatus = "partial"
	FinalFailed   FinalStatus = "failed"
	FinalCanceled FinalStatus = "canceled"
)

type RunResult struct {
	RunID           string
	PlanFingerprint string
	Request         string
	Status          FinalStatus
	Output          string
	Outcomes        map[string]outcome.Outcome
	Warnings        []string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Run drains the plan and composes the final output. It returns a non-nil
// error only for context cancellation; the result is populated either way,
// with whatever settled before the run stopped.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	e.runMu.Lock()
	if e.ran {
		e.runMu.Unlock()
		return nil, errors.New("engine: Run called twice")
	}
	e.ran = true
	e.runMu.Unlock()

	started := time.Now().UTC()
	e.emit(EventRunStarted, "", map[string]any{
		"fingerprint": e.plan.Fingerprint(),
		"subtasks":    e.plan.Len(),
	})

	e.drain(ctx)

	results := e.state.resultsCopy()
	succeeded, failed, skipped, canceled := e.state.counts()
	e.emit(EventSynthesisStarted, "", map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
		"canceled":  canceled,
	})
	composer := &synth.Synthesizer{Chain: e.opts.SynthesizerChain, Invoker: e.invoker}
	output, synthWarnings := composer.Compose(ctx, e.plan, results)
	for _, w := range synthWarnings {
		e.Warn(w)
	}

	status := finalStatus(e.plan.Len(), succeeded, failed, canceled, ctx.Err() != nil)
	res := &RunResult{
		RunID:           e.opts.RunID,
		PlanFingerprint: e.plan.Fingerprint(),
		Request:         e.plan.Request(),
		Status:          status,
		Output:          output,
		Outcomes:        results,
		Warnings:        e.warningsCopy(),
		StartedAt:       started,
		FinishedAt:      time.Now().UTC(),
	}
	e.emit(EventRunFinished, "", map[string]any{
		"status":       string(status),
		"output_chars": len(output),
		"warnings":     len(res.Warnings),
	})
	return res, ctx.Err()
}

// drain loops until every subtask is terminal: collect the ready set, run it
// as one bounded-parallel batch, repeat. Skips settle inside collectReady, so
// a plan with n subtasks needs at most n passes.
func (e *Engine) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			e.cancelRemaining(ctx.Err())
			return
		}
		batch := e.collectReady()
		if len(batch) == 0 {
			if e.state.allTerminal() {
				return
			}
			// Pending subtasks with no runnable ancestor mean a cycle got
			// past validation. Fail them rather than spin.
			e.breakDeadlock()
			return
		}
		e.runBatch(ctx, batch)
	}
}

type depBlock struct {
	depID  string
	kind   outcome.Kind
	reason string
}

// collectReady returns every pending subtask whose dependencies all
// succeeded (or failed on tolerated edges) and whose condition holds.
// Subtasks blocked by a failed or skipped dependency are skipped here, and
// the scan restarts so skips cascade through the graph before any dispatch.
func (e *Engine) collectReady() []plan.Subtask {
	for {
		skippedAny := false
		ready := []plan.Subtask{}
		results := e.state.resultsCopy()
		for _, id := range e.state.pendingIDs() {
			sub, ok := e.plan.Subtask(id)
			if !ok {
				continue
			}
			block, waiting := blockingDep(sub, results)
			if block != nil {
				e.skip(sub.ID, fmt.Sprintf("dependency %q ended %s: %s", block.depID, block.kind, block.reason))
				skippedAny = true
				continue
			}
			if waiting {
				continue
			}
			if sub.Condition != "" {
				run, err := cond.Evaluate(sub.Condition, results)
				if err != nil {
					e.Warn(fmt.Sprintf("subtask %q: condition %q is unparseable, running anyway: %v", sub.ID, sub.Condition, err))
				}
				if !run {
					e.skip(sub.ID, "condition not met")
					skippedAny = true
					continue
				}
			}
			ready = append(ready, sub)
		}
		if skippedAny {
			continue
		}
		return ready
	}
}

// blockingDep reports the first dependency that rules sub out, or whether it
// is still waiting on unfinished dependencies. A failed or skipped dependency
// blocks immediately even while sibling dependencies are unfinished.
func blockingDep(sub plan.Subtask, results map[string]outcome.Outcome) (*depBlock, bool) {
	waiting := false
	for _, dep := range sub.Deps() {
		out, done := results[dep.ID]
		if !done {
			waiting = true
			continue
		}
		if !out.Succeeded() && !dep.Tolerated {
			return &depBlock{depID: dep.ID, kind: out.Kind, reason: out.FailureReason}, false
		}
	}
	return nil, waiting
}

func (e *Engine) skip(id, reason string) {
	out := outcome.Skip(id, reason)
	if err := e.state.complete(out); err != nil {
		e.Warn(err.Error())
		return
	}
	e.emit(EventSubtaskSkipped, id, map[string]any{
		"reason": reason,
		"kind":   string(outcome.KindSkipped),
	})
}

// runBatch executes one ready set through a worker pool and returns once
// every member has a recorded outcome.
func (e *Engine) runBatch(ctx context.Context, batch []plan.Subtask) {
	jobs := make(chan plan.Subtask)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for sub := range jobs {
			e.state.markRunning(sub.ID)
			e.emit(EventSubtaskStarted, sub.ID, map[string]any{
				"capabilities": sub.Capabilities,
				"depends_on":   sub.DependsOn,
			})
			out := e.executeSubtask(ctx, sub)
			if err := e.state.complete(out); err != nil {
				e.Warn(err.Error())
				continue
			}
			e.emit(EventSubtaskFinished, sub.ID, map[string]any{
				"kind":           string(out.Kind),
				"strategy":       out.Strategy,
				"attempts":       out.Attempts,
				"exhausted":      out.Exhausted,
				"output_chars":   len(out.Output),
				"failure_reason": out.FailureReason,
			})
		}
	}

	workers := e.opts.MaxParallel
	if workers > len(batch) {
		workers = len(batch)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for _, sub := range batch {
		jobs <- sub
	}
	close(jobs)
	wg.Wait()
}

// executeSubtask produces exactly one outcome and never panics outward.
func (e *Engine) executeSubtask(ctx context.Context, sub plan.Subtask) (out outcome.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome.Failure(sub.ID, fmt.Sprintf("subtask panic: %v\n%s", r, rdebug.Stack()), 0, false)
		}
	}()

	prompt, err := propagate.Augment(sub, e.state.resultsCopy())
	if err != nil {
		var depErr *propagate.DependencyError
		if errors.As(err, &depErr) {
			return outcome.Skip(sub.ID, err.Error())
		}
		return outcome.Failure(sub.ID, err.Error(), 0, false)
	}

	caps, err := e.opts.Resolver.Resolve(sub.Capabilities)
	if err != nil {
		return outcome.Failure(sub.ID, fmt.Sprintf("resolve capabilities: %v", err), 0, false)
	}

	work := invoke.UnitOfWork{SubtaskID: sub.ID, Prompt: prompt, Capabilities: caps}
	return e.invoker.Invoke(ctx, work, e.opts.AgentChain)
}

// cancelRemaining settles every not-yet-dispatched subtask as canceled so the
// run result accounts for the whole plan.
func (e *Engine) cancelRemaining(cause error) {
	for _, id := range e.state.pendingIDs() {
		out := outcome.Canceled(id, fmt.Sprintf("run canceled before start: %v", cause))
		if err := e.state.complete(out); err != nil {
			e.Warn(err.Error())
			continue
		}
		e.emit(EventSubtaskSkipped, id, map[string]any{
			"reason": out.FailureReason,
			"kind":   string(outcome.KindCanceled),
		})
	}
}

func (e *Engine) breakDeadlock() {
	for _, id := range e.state.pendingIDs() {
		e.Warn(fmt.Sprintf("subtask %q: dependencies can never complete", id))
		out := outcome.Failure(id, "dependency deadlock", 0, false)
		if err := e.state.complete(out); err != nil {
			e.Warn(err.Error())
			continue
		}
		e.emit(EventSubtaskFinished, id, map[string]any{
			"kind":           string(outcome.KindFailure),
			"failure_reason": out.FailureReason,
		})
	}
}

func finalStatus(total, succeeded, failed, canceled int, ctxCanceled bool) FinalStatus {
	switch {
	case ctxCanceled || canceled > 0:
		return FinalCanceled
	case total == 0 || succeeded == total:
		return FinalSuccess
	case succeeded == 0 && failed > 0:
		return FinalFailed
	default:
		return FinalPartial
	}
}
