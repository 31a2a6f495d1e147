// Package invoke runs one unit of work against an ordered chain of
// alternative execution strategies, converting every outcome, including total
// exhaustion, into a value the scheduler can record.
package invoke

import (
	"context"
	"fmt"
	rdebug "runtime/debug"
	"time"

	"github.com/eferist/weft/internal/llmerr"
	"github.com/eferist/weft/internal/outcome"
)

// Capability is a resolved external tool handle passed through to strategies.
// The engine never calls these itself.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, request string) (string, error)
}

// UnitOfWork is everything a strategy needs to attempt one subtask.
type UnitOfWork struct {
	SubtaskID    string
	Prompt       string
	Capabilities []Capability
}

// Strategy is one interchangeable way to execute a unit of work. Strategies
// in a chain share this contract and are tried strictly in order.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, work UnitOfWork) (string, error)
}

// Func adapts a closure into a Strategy.
type Func struct {
	StrategyName string
	Run          func(ctx context.Context, work UnitOfWork) (string, error)
}

func (f Func) Name() string { return f.StrategyName }

func (f Func) Execute(ctx context.Context, work UnitOfWork) (string, error) {
	return f.Run(ctx, work)
}

// Invoker holds the per-chain policy knobs. The zero value advances through
// the chain with no delay between attempts. Invoker carries no per-call
// state; one instance is safe for any number of concurrent Invoke calls.
type Invoker struct {
	// Backoff configures the optional delay before each successive strategy.
	// The default (zero InitialDelayMS) means immediate advance; a rate-limit
	// error's retry-after hint is honored either way, capped by MaxDelayMS.
	Backoff BackoffConfig

	// sleep is a test seam; nil means sleepWithContext.
	sleep func(ctx context.Context, d time.Duration) error
}

// Invoke tries each strategy in order until one returns a value. Failures
// advance the chain; context cancellation aborts it with a canceled outcome.
// The returned Outcome is always usable: exhaustion is a failure value
// carrying the last error, never a raised error.
func (iv *Invoker) Invoke(ctx context.Context, work UnitOfWork, chain []Strategy) outcome.Outcome {
	if len(chain) == 0 {
		return outcome.Failure(work.SubtaskID, "no strategies configured", 0, true)
	}

	sleep := iv.sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for i, s := range chain {
		if err := ctx.Err(); err != nil {
			return outcome.Canceled(work.SubtaskID, cancelReason(err, i))
		}
		if i > 0 {
			d := iv.delayBeforeAttempt(i, work.SubtaskID, s.Name(), lastErr)
			if err := sleep(ctx, d); err != nil {
				return outcome.Canceled(work.SubtaskID, cancelReason(err, i))
			}
		}

		out, err := executeStrategy(ctx, s, work)
		if err == nil {
			return outcome.Success(work.SubtaskID, out, s.Name(), i+1)
		}
		if llmerr.IsCancellation(err) || ctx.Err() != nil {
			return outcome.Canceled(work.SubtaskID, cancelReason(err, i+1))
		}
		lastErr = fmt.Errorf("%s: %w", s.Name(), err)
	}

	return outcome.Failure(work.SubtaskID, lastErr.Error(), len(chain), true)
}

// executeStrategy isolates a single attempt so a panicking strategy becomes
// an ordinary failed attempt instead of taking down the whole run.
func executeStrategy(ctx context.Context, s Strategy, work UnitOfWork) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v\n%s", r, rdebug.Stack())
		}
	}()
	return s.Execute(ctx, work)
}

func (iv *Invoker) delayBeforeAttempt(attempt int, subtaskID, strategyName string, lastErr error) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", subtaskID, strategyName, attempt)
	d := DelayForAttempt(attempt, iv.Backoff, seed)
	if hint := llmerr.HintedDelay(lastErr); hint != nil && *hint > d {
		d = *hint
		if limit := time.Duration(iv.Backoff.MaxDelayMS) * time.Millisecond; limit > 0 && d > limit {
			d = limit
		}
	}
	return d
}

func cancelReason(err error, attempts int) string {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Sprintf("canceled after %d attempt(s): %v", attempts, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
