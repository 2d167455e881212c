// Package llm wraps model collaborators with rate limiting, retry, and
// instrumentation. The engine never calls a Model directly; every
// invocation goes through an Invoker.
package llm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/drover-dev/drover/agent"
	"github.com/drover-dev/drover/internal/observability"
	metrics "github.com/drover-dev/drover/pkg/observability"
)

const defaultMaxRetries = 2

// Invoker executes model calls with a bounded retry loop. Failures are
// classified into the engine taxonomy; recoverable ones are retried with
// exponential backoff (or the provider's retry-after hint), everything
// else fails fast.
type Invoker struct {
	model   agent.Model
	name    string
	retries int
	limiter *rate.Limiter

	// backoff is swapped out in tests to avoid real sleeps.
	backoff func(attempt int, retryAfter time.Duration) time.Duration
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithMaxRetries sets how many extra attempts follow a recoverable
// failure. Zero disables retrying; negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(i *Invoker) {
		if n < 0 {
			n = 0
		}
		i.retries = n
	}
}

// WithRateLimit applies a client-side QPS cap across all calls through
// this Invoker.
func WithRateLimit(rps float64, burst int) Option {
	return func(i *Invoker) {
		if rps > 0 && burst > 0 {
			i.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLimiter shares an existing limiter, letting several invokers drain
// one provider quota.
func WithLimiter(l *rate.Limiter) Option {
	return func(i *Invoker) {
		i.limiter = l
	}
}

// WithName sets the label used for spans and metrics when the request
// does not name a model.
func WithName(name string) Option {
	return func(i *Invoker) {
		i.name = name
	}
}

// New wraps a model. The Invoker itself implements agent.Model, so it can
// stand wherever a bare model is expected.
func New(model agent.Model, opts ...Option) *Invoker {
	inv := &Invoker{
		model:   model,
		name:    "default",
		retries: defaultMaxRetries,
		backoff: agent.Backoff,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Chat implements agent.Model by delegating to Invoke.
func (i *Invoker) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	return i.Invoke(ctx, req)
}

// Invoke runs one model call with retries. The first attempt plus up to
// the configured number of extra attempts; only recoverable failures are
// retried. A context deadline expiring mid-call means the run's time
// budget is gone and surfaces as EXECUTION_TIMEOUT.
func (i *Invoker) Invoke(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	label := req.Model
	if label == "" {
		label = i.name
	}

	ctx, span := observability.StartSpan(ctx, "model.invoke", map[string]any{
		"llm.model":          label,
		"llm.messages_count": len(req.Messages),
		"llm.tools_count":    len(req.Tools),
	})
	defer span.End()

	attempts := i.retries + 1
	var lastErr *agent.Error

	for attempt := 1; attempt <= attempts; attempt++ {
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				failure := i.limiterError(ctx, err)
				span.SetError(failure)
				return nil, failure
			}
		}

		start := time.Now()
		resp, err := i.model.Chat(ctx, req)
		elapsed := time.Since(start)

		if err == nil {
			metrics.RecordModelCall(label, "ok", elapsed)
			span.SetAttribute("llm.attempts", attempt)
			span.SetAttribute("llm.usage.total_tokens", resp.Usage.TotalTokens)
			span.SetAttribute("llm.finish_reason", resp.FinishReason)
			return resp, nil
		}

		metrics.RecordModelCall(label, "error", elapsed)

		if ctxErr := ctx.Err(); ctxErr != nil {
			failure := i.deadlineError(ctx, err)
			span.SetError(failure)
			return nil, failure
		}

		classified := agent.Classify(err, agent.SiteModel)
		if !classified.Recoverable {
			span.SetError(classified)
			return nil, classified
		}

		lastErr = classified
		if attempt == attempts {
			break
		}

		metrics.RecordModelRetry(string(classified.Code))
		delay := i.backoff(attempt, classified.RetryAfter)
		span.SetAttribute("llm.retry_delay_ms", delay.Milliseconds())

		select {
		case <-ctx.Done():
			failure := i.deadlineError(ctx, ctx.Err())
			span.SetError(failure)
			return nil, failure
		case <-time.After(delay):
		}
	}

	span.SetError(lastErr)
	span.SetAttribute("llm.attempts", attempts)
	return nil, lastErr
}

// deadlineError distinguishes the run's time budget expiring from an
// external cancellation. Deadlines become EXECUTION_TIMEOUT; plain
// cancellation propagates untouched so callers can tell the two apart.
func (i *Invoker) deadlineError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return agent.WrapError(agent.CodeExecutionTimeout, cause, "execution timed out waiting on model %s", i.name)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return agent.Classify(cause, agent.SiteModel)
}

// limiterError maps a failed limiter wait. The limiter refuses a wait
// that cannot fit inside the deadline, so any non-cancellation failure
// means the time budget is already spent.
func (i *Invoker) limiterError(ctx context.Context, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return agent.WrapError(agent.CodeExecutionTimeout, cause, "execution timed out on rate limit for model %s", i.name)
}
