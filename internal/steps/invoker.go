package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bidcraft/bidcraft/internal/llm"
	"github.com/bidcraft/bidcraft/internal/logging"
	"github.com/bidcraft/bidcraft/internal/validation"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Invoker looks up steps, validates their payloads and executes them,
// normalizing every failure into a BidcraftError so callers can
// distinguish missing steps, bad payloads, throttling and internal
// step failures.
type Invoker struct {
	registry  *Registry
	validator *validation.Validator
	logger    *slog.Logger
	observe   func(step string, d time.Duration)
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithDurationObserver registers a callback fired with the wall-clock
// duration of every completed step execution.
func WithDurationObserver(fn func(step string, d time.Duration)) InvokerOption {
	return func(inv *Invoker) { inv.observe = fn }
}

// NewInvoker creates an Invoker over the given registry.
func NewInvoker(registry *Registry, validator *validation.Validator, logger *slog.Logger, opts ...InvokerOption) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invoker{
		registry:  registry,
		validator: validator,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke executes the named step. A missing step is fatal for the
// workflow; a throttled failure is retryable by the caller.
func (inv *Invoker) Invoke(ctx context.Context, name string, input Input) (*Output, error) {
	step, err := inv.registry.Get(name)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithStep(ctx, name)

	if s := step.Schema(); len(s.InputSchema) > 0 && inv.validator != nil {
		params := input.Params
		if params == nil {
			params = map[string]any{}
		}
		params["session_id"] = input.SessionID
		if err := inv.validator.ValidatePayload(params, s.InputSchema); err != nil {
			return nil, wrapStepError(err, name)
		}
	}

	start := time.Now()
	out, err := step.Execute(ctx, input)
	if inv.observe != nil {
		inv.observe(name, time.Since(start))
	}
	if err != nil {
		inv.logger.ErrorContext(ctx, "step failed",
			"step", name,
			"duration", time.Since(start),
			"error", err)
		return nil, wrapStepError(err, name)
	}

	inv.logger.InfoContext(ctx, "step completed",
		"step", name,
		"duration", time.Since(start))
	return out, nil
}

// wrapStepError normalizes any step failure into a BidcraftError tagged
// with the step name.
func wrapStepError(err error, step string) *schema.BidcraftError {
	var bErr *schema.BidcraftError
	if errors.As(err, &bErr) {
		if bErr.Step == "" {
			bErr = bErr.WithStep(step)
		}
		return bErr
	}
	if llm.IsThrottled(err) {
		return schema.NewError(schema.ErrCodeThrottled, err.Error()).WithStep(step).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(step).WithCause(err)
}
