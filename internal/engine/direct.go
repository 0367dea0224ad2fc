package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const (
	stepRetryAttempts = 3
	stepRetryBase     = 2 * time.Second
	stepRetryMax      = 30 * time.Second
)

// DirectStrategy chains the workflow steps in-process: analysis, costing,
// and template retrieval run sequentially, then both generation steps run
// concurrently. Throttled steps are retried with backoff; any other step
// failure aborts the chain.
type DirectStrategy struct {
	store   store.Store
	invoker *steps.Invoker
	logger  *slog.Logger
}

// NewDirectStrategy creates the in-process chaining strategy.
func NewDirectStrategy(st store.Store, invoker *steps.Invoker, logger *slog.Logger) *DirectStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectStrategy{store: st, invoker: invoker, logger: logger}
}

// invokeWithRetry runs one step, retrying only throttled failures.
func (s *DirectStrategy) invokeWithRetry(ctx context.Context, sessionID, name string) error {
	var err error
	for attempt := 1; attempt <= stepRetryAttempts; attempt++ {
		_, err = s.invoker.Invoke(ctx, name, steps.Input{SessionID: sessionID})
		if err == nil || !IsThrottlingError(err) {
			return err
		}
		if attempt == stepRetryAttempts {
			break
		}
		s.logger.WarnContext(ctx, "step throttled, backing off",
			"step", name, "attempt", attempt)
		if werr := WaitForBackoff(ctx, stepRetryBase, attempt, stepRetryMax); werr != nil {
			return werr
		}
	}
	return err
}

func (s *DirectStrategy) Name() string { return "direct" }

// Preflight has nothing to check: direct chaining needs no external agent.
func (s *DirectStrategy) Preflight(ctx context.Context) error { return nil }

func (s *DirectStrategy) Run(ctx context.Context, sess *store.Session) Outcome {
	for _, name := range []string{
		schema.StepAnalyzeRequirements,
		schema.StepCalculateCost,
		schema.StepRetrieveTemplates,
	} {
		s.markStage(ctx, sess.ID, name)
		if err := s.invokeWithRetry(ctx, sess.ID, name); err != nil {
			return stepFailure(name, err)
		}
	}

	// The generation steps are independent of each other; each appends
	// its own document URL as it finishes.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[string]error)
	)
	for _, name := range []string{schema.StepGenerateSlides, schema.StepGenerateDocument} {
		s.markStage(ctx, sess.ID, name)
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			if err := s.invokeWithRetry(ctx, sess.ID, step); err != nil {
				mu.Lock()
				errs[step] = err
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	for _, name := range []string{schema.StepGenerateSlides, schema.StepGenerateDocument} {
		if err := errs[name]; err != nil {
			return stepFailure(name, err)
		}
	}

	return Outcome{Status: schema.SessionStatusCompleted}
}

// markStage records the stage label and its progress value before a step
// runs. Failures here are logged but never abort the workflow.
func (s *DirectStrategy) markStage(ctx context.Context, sessionID, step string) {
	stage, ok := schema.StepStage[step]
	if !ok {
		return
	}
	progress := schema.StageProgress[stage]
	err := s.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		CurrentStage: &stage,
		Progress:     &progress,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to record stage",
			"stage", stage, "error", err)
	}
}

func stepFailure(step string, err error) Outcome {
	return Outcome{
		Status:  schema.SessionStatusError,
		Message: fmt.Sprintf("step %s failed: %v", step, err),
	}
}
