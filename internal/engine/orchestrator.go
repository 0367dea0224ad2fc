package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bidcraft/bidcraft/internal/logging"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Outcome describes how a strategy finished. Status is always a terminal
// session status; Message carries the failure detail for ERROR outcomes.
type Outcome struct {
	Status  schema.SessionStatus
	Message string
}

// Strategy executes the proposal workflow for one session. Preflight runs
// before the session enters PROCESSING, so configuration failures surface
// as CONFIGURATION_ERROR without ever starting work.
type Strategy interface {
	Name() string
	Preflight(ctx context.Context) error
	Run(ctx context.Context, session *store.Session) Outcome
}

// Orchestrator owns the session lifecycle around a strategy: it moves the
// session into PROCESSING, runs the strategy, and records the terminal
// status. A session that enters Execute never remains in PROCESSING.
type Orchestrator struct {
	store    store.Store
	fsm      *SessionFSM
	strategy Strategy
	logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator around the given strategy.
func NewOrchestrator(st store.Store, strategy Strategy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		fsm:      NewSessionFSM(logger),
		strategy: strategy,
		logger:   logger,
	}
}

// FSM exposes the orchestrator's state machine for hook registration.
func (o *Orchestrator) FSM() *SessionFSM {
	return o.fsm
}

// Execute drives one session from PENDING to a terminal status. It is
// safe to call with an already-terminal session (the call is a no-op),
// and it recovers panics from the strategy, recording them as ERROR.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string) (err error) {
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithStrategy(ctx, o.strategy.Name())

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case schema.SessionStatusPending:
		// Fresh session, proceed.
	case schema.SessionStatusProcessing:
		o.logger.WarnContext(ctx, "session already processing, skipping duplicate execution")
		return nil
	default:
		o.logger.WarnContext(ctx, "session already terminal, skipping execution",
			"status", string(sess.Status))
		return nil
	}

	if perr := o.strategy.Preflight(ctx); perr != nil {
		status := schema.SessionStatusError
		var be *schema.BidcraftError
		if errors.As(perr, &be) && be.Code == schema.ErrCodeConfiguration {
			status = schema.SessionStatusConfigError
		}
		return o.finalize(ctx, sessionID, sess.Status, Outcome{
			Status:  status,
			Message: perr.Error(),
		})
	}

	if terr := o.fsm.Transition(ctx, sessionID, sess.Status, schema.SessionStatusProcessing); terr != nil {
		return terr
	}
	processing := schema.SessionStatusProcessing
	if uerr := o.store.UpdateSession(ctx, sessionID, store.SessionUpdate{Status: &processing}); uerr != nil {
		return uerr
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "strategy panicked", "panic", r)
			err = o.finalize(ctx, sessionID, schema.SessionStatusProcessing, Outcome{
				Status:  schema.SessionStatusError,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	outcome := o.strategy.Run(ctx, sess)
	return o.finalize(ctx, sessionID, schema.SessionStatusProcessing, outcome)
}

// finalize records the terminal status for a session.
func (o *Orchestrator) finalize(ctx context.Context, sessionID string, from schema.SessionStatus, outcome Outcome) error {
	if terr := o.fsm.Transition(ctx, sessionID, from, outcome.Status); terr != nil {
		return terr
	}

	update := store.SessionUpdate{Status: &outcome.Status}
	if outcome.Status == schema.SessionStatusCompleted {
		progress := 100
		update.Progress = &progress
	}
	if outcome.Message != "" {
		update.ErrorMessage = &outcome.Message
	}
	if uerr := o.store.UpdateSession(ctx, sessionID, update); uerr != nil {
		return uerr
	}

	if outcome.Status == schema.SessionStatusError || outcome.Status == schema.SessionStatusConfigError {
		o.logger.ErrorContext(ctx, "session failed",
			"status", string(outcome.Status),
			"reason", outcome.Message)
		return nil
	}
	o.logger.InfoContext(ctx, "session finished", "status", string(outcome.Status))
	return nil
}
