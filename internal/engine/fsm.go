package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// TransitionHook is invoked around a session status transition. A before
// hook returning an error aborts the transition; after hook errors are
// logged and discarded.
type TransitionHook func(ctx context.Context, sessionID string, from, to schema.SessionStatus) error

type hookKey struct {
	from schema.SessionStatus
	to   schema.SessionStatus
}

// SessionFSM validates session status transitions against the allowed
// transition table and runs registered hooks around each one.
type SessionFSM struct {
	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
	logger *slog.Logger
}

// NewSessionFSM creates an FSM with no hooks registered.
func NewSessionFSM(logger *slog.Logger) *SessionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
		logger: logger,
	}
}

// OnBefore registers a hook that runs before the given transition commits.
func (f *SessionFSM) OnBefore(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from: from, to: to}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook that runs after the given transition commits.
func (f *SessionFSM) OnAfter(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from: from, to: to}
	f.after[k] = append(f.after[k], hook)
}

// Transition checks that from -> to is allowed, then runs before hooks,
// logs the transition, and runs after hooks. It does not touch the store;
// callers persist the new status themselves once Transition succeeds.
func (f *SessionFSM) Transition(ctx context.Context, sessionID string, from, to schema.SessionStatus) error {
	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition from %s to %s", from, to).
			WithDetails(map[string]any{
				"session_id": sessionID,
				"from":       string(from),
				"to":         string(to),
			})
	}

	k := hookKey{from: from, to: to}

	f.mu.RLock()
	before := f.before[k]
	after := f.after[k]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, sessionID, from, to); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"before hook rejected transition from %s to %s", from, to).WithCause(err)
		}
	}

	f.logger.InfoContext(ctx, "session transition",
		"session_id", sessionID,
		"from", string(from),
		"to", string(to))

	for _, hook := range after {
		if err := hook(ctx, sessionID, from, to); err != nil {
			f.logger.WarnContext(ctx, "after hook failed",
				"session_id", sessionID,
				"from", string(from),
				"to", string(to),
				"error", err)
		}
	}

	return nil
}

func isValidSessionTransition(from, to schema.SessionStatus) bool {
	for _, allowed := range schema.ValidSessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
