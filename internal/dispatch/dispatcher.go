package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bidcraft/bidcraft/internal/engine"
	"github.com/bidcraft/bidcraft/internal/metrics"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// defaultEnqueueTimeout bounds how long a submission may wait for a pool
// slot. Accepting a session is part of the request path, so it has to
// resolve quickly one way or the other.
const defaultEnqueueTimeout = 500 * time.Millisecond

// Dispatcher is the boundary between accepting a session and processing
// it. Scheduling failures are not silent: the session is marked ERROR so
// clients polling for status never wait on work that will not happen.
type Dispatcher struct {
	pool           *Pool
	store          store.Store
	orchestrator   *engine.Orchestrator
	metrics        *metrics.Metrics
	logger         *slog.Logger
	enqueueTimeout time.Duration
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(st store.Store, orch *engine.Orchestrator, workers int, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:           NewPool(workers),
		store:          st,
		orchestrator:   orch,
		metrics:        m,
		logger:         logger,
		enqueueTimeout: defaultEnqueueTimeout,
	}
}

// Dispatch schedules background processing for a session. If the session
// cannot be scheduled, it is marked ERROR and a DISPATCH_FAILED error is
// returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) error {
	enqueueCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()

	err := d.pool.Submit(enqueueCtx, func(runCtx context.Context) error {
		return d.run(runCtx, sessionID)
	})
	if err != nil {
		d.markDispatchFailed(ctx, sessionID, err)
		return schema.NewErrorf(schema.ErrCodeDispatch,
			"failed to schedule background processing for session %s", sessionID).WithCause(err)
	}

	if d.metrics != nil {
		d.metrics.SessionsStarted.Inc()
	}
	return nil
}

// Shutdown stops accepting sessions and waits for in-flight work.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}

// Stats exposes the pool counters.
func (d *Dispatcher) Stats() PoolStats {
	return d.pool.Stats()
}

func (d *Dispatcher) run(ctx context.Context, sessionID string) error {
	if d.metrics != nil {
		d.metrics.ActiveSessions.Inc()
		defer d.metrics.ActiveSessions.Dec()
	}

	err := d.orchestrator.Execute(ctx, sessionID)
	if err != nil {
		// The orchestrator records step failures itself; an error here
		// means the lifecycle machinery broke, so mark the session
		// failed directly before giving up.
		d.logger.Error("session execution failed outside the workflow",
			"session_id", sessionID, "error", err)
		d.markDispatchFailed(ctx, sessionID, err)
		return err
	}

	if d.metrics != nil {
		if sess, gerr := d.store.GetSession(ctx, sessionID); gerr == nil {
			d.metrics.SessionsFinished.WithLabelValues(string(sess.Status)).Inc()
		}
	}
	return nil
}

// markDispatchFailed moves a session to ERROR with a scheduling failure
// message. Best effort: a session already terminal stays as it is.
func (d *Dispatcher) markDispatchFailed(ctx context.Context, sessionID string, cause error) {
	if d.metrics != nil {
		d.metrics.DispatchFailures.Inc()
	}

	status := schema.SessionStatusError
	msg := fmt.Sprintf("failed to start background processing: %v", cause)
	uerr := d.store.UpdateSession(context.WithoutCancel(ctx), sessionID, store.SessionUpdate{
		Status:       &status,
		ErrorMessage: &msg,
	})
	if uerr != nil && !store.IsNotFound(uerr) {
		d.logger.Error("failed to mark session after dispatch failure",
			"session_id", sessionID, "error", uerr)
	}
}
