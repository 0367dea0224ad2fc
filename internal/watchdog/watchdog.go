package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

const (
	// DefaultSchedule sweeps once a minute.
	DefaultSchedule = "* * * * *"
	// DefaultMaxAge is how long a session may sit in PROCESSING before
	// the watchdog declares it abandoned.
	DefaultMaxAge = 30 * time.Minute
)

// Watchdog sweeps for sessions stuck in PROCESSING. A crashed worker
// leaves its session mid-flight forever; the watchdog moves such
// sessions to ERROR so clients stop polling a dead run.
type Watchdog struct {
	store    store.Store
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watchdog with the given cron sweep schedule (standard
// five-field syntax) and stale threshold. Zero maxAge gets the default.
func New(st store.Store, scheduleExpr string, maxAge time.Duration, logger *slog.Logger) (*Watchdog, error) {
	if scheduleExpr == "" {
		scheduleExpr = DefaultSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse watchdog schedule %q: %w", scheduleExpr, err)
	}

	return &Watchdog{
		store:    st,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}, nil
}

// Start launches the background sweep loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(loopCtx)
	w.logger.Info("watchdog started", "max_age", w.maxAge)
	return nil
}

// Stop shuts the sweep loop down and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	// Sweep once on startup to catch sessions orphaned by a restart.
	if n, err := w.Sweep(ctx); err != nil {
		w.logger.Error("startup sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("startup sweep reaped sessions", "count", n)
	}

	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Error("sweep failed", "error", err)
		}
	}
}

// Sweep marks every session that has been PROCESSING longer than maxAge
// as ERROR. It returns how many sessions were reaped.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-w.maxAge)
	stale, err := w.store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	reaped := 0
	for _, sess := range stale {
		sessionID := sess.ID
		status := schema.SessionStatusError
		msg := fmt.Sprintf("processing timed out after %s", w.maxAge)
		uerr := w.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
			Status:       &status,
			ErrorMessage: &msg,
		})
		if uerr != nil {
			// A worker may have finished between listing and updating;
			// the terminal guard rejects the write and we move on.
			w.logger.Warn("failed to reap stale session",
				"session_id", sessionID, "error", uerr)
			continue
		}
		w.logger.Warn("reaped stale session", "session_id", sessionID)
		reaped++
	}
	return reaped, nil
}
