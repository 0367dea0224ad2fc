package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Outcome is the reader's verdict on a consumed stream.
type Outcome int

const (
	// OutcomeCompleted means the stream ended with a completion signal
	// (or exhausted cleanly). The orchestrator still reconciles against
	// produced artifacts before trusting it.
	OutcomeCompleted Outcome = iota
	// OutcomeAwaitingInput means the planner stopped to ask for user
	// input. Distinct from both success and failure.
	OutcomeAwaitingInput
	// OutcomeStreamFailed means the stream reported or suffered an
	// unrecoverable error.
	OutcomeStreamFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAwaitingInput:
		return "awaiting_input"
	case OutcomeStreamFailed:
		return "stream_failed"
	default:
		return "unknown"
	}
}

// Reader consumes a planner event stream, classifies each event,
// updates session progress on tool announcements and flushes the event
// log in batches to respect the store's write-rate limits.
type Reader struct {
	store      store.Store
	classifier *Classifier
	logger     *slog.Logger

	// FlushInterval bounds how often buffered events are written.
	FlushInterval time.Duration
	// WarningPause is how long the reader sleeps after a throttling
	// warning before continuing.
	WarningPause time.Duration
}

// NewReader builds a Reader with the default flush and pause intervals.
func NewReader(st store.Store, classifier *Classifier, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		store:         st,
		classifier:    classifier,
		logger:        logger,
		FlushInterval: time.Second,
		WarningPause:  2 * time.Second,
	}
}

// Consume reads the stream to exhaustion or terminal signal. Buffered
// events are flushed at most once per FlushInterval and once at stream
// end, so N rapidly-arriving events inside one interval produce exactly
// one store write carrying all N in arrival order.
func (r *Reader) Consume(ctx context.Context, sessionID string, stream EventStream) (Outcome, error) {
	defer stream.Close()

	var buffer []schema.AgentEvent
	lastFlush := time.Now()

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := r.store.AppendEvents(ctx, sessionID, buffer); err != nil {
			return err
		}
		buffer = buffer[:0]
		lastFlush = time.Now()
		return nil
	}

	for {
		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			if ferr := flush(); ferr != nil {
				return OutcomeStreamFailed, ferr
			}
			return OutcomeCompleted, nil
		}
		if err != nil {
			// Flush what we saw before surfacing the failure; the
			// partial log is still useful for debugging.
			if ferr := flush(); ferr != nil {
				r.logger.Warn("flush after stream failure also failed",
					"session_id", sessionID, "error", ferr)
			}
			return OutcomeStreamFailed, err
		}

		ev := r.classifier.Classify(raw)
		buffer = append(buffer, ev)

		switch ev.Kind {
		case schema.EventToolCall:
			r.markStage(ctx, sessionID, ev.Tool)

		case schema.EventWarning:
			r.logger.InfoContext(ctx, "planner throttling warning, pausing",
				"session_id", sessionID, "pause", r.WarningPause)
			select {
			case <-ctx.Done():
				return OutcomeStreamFailed, ctx.Err()
			case <-time.After(r.WarningPause):
			}

		case schema.EventTerminal:
			if err := flush(); err != nil {
				return OutcomeStreamFailed, err
			}
			if ev.Reason == schema.TerminalAwaitingInput {
				return OutcomeAwaitingInput, nil
			}
			return OutcomeCompleted, nil

		case schema.EventStreamError:
			if err := flush(); err != nil {
				r.logger.Warn("flush after stream error also failed",
					"session_id", sessionID, "error", err)
			}
			return OutcomeStreamFailed, schema.NewErrorf(schema.ErrCodeStream,
				"planner reported stream error: %s", ev.Text)
		}

		if time.Since(lastFlush) >= r.FlushInterval {
			if err := flush(); err != nil {
				return OutcomeStreamFailed, err
			}
		}
	}
}

// markStage updates the session's visible stage and progress when the
// planner announces a tool. Unknown tools get an incremental estimate;
// the store keeps progress monotonic either way.
func (r *Reader) markStage(ctx context.Context, sessionID, tool string) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		r.logger.Warn("stage update read failed", "session_id", sessionID, "error", err)
		return
	}

	stage := schema.StepStage[tool]
	if stage == "" {
		stage = tool
	}
	progress := schema.EstimateProgress(stage, sess.Progress)

	if err := r.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		CurrentStage: &stage,
		Progress:     &progress,
	}); err != nil {
		r.logger.Warn("stage update write failed", "session_id", sessionID, "error", err)
	}
}
