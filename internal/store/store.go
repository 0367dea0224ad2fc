package store

import (
	"context"
	"errors"
	"time"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, intake Intake) (string, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error

	// Additive operations. These never read-modify-write from the
	// caller's copy, so concurrent appenders cannot clobber each other.
	AppendDocumentURL(ctx context.Context, id string, url string) error
	AppendEvents(ctx context.Context, id string, events []schema.AgentEvent) error

	// Rate sheets
	ListRateSheet(ctx context.Context) ([]RateSheetEntry, error)
	SeedRateSheet(ctx context.Context, entries []RateSheetEntry) error

	// ListStaleProcessing returns sessions still in PROCESSING whose
	// last update is older than the cutoff. Used by the watchdog.
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IsNotFound reports whether err indicates a missing session or other
// missing record. Callers must treat a missing session as fatal for the
// current workflow execution.
func IsNotFound(err error) bool {
	var bErr *schema.BidcraftError
	if errors.As(err, &bErr) {
		return bErr.Code == schema.ErrCodeNotFound
	}
	return false
}
