package watchdog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStore hands back a canned stale list and records updates.
type stubStore struct {
	mu        sync.Mutex
	stale     []*store.Session
	updates   map[string]store.SessionUpdate
	updateErr error
}

func newStubStore(staleIDs ...string) *stubStore {
	s := &stubStore{updates: make(map[string]store.SessionUpdate)}
	for _, id := range staleIDs {
		s.stale = append(s.stale, &store.Session{ID: id, Status: schema.SessionStatusProcessing})
	}
	return s
}

func (s *stubStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.Session(nil), s.stale...), nil
}

func (s *stubStore) UpdateSession(ctx context.Context, id string, u store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates[id] = u
	return nil
}

func (s *stubStore) CreateSession(ctx context.Context, intake store.Intake) (string, error) {
	return "", nil
}
func (s *stubStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return nil, schema.NewError(schema.ErrCodeNotFound, "not found")
}
func (s *stubStore) AppendDocumentURL(ctx context.Context, id, url string) error { return nil }
func (s *stubStore) AppendEvents(ctx context.Context, id string, events []schema.AgentEvent) error {
	return nil
}
func (s *stubStore) ListRateSheet(ctx context.Context) ([]store.RateSheetEntry, error) {
	return nil, nil
}
func (s *stubStore) SeedRateSheet(ctx context.Context, entries []store.RateSheetEntry) error {
	return nil
}
func (s *stubStore) Migrate(ctx context.Context) error { return nil }
func (s *stubStore) Close() error                      { return nil }

func TestSweepReapsStaleSessions(t *testing.T) {
	st := newStubStore("s1", "s2")
	w, err := New(st, "", 30*time.Minute, discardLogger())
	require.NoError(t, err)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"s1", "s2"} {
		u, ok := st.updates[id]
		require.True(t, ok, "session %s not updated", id)
		require.NotNil(t, u.Status)
		assert.Equal(t, schema.SessionStatusError, *u.Status)
		require.NotNil(t, u.ErrorMessage)
		assert.Contains(t, *u.ErrorMessage, "timed out")
	}
}

func TestSweepNothingStale(t *testing.T) {
	st := newStubStore()
	w, err := New(st, "", 0, discardLogger())
	require.NoError(t, err)

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, st.updates)
}

func TestSweepToleratesUpdateRaces(t *testing.T) {
	st := newStubStore("s1")
	st.updateErr = schema.NewError(schema.ErrCodeInvalidTransition, "already terminal")
	w, err := New(st, "", time.Minute, discardLogger())
	require.NoError(t, err)

	// A session finishing between list and update is not an error.
	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartSweepsImmediately(t *testing.T) {
	st := newStubStore("s1")
	w, err := New(st, "", time.Minute, discardLogger())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		_, ok := st.updates["s1"]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	st := newStubStore()
	w, err := New(st, "", time.Minute, discardLogger())
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()))
}

func TestBadScheduleRejected(t *testing.T) {
	_, err := New(newStubStore(), "not a cron expr", time.Minute, discardLogger())
	assert.Error(t, err)
}
