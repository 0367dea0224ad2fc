package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidcraft/bidcraft/internal/engine"
	"github.com/bidcraft/bidcraft/internal/metrics"
	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatchStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

type noopStep struct {
	name string
	fn   func(ctx context.Context, input steps.Input) (*steps.Output, error)
}

func (s *noopStep) Name() string             { return s.name }
func (s *noopStep) Schema() steps.StepSchema { return steps.StepSchema{} }
func (s *noopStep) Execute(ctx context.Context, input steps.Input) (*steps.Output, error) {
	if s.fn != nil {
		return s.fn(ctx, input)
	}
	return &steps.Output{Message: "ok"}, nil
}

// newTestOrchestrator builds a direct-strategy orchestrator whose
// generation steps append a document URL, so sessions reach COMPLETED.
func newTestOrchestrator(t *testing.T, st *store.LibSQLStore) *engine.Orchestrator {
	t.Helper()
	reg := steps.NewRegistry()
	for _, name := range []string{
		schema.StepAnalyzeRequirements,
		schema.StepCalculateCost,
		schema.StepRetrieveTemplates,
	} {
		require.NoError(t, reg.Register(&noopStep{name: name}))
	}
	for _, name := range []string{schema.StepGenerateSlides, schema.StepGenerateDocument} {
		stepName := name
		require.NoError(t, reg.Register(&noopStep{
			name: stepName,
			fn: func(ctx context.Context, input steps.Input) (*steps.Output, error) {
				return &steps.Output{Message: "ok"},
					st.AppendDocumentURL(ctx, input.SessionID, "https://blobs/"+input.SessionID+"/"+stepName)
			},
		}))
	}
	inv := steps.NewInvoker(reg, nil, discardLogger())
	return engine.NewOrchestrator(st, engine.NewDirectStrategy(st, inv, discardLogger()), discardLogger())
}

func TestPoolLimitsConcurrency(t *testing.T) {
	pool := NewPool(2)
	defer pool.Shutdown()

	var active, peak int64
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			<-release
			atomic.AddInt64(&active, -1)
			return nil
		})
		require.NoError(t, err)
	}

	// A third submission cannot get a slot while both are held.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Equal(t, int64(2), pool.Stats().Completed)
}

func TestPoolShutdownRejectsNewWork(t *testing.T) {
	pool := NewPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("worker exploded")
	}))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestDispatcherRunsSessionToCompletion(t *testing.T) {
	st := newDispatchStore(t)
	m := metrics.New()
	d := NewDispatcher(st, newTestOrchestrator(t, st), 2, m, discardLogger())
	defer d.Shutdown()

	id, err := st.CreateSession(context.Background(), store.Intake{
		ClientName:   "Acme Corp",
		Requirements: "Customer portal",
	})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), id))
	d.pool.Wait()

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, sess.Status)
	assert.Len(t, sess.DocumentURLs, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.SessionsFinished.WithLabelValues(string(schema.SessionStatusCompleted))))
}

func TestDispatcherSchedulingFailureMarksSessionError(t *testing.T) {
	st := newDispatchStore(t)
	m := metrics.New()
	d := NewDispatcher(st, newTestOrchestrator(t, st), 1, m, discardLogger())
	d.enqueueTimeout = 20 * time.Millisecond
	defer d.Shutdown()

	// Occupy the only slot so the real dispatch cannot be scheduled.
	release := make(chan struct{})
	require.NoError(t, d.pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))
	defer close(release)

	id, err := st.CreateSession(context.Background(), store.Intake{
		ClientName:   "Acme Corp",
		Requirements: "Customer portal",
	})
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), id)
	require.Error(t, err)
	var be *schema.BidcraftError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, schema.ErrCodeDispatch, be.Code)

	sess, err := st.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusError, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "failed to start background processing")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchFailures))
}

func TestDispatcherShutdownRejectsDispatch(t *testing.T) {
	st := newDispatchStore(t)
	d := NewDispatcher(st, newTestOrchestrator(t, st), 1, nil, discardLogger())
	d.Shutdown()

	id, err := st.CreateSession(context.Background(), store.Intake{
		ClientName:   "Acme Corp",
		Requirements: "Customer portal",
	})
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolShutdown)

	sess, gerr := st.GetSession(context.Background(), id)
	require.NoError(t, gerr)
	assert.Equal(t, schema.SessionStatusError, sess.Status)
}
