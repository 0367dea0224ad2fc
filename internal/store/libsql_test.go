package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedSession(t *testing.T, s *LibSQLStore) string {
	t.Helper()
	id, err := s.CreateSession(context.Background(), Intake{
		ClientName:   "Acme Corp",
		ProjectName:  "CRM Overhaul",
		Industry:     "retail",
		Requirements: "Build a CRM with reporting",
		Duration:     "MEDIUM",
		TeamSize:     5,
	})
	require.NoError(t, err)
	return id
}

func statusPtr(st schema.SessionStatus) *schema.SessionStatus { return &st }
func strPtr(s string) *string                                 { return &s }
func intPtr(i int) *int                                       { return &i }

// --- Session Tests ---

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Acme Corp", got.Intake.ClientName)
	assert.Equal(t, "MEDIUM", got.Intake.Duration)
	assert.Equal(t, 5, got.Intake.TeamSize)
	assert.Equal(t, schema.SessionStatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.DocumentURLs)
	assert.Empty(t, got.AgentEvents)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestUpdateSession_Partial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{
		Status:       statusPtr(schema.SessionStatusProcessing),
		CurrentStage: strPtr(schema.StageAnalysis),
		Progress:     intPtr(30),
	}))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusProcessing, got.Status)
	assert.Equal(t, schema.StageAnalysis, got.CurrentStage)
	assert.Equal(t, 30, got.Progress)
	// Untouched field survives a partial update.
	assert.Equal(t, "Acme Corp", got.Intake.ClientName)
}

func TestUpdateSession_TerminalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{
		Status: statusPtr(schema.SessionStatusProcessing),
	}))
	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{
		Status: statusPtr(schema.SessionStatusCompleted),
	}))

	// A straggling write after completion must be rejected.
	err := s.UpdateSession(ctx, id, SessionUpdate{
		Status: statusPtr(schema.SessionStatusError),
	})
	require.Error(t, err)
	bErr, ok := err.(*schema.BidcraftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, bErr.Code)

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStatusCompleted, got.Status)
}

func TestUpdateSession_ProgressMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{Progress: intPtr(60)}))
	// A late lower write must not regress the visible progress.
	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{Progress: intPtr(30)}))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)
}

func TestUpdateSession_JSONFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{
		RequirementsData: json.RawMessage(`{"project_scope":"CRM build"}`),
		CostData:         json.RawMessage(`{"total_cost":96000}`),
	}))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"project_scope":"CRM build"}`, string(got.RequirementsData))
	assert.JSONEq(t, `{"total_cost":96000}`, string(got.CostData))
}

// --- Document Tests ---

func TestAppendDocumentURL_Additive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.AppendDocumentURL(ctx, id, "https://blob/abc/presentation.pptx"))
	require.NoError(t, s.AppendDocumentURL(ctx, id, "https://blob/abc/sow.docx"))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.DocumentURLs, 2)
	assert.Equal(t, "https://blob/abc/presentation.pptx", got.DocumentURLs[0])
	assert.Equal(t, "https://blob/abc/sow.docx", got.DocumentURLs[1])
}

func TestAppendDocumentURL_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	urls := []string{
		"https://blob/abc/presentation.pptx",
		"https://blob/abc/sow.docx",
	}
	for i, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.AppendDocumentURL(ctx, id, url)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, urls, got.DocumentURLs)
}

func TestAppendDocumentURL_TerminalRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	require.NoError(t, s.UpdateSession(ctx, id, SessionUpdate{
		Status: statusPtr(schema.SessionStatusError),
	}))

	err := s.AppendDocumentURL(ctx, id, "https://blob/late.docx")
	require.Error(t, err)
	bErr, ok := err.(*schema.BidcraftError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, bErr.Code)
}

func TestAppendDocumentURL_SessionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendDocumentURL(context.Background(), "nonexistent", "https://blob/x.docx")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// --- Event Tests ---

func TestAppendEvents_BatchSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s)

	batch1 := []schema.AgentEvent{
		{Kind: schema.EventTextFragment, Text: "Analyzing requirements"},
		{Kind: schema.EventToolCall, Tool: "calculate_cost"},
	}
	require.NoError(t, s.AppendEvents(ctx, id, batch1))

	batch2 := []schema.AgentEvent{
		{Kind: schema.EventToolResult, Tool: "calculate_cost", Payload: json.RawMessage(`{"total_cost":96000}`)},
	}
	require.NoError(t, s.AppendEvents(ctx, id, batch2))

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.AgentEvents, 3)
	assert.Equal(t, schema.EventTextFragment, got.AgentEvents[0].Kind)
	assert.Equal(t, "Analyzing requirements", got.AgentEvents[0].Text)
	assert.Equal(t, schema.EventToolCall, got.AgentEvents[1].Kind)
	assert.Equal(t, schema.EventToolResult, got.AgentEvents[2].Kind)
	assert.JSONEq(t, `{"total_cost":96000}`, string(got.AgentEvents[2].Payload))
}

func TestAppendEvents_EmptyBatchNoop(t *testing.T) {
	s := newTestStore(t)
	id := seedSession(t, s)
	require.NoError(t, s.AppendEvents(context.Background(), id, nil))
}

func TestAppendEvents_SessionNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendEvents(context.Background(), "nonexistent", []schema.AgentEvent{
		{Kind: schema.EventTextFragment, Text: "hello"},
	})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// --- Rate Sheet Tests ---

func TestSeedAndListRateSheet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []RateSheetEntry{
		{RoleID: "developer", HourlyRate: 150, Currency: "USD"},
		{RoleID: "designer", HourlyRate: 125, Currency: "USD"},
	}
	require.NoError(t, s.SeedRateSheet(ctx, entries))

	got, err := s.ListRateSheet(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "designer", got[0].RoleID)
	assert.Equal(t, 125.0, got[0].HourlyRate)

	// Seeding again must not duplicate or overwrite.
	require.NoError(t, s.SeedRateSheet(ctx, []RateSheetEntry{
		{RoleID: "qa", HourlyRate: 110, Currency: "USD"},
	}))
	got, err = s.ListRateSheet(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Watchdog Tests ---

func TestListStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := seedSession(t, s)
	require.NoError(t, s.UpdateSession(ctx, stale, SessionUpdate{
		Status: statusPtr(schema.SessionStatusProcessing),
	}))

	fresh := seedSession(t, s)
	require.NoError(t, s.UpdateSession(ctx, fresh, SessionUpdate{
		Status: statusPtr(schema.SessionStatusProcessing),
	}))

	// A cutoff in the future catches both; one in the past catches none.
	list, err := s.ListStaleProcessing(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListStaleProcessing(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, list, 0)

	// Terminal sessions never show up regardless of age.
	require.NoError(t, s.UpdateSession(ctx, stale, SessionUpdate{
		Status: statusPtr(schema.SessionStatusCompleted),
	}))
	list, err = s.ListStaleProcessing(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, fresh, list[0].ID)
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Migrate already ran in newTestStore; a second call is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLoadMigrationsOrdered(t *testing.T) {
	all, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, 1, all[0].version)
	assert.Equal(t, "initial_schema", all[0].name)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].version, all[i-1].version)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- schema
CREATE TABLE a (
    id TEXT PRIMARY KEY -- key; not a terminator
);

CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[0], "id TEXT PRIMARY KEY")
	assert.Equal(t, "CREATE INDEX idx_a ON a(id)", stmts[1])
}
