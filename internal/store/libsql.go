package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// terminalStatusList is the SQL fragment guarding mutations of sessions
// that already reached a terminal state.
const terminalStatusList = `('COMPLETED','ERROR','AWAITING_INPUT','CONFIGURATION_ERROR')`

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Sessions ---

// CreateSession generates a session identifier and writes the initial
// record with status PENDING and progress 0.
func (s *LibSQLStore) CreateSession(ctx context.Context, intake Intake) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, client_name, project_name, industry, requirements, duration, team_size, status, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, intake.ClientName, nullStr(intake.ProjectName), nullStr(intake.Industry),
		intake.Requirements, nullStr(intake.Duration), intake.TeamSize,
		string(schema.SessionStatusPending), now, now,
	)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create session: %s", err.Error()).WithCause(err)
	}
	return id, nil
}

// GetSession returns the full session view including appended documents
// and planner events in arrival order.
func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{ID: id}
	var (
		projectName, industry, duration       sql.NullString
		currentStage, errorMessage            sql.NullString
		reqData, costData, tplSelection       sql.NullString
		status                                string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_name, project_name, industry, requirements, duration, team_size,
		        status, current_stage, progress, error_message,
		        requirements_data, cost_data, template_selection,
		        created_at, updated_at
		 FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.Intake.ClientName, &projectName, &industry, &sess.Intake.Requirements,
		&duration, &sess.Intake.TeamSize, &status, &currentStage, &sess.Progress,
		&errorMessage, &reqData, &costData, &tplSelection, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get session: %s", err.Error()).WithCause(err)
	}

	sess.Intake.ProjectName = projectName.String
	sess.Intake.Industry = industry.String
	sess.Intake.Duration = duration.String
	sess.Status = schema.SessionStatus(status)
	sess.CurrentStage = currentStage.String
	sess.ErrorMessage = errorMessage.String
	sess.RequirementsData = jsonOrNil(reqData)
	sess.CostData = jsonOrNil(costData)
	sess.TemplateSelection = jsonOrNil(tplSelection)

	docs, err := s.listDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.DocumentURLs = docs

	events, err := s.listEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.AgentEvents = events

	return sess, nil
}

// UpdateSession applies a partial update and stamps updated_at. Updates
// against a session already in a terminal state are rejected, which
// keeps terminal state idempotent even if a straggling step tries to
// write after the workflow ended.
func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *update.CurrentStage)
	}
	if update.Progress != nil {
		// MAX keeps progress monotonic regardless of write ordering.
		sets = append(sets, "progress = MAX(progress, ?)")
		args = append(args, *update.Progress)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if len(update.RequirementsData) > 0 {
		sets = append(sets, "requirements_data = ?")
		args = append(args, string(update.RequirementsData))
	}
	if len(update.CostData) > 0 {
		sets = append(sets, "cost_data = ?")
		args = append(args, string(update.CostData))
	}
	if len(update.TemplateSelection) > 0 {
		sets = append(sets, "template_selection = ?")
		args = append(args, string(update.TemplateSelection))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+
			` WHERE session_id = ? AND status NOT IN `+terminalStatusList,
		args...,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update session: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update session: %s", err.Error()).WithCause(err)
	}
	if n == 0 {
		return s.classifyZeroUpdate(ctx, id)
	}
	return nil
}

// AppendDocumentURL adds one artifact link. The insert is a pure append
// on its own table, so two concurrent generation steps cannot lose each
// other's URL.
func (s *LibSQLStore) AppendDocumentURL(ctx context.Context, id string, url string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin append document: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("session", id)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append document: %s", err.Error()).WithCause(err)
	}
	if schema.SessionStatus(status).IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s is terminal (%s); refusing document append", id, status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_documents (session_id, url, created_at) VALUES (?, ?, ?)`,
		id, url, now,
	); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append document: %s", err.Error()).WithCause(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, id,
	); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "touch session: %s", err.Error()).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit append document: %s", err.Error()).WithCause(err)
	}
	return nil
}

// AppendEvents writes a batch of classified planner events in arrival
// order with a monotonically increasing per-session sequence. The batch
// is committed in a single transaction; callers are expected to buffer
// and flush rather than call once per event.
func (s *LibSQLStore) AppendEvents(ctx context.Context, id string, events []schema.AgentEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin append events: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return storeNotFound("session", id)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append events: %s", err.Error()).WithCause(err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM session_events WHERE session_id = ?`, id,
	).Scan(&seq); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "next event sequence: %s", err.Error()).WithCause(err)
	}

	for _, ev := range events {
		seq++
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (session_id, kind, text, tool, payload, reason, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(ev.Kind), nullStr(ev.Text), nullStr(ev.Tool), nullRaw(ev.Payload), nullStr(ev.Reason), ts, seq,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "insert event: %s", err.Error()).WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit append events: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- Rate sheets ---

func (s *LibSQLStore) ListRateSheet(ctx context.Context) ([]RateSheetEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id, hourly_rate, currency FROM rate_sheets ORDER BY role_id`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list rate sheet: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var entries []RateSheetEntry
	for rows.Next() {
		var e RateSheetEntry
		if err := rows.Scan(&e.RoleID, &e.HourlyRate, &e.Currency); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan rate sheet: %s", err.Error()).WithCause(err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SeedRateSheet inserts the given entries only when the table is empty.
func (s *LibSQLStore) SeedRateSheet(ctx context.Context, entries []RateSheetEntry) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_sheets`).Scan(&count); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "count rate sheet: %s", err.Error()).WithCause(err)
	}
	if count > 0 {
		return nil
	}
	for _, e := range entries {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO rate_sheets (role_id, hourly_rate, currency) VALUES (?, ?, ?)`,
			e.RoleID, e.HourlyRate, e.Currency,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "seed rate sheet: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// --- Watchdog ---

// ListStaleProcessing returns sessions stuck in PROCESSING whose last
// update precedes the cutoff. Documents and events are not loaded.
func (s *LibSQLStore) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, status, updated_at FROM sessions
		 WHERE status = ? AND updated_at < ?`,
		string(schema.SessionStatusProcessing), cutoff,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list stale sessions: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		var status string
		if err := rows.Scan(&sess.ID, &status, &sess.UpdatedAt); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan stale session: %s", err.Error()).WithCause(err)
		}
		sess.Status = schema.SessionStatus(status)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Helpers ---

func (s *LibSQLStore) listDocuments(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM session_documents WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list documents: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan document: %s", err.Error()).WithCause(err)
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

func (s *LibSQLStore) listEvents(ctx context.Context, id string) ([]schema.AgentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, text, tool, payload, reason, timestamp FROM session_events
		 WHERE session_id = ? ORDER BY sequence`, id)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var events []schema.AgentEvent
	for rows.Next() {
		var (
			ev                  schema.AgentEvent
			kind                string
			text, tool, reason  sql.NullString
			payload             sql.NullString
		)
		if err := rows.Scan(&kind, &text, &tool, &payload, &reason, &ev.Timestamp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan event: %s", err.Error()).WithCause(err)
		}
		ev.Kind = schema.EventKind(kind)
		ev.Text = text.String
		ev.Tool = tool.String
		ev.Reason = reason.String
		ev.Payload = jsonOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// classifyZeroUpdate decides whether a zero-row update means the session
// is missing or already terminal.
func (s *LibSQLStore) classifyZeroUpdate(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE session_id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("session", id)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "classify update: %s", err.Error()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"session %s is terminal (%s); refusing update", id, status)
}

func storeNotFound(resource, id string) *schema.BidcraftError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
