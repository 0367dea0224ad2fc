package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migration is one versioned schema change, loaded from an embedded
// NNN_name.sql file.
type migration struct {
	version int
	name    string
	script  string
}

// loadMigrations reads the embedded migration scripts, sorted by the
// numeric prefix of their filenames.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration filename %q: want NNN_name.sql", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration filename %q: %w", name, err)
		}
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}
		out = append(out, migration{version: version, name: rest, script: string(script)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// runMigrations applies every migration newer than the recorded schema
// version, each inside its own transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create schema_version: %s", err.Error()).WithCause(err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "read schema_version: %s", err.Error()).WithCause(err)
	}

	all, err := loadMigrations()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load migrations: %s", err.Error()).WithCause(err)
	}

	for _, m := range all {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d (%s): %s", m.version, m.name, err.Error()).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit migration %d: %s", m.version, err.Error()).WithCause(err)
	}
	return nil
}

// splitStatements turns a migration script into individual statements.
// Lines are scanned so that "--" comments never hide a semicolon; a
// statement ends at a line whose last code character is a semicolon.
func splitStatements(script string) []string {
	var stmts []string
	var buf strings.Builder

	flush := func() {
		if s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(buf.String()), ";")); s != "" {
			stmts = append(stmts, s)
		}
		buf.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		code := line
		if i := strings.Index(code, "--"); i >= 0 {
			code = code[:i]
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		buf.WriteString(code)
		buf.WriteString("\n")
		if strings.HasSuffix(strings.TrimSpace(code), ";") {
			flush()
		}
	}
	flush()
	return stmts
}
