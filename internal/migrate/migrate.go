// Package migrate applies the embedded relational-store schema at process
// startup, grounded on the teacher's AdminMigrate handler (sorted *.up.sql
// directory scan, apply-and-record-each-file shape) but run against an
// embedded filesystem before the HTTP server starts rather than behind an
// admin-triggered endpoint — admin-triggered migration is out of scope
// (spec §1 names "admin backup tooling" as an external collaborator).
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/migrations"
)

// Run applies every embedded *.up.sql migration not yet recorded in
// schema_migrations, in lexicographic order (001, 002, ... sorts correctly
// by construction). Each file runs inside its own transaction alongside
// its ledger insert, so a failure partway through leaves already-applied
// files recorded and the failing file uncommitted — safe to retry.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("migrate.Run: create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations.UpFiles, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrate.Run: glob: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("migrate.Run: check %s: %w", name, err)
		}
		if applied {
			continue
		}

		sqlBytes, err := migrations.UpFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrate.Run: read %s: %w", name, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migrate.Run: begin %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate.Run: apply %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate.Run: record %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migrate.Run: commit %s: %w", name, err)
		}
	}
	return nil
}
