package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS uploaded_files (
		id UUID PRIMARY KEY,
		storage_path TEXT NOT NULL,
		original_name TEXT NOT NULL,
		size BIGINT NOT NULL,
		uploaded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uploaded_files_uploaded_at ON uploaded_files (uploaded_at DESC)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrationStatements {
		if _, err := pool.Exec(ctx, strings.TrimSpace(stmt)); err != nil {
			return err
		}
	}
	return nil
}
