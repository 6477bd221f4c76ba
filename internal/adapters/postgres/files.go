// Package postgres stores uploaded file records in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkeye/voicelink/internal/app/files"
	"github.com/dkeye/voicelink/internal/domain"
)

const databaseInitTimeout = 15 * time.Second

type FileRepository struct {
	pool *pgxpool.Pool
}

var _ files.Repository = (*FileRepository)(nil)

func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

// Open connects, pings and migrates. The caller closes the pool.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, databaseInitTimeout)
	defer cancel()

	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return p, nil
}

func (r *FileRepository) Insert(ctx context.Context, rec domain.UploadedFileRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO uploaded_files (id, storage_path, original_name, size, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.FileID, rec.StoragePath, rec.OriginalName, rec.Size, rec.UploadedAt)
	if err != nil {
		return domain.E(domain.CodeInternal, "postgres.Insert", "", err)
	}
	return nil
}

func (r *FileRepository) Get(ctx context.Context, id string) (domain.UploadedFileRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id::text, storage_path, original_name, size, uploaded_at
		 FROM uploaded_files WHERE id::text = $1`, id)
	var rec domain.UploadedFileRecord
	err := row.Scan(&rec.FileID, &rec.StoragePath, &rec.OriginalName, &rec.Size, &rec.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UploadedFileRecord{}, domain.E(domain.CodeNotFound, "postgres.Get", "file not found", nil)
		}
		return domain.UploadedFileRecord{}, domain.E(domain.CodeInternal, "postgres.Get", "", err)
	}
	return rec, nil
}

func (r *FileRepository) List(ctx context.Context) ([]domain.UploadedFileRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, storage_path, original_name, size, uploaded_at
		 FROM uploaded_files ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, domain.E(domain.CodeInternal, "postgres.List", "", err)
	}
	defer rows.Close()
	var list []domain.UploadedFileRecord
	for rows.Next() {
		var rec domain.UploadedFileRecord
		if err := rows.Scan(&rec.FileID, &rec.StoragePath, &rec.OriginalName, &rec.Size, &rec.UploadedAt); err != nil {
			return nil, domain.E(domain.CodeInternal, "postgres.List", "", err)
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM uploaded_files WHERE id::text = $1`, id)
	if err != nil {
		return domain.E(domain.CodeInternal, "postgres.Delete", "", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.CodeNotFound, "postgres.Delete", "file not found", nil)
	}
	return nil
}

// Shutdown closes the pool.
func (r *FileRepository) Shutdown() {
	r.pool.Close()
}
