package store

import (
	"context"
	"database/sql"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const jobColumns = `id, kind, status, parameters, input_ref, progress, error_detail, container_ref,
	created_at, started_at, completed_at, data_reclaimed_at`

// SQLite stores jobs in an embedded database file.
//
// A single connection serializes writers; Update runs its read-modify-write
// inside one IMMEDIATE transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	params, err := encodeParameters(j.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), string(j.Status), params, j.InputRef, j.Progress, j.ErrorDetail, j.ContainerRef,
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.DataReclaimedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return job.ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLite) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.EffectiveLimit())
	return s.query(ctx, query, args...)
}

func (s *SQLite) ListReclaimable(ctx context.Context) ([]*job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed') AND data_reclaimed_at IS NULL
		ORDER BY completed_at ASC`)
}

func (s *SQLite) ListActive(ctx context.Context) ([]*job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at ASC`)
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, id string, fn job.UpdateFunc) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job for update: %w", err)
	}

	if err := fn(j); err != nil {
		return nil, err
	}

	params, err := encodeParameters(j.Parameters)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
		status = ?, parameters = ?, input_ref = ?, progress = ?, error_detail = ?, container_ref = ?,
		started_at = ?, completed_at = ?, data_reclaimed_at = ?
		WHERE id = ?`,
		string(j.Status), params, j.InputRef, j.Progress, j.ErrorDetail, j.ContainerRef,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.DataReclaimedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return j, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*job.Job, error) {
	var (
		j                             job.Job
		kind, status, params          string
		started, completed, reclaimed sql.NullTime
	)
	if err := row.Scan(&j.ID, &kind, &status, &params, &j.InputRef, &j.Progress, &j.ErrorDetail, &j.ContainerRef,
		&j.CreatedAt, &started, &completed, &reclaimed); err != nil {
		return nil, err
	}

	p, err := decodeParameters([]byte(params))
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	j.Parameters = p
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(completed)
	j.DataReclaimedAt = fromNullTime(reclaimed)
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ job.Store = (*SQLite)(nil)
