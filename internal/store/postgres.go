package store

import (
	"context"
	"eemt-orchestrator/internal/job"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores jobs in PostgreSQL. Update locks only the affected row
// (SELECT ... FOR UPDATE) for the duration of its transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies connectivity and migrates the schema.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migratePostgres(stdlib.OpenDBFromPool(pool)); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing, already migrated pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Create(ctx context.Context, j *job.Job) error {
	params, err := encodeParameters(j.Parameters)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, string(j.Kind), string(j.Status), params, j.InputRef, j.Progress, j.ErrorDetail, j.ContainerRef,
		j.CreatedAt.UTC(), j.StartedAt, j.CompletedAt, j.DataReclaimedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return job.ErrExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Postgres) List(ctx context.Context, filter job.ListFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return s.query(ctx, query, args...)
}

func (s *Postgres) ListReclaimable(ctx context.Context) ([]*job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed') AND data_reclaimed_at IS NULL
		ORDER BY completed_at ASC`)
}

func (s *Postgres) ListActive(ctx context.Context) ([]*job.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('pending', 'running') ORDER BY created_at ASC`)
}

func (s *Postgres) query(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) Update(ctx context.Context, id string, fn job.UpdateFunc) (*job.Job, error) {
	var updated *job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanPostgresJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job for update: %w", err)
		}

		if err := fn(j); err != nil {
			return err
		}

		params, err := encodeParameters(j.Parameters)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE jobs SET
			status = $2, parameters = $3::jsonb, input_ref = $4, progress = $5, error_detail = $6,
			container_ref = $7, started_at = $8, completed_at = $9, data_reclaimed_at = $10
			WHERE id = $1`,
			id, string(j.Status), params, j.InputRef, j.Progress, j.ErrorDetail,
			j.ContainerRef, j.StartedAt, j.CompletedAt, j.DataReclaimedAt,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresJob(row rowScanner) (*job.Job, error) {
	var (
		j            job.Job
		kind, status string
		params       []byte
	)
	if err := row.Scan(&j.ID, &kind, &status, &params, &j.InputRef, &j.Progress, &j.ErrorDetail, &j.ContainerRef,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.DataReclaimedAt); err != nil {
		return nil, err
	}

	p, err := decodeParameters(params)
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	j.Parameters = p
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

var _ job.Store = (*Postgres)(nil)
