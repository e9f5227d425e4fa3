package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initJobSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initJobSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS studio_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			warnings TEXT[] NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_studio_jobs_created ON studio_jobs (created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init job schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const jobColumns = `id, kind, summary, status, progress, stage, result, warnings, error,
	created_at, updated_at, started_at, ended_at`

func (s *PostgresStore) SaveJob(ctx context.Context, job Job) error {
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO studio_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			stage=EXCLUDED.stage,
			result=EXCLUDED.result,
			warnings=EXCLUDED.warnings,
			error=EXCLUDED.error,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at
		WHERE studio_jobs.updated_at <= EXCLUDED.updated_at`,
		job.ID,
		string(job.Kind),
		job.Summary,
		string(job.Status),
		job.Percent,
		job.Stage,
		job.Result,
		warnings,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
		job.StartedAt,
		job.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM studio_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrStoreNotFound
		}
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM studio_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job          Job
		kind, status string
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&job.Summary,
		&status,
		&job.Percent,
		&job.Stage,
		&job.Result,
		&job.Warnings,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.EndedAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	if len(job.Warnings) == 0 {
		job.Warnings = nil
	}
	return job, nil
}
