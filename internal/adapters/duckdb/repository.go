package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

// Repository archives job snapshots in a DuckDB file. An empty path opens
// an in-memory database.
type Repository struct {
	db *sql.DB
}

// Ensure Repository implements JobArchive interface
var _ ports.JobArchive = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB allows a single writer per process.
	db.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id            VARCHAR PRIMARY KEY,
			input_paths   VARCHAR NOT NULL,
			pipeline_id   VARCHAR NOT NULL DEFAULT '',
			state         VARCHAR NOT NULL,
			current_step  INTEGER NOT NULL DEFAULT 0,
			total_steps   INTEGER NOT NULL DEFAULT 0,
			percent       INTEGER NOT NULL DEFAULT 0,
			status_text   VARCHAR NOT NULL DEFAULT '',
			exit_code     INTEGER,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			finished_at   TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

// SaveJob upserts the snapshot. The live execution id is not archived.
func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	inputs, err := json.Marshal(job.InputPaths)
	if err != nil {
		return fmt.Errorf("marshal input paths: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, input_paths, pipeline_id, state, current_step, total_steps,
		                  percent, status_text, exit_code, created_at, updated_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_id  = excluded.pipeline_id,
			state        = excluded.state,
			current_step = excluded.current_step,
			total_steps  = excluded.total_steps,
			percent      = excluded.percent,
			status_text  = excluded.status_text,
			exit_code    = excluded.exit_code,
			updated_at   = excluded.updated_at,
			started_at   = excluded.started_at,
			finished_at  = excluded.finished_at`,
		string(job.ID),
		string(inputs),
		string(job.PipelineID),
		string(job.State),
		job.Progress.CurrentStep,
		job.Progress.TotalSteps,
		job.Progress.Percent,
		job.Progress.StatusText,
		nullableInt(job.ExitCode),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullableTime(job.StartedAt),
		nullableTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, input_paths, pipeline_id, state, current_step, total_steps,
	percent, status_text, exit_code, created_at, updated_at, started_at, finished_at`

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, err
}

// ListJobs returns archived jobs, newest first.
func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		job        domain.Job
		inputs     string
		pipelineID string
		state      string
		exitCode   *int32
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := s.Scan(
		&job.ID, &inputs, &pipelineID, &state,
		&job.Progress.CurrentStep, &job.Progress.TotalSteps, &job.Progress.Percent, &job.Progress.StatusText,
		&exitCode, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal([]byte(inputs), &job.InputPaths); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal input paths of job %s: %w", job.ID, err)
	}
	job.PipelineID = domain.PipelineID(pipelineID)
	job.State = domain.JobState(state)
	if exitCode != nil {
		code := int(*exitCode)
		job.ExitCode = &code
	}
	job.StartedAt = startedAt
	job.FinishedAt = finishedAt
	return job, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
