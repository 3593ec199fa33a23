package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/globaltime"
)

// Job kinds recorded in kb.job_runs.
const (
	KindCluster  = "cluster"
	KindEmbed    = "embed"
	KindDiscover = "discover"
	KindGenerate = "generate"
)

// finishTimeout bounds the bookkeeping write after a job ends. It is
// separate from the job's own deadline: a job that died on its timeout
// must still get its failure recorded.
const finishTimeout = 30 * time.Second

// Runner gives background jobs a durable record instead of fire-and-forget
// calls: every triggered job writes a kb.job_runs row that clients poll.
type Runner struct {
	store   store
	pool    *db.Pool
	logger  zerolog.Logger
	timeout time.Duration
}

// Run is the persisted view of one job.
type Run struct {
	JobRunID     int64           `json:"job_run_id"`
	JobRunUUID   string          `json:"job_run_uuid"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

type store interface {
	createRun(ctx context.Context, jobRunUUID, kind string) (Run, error)
	finishRun(ctx context.Context, jobRunID int64, status string, detailJSON, errorMessage *string, finishedAt time.Time) error
}

func NewRunner(pool *db.Pool, timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Runner{
		store:   &sqlStore{pool: pool},
		pool:    pool,
		logger:  logger,
		timeout: timeout,
	}
}

// Launch creates the run row and executes fn on its own goroutine, detached
// from the triggering request. fn's returned detail is stored on success; its
// error marks the run failed.
func (r *Runner) Launch(ctx context.Context, kind string, fn func(ctx context.Context) (any, error)) (Run, error) {
	if r == nil || r.store == nil {
		return Run{}, fmt.Errorf("job runner is not initialized")
	}

	// The uuid is minted here so the caller can reference the run even if
	// reading it back fails.
	run, err := r.store.createRun(ctx, uuid.NewString(), kind)
	if err != nil {
		return Run{}, fmt.Errorf("create job run: %w", err)
	}

	go func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		detail, err := fn(jobCtx)

		// jobCtx may already be expired here, notably when the job died on
		// its own deadline. The outcome write gets a fresh context so the
		// row never sticks at 'running'.
		finishCtx, finishCancel := context.WithTimeout(context.Background(), finishTimeout)
		defer finishCancel()

		if err != nil {
			r.logger.Error().Err(err).Int64("job_run_id", run.JobRunID).Str("kind", kind).Msg("job failed")
			if finishErr := r.finish(finishCtx, run.JobRunID, "failed", nil, err); finishErr != nil {
				r.logger.Error().Err(finishErr).Int64("job_run_id", run.JobRunID).Msg("failed to record job failure")
			}
			return
		}
		if finishErr := r.finish(finishCtx, run.JobRunID, "completed", detail, nil); finishErr != nil {
			r.logger.Error().Err(finishErr).Int64("job_run_id", run.JobRunID).Msg("failed to record job completion")
		}
	}()

	return run, nil
}

func (r *Runner) finish(ctx context.Context, jobRunID int64, status string, detail any, cause error) error {
	var detailJSON *string
	if detail != nil {
		encoded, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode job detail: %w", err)
		}
		text := string(encoded)
		detailJSON = &text
	}

	var errorMessage *string
	if cause != nil {
		message := cause.Error()
		errorMessage = &message
	}

	if err := r.store.finishRun(ctx, jobRunID, status, detailJSON, errorMessage, globaltime.Now()); err != nil {
		return fmt.Errorf("finish job run job_run_id=%d: %w", jobRunID, err)
	}
	return nil
}

// Get fetches one run by id.
func (r *Runner) Get(ctx context.Context, jobRunID int64) (Run, error) {
	const q = `
SELECT job_run_id, job_run_uuid, kind, status, detail, error_message, started_at, finished_at
FROM kb.job_runs
WHERE job_run_id = $1
`
	var run Run
	err := r.pool.QueryRow(ctx, q, jobRunID).Scan(
		&run.JobRunID, &run.JobRunUUID, &run.Kind, &run.Status,
		&run.Detail, &run.ErrorMessage, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return Run{}, fmt.Errorf("job run %d not found", jobRunID)
		}
		return Run{}, fmt.Errorf("fetch job run %d: %w", jobRunID, err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *Runner) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT job_run_id, job_run_uuid, kind, status, detail, error_message, started_at, finished_at
FROM kb.job_runs
ORDER BY job_run_id DESC
LIMIT $1
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.JobRunID, &run.JobRunUUID, &run.Kind, &run.Status,
			&run.Detail, &run.ErrorMessage, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return runs, nil
}

type sqlStore struct {
	pool *db.Pool
}

func (s *sqlStore) createRun(ctx context.Context, jobRunUUID, kind string) (Run, error) {
	if s.pool == nil {
		return Run{}, fmt.Errorf("no database pool")
	}

	const q = `
INSERT INTO kb.job_runs (job_run_uuid, kind, status)
VALUES ($1, $2, 'running')
RETURNING job_run_id, job_run_uuid, kind, status, started_at
`
	var run Run
	if err := s.pool.QueryRow(ctx, q, jobRunUUID, kind).Scan(&run.JobRunID, &run.JobRunUUID, &run.Kind, &run.Status, &run.StartedAt); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *sqlStore) finishRun(ctx context.Context, jobRunID int64, status string, detailJSON, errorMessage *string, finishedAt time.Time) error {
	const q = `
UPDATE kb.job_runs
SET status = $2, detail = $3::jsonb, error_message = $4, finished_at = $5
WHERE job_run_id = $1
`
	_, err := s.pool.Exec(ctx, q, jobRunID, status, detailJSON, errorMessage, finishedAt)
	return err
}
