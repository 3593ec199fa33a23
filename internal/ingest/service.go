package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/globaltime"
)

// Service writes validated insight batches into the knowledge base. Exact
// duplicates (by content hash) are skipped; near-duplicates are left for the
// clustering engine.
type Service struct {
	pool      *db.Pool
	validator *Validator
	logger    zerolog.Logger
}

// Result summarizes one ingested batch.
type Result struct {
	RunID             int64
	SourceID          int64
	Received          int
	Inserted          int
	DuplicatesSkipped int
	Errors            int
}

func NewService(pool *db.Pool, validator *Validator, logger zerolog.Logger) *Service {
	return &Service{
		pool:      pool,
		validator: validator,
		logger:    logger,
	}
}

// IngestBatch validates raw JSON and loads it. Validation failures are
// returned before any row is written; per-insight insert failures are counted
// and recorded on the run instead of aborting it.
func (s *Service) IngestBatch(ctx context.Context, raw []byte) (Result, error) {
	if s == nil || s.pool == nil || s.validator == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}

	batch, err := s.validator.Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return s.ingest(ctx, batch)
}

func (s *Service) ingest(ctx context.Context, batch Batch) (Result, error) {
	sourceID, err := s.createSource(ctx, batch.Source)
	if err != nil {
		return Result{}, err
	}

	runID, err := s.createRun(ctx, sourceID, len(batch.Insights))
	if err != nil {
		return Result{}, err
	}

	result := Result{
		RunID:    runID,
		SourceID: sourceID,
		Received: len(batch.Insights),
	}

	for _, payload := range batch.Insights {
		inserted, err := s.insertInsight(ctx, sourceID, runID, payload)
		if err != nil {
			result.Errors++
			s.logger.Error().Err(err).Int64("run_id", runID).Msg("insight insert failed")
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.DuplicatesSkipped++
		}
	}

	if err := s.finishRun(ctx, runID, result); err != nil {
		return result, err
	}

	s.logger.Info().
		Int64("run_id", runID).
		Int64("source_id", sourceID).
		Int("received", result.Received).
		Int("inserted", result.Inserted).
		Int("duplicates_skipped", result.DuplicatesSkipped).
		Int("errors", result.Errors).
		Msg("batch ingested")
	return result, nil
}

func (s *Service) createSource(ctx context.Context, source SourcePayload) (int64, error) {
	kind := strings.TrimSpace(source.Kind)
	if kind == "" {
		kind = "article"
	}

	const q = `
INSERT INTO kb.sources (title, kind, author, external_url, status)
VALUES ($1, $2, $3, $4, 'processed')
RETURNING source_id
`
	var sourceID int64
	if err := s.pool.QueryRow(ctx, q, strings.TrimSpace(source.Title), kind, source.Author, source.ExternalURL).Scan(&sourceID); err != nil {
		return 0, fmt.Errorf("create source: %w", err)
	}
	return sourceID, nil
}

func (s *Service) createRun(ctx context.Context, sourceID int64, received int) (int64, error) {
	const q = `
INSERT INTO kb.ingest_runs (source_id, status, insights_received)
VALUES ($1, 'running', $2)
RETURNING run_id
`
	var runID int64
	if err := s.pool.QueryRow(ctx, q, sourceID, received).Scan(&runID); err != nil {
		return 0, fmt.Errorf("create ingest run: %w", err)
	}
	return runID, nil
}

func (s *Service) insertInsight(ctx context.Context, sourceID, runID int64, payload InsightPayload) (bool, error) {
	statement := strings.TrimSpace(payload.Statement)
	hash := ContentHash(statement)

	var exists bool
	const dupQuery = `
SELECT EXISTS (
  SELECT 1 FROM kb.insights
  WHERE content_hash = $1
    AND deleted_at IS NULL
)
`
	if err := s.pool.QueryRow(ctx, dupQuery, hash).Scan(&exists); err != nil {
		return false, fmt.Errorf("check duplicate content hash: %w", err)
	}
	if exists {
		return false, nil
	}

	const insertQuery = `
INSERT INTO kb.insights (
  source_id, run_id, statement, context_note, evidence_type,
  confidence, importance, actionability, audience, locator, content_hash
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := s.pool.Exec(ctx, insertQuery,
		sourceID, runID, statement, payload.ContextNote, payload.EvidenceType,
		payload.Confidence, payload.Importance, payload.Actionability,
		payload.Audience, payload.Locator, hash,
	)
	if err != nil {
		return false, fmt.Errorf("insert insight: %w", err)
	}
	return true, nil
}

func (s *Service) finishRun(ctx context.Context, runID int64, result Result) error {
	status := "completed"
	var errorMessage *string
	if result.Errors > 0 {
		status = "completed_with_errors"
		message := fmt.Sprintf("%d of %d insights failed to insert", result.Errors, result.Received)
		errorMessage = &message
	}

	const q = `
UPDATE kb.ingest_runs
SET status = $2,
    insights_inserted = $3,
    error_message = $4,
    finished_at = $5,
    updated_at = now()
WHERE run_id = $1
`
	if _, err := s.pool.Exec(ctx, q, runID, status, result.Inserted, errorMessage, globaltime.Now()); err != nil {
		return fmt.Errorf("finish ingest run run_id=%d: %w", runID, err)
	}
	return nil
}
