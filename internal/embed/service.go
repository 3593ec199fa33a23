package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/vector"
)

var (
	// ErrEmptyInput is returned when there is no text to embed.
	ErrEmptyInput = errors.New("embedding input is empty")
	// ErrNotFound is returned when a generate-and-store target id does not resolve.
	ErrNotFound = errors.New("record not found")
)

type Service struct {
	client *Client
	pool   *db.Pool
	logger zerolog.Logger
}

type PendingResult struct {
	Processed int
	Embedded  int
	Skipped   int
	Failed    int
}

type PendingOptions struct {
	Limit     int
	BatchSize int
}

func NewService(client *Client, pool *db.Pool, logger zerolog.Logger) *Service {
	return &Service{
		client: client,
		pool:   pool,
		logger: logger,
	}
}

// InsightText joins statement and optional context note so near-duplicate
// statements with different context still compare meaningfully.
func InsightText(statement string, contextNote *string) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(statement); s != "" {
		parts = append(parts, s)
	}
	if contextNote != nil {
		if n := strings.TrimSpace(*contextNote); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}

// ConceptText joins a concept's name and optional description.
func ConceptText(name string, description *string) string {
	parts := make([]string, 0, 2)
	if n := strings.TrimSpace(name); n != "" {
		parts = append(parts, n)
	}
	if description != nil {
		if d := strings.TrimSpace(*description); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, " ")
}

// GenerateEmbedding embeds a single text.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("embedding service is not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	vectors, err := s.client.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vectors))
	}
	return vectors[0], nil
}

// GenerateInsightEmbedding embeds an insight's statement plus context note.
func (s *Service) GenerateInsightEmbedding(ctx context.Context, insight db.Insight) ([]float64, error) {
	return s.GenerateEmbedding(ctx, InsightText(insight.Statement, insight.ContextNote))
}

// GenerateConceptEmbedding embeds a concept's name plus description.
func (s *Service) GenerateConceptEmbedding(ctx context.Context, concept db.Concept) ([]float64, error) {
	return s.GenerateEmbedding(ctx, ConceptText(concept.Name, concept.Description))
}

// GenerateAndStoreInsightEmbedding fetches the insight, computes its
// embedding, and writes the vector back as a cache.
func (s *Service) GenerateAndStoreInsightEmbedding(ctx context.Context, insightID int64) ([]float64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("embedding service is not initialized")
	}

	const q = `
SELECT statement, context_note
FROM kb.insights
WHERE insight_id = $1
  AND deleted_at IS NULL
`
	var statement string
	var contextNote *string
	if err := s.pool.QueryRow(ctx, q, insightID).Scan(&statement, &contextNote); err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("insight_id=%d: %w", insightID, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch insight for embedding: %w", err)
	}

	values, err := s.GenerateEmbedding(ctx, InsightText(statement, contextNote))
	if err != nil {
		return nil, err
	}

	literal, err := vector.ToLiteral(values)
	if err != nil {
		return nil, fmt.Errorf("insight_id=%d invalid embedding vector: %w", insightID, err)
	}

	const update = `
UPDATE kb.insights
SET embedding = $2::vector, updated_at = now()
WHERE insight_id = $1
`
	if _, err := s.pool.Exec(ctx, update, insightID, literal); err != nil {
		return nil, fmt.Errorf("store insight embedding insight_id=%d: %w", insightID, err)
	}
	return values, nil
}

// GenerateAndStoreConceptEmbedding fetches the concept, computes its
// embedding, and writes the vector back.
func (s *Service) GenerateAndStoreConceptEmbedding(ctx context.Context, conceptID int64) ([]float64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("embedding service is not initialized")
	}

	const q = `
SELECT name, description
FROM kb.concepts
WHERE concept_id = $1
`
	var name string
	var description *string
	if err := s.pool.QueryRow(ctx, q, conceptID).Scan(&name, &description); err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("concept_id=%d: %w", conceptID, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch concept for embedding: %w", err)
	}

	values, err := s.GenerateEmbedding(ctx, ConceptText(name, description))
	if err != nil {
		return nil, err
	}

	literal, err := vector.ToLiteral(values)
	if err != nil {
		return nil, fmt.Errorf("concept_id=%d invalid embedding vector: %w", conceptID, err)
	}

	const update = `
UPDATE kb.concepts
SET embedding = $2::vector, updated_at = now()
WHERE concept_id = $1
`
	if _, err := s.pool.Exec(ctx, update, conceptID, literal); err != nil {
		return nil, fmt.Errorf("store concept embedding concept_id=%d: %w", conceptID, err)
	}
	return values, nil
}

type pendingInsight struct {
	InsightID   int64
	Statement   string
	ContextNote *string
}

// EmbedPendingInsights bulk-computes missing insight embeddings so the
// clustering engine's generate-on-demand path stays a rare fallback.
func (s *Service) EmbedPendingInsights(ctx context.Context, opts PendingOptions) (PendingResult, error) {
	if s == nil || s.pool == nil {
		return PendingResult{}, fmt.Errorf("embedding service is not initialized")
	}
	if opts.Limit <= 0 {
		return PendingResult{}, nil
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > opts.Limit {
		batchSize = opts.Limit
	}

	var result PendingResult
	for result.Processed < opts.Limit {
		remaining := opts.Limit - result.Processed
		size := min(batchSize, remaining)

		pending, err := s.selectPendingInsights(ctx, size)
		if err != nil {
			return result, err
		}
		if len(pending) == 0 {
			break
		}

		texts := make([]string, 0, len(pending))
		for _, row := range pending {
			texts = append(texts, InsightText(row.Statement, row.ContextNote))
		}

		vectors, err := s.client.Embed(ctx, texts)
		if err != nil {
			return result, err
		}
		if len(vectors) != len(pending) {
			return result, fmt.Errorf("embedding response count mismatch: requested=%d returned=%d", len(pending), len(vectors))
		}

		for i, row := range pending {
			result.Processed++

			literal, err := vector.ToLiteral(vectors[i])
			if err != nil {
				result.Failed++
				s.logger.Error().Err(err).Int64("insight_id", row.InsightID).Msg("invalid embedding vector")
				continue
			}

			const update = `
UPDATE kb.insights
SET embedding = $2::vector, updated_at = now()
WHERE insight_id = $1
  AND embedding IS NULL
`
			tag, err := s.pool.Exec(ctx, update, row.InsightID, literal)
			if err != nil {
				result.Failed++
				return result, fmt.Errorf("store insight embedding insight_id=%d: %w", row.InsightID, err)
			}
			if tag.RowsAffected() == 1 {
				result.Embedded++
			} else {
				result.Skipped++
			}
		}
	}

	return result, nil
}

func (s *Service) selectPendingInsights(ctx context.Context, limit int) ([]pendingInsight, error) {
	const q = `
SELECT insight_id, statement, context_note
FROM kb.insights
WHERE embedding IS NULL
  AND deleted_at IS NULL
ORDER BY insight_id
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending insights for embedding: %w", err)
	}
	defer rows.Close()

	pending := make([]pendingInsight, 0, limit)
	for rows.Next() {
		var row pendingInsight
		if err := rows.Scan(&row.InsightID, &row.Statement, &row.ContextNote); err != nil {
			return nil, fmt.Errorf("scan pending insight: %w", err)
		}
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending insights: %w", err)
	}
	return pending, nil
}

// EmbedPendingConcepts fills in concept embeddings that were never computed,
// which keeps the slug-only fallback in concept discovery rare.
func (s *Service) EmbedPendingConcepts(ctx context.Context, limit int) (PendingResult, error) {
	if s == nil || s.pool == nil {
		return PendingResult{}, fmt.Errorf("embedding service is not initialized")
	}
	if limit <= 0 {
		return PendingResult{}, nil
	}

	const q = `
SELECT concept_id, name, description
FROM kb.concepts
WHERE embedding IS NULL
ORDER BY concept_id
LIMIT $1
`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return PendingResult{}, fmt.Errorf("select pending concepts for embedding: %w", err)
	}

	type pendingConcept struct {
		ConceptID   int64
		Name        string
		Description *string
	}
	pending := make([]pendingConcept, 0, limit)
	for rows.Next() {
		var row pendingConcept
		if err := rows.Scan(&row.ConceptID, &row.Name, &row.Description); err != nil {
			rows.Close()
			return PendingResult{}, fmt.Errorf("scan pending concept: %w", err)
		}
		pending = append(pending, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return PendingResult{}, fmt.Errorf("iterate pending concepts: %w", err)
	}
	rows.Close()

	var result PendingResult
	for _, row := range pending {
		result.Processed++
		if _, err := s.GenerateAndStoreConceptEmbedding(ctx, row.ConceptID); err != nil {
			result.Failed++
			s.logger.Error().Err(err).Int64("concept_id", row.ConceptID).Msg("embed concept failed")
			continue
		}
		result.Embedded++
	}
	return result, nil
}
