package concepts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/vector"
)

const (
	// SimilarityThreshold decides when a candidate name reuses an existing
	// concept instead of creating a new one.
	SimilarityThreshold = 0.85
	// ExtractBatchSize is how many insights go into one extraction call.
	ExtractBatchSize = 10
	// DefaultDiscoverLimit bounds one discovery run.
	DefaultDiscoverLimit = 200
)

type jsonCompleter interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
}

// Service discovers topic concepts from insight statements and links
// insights to them.
type Service struct {
	pool     *db.Pool
	llm      jsonCompleter
	embedder embedder
	logger   zerolog.Logger
}

func NewService(pool *db.Pool, llm jsonCompleter, embedder embedder, logger zerolog.Logger) *Service {
	return &Service{
		pool:     pool,
		llm:      llm,
		embedder: embedder,
		logger:   logger,
	}
}

// DiscoverOptions scopes one discovery run.
type DiscoverOptions struct {
	SourceID *int64
	RunID    *int64
	Limit    int
}

// DiscoverResult aggregates one run's counts.
type DiscoverResult struct {
	Processed       int
	ConceptsCreated int
	ConceptsReused  int
	LinksCreated    int
	Errors          int
}

type insightRow struct {
	InsightID int64
	Statement string
}

// existingConcept is one row of the loaded concept corpus.
type existingConcept struct {
	ConceptID int64
	Slug      string
	Embedding []float64
}

// DiscoverConcepts extracts candidate concept names from untagged insights in
// batches, reuses sufficiently similar existing concepts, creates the rest,
// and links every insight in the originating batch. Per-batch failures are
// counted and logged, never raised.
func (s *Service) DiscoverConcepts(ctx context.Context, opts DiscoverOptions) (DiscoverResult, error) {
	if s == nil || s.pool == nil || s.llm == nil {
		return DiscoverResult{}, fmt.Errorf("concept service is not initialized")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultDiscoverLimit
	}

	insights, err := s.selectUntaggedInsights(ctx, opts)
	if err != nil {
		return DiscoverResult{}, err
	}

	var result DiscoverResult
	for start := 0; start < len(insights); start += ExtractBatchSize {
		end := min(start+ExtractBatchSize, len(insights))
		batch := insights[start:end]
		result.Processed += len(batch)

		names, err := s.extractConceptNames(ctx, batch)
		if err != nil {
			result.Errors++
			s.logger.Error().Err(err).Int("batch_start", start).Msg("concept extraction failed")
			continue
		}

		for _, name := range names {
			conceptID, created, err := s.resolveConcept(ctx, name)
			if err != nil {
				result.Errors++
				s.logger.Error().Err(err).Str("name", name).Msg("concept resolution failed")
				continue
			}
			if created {
				result.ConceptsCreated++
			} else {
				result.ConceptsReused++
			}

			for _, insight := range batch {
				linked, err := s.linkInsight(ctx, insight.InsightID, conceptID)
				if err != nil {
					result.Errors++
					s.logger.Error().Err(err).Int64("insight_id", insight.InsightID).Int64("concept_id", conceptID).
						Msg("insight-concept link failed")
					continue
				}
				if linked {
					result.LinksCreated++
				}
			}
		}
	}

	s.logger.Info().
		Int("processed", result.Processed).
		Int("concepts_created", result.ConceptsCreated).
		Int("concepts_reused", result.ConceptsReused).
		Int("links_created", result.LinksCreated).
		Int("errors", result.Errors).
		Msg("concept discovery complete")
	return result, nil
}

func (s *Service) selectUntaggedInsights(ctx context.Context, opts DiscoverOptions) ([]insightRow, error) {
	query := `
SELECT i.insight_id, i.statement
FROM kb.insights i
WHERE i.deleted_at IS NULL
  AND NOT EXISTS (
    SELECT 1 FROM kb.insight_concepts ic WHERE ic.insight_id = i.insight_id
  )
`
	args := make([]any, 0, 3)
	if opts.SourceID != nil {
		args = append(args, *opts.SourceID)
		query += fmt.Sprintf("  AND i.source_id = $%d\n", len(args))
	}
	if opts.RunID != nil {
		args = append(args, *opts.RunID)
		query += fmt.Sprintf("  AND i.run_id = $%d\n", len(args))
	}
	args = append(args, opts.Limit)
	query += fmt.Sprintf("ORDER BY i.insight_id\nLIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select untagged insights: %w", err)
	}
	defer rows.Close()

	insights := make([]insightRow, 0, opts.Limit)
	for rows.Next() {
		var row insightRow
		if err := rows.Scan(&row.InsightID, &row.Statement); err != nil {
			return nil, fmt.Errorf("scan untagged insight: %w", err)
		}
		insights = append(insights, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate untagged insights: %w", err)
	}
	return insights, nil
}

func (s *Service) extractConceptNames(ctx context.Context, batch []insightRow) ([]string, error) {
	var builder strings.Builder
	builder.WriteString("Extract 1-3 health topic names covering the insights below.\n")
	builder.WriteString("Topic names are short noun phrases like \"Vitamin D\" or \"Sleep Hygiene\".\n")
	builder.WriteString("Respond with a JSON array of strings and nothing else.\n\nInsights:\n")
	for _, insight := range batch {
		fmt.Fprintf(&builder, "- %s\n", strings.TrimSpace(insight.Statement))
	}

	response, err := s.llm.GenerateJSON(ctx, builder.String())
	if err != nil {
		return nil, fmt.Errorf("extract concept names: %w", err)
	}
	return ParseNameList(response), nil
}

// ParseNameList reads a JSON string array out of a model response, tolerating
// code fences, and returns trimmed, case-insensitively deduplicated names.
func ParseNameList(response string) []string {
	trimmed := strings.TrimSpace(response)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var names []string
	if err := json.Unmarshal([]byte(trimmed), &names); err != nil {
		return nil
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// resolveConcept finds or creates the concept for a candidate name.
func (s *Service) resolveConcept(ctx context.Context, name string) (conceptID int64, created bool, err error) {
	slug := Slugify(name)
	if slug == "" {
		return 0, false, fmt.Errorf("name %q produces an empty slug", name)
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, name)
	if err != nil {
		return 0, false, fmt.Errorf("embed concept name %q: %w", name, err)
	}

	existing, err := s.loadConcepts(ctx)
	if err != nil {
		return 0, false, err
	}

	if matchID, ok := BestMatch(embedding, existing); ok {
		return matchID, false, nil
	}

	// Slug fallback covers concepts whose embedding was never computed.
	for _, concept := range existing {
		if concept.Slug == slug {
			return concept.ConceptID, false, nil
		}
	}

	conceptID, err = s.createConcept(ctx, name, slug, embedding)
	if err != nil {
		if db.IsUniqueViolation(err) {
			// Lost a slug race; the winner's concept serves.
			var existingID int64
			if lookupErr := s.pool.QueryRow(ctx, `SELECT concept_id FROM kb.concepts WHERE slug = $1`, slug).Scan(&existingID); lookupErr == nil {
				return existingID, false, nil
			}
		}
		return 0, false, err
	}
	return conceptID, true, nil
}

// BestMatch returns the most similar concept at or above the threshold.
func BestMatch(embedding []float64, existing []existingConcept) (int64, bool) {
	bestID := int64(0)
	bestSimilarity := -1.0
	for _, concept := range existing {
		if len(concept.Embedding) == 0 {
			continue
		}
		similarity, err := vector.Cosine(embedding, concept.Embedding)
		if err != nil {
			continue
		}
		if similarity > bestSimilarity {
			bestSimilarity = similarity
			bestID = concept.ConceptID
		}
	}
	if bestSimilarity >= SimilarityThreshold {
		return bestID, true
	}
	return 0, false
}

func (s *Service) loadConcepts(ctx context.Context) ([]existingConcept, error) {
	const q = `
SELECT concept_id, slug, embedding::text
FROM kb.concepts
ORDER BY concept_id
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load concepts: %w", err)
	}
	defer rows.Close()

	concepts := make([]existingConcept, 0, 64)
	for rows.Next() {
		var concept existingConcept
		var literal *string
		if err := rows.Scan(&concept.ConceptID, &concept.Slug, &literal); err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		if literal != nil {
			embedding, err := vector.ParseLiteral(*literal)
			if err != nil {
				return nil, fmt.Errorf("parse embedding for concept_id=%d: %w", concept.ConceptID, err)
			}
			concept.Embedding = embedding
		}
		concepts = append(concepts, concept)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concepts: %w", err)
	}
	return concepts, nil
}

func (s *Service) createConcept(ctx context.Context, name, slug string, embedding []float64) (int64, error) {
	literal, err := vector.ToLiteral(embedding)
	if err != nil {
		return 0, fmt.Errorf("concept %q invalid embedding: %w", name, err)
	}

	const q = `
INSERT INTO kb.concepts (name, slug, embedding, auto_created, needs_review)
VALUES ($1, $2, $3::vector, true, true)
RETURNING concept_id
`
	var conceptID int64
	if err := s.pool.QueryRow(ctx, q, name, slug, literal).Scan(&conceptID); err != nil {
		return 0, fmt.Errorf("create concept %q: %w", name, err)
	}
	return conceptID, nil
}

// linkInsight inserts an insight-concept link. Returns false when the link
// already existed.
func (s *Service) linkInsight(ctx context.Context, insightID, conceptID int64) (bool, error) {
	const q = `
INSERT INTO kb.insight_concepts (insight_id, concept_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	tag, err := s.pool.Exec(ctx, q, insightID, conceptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AutoTagInsight asks the model to pick matching slugs from the full concept
// list for one insight. No new concepts are created on this path.
func (s *Service) AutoTagInsight(ctx context.Context, insightID int64) (int, error) {
	if s == nil || s.pool == nil || s.llm == nil {
		return 0, fmt.Errorf("concept service is not initialized")
	}

	var statement string
	var contextNote *string
	const insightQuery = `
SELECT statement, context_note
FROM kb.insights
WHERE insight_id = $1
  AND deleted_at IS NULL
`
	if err := s.pool.QueryRow(ctx, insightQuery, insightID).Scan(&statement, &contextNote); err != nil {
		if db.IsNoRows(err) {
			return 0, fmt.Errorf("insight_id=%d not found", insightID)
		}
		return 0, fmt.Errorf("fetch insight for tagging: %w", err)
	}

	catalog, err := s.loadConceptCatalog(ctx)
	if err != nil {
		return 0, err
	}
	if len(catalog) == 0 {
		return 0, nil
	}

	slugs, err := s.matchSlugs(ctx, statement, contextNote, catalog)
	if err != nil {
		return 0, err
	}

	slugToID := make(map[string]int64, len(catalog))
	for _, entry := range catalog {
		slugToID[entry.Slug] = entry.ConceptID
	}

	linksCreated := 0
	for _, slug := range slugs {
		conceptID, ok := slugToID[slug]
		if !ok {
			s.logger.Warn().Str("slug", slug).Msg("model returned unknown concept slug")
			continue
		}
		linked, err := s.linkInsight(ctx, insightID, conceptID)
		if err != nil {
			return linksCreated, fmt.Errorf("link insight_id=%d concept_id=%d: %w", insightID, conceptID, err)
		}
		if linked {
			linksCreated++
		}
	}
	return linksCreated, nil
}

type catalogEntry struct {
	ConceptID   int64
	Name        string
	Slug        string
	Description *string
}

func (s *Service) loadConceptCatalog(ctx context.Context) ([]catalogEntry, error) {
	const q = `
SELECT concept_id, name, slug, description
FROM kb.concepts
ORDER BY slug
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load concept catalog: %w", err)
	}
	defer rows.Close()

	catalog := make([]catalogEntry, 0, 64)
	for rows.Next() {
		var entry catalogEntry
		if err := rows.Scan(&entry.ConceptID, &entry.Name, &entry.Slug, &entry.Description); err != nil {
			return nil, fmt.Errorf("scan concept catalog entry: %w", err)
		}
		catalog = append(catalog, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concept catalog: %w", err)
	}
	return catalog, nil
}

func (s *Service) matchSlugs(ctx context.Context, statement string, contextNote *string, catalog []catalogEntry) ([]string, error) {
	var builder strings.Builder
	builder.WriteString("Pick every concept below that the insight clearly belongs to.\n")
	builder.WriteString("Respond with a JSON array of slug strings; [] if none apply.\n\nInsight:\n")
	fmt.Fprintf(&builder, "  %s\n", strings.TrimSpace(statement))
	if contextNote != nil && strings.TrimSpace(*contextNote) != "" {
		fmt.Fprintf(&builder, "  context: %s\n", strings.TrimSpace(*contextNote))
	}
	builder.WriteString("\nConcepts:\n")
	for _, entry := range catalog {
		fmt.Fprintf(&builder, "- slug=%s name=%s", entry.Slug, entry.Name)
		if entry.Description != nil && strings.TrimSpace(*entry.Description) != "" {
			fmt.Fprintf(&builder, " description=%s", strings.TrimSpace(*entry.Description))
		}
		builder.WriteString("\n")
	}

	response, err := s.llm.GenerateJSON(ctx, builder.String())
	if err != nil {
		return nil, fmt.Errorf("match concept slugs: %w", err)
	}
	return ParseNameList(response), nil
}
