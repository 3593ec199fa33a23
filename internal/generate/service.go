package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/priority"
)

const (
	KindArticle  = "article"
	KindProtocol = "protocol"
)

type textCompleter interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// Service turns a concept's prioritized insight corpus into a long-form
// article or protocol and records the attempt in kb.articles.
type Service struct {
	pool   *db.Pool
	llm    textCompleter
	logger zerolog.Logger
}

func NewService(pool *db.Pool, llm textCompleter, logger zerolog.Logger) *Service {
	return &Service{
		pool:   pool,
		llm:    llm,
		logger: logger,
	}
}

// Options selects what to generate.
type Options struct {
	ConceptSlug string
	Kind        string
	Audience    string
	MaxInsights int
}

// Result reports a finished (or failed) generation.
type Result struct {
	ArticleID  int64
	ConceptID  int64
	Title      string
	Tier1Count int
	Tier2Count int
	Tier3Count int
}

// Generate loads the concept's insights, prioritizes them into tiers, and
// asks the model for the long-form text. The kb.articles row tracks the
// attempt either way; a model failure marks it failed and returns the error.
func (s *Service) Generate(ctx context.Context, opts Options) (Result, error) {
	if s == nil || s.pool == nil || s.llm == nil {
		return Result{}, fmt.Errorf("generation service is not initialized")
	}

	kind := strings.TrimSpace(opts.Kind)
	if kind == "" {
		kind = KindArticle
	}
	if kind != KindArticle && kind != KindProtocol {
		return Result{}, fmt.Errorf("unknown generation kind %q", kind)
	}

	conceptID, conceptName, err := s.resolveConcept(ctx, opts.ConceptSlug)
	if err != nil {
		return Result{}, err
	}

	insights, err := s.loadConceptInsights(ctx, conceptID)
	if err != nil {
		return Result{}, err
	}
	if len(insights) == 0 {
		return Result{}, fmt.Errorf("concept %q has no insights to generate from", opts.ConceptSlug)
	}

	prioritized := priority.Prioritize(insights, opts.MaxInsights, opts.Audience)

	articleID, err := s.createArticle(ctx, conceptID, kind, opts.Audience, prioritized)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ArticleID:  articleID,
		ConceptID:  conceptID,
		Tier1Count: prioritized.Tier1Count,
		Tier2Count: prioritized.Tier2Count,
		Tier3Count: prioritized.Tier3Count,
	}

	text, err := s.llm.Generate(ctx, buildPrompt(conceptName, kind, opts.Audience, prioritized.InsightsForGeneration()))
	if err != nil {
		if failErr := s.failArticle(ctx, articleID, err); failErr != nil {
			s.logger.Error().Err(failErr).Int64("article_id", articleID).Msg("failed to mark article failed")
		}
		return result, fmt.Errorf("generate %s for concept %q: %w", kind, conceptName, err)
	}

	title, body := SplitTitle(text, conceptName)
	if err := s.completeArticle(ctx, articleID, title, body); err != nil {
		return result, err
	}

	result.Title = title
	s.logger.Info().
		Int64("article_id", articleID).
		Int64("concept_id", conceptID).
		Str("kind", kind).
		Int("tier1", prioritized.Tier1Count).
		Int("tier2", prioritized.Tier2Count).
		Int("tier3_dropped", prioritized.Tier3Count).
		Msg("generation complete")
	return result, nil
}

func (s *Service) resolveConcept(ctx context.Context, slug string) (int64, string, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return 0, "", fmt.Errorf("concept slug is required")
	}

	const q = `SELECT concept_id, name FROM kb.concepts WHERE slug = $1`
	var conceptID int64
	var name string
	if err := s.pool.QueryRow(ctx, q, slug).Scan(&conceptID, &name); err != nil {
		if db.IsNoRows(err) {
			return 0, "", fmt.Errorf("concept %q not found", slug)
		}
		return 0, "", fmt.Errorf("resolve concept %q: %w", slug, err)
	}
	return conceptID, name, nil
}

func (s *Service) loadConceptInsights(ctx context.Context, conceptID int64) ([]priority.Insight, error) {
	const q = `
SELECT i.insight_id, i.statement, i.context_note, i.importance,
       i.actionability, i.evidence_type, i.confidence, i.audience, i.created_at
FROM kb.insights i
JOIN kb.insight_concepts ic ON ic.insight_id = i.insight_id
WHERE ic.concept_id = $1
  AND i.deleted_at IS NULL
ORDER BY i.insight_id
`
	rows, err := s.pool.Query(ctx, q, conceptID)
	if err != nil {
		return nil, fmt.Errorf("load insights for concept_id=%d: %w", conceptID, err)
	}
	defer rows.Close()

	insights := make([]priority.Insight, 0, 256)
	for rows.Next() {
		var insight priority.Insight
		if err := rows.Scan(
			&insight.InsightID, &insight.Statement, &insight.ContextNote, &insight.Importance,
			&insight.Actionability, &insight.EvidenceType, &insight.Confidence, &insight.Audience, &insight.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan concept insight: %w", err)
		}
		insights = append(insights, insight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate concept insights: %w", err)
	}
	return insights, nil
}

func (s *Service) createArticle(ctx context.Context, conceptID int64, kind, audience string, prioritized priority.Prioritized) (int64, error) {
	var audiencePtr *string
	if audience = strings.TrimSpace(audience); audience != "" {
		audiencePtr = &audience
	}
	model := s.llm.Model()

	const q = `
INSERT INTO kb.articles (concept_id, kind, audience, status, model, tier1_count, tier2_count, tier3_count)
VALUES ($1, $2, $3, 'running', $4, $5, $6, $7)
RETURNING article_id
`
	var articleID int64
	if err := s.pool.QueryRow(ctx, q,
		conceptID, kind, audiencePtr, model,
		prioritized.Tier1Count, prioritized.Tier2Count, prioritized.Tier3Count,
	).Scan(&articleID); err != nil {
		return 0, fmt.Errorf("create article row: %w", err)
	}
	return articleID, nil
}

func (s *Service) completeArticle(ctx context.Context, articleID int64, title, body string) error {
	const q = `
UPDATE kb.articles
SET status = 'completed', title = $2, body = $3, updated_at = now()
WHERE article_id = $1
`
	if _, err := s.pool.Exec(ctx, q, articleID, title, body); err != nil {
		return fmt.Errorf("complete article article_id=%d: %w", articleID, err)
	}
	return nil
}

func (s *Service) failArticle(ctx context.Context, articleID int64, cause error) error {
	message := cause.Error()
	const q = `
UPDATE kb.articles
SET status = 'failed', error_message = $2, updated_at = now()
WHERE article_id = $1
`
	if _, err := s.pool.Exec(ctx, q, articleID, message); err != nil {
		return fmt.Errorf("fail article article_id=%d: %w", articleID, err)
	}
	return nil
}

func buildPrompt(conceptName, kind, audience string, insights []priority.Scored) string {
	var builder strings.Builder
	switch kind {
	case KindProtocol:
		fmt.Fprintf(&builder, "Write a practical, step-by-step protocol about %q.\n", conceptName)
	default:
		fmt.Fprintf(&builder, "Write a long-form evidence-backed article about %q.\n", conceptName)
	}
	if audience = strings.TrimSpace(audience); audience != "" && audience != "both" {
		fmt.Fprintf(&builder, "Write for a %s audience.\n", audience)
	}
	builder.WriteString("Start with the title on the first line, then the body in markdown.\n")
	builder.WriteString("Base the text only on the insights below.\n\nInsights:\n")
	for _, insight := range insights {
		fmt.Fprintf(&builder, "- %s", strings.TrimSpace(insight.Statement))
		if insight.ContextNote != nil && strings.TrimSpace(*insight.ContextNote) != "" {
			fmt.Fprintf(&builder, " (%s)", strings.TrimSpace(*insight.ContextNote))
		}
		if insight.EvidenceType != nil && *insight.EvidenceType != "" {
			fmt.Fprintf(&builder, " [evidence: %s]", *insight.EvidenceType)
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

// SplitTitle separates the first non-empty line as the title and the rest as
// the body, with the concept name as fallback title.
func SplitTitle(text, fallback string) (title, body string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		cleaned := strings.TrimSpace(strings.TrimLeft(line, "# "))
		if cleaned == "" {
			continue
		}
		return cleaned, strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
	}
	return fallback, strings.TrimSpace(text)
}
