package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"lumen.health/insight/internal/dedup"
	"lumen.health/insight/internal/vector"
)

type predictRequest struct {
	InsightAID int64 `json:"insight_a_id"`
	InsightBID int64 `json:"insight_b_id"`
}

type predictResponse struct {
	Decision   dedup.Decision `json:"decision"`
	Similarity *float64       `json:"similarity,omitempty"`
}

// handlePredictMerge runs the merge decision for a pair of insights, used by
// reviewers to sanity-check a cluster before approving it.
func (s *Server) handlePredictMerge(c echo.Context) error {
	var req predictRequest
	if err := c.Bind(&req); err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
	}
	if req.InsightAID <= 0 || req.InsightBID <= 0 {
		return jsendFail(c, http.StatusBadRequest, map[string]string{
			"insight_a_id": "both insight ids are required",
		})
	}

	ctx := c.Request().Context()
	fieldsA, embeddingA, err := s.loadDedupFields(ctx, req.InsightAID)
	if err != nil {
		return jsendFail(c, http.StatusNotFound, map[string]string{"insight_a_id": "insight not found"})
	}
	fieldsB, embeddingB, err := s.loadDedupFields(ctx, req.InsightBID)
	if err != nil {
		return jsendFail(c, http.StatusNotFound, map[string]string{"insight_b_id": "insight not found"})
	}

	var similarity *float64
	if len(embeddingA) > 0 && len(embeddingB) > 0 {
		if value, err := vector.Cosine(embeddingA, embeddingB); err == nil {
			similarity = &value
		}
	}

	decision := s.deps.Dedup.PredictMergeDecision(ctx, fieldsA, fieldsB, similarity)
	return jsendSuccess(c, http.StatusOK, predictResponse{
		Decision:   decision,
		Similarity: similarity,
	})
}

func (s *Server) loadDedupFields(ctx context.Context, insightID int64) (dedup.InsightFields, []float64, error) {
	const q = `
SELECT statement, context_note, confidence, evidence_type, embedding::text
FROM kb.insights
WHERE insight_id = $1
  AND deleted_at IS NULL
`
	var fields dedup.InsightFields
	var literal *string
	if err := s.deps.Pool.QueryRow(ctx, q, insightID).Scan(
		&fields.Statement, &fields.ContextNote, &fields.Confidence, &fields.EvidenceType, &literal,
	); err != nil {
		return dedup.InsightFields{}, nil, err
	}

	var embedding []float64
	if literal != nil {
		if parsed, err := vector.ParseLiteral(*literal); err == nil {
			embedding = parsed
		}
	}
	return fields, embedding, nil
}
