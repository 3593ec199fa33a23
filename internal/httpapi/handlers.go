package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"lumen.health/insight/internal/cluster"
	"lumen.health/insight/internal/concepts"
	"lumen.health/insight/internal/embed"
	"lumen.health/insight/internal/generate"
	"lumen.health/insight/internal/jobs"
)

const maxIngestBodyBytes = 4 << 20

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	var one int
	if err := s.deps.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return jsendError(c, http.StatusServiceUnavailable, "database unreachable")
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{
		"database":    "ok",
		"llm_enabled": s.deps.LLMActive,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()

	stats := map[string]int64{}
	queries := map[string]string{
		"insights":         "SELECT count(*) FROM kb.insights WHERE deleted_at IS NULL",
		"insights_pending": "SELECT count(*) FROM kb.insights WHERE deleted_at IS NULL AND unique_insight_id IS NULL",
		"unique_insights":  "SELECT count(*) FROM kb.unique_insights",
		"pending_clusters": "SELECT count(*) FROM kb.merge_clusters WHERE status = 'pending'",
		"concepts":         "SELECT count(*) FROM kb.concepts",
		"articles":         "SELECT count(*) FROM kb.articles",
	}
	for name, query := range queries {
		var count int64
		if err := s.deps.Pool.QueryRow(ctx, query).Scan(&count); err != nil {
			return jsendError(c, http.StatusInternalServerError, "stats query failed")
		}
		stats[name] = count
	}
	return jsendSuccess(c, http.StatusOK, stats)
}

func (s *Server) handleIngest(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBodyBytes))
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "unreadable request body"})
	}

	result, err := s.deps.Ingest.IngestBatch(c.Request().Context(), body)
	if err != nil {
		return jsendFail(c, http.StatusUnprocessableEntity, map[string]string{"payload": err.Error()})
	}
	return jsendSuccess(c, http.StatusCreated, result)
}

type clusterSummary struct {
	ClusterID                int64      `json:"cluster_id"`
	Status                   string     `json:"status"`
	CreatedBy                string     `json:"created_by"`
	SuggestedUniqueInsightID *int64     `json:"suggested_unique_insight_id,omitempty"`
	MemberCount              int        `json:"member_count"`
	CreatedAt                time.Time  `json:"created_at"`
	ReviewedAt               *time.Time `json:"reviewed_at,omitempty"`
}

func (s *Server) handleListClusters(c echo.Context) error {
	ctx := c.Request().Context()
	status := c.QueryParam("status")
	if status == "" {
		status = "pending"
	}
	if status != "pending" && status != "approved" && status != "rejected" {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"status": "must be pending, approved, or rejected"})
	}

	const q = `
SELECT c.cluster_id, c.status, c.created_by, c.suggested_unique_insight_id,
       (SELECT count(*) FROM kb.merge_cluster_members m WHERE m.cluster_id = c.cluster_id),
       c.created_at, c.reviewed_at
FROM kb.merge_clusters c
WHERE c.status = $1
ORDER BY c.cluster_id DESC
LIMIT 200
`
	rows, err := s.deps.Pool.Query(ctx, q, status)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "cluster list query failed")
	}
	defer rows.Close()

	summaries := make([]clusterSummary, 0, 64)
	for rows.Next() {
		var summary clusterSummary
		if err := rows.Scan(
			&summary.ClusterID, &summary.Status, &summary.CreatedBy, &summary.SuggestedUniqueInsightID,
			&summary.MemberCount, &summary.CreatedAt, &summary.ReviewedAt,
		); err != nil {
			return jsendError(c, http.StatusInternalServerError, "cluster list scan failed")
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return jsendError(c, http.StatusInternalServerError, "cluster list iteration failed")
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{"clusters": summaries})
}

type clusterMemberView struct {
	InsightID  int64   `json:"insight_id"`
	Statement  string  `json:"statement"`
	Similarity float64 `json:"similarity"`
	IsSelected bool    `json:"is_selected"`
}

func (s *Server) handleClusterDetail(c echo.Context) error {
	clusterID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}
	ctx := c.Request().Context()

	var summary clusterSummary
	const clusterQuery = `
SELECT cluster_id, status, created_by, suggested_unique_insight_id, created_at, reviewed_at
FROM kb.merge_clusters
WHERE cluster_id = $1
`
	if err := s.deps.Pool.QueryRow(ctx, clusterQuery, clusterID).Scan(
		&summary.ClusterID, &summary.Status, &summary.CreatedBy,
		&summary.SuggestedUniqueInsightID, &summary.CreatedAt, &summary.ReviewedAt,
	); err != nil {
		return jsendFail(c, http.StatusNotFound, map[string]string{"id": "cluster not found"})
	}

	const membersQuery = `
SELECT m.insight_id, i.statement, m.similarity, m.is_selected
FROM kb.merge_cluster_members m
JOIN kb.insights i ON i.insight_id = m.insight_id
WHERE m.cluster_id = $1
ORDER BY m.similarity DESC, m.insight_id
`
	rows, err := s.deps.Pool.Query(ctx, membersQuery, clusterID)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "cluster member query failed")
	}
	defer rows.Close()

	members := make([]clusterMemberView, 0, 8)
	for rows.Next() {
		var member clusterMemberView
		if err := rows.Scan(&member.InsightID, &member.Statement, &member.Similarity, &member.IsSelected); err != nil {
			return jsendError(c, http.StatusInternalServerError, "cluster member scan failed")
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return jsendError(c, http.StatusInternalServerError, "cluster member iteration failed")
	}
	summary.MemberCount = len(members)

	return jsendSuccess(c, http.StatusOK, map[string]any{
		"cluster": summary,
		"members": members,
	})
}

func (s *Server) handleApproveCluster(c echo.Context) error {
	clusterID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}

	result, err := s.deps.Reviewer.Approve(c.Request().Context(), clusterID)
	if err != nil {
		switch {
		case errors.Is(err, cluster.ErrClusterNotFound):
			return jsendFail(c, http.StatusNotFound, map[string]string{"id": "cluster not found"})
		case errors.Is(err, cluster.ErrClusterNotPending):
			return jsendFail(c, http.StatusConflict, map[string]string{"status": "cluster already reviewed"})
		default:
			return jsendError(c, http.StatusInternalServerError, "cluster approval failed")
		}
	}
	return jsendSuccess(c, http.StatusOK, result)
}

func (s *Server) handleRejectCluster(c echo.Context) error {
	clusterID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}

	if err := s.deps.Reviewer.Reject(c.Request().Context(), clusterID); err != nil {
		switch {
		case errors.Is(err, cluster.ErrClusterNotFound):
			return jsendFail(c, http.StatusNotFound, map[string]string{"id": "cluster not found"})
		case errors.Is(err, cluster.ErrClusterNotPending):
			return jsendFail(c, http.StatusConflict, map[string]string{"status": "cluster already reviewed"})
		default:
			return jsendError(c, http.StatusInternalServerError, "cluster rejection failed")
		}
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{"cluster_id": clusterID, "status": "rejected"})
}

type conceptView struct {
	ConceptID   int64   `json:"concept_id"`
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	Description *string `json:"description,omitempty"`
	AutoCreated bool    `json:"auto_created"`
	NeedsReview bool    `json:"needs_review"`
	InsightLink int64   `json:"insight_count"`
}

func (s *Server) handleListConcepts(c echo.Context) error {
	const q = `
SELECT c.concept_id, c.name, c.slug, c.description, c.auto_created, c.needs_review,
       (SELECT count(*) FROM kb.insight_concepts ic WHERE ic.concept_id = c.concept_id)
FROM kb.concepts c
ORDER BY c.slug
`
	rows, err := s.deps.Pool.Query(c.Request().Context(), q)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "concept list query failed")
	}
	defer rows.Close()

	views := make([]conceptView, 0, 64)
	for rows.Next() {
		var view conceptView
		if err := rows.Scan(&view.ConceptID, &view.Name, &view.Slug, &view.Description,
			&view.AutoCreated, &view.NeedsReview, &view.InsightLink); err != nil {
			return jsendError(c, http.StatusInternalServerError, "concept list scan failed")
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return jsendError(c, http.StatusInternalServerError, "concept list iteration failed")
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{"concepts": views})
}

type insightView struct {
	InsightID       int64      `json:"insight_id"`
	Statement       string     `json:"statement"`
	ContextNote     *string    `json:"context_note,omitempty"`
	EvidenceType    *string    `json:"evidence_type,omitempty"`
	Confidence      *string    `json:"confidence,omitempty"`
	Importance      *int16     `json:"importance,omitempty"`
	Actionability   *string    `json:"actionability,omitempty"`
	Audience        *string    `json:"audience,omitempty"`
	Locator         *string    `json:"locator,omitempty"`
	HasEmbedding    bool       `json:"has_embedding"`
	UniqueInsightID *int64     `json:"unique_insight_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	ConceptSlugs    []string   `json:"concept_slugs"`
}

func (s *Server) handleInsightDetail(c echo.Context) error {
	insightID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}
	ctx := c.Request().Context()

	const q = `
SELECT insight_id, statement, context_note, evidence_type, confidence, importance,
       actionability, audience, locator, embedding IS NOT NULL,
       unique_insight_id, created_at, deleted_at
FROM kb.insights
WHERE insight_id = $1
`
	var view insightView
	if err := s.deps.Pool.QueryRow(ctx, q, insightID).Scan(
		&view.InsightID, &view.Statement, &view.ContextNote, &view.EvidenceType,
		&view.Confidence, &view.Importance, &view.Actionability, &view.Audience,
		&view.Locator, &view.HasEmbedding, &view.UniqueInsightID, &view.CreatedAt, &view.DeletedAt,
	); err != nil {
		return jsendFail(c, http.StatusNotFound, map[string]string{"id": "insight not found"})
	}

	const slugQuery = `
SELECT c.slug
FROM kb.insight_concepts ic
JOIN kb.concepts c ON c.concept_id = ic.concept_id
WHERE ic.insight_id = $1
ORDER BY c.slug
`
	rows, err := s.deps.Pool.Query(ctx, slugQuery, insightID)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "concept link query failed")
	}
	defer rows.Close()

	view.ConceptSlugs = make([]string, 0, 4)
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return jsendError(c, http.StatusInternalServerError, "concept link scan failed")
		}
		view.ConceptSlugs = append(view.ConceptSlugs, slug)
	}
	if err := rows.Err(); err != nil {
		return jsendError(c, http.StatusInternalServerError, "concept link iteration failed")
	}
	return jsendSuccess(c, http.StatusOK, view)
}

func (s *Server) handleTagInsight(c echo.Context) error {
	insightID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}
	if !s.deps.LLMActive {
		return jsendFail(c, http.StatusServiceUnavailable, map[string]string{"llm": "no model configured"})
	}

	linksCreated, err := s.deps.Concepts.AutoTagInsight(c.Request().Context(), insightID)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "auto-tagging failed")
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{
		"insight_id":    insightID,
		"links_created": linksCreated,
	})
}

type scopedJobRequest struct {
	SourceID *int64 `json:"source_id,omitempty"`
	RunID    *int64 `json:"run_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) handleLaunchEmbed(c echo.Context) error {
	var req scopedJobRequest
	if err := c.Bind(&req); err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
	}
	limit := req.Limit
	if limit <= 0 {
		limit = cluster.DefaultBatchSize
	}

	run, err := s.deps.Jobs.Launch(c.Request().Context(), jobs.KindEmbed, func(ctx context.Context) (any, error) {
		return s.deps.Embed.EmbedPendingInsights(ctx, embed.PendingOptions{Limit: limit})
	})
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "failed to launch embed job")
	}
	return jsendSuccess(c, http.StatusAccepted, run)
}

func (s *Server) handleLaunchCluster(c echo.Context) error {
	var req scopedJobRequest
	if err := c.Bind(&req); err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
	}

	run, err := s.deps.Jobs.Launch(c.Request().Context(), jobs.KindCluster, func(ctx context.Context) (any, error) {
		return s.deps.Cluster.BuildMergeClusters(ctx, cluster.BuildOptions{
			SourceID: req.SourceID,
			RunID:    req.RunID,
			Limit:    req.Limit,
		})
	})
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "failed to launch cluster job")
	}
	return jsendSuccess(c, http.StatusAccepted, run)
}

func (s *Server) handleLaunchDiscover(c echo.Context) error {
	if !s.deps.LLMActive {
		return jsendFail(c, http.StatusServiceUnavailable, map[string]string{"llm": "no model configured"})
	}
	var req scopedJobRequest
	if err := c.Bind(&req); err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
	}

	run, err := s.deps.Jobs.Launch(c.Request().Context(), jobs.KindDiscover, func(ctx context.Context) (any, error) {
		return s.deps.Concepts.DiscoverConcepts(ctx, concepts.DiscoverOptions{
			SourceID: req.SourceID,
			RunID:    req.RunID,
			Limit:    req.Limit,
		})
	})
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "failed to launch discovery job")
	}
	return jsendSuccess(c, http.StatusAccepted, run)
}

type generateRequest struct {
	ConceptSlug string `json:"concept_slug"`
	Kind        string `json:"kind,omitempty"`
	Audience    string `json:"audience,omitempty"`
	MaxInsights int    `json:"max_insights,omitempty"`
}

func (s *Server) handleLaunchGenerate(c echo.Context) error {
	if !s.deps.LLMActive {
		return jsendFail(c, http.StatusServiceUnavailable, map[string]string{"llm": "no model configured"})
	}
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
	}
	if req.ConceptSlug == "" {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"concept_slug": "required"})
	}

	run, err := s.deps.Jobs.Launch(c.Request().Context(), jobs.KindGenerate, func(ctx context.Context) (any, error) {
		return s.deps.Generate.Generate(ctx, generate.Options{
			ConceptSlug: req.ConceptSlug,
			Kind:        req.Kind,
			Audience:    req.Audience,
			MaxInsights: req.MaxInsights,
		})
	})
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "failed to launch generation job")
	}
	return jsendSuccess(c, http.StatusAccepted, run)
}

func (s *Server) handleListJobs(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return jsendFail(c, http.StatusBadRequest, map[string]string{"limit": "must be a positive integer"})
		}
		limit = parsed
	}

	runs, err := s.deps.Jobs.List(c.Request().Context(), limit)
	if err != nil {
		return jsendError(c, http.StatusInternalServerError, "job list query failed")
	}
	return jsendSuccess(c, http.StatusOK, map[string]any{"jobs": runs})
}

func (s *Server) handleJobDetail(c echo.Context) error {
	jobRunID, err := pathID(c)
	if err != nil {
		return jsendFail(c, http.StatusBadRequest, map[string]string{"id": "must be a positive integer"})
	}

	run, err := s.deps.Jobs.Get(c.Request().Context(), jobRunID)
	if err != nil {
		return jsendFail(c, http.StatusNotFound, map[string]string{"id": "job run not found"})
	}
	return jsendSuccess(c, http.StatusOK, run)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
