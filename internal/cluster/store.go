package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/vector"
)

// ErrAlreadyClustered is returned by AddMember when the insight already sits
// in another live cluster. The unique constraint on merge_cluster_members
// turns the concurrent-run race into this error.
var ErrAlreadyClustered = errors.New("insight already belongs to a cluster")

// Candidate is a raw insight eligible for clustering.
type Candidate struct {
	InsightID   int64
	Statement   string
	ContextNote *string
	Embedding   []float64
}

// UniqueMatch is the best canonical-insight match for a query embedding.
type UniqueMatch struct {
	UniqueInsightID int64
	Similarity      float64
}

// Neighbor is a raw insight returned by the indexed vector search.
type Neighbor struct {
	InsightID  int64
	Similarity float64
}

type store interface {
	SelectCandidates(ctx context.Context, opts BuildOptions) ([]Candidate, error)
	ClusteredIDs(ctx context.Context, insightIDs []int64) (map[int64]bool, error)
	IsLinked(ctx context.Context, insightID int64) (bool, error)
	BestUniqueMatch(ctx context.Context, embedding []float64) (*UniqueMatch, error)
	NearestNeighbors(ctx context.Context, insightID int64, embedding []float64, threshold float64, limit int) ([]Neighbor, error)
	CreateCluster(ctx context.Context, suggestedUniqueInsightID *int64) (int64, error)
	AddMember(ctx context.Context, clusterID, insightID int64, similarity float64) error
	DeleteCluster(ctx context.Context, clusterID int64) error
}

// sqlStore runs the engine's persistence against Postgres, leaning on the
// HNSW indexes for both raw-neighbor and canonical-insight search.
type sqlStore struct {
	pool *db.Pool
}

func newSQLStore(pool *db.Pool) *sqlStore {
	return &sqlStore{pool: pool}
}

func (s *sqlStore) SelectCandidates(ctx context.Context, opts BuildOptions) ([]Candidate, error) {
	query := `
SELECT insight_id, statement, context_note, embedding::text
FROM kb.insights
WHERE unique_insight_id IS NULL
  AND deleted_at IS NULL
`
	args := make([]any, 0, 3)
	if opts.SourceID != nil {
		args = append(args, *opts.SourceID)
		query += fmt.Sprintf("  AND source_id = $%d\n", len(args))
	}
	if opts.RunID != nil {
		args = append(args, *opts.RunID)
		query += fmt.Sprintf("  AND run_id = $%d\n", len(args))
	}
	args = append(args, opts.Limit)
	query += fmt.Sprintf("ORDER BY insight_id\nLIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select cluster candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, opts.Limit)
	for rows.Next() {
		var candidate Candidate
		var literal *string
		if err := rows.Scan(&candidate.InsightID, &candidate.Statement, &candidate.ContextNote, &literal); err != nil {
			return nil, fmt.Errorf("scan cluster candidate: %w", err)
		}
		if literal != nil {
			embedding, err := vector.ParseLiteral(*literal)
			if err != nil {
				return nil, fmt.Errorf("parse embedding for insight_id=%d: %w", candidate.InsightID, err)
			}
			candidate.Embedding = embedding
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster candidates: %w", err)
	}
	return candidates, nil
}

func (s *sqlStore) ClusteredIDs(ctx context.Context, insightIDs []int64) (map[int64]bool, error) {
	if len(insightIDs) == 0 {
		return map[int64]bool{}, nil
	}

	placeholders := make([]string, 0, len(insightIDs))
	args := make([]any, 0, len(insightIDs))
	for i, id := range insightIDs {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}

	query := fmt.Sprintf(`
SELECT m.insight_id
FROM kb.merge_cluster_members m
JOIN kb.merge_clusters c ON c.cluster_id = m.cluster_id
WHERE c.status IN ('pending', 'approved')
  AND m.insight_id IN (%s)
`, strings.Join(placeholders, ", "))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select clustered insight ids: %w", err)
	}
	defer rows.Close()

	clustered := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan clustered insight id: %w", err)
		}
		clustered[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clustered insight ids: %w", err)
	}
	return clustered, nil
}

func (s *sqlStore) IsLinked(ctx context.Context, insightID int64) (bool, error) {
	const q = `
SELECT unique_insight_id IS NOT NULL
FROM kb.insights
WHERE insight_id = $1
  AND deleted_at IS NULL
`
	var linked bool
	if err := s.pool.QueryRow(ctx, q, insightID).Scan(&linked); err != nil {
		if db.IsNoRows(err) {
			// Deleted out from under us; treat as linked so it is skipped.
			return true, nil
		}
		return false, fmt.Errorf("check unique link for insight_id=%d: %w", insightID, err)
	}
	return linked, nil
}

func (s *sqlStore) BestUniqueMatch(ctx context.Context, embedding []float64) (*UniqueMatch, error) {
	literal, err := vector.ToLiteral(embedding)
	if err != nil {
		return nil, err
	}

	const q = `
SELECT u.unique_insight_id, 1 - (i.embedding <=> $1::vector) AS similarity
FROM kb.unique_insights u
JOIN kb.insights i ON i.insight_id = u.canonical_insight_id
WHERE i.embedding IS NOT NULL
ORDER BY i.embedding <=> $1::vector
LIMIT 1
`
	var match UniqueMatch
	if err := s.pool.QueryRow(ctx, q, literal).Scan(&match.UniqueInsightID, &match.Similarity); err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("search unique insights: %w", err)
	}
	return &match, nil
}

func (s *sqlStore) NearestNeighbors(ctx context.Context, insightID int64, embedding []float64, threshold float64, limit int) ([]Neighbor, error) {
	literal, err := vector.ToLiteral(embedding)
	if err != nil {
		return nil, err
	}

	const q = `
SELECT insight_id, 1 - (embedding <=> $1::vector) AS similarity
FROM kb.insights
WHERE insight_id <> $2
  AND embedding IS NOT NULL
  AND unique_insight_id IS NULL
  AND deleted_at IS NULL
  AND 1 - (embedding <=> $1::vector) >= $3
ORDER BY embedding <=> $1::vector
LIMIT $4
`
	rows, err := s.pool.Query(ctx, q, literal, insightID, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search raw insight neighbors: %w", err)
	}
	defer rows.Close()

	neighbors := make([]Neighbor, 0, limit)
	for rows.Next() {
		var neighbor Neighbor
		if err := rows.Scan(&neighbor.InsightID, &neighbor.Similarity); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		neighbors = append(neighbors, neighbor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return neighbors, nil
}

func (s *sqlStore) CreateCluster(ctx context.Context, suggestedUniqueInsightID *int64) (int64, error) {
	const q = `
INSERT INTO kb.merge_clusters (status, created_by, suggested_unique_insight_id)
VALUES ('pending', 'system', $1)
RETURNING cluster_id
`
	var clusterID int64
	if err := s.pool.QueryRow(ctx, q, suggestedUniqueInsightID).Scan(&clusterID); err != nil {
		return 0, fmt.Errorf("create merge cluster: %w", err)
	}
	return clusterID, nil
}

func (s *sqlStore) AddMember(ctx context.Context, clusterID, insightID int64, similarity float64) error {
	const q = `
INSERT INTO kb.merge_cluster_members (cluster_id, insight_id, similarity, is_selected)
VALUES ($1, $2, $3, true)
`
	if _, err := s.pool.Exec(ctx, q, clusterID, insightID, similarity); err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("insight_id=%d: %w", insightID, ErrAlreadyClustered)
		}
		return fmt.Errorf("add cluster member insight_id=%d: %w", insightID, err)
	}
	return nil
}

func (s *sqlStore) DeleteCluster(ctx context.Context, clusterID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kb.merge_cluster_members WHERE cluster_id = $1`, clusterID); err != nil {
		return fmt.Errorf("delete cluster members cluster_id=%d: %w", clusterID, err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM kb.merge_clusters WHERE cluster_id = $1`, clusterID); err != nil {
		return fmt.Errorf("delete cluster cluster_id=%d: %w", clusterID, err)
	}
	return nil
}
