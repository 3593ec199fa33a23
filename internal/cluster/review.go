package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
	"lumen.health/insight/internal/globaltime"
)

var (
	// ErrClusterNotFound is returned for an unknown cluster id.
	ErrClusterNotFound = errors.New("merge cluster not found")
	// ErrClusterNotPending is returned when a reviewed cluster is reviewed again.
	ErrClusterNotPending = errors.New("merge cluster is not pending")
)

// Reviewer applies human review decisions to pending merge clusters.
type Reviewer struct {
	pool   *db.Pool
	logger zerolog.Logger
}

func NewReviewer(pool *db.Pool, logger zerolog.Logger) *Reviewer {
	return &Reviewer{pool: pool, logger: logger}
}

// ApproveResult reports what an approval did.
type ApproveResult struct {
	ClusterID       int64
	UniqueInsightID int64
	CreatedUnique   bool
	InsightsLinked  int
}

// Approve merges the cluster's selected members. With a suggested canonical
// insight the members link to it; otherwise the anchor becomes a new unique
// insight. Runs in one transaction so a failure leaves the cluster pending.
func (r *Reviewer) Approve(ctx context.Context, clusterID int64) (ApproveResult, error) {
	if r == nil || r.pool == nil {
		return ApproveResult{}, fmt.Errorf("cluster reviewer is not initialized")
	}

	tx, err := r.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return ApproveResult{}, fmt.Errorf("begin approve transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, suggestedUniqueID, err := lockCluster(ctx, tx, clusterID)
	if err != nil {
		return ApproveResult{}, err
	}
	if status != "pending" {
		return ApproveResult{}, fmt.Errorf("cluster_id=%d status=%s: %w", clusterID, status, ErrClusterNotPending)
	}

	members, err := selectedMembers(ctx, tx, clusterID)
	if err != nil {
		return ApproveResult{}, err
	}
	if len(members) == 0 {
		return ApproveResult{}, fmt.Errorf("cluster_id=%d has no selected members", clusterID)
	}

	result := ApproveResult{ClusterID: clusterID}
	if suggestedUniqueID != nil {
		result.UniqueInsightID = *suggestedUniqueID
	} else {
		// The anchor carries self-similarity 1.0 and becomes canonical.
		anchor := members[0]
		uniqueID, err := createUniqueInsight(ctx, tx, anchor)
		if err != nil {
			return ApproveResult{}, err
		}
		result.UniqueInsightID = uniqueID
		result.CreatedUnique = true
	}

	for _, member := range members {
		const link = `
UPDATE kb.insights
SET unique_insight_id = $2, updated_at = now()
WHERE insight_id = $1
  AND unique_insight_id IS NULL
`
		tag, err := tx.Exec(ctx, link, member.insightID, result.UniqueInsightID)
		if err != nil {
			return ApproveResult{}, fmt.Errorf("link insight_id=%d: %w", member.insightID, err)
		}
		if tag.RowsAffected() == 1 {
			result.InsightsLinked++
		}
	}

	const approve = `
UPDATE kb.merge_clusters
SET status = 'approved', reviewed_at = $2, updated_at = now()
WHERE cluster_id = $1
`
	if _, err := tx.Exec(ctx, approve, clusterID, globaltime.Now()); err != nil {
		return ApproveResult{}, fmt.Errorf("approve cluster_id=%d: %w", clusterID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ApproveResult{}, fmt.Errorf("commit approval: %w", err)
	}

	r.logger.Info().
		Int64("cluster_id", clusterID).
		Int64("unique_insight_id", result.UniqueInsightID).
		Bool("created_unique", result.CreatedUnique).
		Int("insights_linked", result.InsightsLinked).
		Msg("cluster approved")
	return result, nil
}

// Reject marks the cluster rejected and frees its members so future runs can
// propose them again.
func (r *Reviewer) Reject(ctx context.Context, clusterID int64) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("cluster reviewer is not initialized")
	}

	tx, err := r.pool.BeginTx(ctx, db.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin reject transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, _, err := lockCluster(ctx, tx, clusterID)
	if err != nil {
		return err
	}
	if status != "pending" {
		return fmt.Errorf("cluster_id=%d status=%s: %w", clusterID, status, ErrClusterNotPending)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM kb.merge_cluster_members WHERE cluster_id = $1`, clusterID); err != nil {
		return fmt.Errorf("free members of cluster_id=%d: %w", clusterID, err)
	}

	const reject = `
UPDATE kb.merge_clusters
SET status = 'rejected', reviewed_at = $2, updated_at = now()
WHERE cluster_id = $1
`
	if _, err := tx.Exec(ctx, reject, clusterID, globaltime.Now()); err != nil {
		return fmt.Errorf("reject cluster_id=%d: %w", clusterID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rejection: %w", err)
	}

	r.logger.Info().Int64("cluster_id", clusterID).Msg("cluster rejected")
	return nil
}

type reviewMember struct {
	insightID  int64
	statement  string
	similarity float64
}

func lockCluster(ctx context.Context, tx db.Tx, clusterID int64) (status string, suggestedUniqueID *int64, err error) {
	const q = `
SELECT status, suggested_unique_insight_id
FROM kb.merge_clusters
WHERE cluster_id = $1
FOR UPDATE
`
	if err := tx.QueryRow(ctx, q, clusterID).Scan(&status, &suggestedUniqueID); err != nil {
		if db.IsNoRows(err) {
			return "", nil, fmt.Errorf("cluster_id=%d: %w", clusterID, ErrClusterNotFound)
		}
		return "", nil, fmt.Errorf("lock cluster_id=%d: %w", clusterID, err)
	}
	return status, suggestedUniqueID, nil
}

func selectedMembers(ctx context.Context, tx db.Tx, clusterID int64) ([]reviewMember, error) {
	const q = `
SELECT m.insight_id, i.statement, m.similarity
FROM kb.merge_cluster_members m
JOIN kb.insights i ON i.insight_id = m.insight_id
WHERE m.cluster_id = $1
  AND m.is_selected
ORDER BY m.similarity DESC, m.insight_id
`
	rows, err := tx.Query(ctx, q, clusterID)
	if err != nil {
		return nil, fmt.Errorf("select cluster members: %w", err)
	}
	defer rows.Close()

	members := make([]reviewMember, 0, 8)
	for rows.Next() {
		var member reviewMember
		if err := rows.Scan(&member.insightID, &member.statement, &member.similarity); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return members, nil
}

func createUniqueInsight(ctx context.Context, tx db.Tx, anchor reviewMember) (int64, error) {
	const q = `
INSERT INTO kb.unique_insights (canonical_statement, canonical_insight_id)
VALUES ($1, $2)
RETURNING unique_insight_id
`
	var uniqueID int64
	if err := tx.QueryRow(ctx, q, anchor.statement, anchor.insightID).Scan(&uniqueID); err != nil {
		return 0, fmt.Errorf("create unique insight from insight_id=%d: %w", anchor.insightID, err)
	}
	return uniqueID, nil
}
