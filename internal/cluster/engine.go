package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/db"
)

const (
	// UniqueMatchThreshold gates merge-into-canonical suggestions.
	UniqueMatchThreshold = 0.90
	// NeighborThreshold gates raw-insight neighbor clustering. Same value
	// as UniqueMatchThreshold today, but tuned independently.
	NeighborThreshold = 0.90
	// NeighborLimit caps the indexed neighbor search.
	NeighborLimit = 20
	// DefaultBatchSize bounds one clustering run.
	DefaultBatchSize = 500
	// AnchorSimilarity is recorded for a cluster's anchor member.
	AnchorSimilarity = 1.0
)

type embedder interface {
	GenerateAndStoreInsightEmbedding(ctx context.Context, insightID int64) ([]float64, error)
}

// BuildOptions scopes one clustering run.
type BuildOptions struct {
	SourceID *int64
	RunID    *int64
	Limit    int
}

// BuildResult aggregates one run's counts. Per-insight failures are counted,
// never raised.
type BuildResult struct {
	Processed        int
	ClustersCreated  int
	MembersAdded     int
	MergeSuggestions int
	Skipped          int
	Errors           int
}

// Engine groups newly created raw insights into merge-suggestion clusters.
type Engine struct {
	store    store
	embedder embedder
	logger   zerolog.Logger
}

func NewEngine(pool *db.Pool, embedder embedder, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    newSQLStore(pool),
		embedder: embedder,
		logger:   logger,
	}
}

type outcome int

const (
	outcomeUntouched outcome = iota
	outcomeSkipped
	outcomeMergeSuggestion
	outcomeCluster
)

// BuildMergeClusters processes up to Limit unlinked raw insights. Each one
// either gets a merge suggestion against an existing canonical insight, forms
// a new cluster with similar raw neighbors, or is left untouched.
func (e *Engine) BuildMergeClusters(ctx context.Context, opts BuildOptions) (BuildResult, error) {
	if e == nil || e.store == nil {
		return BuildResult{}, fmt.Errorf("clustering engine is not initialized")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultBatchSize
	}

	candidates, err := e.store.SelectCandidates(ctx, opts)
	if err != nil {
		return BuildResult{}, err
	}

	ids := make([]int64, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.InsightID)
	}
	clustered, err := e.store.ClusteredIDs(ctx, ids)
	if err != nil {
		return BuildResult{}, err
	}

	var result BuildResult
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if clustered[candidate.InsightID] {
			continue
		}

		result.Processed++
		kind, membersAdded, err := e.processCandidate(ctx, candidate)
		if err != nil {
			result.Errors++
			e.logger.Error().Err(err).Int64("insight_id", candidate.InsightID).Msg("cluster candidate failed")
			continue
		}

		switch kind {
		case outcomeSkipped:
			result.Skipped++
		case outcomeMergeSuggestion:
			result.MergeSuggestions++
			result.ClustersCreated++
			result.MembersAdded += membersAdded
		case outcomeCluster:
			result.ClustersCreated++
			result.MembersAdded += membersAdded
		}
	}

	e.logger.Info().
		Int("processed", result.Processed).
		Int("clusters_created", result.ClustersCreated).
		Int("members_added", result.MembersAdded).
		Int("merge_suggestions", result.MergeSuggestions).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("clustering run complete")
	return result, nil
}

func (e *Engine) processCandidate(ctx context.Context, candidate Candidate) (outcome, int, error) {
	// Re-check the unique link: another run may have merged this insight
	// between candidate selection and now.
	linked, err := e.store.IsLinked(ctx, candidate.InsightID)
	if err != nil {
		return outcomeUntouched, 0, err
	}
	if linked {
		return outcomeSkipped, 0, nil
	}

	embedding := candidate.Embedding
	if len(embedding) == 0 {
		// Fallback path; bulk precompute keeps this rare.
		embedding, err = e.embedder.GenerateAndStoreInsightEmbedding(ctx, candidate.InsightID)
		if err != nil {
			return outcomeUntouched, 0, fmt.Errorf("embed on demand: %w", err)
		}
	}

	match, err := e.store.BestUniqueMatch(ctx, embedding)
	if err != nil {
		return outcomeUntouched, 0, err
	}
	if match != nil && match.Similarity >= UniqueMatchThreshold {
		return e.suggestMergeIntoUnique(ctx, candidate, match)
	}

	neighbors, err := e.store.NearestNeighbors(ctx, candidate.InsightID, embedding, NeighborThreshold, NeighborLimit)
	if err != nil {
		return outcomeUntouched, 0, err
	}
	if len(neighbors) == 0 {
		return outcomeUntouched, 0, nil
	}

	// First-writer-wins: if any participant is already in a live cluster,
	// leave the whole group alone rather than proposing an overlap.
	group := make([]int64, 0, len(neighbors)+1)
	group = append(group, candidate.InsightID)
	for _, neighbor := range neighbors {
		group = append(group, neighbor.InsightID)
	}
	clustered, err := e.store.ClusteredIDs(ctx, group)
	if err != nil {
		return outcomeUntouched, 0, err
	}
	if len(clustered) > 0 {
		return outcomeSkipped, 0, nil
	}

	return e.createNeighborCluster(ctx, candidate, neighbors)
}

func (e *Engine) suggestMergeIntoUnique(ctx context.Context, candidate Candidate, match *UniqueMatch) (outcome, int, error) {
	clusterID, err := e.store.CreateCluster(ctx, &match.UniqueInsightID)
	if err != nil {
		return outcomeUntouched, 0, err
	}

	if err := e.store.AddMember(ctx, clusterID, candidate.InsightID, match.Similarity); err != nil {
		e.compensate(ctx, clusterID)
		if errors.Is(err, ErrAlreadyClustered) {
			return outcomeSkipped, 0, nil
		}
		return outcomeUntouched, 0, err
	}
	return outcomeMergeSuggestion, 1, nil
}

func (e *Engine) createNeighborCluster(ctx context.Context, candidate Candidate, neighbors []Neighbor) (outcome, int, error) {
	clusterID, err := e.store.CreateCluster(ctx, nil)
	if err != nil {
		return outcomeUntouched, 0, err
	}

	if err := e.store.AddMember(ctx, clusterID, candidate.InsightID, AnchorSimilarity); err != nil {
		e.compensate(ctx, clusterID)
		if errors.Is(err, ErrAlreadyClustered) {
			return outcomeSkipped, 0, nil
		}
		return outcomeUntouched, 0, err
	}

	membersAdded := 1
	for _, neighbor := range neighbors {
		if err := e.store.AddMember(ctx, clusterID, neighbor.InsightID, neighbor.Similarity); err != nil {
			e.compensate(ctx, clusterID)
			if errors.Is(err, ErrAlreadyClustered) {
				return outcomeSkipped, 0, nil
			}
			return outcomeUntouched, 0, err
		}
		membersAdded++
	}
	return outcomeCluster, membersAdded, nil
}

// compensate removes an orphaned cluster after a member-insert failure so no
// partial clusters are left behind.
func (e *Engine) compensate(ctx context.Context, clusterID int64) {
	if err := e.store.DeleteCluster(ctx, clusterID); err != nil {
		e.logger.Error().Err(err).Int64("cluster_id", clusterID).Msg("failed to delete orphaned cluster")
	}
}
