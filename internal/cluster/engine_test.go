package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/vector"
)

type fakeMember struct {
	insightID  int64
	similarity float64
}

type fakeCluster struct {
	clusterID       int64
	suggestedUnique *int64
	members         []fakeMember
	status          string
}

// fakeStore keeps the whole corpus in memory and computes similarities the
// same way the database does, so engine behavior can be exercised without
// Postgres.
type fakeStore struct {
	candidates []Candidate
	embeddings map[int64][]float64
	uniques    map[int64][]float64
	linked     map[int64]bool

	clusters      map[int64]*fakeCluster
	memberCluster map[int64]int64
	nextClusterID int64

	bestUniqueOverride *UniqueMatch
	addMemberFail      map[int64]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		embeddings:    map[int64][]float64{},
		uniques:       map[int64][]float64{},
		linked:        map[int64]bool{},
		clusters:      map[int64]*fakeCluster{},
		memberCluster: map[int64]int64{},
		addMemberFail: map[int64]error{},
	}
}

func (f *fakeStore) addCandidate(id int64, embedding []float64) {
	candidate := Candidate{InsightID: id, Statement: fmt.Sprintf("statement %d", id)}
	if embedding != nil {
		candidate.Embedding = embedding
		f.embeddings[id] = embedding
	}
	f.candidates = append(f.candidates, candidate)
}

func (f *fakeStore) SelectCandidates(_ context.Context, opts BuildOptions) ([]Candidate, error) {
	out := make([]Candidate, 0, len(f.candidates))
	for _, candidate := range f.candidates {
		if f.linked[candidate.InsightID] {
			continue
		}
		if len(out) >= opts.Limit {
			break
		}
		out = append(out, candidate)
	}
	return out, nil
}

func (f *fakeStore) ClusteredIDs(_ context.Context, insightIDs []int64) (map[int64]bool, error) {
	clustered := map[int64]bool{}
	for _, id := range insightIDs {
		if _, ok := f.memberCluster[id]; ok {
			clustered[id] = true
		}
	}
	return clustered, nil
}

func (f *fakeStore) IsLinked(_ context.Context, insightID int64) (bool, error) {
	return f.linked[insightID], nil
}

func (f *fakeStore) BestUniqueMatch(_ context.Context, embedding []float64) (*UniqueMatch, error) {
	if f.bestUniqueOverride != nil {
		return f.bestUniqueOverride, nil
	}
	var best *UniqueMatch
	for uniqueID, uniqueEmbedding := range f.uniques {
		similarity, err := vector.Cosine(embedding, uniqueEmbedding)
		if err != nil {
			return nil, err
		}
		if best == nil || similarity > best.Similarity {
			best = &UniqueMatch{UniqueInsightID: uniqueID, Similarity: similarity}
		}
	}
	return best, nil
}

func (f *fakeStore) NearestNeighbors(_ context.Context, insightID int64, embedding []float64, threshold float64, limit int) ([]Neighbor, error) {
	neighbors := make([]Neighbor, 0)
	for otherID, otherEmbedding := range f.embeddings {
		if otherID == insightID || f.linked[otherID] {
			continue
		}
		similarity, err := vector.Cosine(embedding, otherEmbedding)
		if err != nil {
			return nil, err
		}
		if similarity >= threshold {
			neighbors = append(neighbors, Neighbor{InsightID: otherID, Similarity: similarity})
		}
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Similarity > neighbors[j].Similarity })
	if len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

func (f *fakeStore) CreateCluster(_ context.Context, suggestedUniqueInsightID *int64) (int64, error) {
	f.nextClusterID++
	f.clusters[f.nextClusterID] = &fakeCluster{
		clusterID:       f.nextClusterID,
		suggestedUnique: suggestedUniqueInsightID,
		status:          "pending",
	}
	return f.nextClusterID, nil
}

func (f *fakeStore) AddMember(_ context.Context, clusterID, insightID int64, similarity float64) error {
	if err := f.addMemberFail[insightID]; err != nil {
		return err
	}
	if _, ok := f.memberCluster[insightID]; ok {
		return ErrAlreadyClustered
	}
	cluster, ok := f.clusters[clusterID]
	if !ok {
		return fmt.Errorf("cluster %d does not exist", clusterID)
	}
	cluster.members = append(cluster.members, fakeMember{insightID: insightID, similarity: similarity})
	f.memberCluster[insightID] = clusterID
	return nil
}

func (f *fakeStore) DeleteCluster(_ context.Context, clusterID int64) error {
	cluster, ok := f.clusters[clusterID]
	if !ok {
		return nil
	}
	for _, member := range cluster.members {
		delete(f.memberCluster, member.insightID)
	}
	delete(f.clusters, clusterID)
	return nil
}

// fakeEmbedder serves preassigned vectors and records them in the store the
// way the real generate-and-store path does.
type fakeEmbedder struct {
	store   *fakeStore
	vectors map[int64][]float64
	calls   int
}

func (f *fakeEmbedder) GenerateAndStoreInsightEmbedding(_ context.Context, insightID int64) ([]float64, error) {
	f.calls++
	embedding, ok := f.vectors[insightID]
	if !ok {
		return nil, fmt.Errorf("no vector assigned for insight %d", insightID)
	}
	f.store.embeddings[insightID] = embedding
	return embedding, nil
}

func newTestEngine(store *fakeStore, embedder embedder) *Engine {
	return &Engine{store: store, embedder: embedder, logger: zerolog.Nop()}
}

var (
	vecA = []float64{1, 0, 0}
	vecB = []float64{1, 0.1, 0} // cosine vs vecA ~= 0.995
	vecC = []float64{0, 1, 0}   // cosine vs vecA == 0
)

func TestBuildMergeClustersPairsSimilarInsights(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	embedder := &fakeEmbedder{store: store, vectors: map[int64][]float64{1: vecA, 2: vecB}}
	store.addCandidate(1, nil)
	store.addCandidate(2, nil)

	engine := newTestEngine(store, embedder)
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}

	if result.ClustersCreated != 1 {
		t.Fatalf("expected 1 cluster, got %+v", result)
	}
	if result.MembersAdded != 2 {
		t.Fatalf("expected 2 members, got %+v", result)
	}
	if embedder.calls != 2 {
		t.Fatalf("both insights lacked embeddings, expected 2 embed calls, got %d", embedder.calls)
	}

	// Insight 1 had no embedded neighbor when it was processed, so the
	// cluster forms when insight 2 comes around and finds insight 1.
	cluster := store.clusters[1]
	if cluster == nil || len(cluster.members) != 2 {
		t.Fatalf("cluster missing or wrong member count: %+v", cluster)
	}
	if cluster.members[0].insightID != 2 || cluster.members[0].similarity != AnchorSimilarity {
		t.Fatalf("anchor must be insight 2 with self-similarity 1.0, got %+v", cluster.members[0])
	}
	expected, _ := vector.Cosine(vecA, vecB)
	if math.Abs(cluster.members[1].similarity-expected) > 1e-9 {
		t.Fatalf("neighbor similarity %v, want %v", cluster.members[1].similarity, expected)
	}
}

func TestBuildMergeClustersIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	first, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.ClustersCreated != 1 {
		t.Fatalf("first run should create one cluster, got %+v", first)
	}

	second, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ClustersCreated != 0 || second.MembersAdded != 0 {
		t.Fatalf("second run must not create an overlapping cluster, got %+v", second)
	}
	if len(store.clusters) != 1 {
		t.Fatalf("expected 1 cluster after both runs, got %d", len(store.clusters))
	}
}

func TestBuildMergeClustersUniqueMatchBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		similarity    float64
		wantSuggested bool
	}{
		{"just below threshold", 0.8999, false},
		{"exactly at threshold", 0.9000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeStore()
			store.addCandidate(1, vecA)
			store.bestUniqueOverride = &UniqueMatch{UniqueInsightID: 77, Similarity: tc.similarity}

			engine := newTestEngine(store, &fakeEmbedder{store: store})
			result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
			if err != nil {
				t.Fatalf("BuildMergeClusters: %v", err)
			}

			if tc.wantSuggested {
				if result.MergeSuggestions != 1 {
					t.Fatalf("similarity %.4f should suggest a merge, got %+v", tc.similarity, result)
				}
				cluster := store.clusters[1]
				if cluster == nil || cluster.suggestedUnique == nil || *cluster.suggestedUnique != 77 {
					t.Fatalf("cluster should carry suggested unique insight 77, got %+v", cluster)
				}
				if len(cluster.members) != 1 || cluster.members[0].similarity != tc.similarity {
					t.Fatalf("sole member should carry the matched similarity, got %+v", cluster.members)
				}
			} else {
				if result.MergeSuggestions != 0 || result.ClustersCreated != 0 {
					t.Fatalf("similarity %.4f is below threshold, got %+v", tc.similarity, result)
				}
			}
		})
	}
}

func TestBuildMergeClustersEndToEndScenario(t *testing.T) {
	t.Parallel()

	// A and B paraphrase each other; C is unrelated.
	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)
	store.addCandidate(3, vecC)

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}

	if result.ClustersCreated != 1 || result.MembersAdded != 2 {
		t.Fatalf("expected exactly one 2-member cluster, got %+v", result)
	}
	if _, ok := store.memberCluster[3]; ok {
		t.Fatalf("unrelated insight must be left untouched")
	}
	if _, ok := store.memberCluster[1]; !ok {
		t.Fatalf("insight 1 should be clustered")
	}
	if _, ok := store.memberCluster[2]; !ok {
		t.Fatalf("insight 2 should be clustered")
	}
}

func TestBuildMergeClustersSkipsLinkedCandidate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)
	// Insight 1 gets merged by a concurrent run after selection.
	store.candidates[0].Embedding = vecA
	store.linked[1] = true

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}
	// Insight 1 is filtered at selection; insight 2 has no unlinked
	// neighbor left above threshold.
	if result.ClustersCreated != 0 {
		t.Fatalf("no cluster should form around a linked insight, got %+v", result)
	}
}

func TestBuildMergeClustersCompensatesOnMemberFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)
	store.addMemberFail[2] = errors.New("insert failed")

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}

	if result.Errors == 0 {
		t.Fatalf("member insert failure must be counted as an error, got %+v", result)
	}
	if len(store.clusters) != 0 {
		t.Fatalf("orphaned cluster must be deleted, found %d clusters", len(store.clusters))
	}
	if _, ok := store.memberCluster[1]; ok {
		t.Fatalf("anchor membership must be rolled back with the cluster")
	}
}

func TestBuildMergeClustersConflictTreatedAsSkip(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)
	store.addMemberFail[2] = fmt.Errorf("insight_id=2: %w", ErrAlreadyClustered)

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}

	if result.Errors != 0 {
		t.Fatalf("unique-constraint conflict is a skip, not an error: %+v", result)
	}
	if result.Skipped == 0 {
		t.Fatalf("conflicting candidate should be counted as skipped: %+v", result)
	}
	if len(store.clusters) != 0 {
		t.Fatalf("conflicting cluster must be removed, found %d clusters", len(store.clusters))
	}
}

func TestBuildMergeClustersPerCandidateErrorsDoNotAbortBatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	embedder := &fakeEmbedder{store: store, vectors: map[int64][]float64{
		// Insight 1 has no assigned vector, so its on-demand embed fails.
		2: vecA,
		3: vecB,
	}}
	store.addCandidate(1, nil)
	store.addCandidate(2, nil)
	store.addCandidate(3, nil)

	engine := newTestEngine(store, embedder)
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}

	if result.Errors != 1 {
		t.Fatalf("expected exactly one per-candidate error, got %+v", result)
	}
	if result.ClustersCreated != 1 || result.MembersAdded != 2 {
		t.Fatalf("remaining candidates should still cluster, got %+v", result)
	}
}

func TestBuildMergeClustersRespectsLimit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.addCandidate(1, vecA)
	store.addCandidate(2, vecB)
	store.addCandidate(3, vecC)

	engine := newTestEngine(store, &fakeEmbedder{store: store})
	result, err := engine.BuildMergeClusters(context.Background(), BuildOptions{Limit: 1})
	if err != nil {
		t.Fatalf("BuildMergeClusters: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("limit 1 should process one candidate, got %+v", result)
	}
}
