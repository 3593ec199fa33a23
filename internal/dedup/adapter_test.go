package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/llm"
)

func floatPtr(v float64) *float64 { return &v }

func newFallbackAdapter(t *testing.T) *Adapter {
	t.Helper()
	return NewAdapter(nil, AdapterOptions{}, zerolog.Nop())
}

func TestPredictMergeDecisionThresholdFallback(t *testing.T) {
	t.Parallel()

	adapter := newFallbackAdapter(t)
	ctx := context.Background()

	a := InsightFields{Statement: "Vitamin D supplementation reduces fracture risk"}
	b := InsightFields{Statement: "Supplementing vitamin D lowers fracture risk"}

	decision := adapter.PredictMergeDecision(ctx, a, b, floatPtr(0.95))
	if !decision.ShouldMerge {
		t.Fatalf("similarity 0.95 should merge, got %+v", decision)
	}
	if decision.Confidence != 0.95 {
		t.Fatalf("expected confidence 0.95, got %v", decision.Confidence)
	}

	decision = adapter.PredictMergeDecision(ctx, a, b, floatPtr(0.5))
	if decision.ShouldMerge {
		t.Fatalf("similarity 0.5 should not merge, got %+v", decision)
	}
}

func TestPredictMergeDecisionThresholdBoundary(t *testing.T) {
	t.Parallel()

	adapter := newFallbackAdapter(t)
	ctx := context.Background()
	a := InsightFields{Statement: "a"}
	b := InsightFields{Statement: "b"}

	if d := adapter.PredictMergeDecision(ctx, a, b, floatPtr(0.90)); !d.ShouldMerge {
		t.Fatalf("0.90 is inclusive, expected merge")
	}
	if d := adapter.PredictMergeDecision(ctx, a, b, floatPtr(0.8999)); d.ShouldMerge {
		t.Fatalf("0.8999 is below threshold, expected no merge")
	}
}

func TestPredictMergeDecisionNoSimilarity(t *testing.T) {
	t.Parallel()

	adapter := newFallbackAdapter(t)
	decision := adapter.PredictMergeDecision(context.Background(), InsightFields{Statement: "a"}, InsightFields{Statement: "b"}, nil)
	if decision.ShouldMerge {
		t.Fatalf("no similarity should default to no merge")
	}
	if decision.Confidence != 0.5 {
		t.Fatalf("expected default confidence 0.5, got %v", decision.Confidence)
	}
}

type fakeCompleter struct {
	text     string
	logprobs *float64
	err      error
	calls    int
}

func (f *fakeCompleter) GenerateWithModel(_ context.Context, _, _ string, _ bool) (llm.Completion, error) {
	f.calls++
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return llm.Completion{Text: f.text, AvgLogprobs: f.logprobs}, nil
}

func newModelAdapter(fake *fakeCompleter) *Adapter {
	return &Adapter{
		client:        fake,
		model:         "merge-classifier",
		logger:        zerolog.Nop(),
		subBatchSize:  DefaultSubBatchSize,
		subBatchDelay: time.Millisecond,
	}
}

func TestPredictMergeDecisionModelVerdicts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		text  string
		merge bool
	}{
		{"merge", "MERGE\nBoth statements describe the same effect.", true},
		{"dont merge apostrophe", "DON'T MERGE\nDifferent interventions.", false},
		{"do not merge", "DO NOT MERGE because the populations differ.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			adapter := newModelAdapter(&fakeCompleter{text: tc.text})
			decision := adapter.PredictMergeDecision(context.Background(), InsightFields{Statement: "a"}, InsightFields{Statement: "b"}, floatPtr(0.8))
			if decision.ShouldMerge != tc.merge {
				t.Fatalf("verdict %q: expected merge=%v, got %+v", tc.text, tc.merge, decision)
			}
			if decision.ModelUsed != "merge-classifier" {
				t.Fatalf("expected model attribution, got %q", decision.ModelUsed)
			}
		})
	}
}

func TestPredictMergeDecisionModelFailureFallsBack(t *testing.T) {
	t.Parallel()

	adapter := newModelAdapter(&fakeCompleter{err: errors.New("rate limited")})
	decision := adapter.PredictMergeDecision(context.Background(), InsightFields{Statement: "a"}, InsightFields{Statement: "b"}, floatPtr(0.95))
	if !decision.ShouldMerge {
		t.Fatalf("fallback at similarity 0.95 should merge, got %+v", decision)
	}
	if decision.ModelUsed != "" {
		t.Fatalf("fallback decision must not claim a model, got %q", decision.ModelUsed)
	}
}

func TestPredictMergeDecisionUnreadableVerdictFallsBack(t *testing.T) {
	t.Parallel()

	adapter := newModelAdapter(&fakeCompleter{text: "the statements are thematically adjacent"})
	decision := adapter.PredictMergeDecision(context.Background(), InsightFields{Statement: "a"}, InsightFields{Statement: "b"}, floatPtr(0.3))
	if decision.ShouldMerge {
		t.Fatalf("unreadable verdict with similarity 0.3 should not merge")
	}
}

func TestModelConfidenceFromLogprobs(t *testing.T) {
	t.Parallel()

	logprobs := -0.1054 // exp(-0.1054) ~= 0.90
	adapter := newModelAdapter(&fakeCompleter{text: "MERGE", logprobs: &logprobs})
	decision := adapter.PredictMergeDecision(context.Background(), InsightFields{Statement: "a"}, InsightFields{Statement: "b"}, nil)
	if decision.Confidence < 0.89 || decision.Confidence > 0.91 {
		t.Fatalf("expected confidence near 0.90, got %v", decision.Confidence)
	}
}

func TestPredictMergeDecisionBatchOrderAndCount(t *testing.T) {
	t.Parallel()

	adapter := newFallbackAdapter(t)
	adapter.subBatchDelay = time.Millisecond

	pairs := make([]Pair, 0, 25)
	for i := 0; i < 25; i++ {
		sim := 0.5
		if i%2 == 0 {
			sim = 0.95
		}
		pairs = append(pairs, Pair{
			A:          InsightFields{Statement: "a"},
			B:          InsightFields{Statement: "b"},
			Similarity: floatPtr(sim),
		})
	}

	decisions := adapter.PredictMergeDecisionBatch(context.Background(), pairs)
	if len(decisions) != len(pairs) {
		t.Fatalf("expected %d decisions, got %d", len(pairs), len(decisions))
	}
	for i, decision := range decisions {
		expected := i%2 == 0
		if decision.ShouldMerge != expected {
			t.Fatalf("decision %d: expected merge=%v, got %+v", i, expected, decision)
		}
	}
}

func TestPredictMergeDecisionBatchCancelledContext(t *testing.T) {
	t.Parallel()

	adapter := newFallbackAdapter(t)
	adapter.subBatchSize = 2
	adapter.subBatchDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pairs := []Pair{
		{Similarity: floatPtr(0.95)},
		{Similarity: floatPtr(0.95)},
		{Similarity: floatPtr(0.95)},
	}
	decisions := adapter.PredictMergeDecisionBatch(ctx, pairs)
	if len(decisions) != len(pairs) {
		t.Fatalf("cancelled batch must still return one decision per pair, got %d", len(decisions))
	}
}
