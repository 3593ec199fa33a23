package dedup

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lumen.health/insight/internal/llm"
)

const (
	// MergeThreshold is the similarity at or above which two insights are
	// presumed to state the same fact when no classifier model is active.
	MergeThreshold = 0.90

	DefaultSubBatchSize  = 10
	DefaultSubBatchDelay = 500 * time.Millisecond
)

// InsightFields carries the statement plus metadata the classifier prompt
// includes for one side of a pair.
type InsightFields struct {
	Statement    string
	ContextNote  *string
	Confidence   *string
	EvidenceType *string
}

// Decision is the outcome of one merge prediction.
type Decision struct {
	ShouldMerge bool
	Confidence  float64
	Reasoning   string
	ModelUsed   string
}

// Pair is one A/B comparison in a batch, with an optional precomputed
// cosine similarity.
type Pair struct {
	A          InsightFields
	B          InsightFields
	Similarity *float64
}

type completer interface {
	GenerateWithModel(ctx context.Context, model, prompt string, withLogprobs bool) (llm.Completion, error)
}

// Adapter decides whether two insights denote the same fact. With a
// classifier model configured it asks the model; otherwise, or whenever the
// model call fails, it falls back to the similarity threshold. It never
// returns an error to its caller.
type Adapter struct {
	client        completer
	model         string
	logger        zerolog.Logger
	subBatchSize  int
	subBatchDelay time.Duration
}

type AdapterOptions struct {
	// Model is the classifier model name. Empty disables the model path.
	Model         string
	SubBatchSize  int
	SubBatchDelay time.Duration
}

func NewAdapter(client *llm.Client, opts AdapterOptions, logger zerolog.Logger) *Adapter {
	subBatchSize := opts.SubBatchSize
	if subBatchSize <= 0 {
		subBatchSize = DefaultSubBatchSize
	}
	subBatchDelay := opts.SubBatchDelay
	if subBatchDelay <= 0 {
		subBatchDelay = DefaultSubBatchDelay
	}

	adapter := &Adapter{
		model:         strings.TrimSpace(opts.Model),
		logger:        logger,
		subBatchSize:  subBatchSize,
		subBatchDelay: subBatchDelay,
	}
	if client != nil {
		adapter.client = client
	}
	return adapter
}

func (a *Adapter) modelActive() bool {
	return a != nil && a.client != nil && a.model != ""
}

// PredictMergeDecision classifies one pair. Upstream failures degrade to the
// threshold rule instead of propagating.
func (a *Adapter) PredictMergeDecision(ctx context.Context, pairA, pairB InsightFields, similarity *float64) Decision {
	if !a.modelActive() {
		return thresholdDecision(similarity)
	}

	completion, err := a.client.GenerateWithModel(ctx, a.model, classifyPrompt(pairA, pairB), true)
	if err != nil {
		a.logger.Warn().Err(err).Str("model", a.model).Msg("merge classifier call failed, using threshold fallback")
		return thresholdDecision(similarity)
	}

	verdict, ok := parseVerdict(completion.Text)
	if !ok {
		a.logger.Warn().Str("model", a.model).Str("response", truncate(completion.Text, 120)).
			Msg("merge classifier verdict unreadable, using threshold fallback")
		return thresholdDecision(similarity)
	}

	return Decision{
		ShouldMerge: verdict,
		Confidence:  modelConfidence(completion, similarity),
		Reasoning:   strings.TrimSpace(completion.Text),
		ModelUsed:   a.model,
	}
}

// PredictMergeDecisionBatch classifies pairs in sub-batches with a short
// delay between them. Rate limiting only; results stay in input order.
func (a *Adapter) PredictMergeDecisionBatch(ctx context.Context, pairs []Pair) []Decision {
	decisions := make([]Decision, 0, len(pairs))
	for start := 0; start < len(pairs); start += a.subBatchSize {
		end := min(start+a.subBatchSize, len(pairs))
		for _, pair := range pairs[start:end] {
			decisions = append(decisions, a.PredictMergeDecision(ctx, pair.A, pair.B, pair.Similarity))
		}
		if end < len(pairs) {
			select {
			case <-ctx.Done():
				// Remaining pairs get the fallback rule so the caller
				// still receives one decision per pair.
				for _, pair := range pairs[end:] {
					decisions = append(decisions, thresholdDecision(pair.Similarity))
				}
				return decisions
			case <-time.After(a.subBatchDelay):
			}
		}
	}
	return decisions
}

func thresholdDecision(similarity *float64) Decision {
	decision := Decision{
		Confidence: 0.5,
		Reasoning:  fmt.Sprintf("similarity threshold fallback (threshold=%.2f)", MergeThreshold),
	}
	if similarity != nil {
		decision.ShouldMerge = *similarity >= MergeThreshold
		decision.Confidence = *similarity
	}
	return decision
}

func classifyPrompt(a, b InsightFields) string {
	var builder strings.Builder
	builder.WriteString("Decide whether the two health insights below state the same fact.\n")
	builder.WriteString("Answer with exactly MERGE or DON'T MERGE on the first line, then one sentence of reasoning.\n\n")
	writeInsightBlock(&builder, "Insight A", a)
	writeInsightBlock(&builder, "Insight B", b)
	return builder.String()
}

func writeInsightBlock(builder *strings.Builder, label string, fields InsightFields) {
	fmt.Fprintf(builder, "%s:\n  statement: %s\n", label, strings.TrimSpace(fields.Statement))
	if fields.ContextNote != nil && strings.TrimSpace(*fields.ContextNote) != "" {
		fmt.Fprintf(builder, "  context: %s\n", strings.TrimSpace(*fields.ContextNote))
	}
	if fields.Confidence != nil && *fields.Confidence != "" {
		fmt.Fprintf(builder, "  confidence: %s\n", *fields.Confidence)
	}
	if fields.EvidenceType != nil && *fields.EvidenceType != "" {
		fmt.Fprintf(builder, "  evidence: %s\n", *fields.EvidenceType)
	}
	builder.WriteString("\n")
}

// parseVerdict reads a MERGE / DON'T MERGE verdict out of the model text.
// The negative form is checked first because it contains the positive token.
func parseVerdict(text string) (shouldMerge bool, ok bool) {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "DON'T MERGE") || strings.Contains(upper, "DONT MERGE") || strings.Contains(upper, "DO NOT MERGE") {
		return false, true
	}
	if strings.Contains(upper, "MERGE") {
		return true, true
	}
	return false, false
}

// modelConfidence converts the average token log-probability into (0,1];
// without logprobs it falls back to the similarity score, then 0.5.
func modelConfidence(completion llm.Completion, similarity *float64) float64 {
	if completion.AvgLogprobs != nil {
		confidence := math.Exp(*completion.AvgLogprobs)
		if confidence > 1 {
			confidence = 1
		}
		if confidence > 0 {
			return confidence
		}
	}
	if similarity != nil {
		return *similarity
	}
	return 0.5
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
