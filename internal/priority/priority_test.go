package priority

import (
	"reflect"
	"testing"
	"time"

	"lumen.health/insight/internal/globaltime"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func i16Ptr(v int16) *int16   { return &v }

func makeInsight(id int64, importance int16, createdAt time.Time) Insight {
	return Insight{
		InsightID:  id,
		Statement:  "statement",
		Importance: i16Ptr(importance),
		CreatedAt:  createdAt,
	}
}

func tierIDs(tier []Scored) []int64 {
	ids := make([]int64, 0, len(tier))
	for _, item := range tier {
		ids = append(ids, item.InsightID)
	}
	return ids
}

func TestScoreWeights(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		insight Insight
		recent  bool
		want    int
	}{
		{
			name: "all defaults",
			// importance 2*10 + actionability medium 2*5 + evidence other 1*3
			insight: Insight{},
			want:    33,
		},
		{
			name: "maximum",
			insight: Insight{
				Importance:    i16Ptr(3),
				Actionability: strPtr("High"),
				EvidenceType:  strPtr("meta_analysis"),
			},
			recent: true,
			want:   3*10 + 3*5 + 5*3 + RecencyBonus,
		},
		{
			name: "background expert opinion",
			insight: Insight{
				Importance:    i16Ptr(1),
				Actionability: strPtr("background"),
				EvidenceType:  strPtr("expert_opinion"),
			},
			want: 10,
		},
		{
			name: "hyphenated evidence tag",
			insight: Insight{
				Importance:   i16Ptr(2),
				EvidenceType: strPtr("Case-Series"),
			},
			want: 2*10 + 2*5 + 2*3,
		},
		{
			name:    "importance out of range falls back to default",
			insight: Insight{Importance: i16Ptr(7)},
			want:    33,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Score(tc.insight, tc.recent); got != tc.want {
				t.Fatalf("Score() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPrioritizeTiersPartitionInput(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	old := testNow.Add(-90 * 24 * time.Hour)
	insights := make([]Insight, 0, 500)
	for i := int64(1); i <= 500; i++ {
		insights = append(insights, makeInsight(i, int16(i%3+1), old))
	}

	result := Prioritize(insights, DefaultMaxCount, "")

	if result.TotalCount != 500 {
		t.Fatalf("TotalCount = %d, want 500", result.TotalCount)
	}
	if result.Tier1Count+result.Tier2Count+result.Tier3Count != result.TotalCount {
		t.Fatalf("tier counts %d+%d+%d do not sum to %d",
			result.Tier1Count, result.Tier2Count, result.Tier3Count, result.TotalCount)
	}
	if result.Tier1Count+result.Tier2Count > DefaultMaxCount {
		t.Fatalf("tier1+tier2 = %d exceeds max %d", result.Tier1Count+result.Tier2Count, DefaultMaxCount)
	}

	seen := make(map[int64]int)
	for _, tier := range [][]Scored{result.Tier1, result.Tier2, result.Tier3} {
		for _, item := range tier {
			seen[item.InsightID]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("insight %d appears in %d tiers", id, count)
		}
	}
	if len(seen) != 500 {
		t.Fatalf("expected 500 distinct ids across tiers, got %d", len(seen))
	}
}

func TestPrioritizeRecentMinimumScoreReachesTier1(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	old := testNow.Add(-60 * 24 * time.Hour)
	insights := make([]Insight, 0, 201)
	// 200 old high-importance insights fill the score-ranked head.
	for i := int64(1); i <= 200; i++ {
		insights = append(insights, makeInsight(i, 3, old))
	}
	// One recent insight with minimum scores everywhere else.
	weak := Insight{
		InsightID:     999,
		Importance:    i16Ptr(1),
		Actionability: strPtr("background"),
		EvidenceType:  strPtr("expert_opinion"),
		CreatedAt:     testNow.Add(-24 * time.Hour),
	}
	insights = append(insights, weak)

	result := Prioritize(insights, DefaultMaxCount, "")

	found := false
	for _, item := range result.Tier1 {
		if item.InsightID == 999 {
			found = true
		}
	}
	if !found {
		t.Fatalf("recent low-score insight should be promoted into tier 1")
	}
	if result.Tier1Count != Tier1TopCount+1 {
		t.Fatalf("Tier1Count = %d, want %d", result.Tier1Count, Tier1TopCount+1)
	}
}

func TestPrioritizeExactly151RecentInsights(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	recent := testNow.Add(-24 * time.Hour)
	insights := make([]Insight, 0, 151)
	// 151 recent qualifying insights: ids 1..150 score higher than id 151,
	// so id 151 is the one left competing for the recent-extra slots after
	// the 100-deep head and 50 extras are taken.
	for i := int64(1); i <= 150; i++ {
		insights = append(insights, makeInsight(i, 3, recent))
	}
	insights = append(insights, makeInsight(151, 1, recent))

	result := Prioritize(insights, DefaultMaxCount, "")

	if result.Tier1Count != Tier1TopCount+Tier1RecentExtra {
		t.Fatalf("Tier1Count = %d, want %d", result.Tier1Count, Tier1TopCount+Tier1RecentExtra)
	}
	for _, item := range result.Tier1 {
		if item.InsightID == 151 {
			t.Fatalf("insight 151 should be displaced from tier 1 by 150 higher-priority recents")
		}
	}
	if result.Tier2Count != 1 || result.Tier2[0].InsightID != 151 {
		t.Fatalf("insight 151 should land in tier 2, got tier2=%v", tierIDs(result.Tier2))
	}
}

func TestPrioritizeIdempotent(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	insights := make([]Insight, 0, 400)
	for i := int64(1); i <= 400; i++ {
		age := time.Duration(i) * 12 * time.Hour
		insights = append(insights, makeInsight(i, int16(i%3+1), testNow.Add(-age)))
	}

	first := Prioritize(insights, 300, "")
	second := Prioritize(insights, 300, "")

	if !reflect.DeepEqual(tierIDs(first.Tier1), tierIDs(second.Tier1)) ||
		!reflect.DeepEqual(tierIDs(first.Tier2), tierIDs(second.Tier2)) ||
		!reflect.DeepEqual(tierIDs(first.Tier3), tierIDs(second.Tier3)) {
		t.Fatalf("two runs over the same input produced different tier assignments")
	}
}

func TestPrioritizeAudienceFilter(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	insights := []Insight{
		{InsightID: 1, Audience: strPtr("patient"), CreatedAt: testNow},
		{InsightID: 2, Audience: strPtr("clinician"), CreatedAt: testNow},
		{InsightID: 3, Audience: strPtr("both"), CreatedAt: testNow},
		{InsightID: 4, CreatedAt: testNow},
	}

	result := Prioritize(insights, DefaultMaxCount, "patient")
	if result.TotalCount != 3 {
		t.Fatalf("patient filter should keep 3 insights, got %d", result.TotalCount)
	}
	for _, item := range result.Tier1 {
		if item.InsightID == 2 {
			t.Fatalf("clinician-only insight must be filtered out")
		}
	}

	if got := Prioritize(insights, DefaultMaxCount, "both").TotalCount; got != 4 {
		t.Fatalf("audience both keeps everything, got %d", got)
	}
}

func TestPrioritizeTieBreakByID(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	old := testNow.Add(-60 * 24 * time.Hour)
	insights := []Insight{
		makeInsight(30, 2, old),
		makeInsight(10, 2, old),
		makeInsight(20, 2, old),
	}

	result := Prioritize(insights, DefaultMaxCount, "")
	got := tierIDs(result.Tier1)
	want := []int64{10, 20, 30}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("equal scores should order by id ascending, got %v", got)
	}
}

func TestInsightsForGeneration(t *testing.T) {
	globaltime.SetMockTime(testNow)
	defer globaltime.ResetTime()

	old := testNow.Add(-60 * 24 * time.Hour)
	insights := make([]Insight, 0, 120)
	for i := int64(1); i <= 120; i++ {
		insights = append(insights, makeInsight(i, 2, old))
	}

	result := Prioritize(insights, 110, "")
	combined := result.InsightsForGeneration()
	if len(combined) != 110 {
		t.Fatalf("generation set = %d, want 110", len(combined))
	}
	if result.Tier3Count != 10 {
		t.Fatalf("Tier3Count = %d, want 10", result.Tier3Count)
	}
}
