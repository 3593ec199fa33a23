package priority

import (
	"sort"
	"strings"
	"time"

	"lumen.health/insight/internal/globaltime"
)

const (
	// DefaultMaxCount bounds Tier 1 + Tier 2 combined.
	DefaultMaxCount = 350
	// Tier1TopCount is the score-ranked head of Tier 1.
	Tier1TopCount = 100
	// Tier1RecentExtra is the cap on additional recent insights promoted
	// into Tier 1 beyond the top-ranked head.
	Tier1RecentExtra = 50
	// RecencyWindow is how far back an insight still earns the bonus.
	RecencyWindow = 30 * 24 * time.Hour
	// RecencyBonus is added to the composite score inside the window.
	RecencyBonus = 5
)

// Insight is the projection of a raw insight the scorer needs.
type Insight struct {
	InsightID     int64
	Statement     string
	ContextNote   *string
	Importance    *int16
	Actionability *string
	EvidenceType  *string
	Confidence    *string
	Audience      *string
	CreatedAt     time.Time
}

// Scored pairs an insight with its composite score.
type Scored struct {
	Insight
	Score  int
	Recent bool
}

// Prioritized is the three-tier partition of a topic's insights. Tier 3 is
// excluded from generation but counted so callers know how much was dropped.
type Prioritized struct {
	Tier1 []Scored
	Tier2 []Scored
	Tier3 []Scored

	Tier1Count int
	Tier2Count int
	Tier3Count int
	TotalCount int
}

// InsightsForGeneration concatenates Tier 1 and Tier 2.
func (p Prioritized) InsightsForGeneration() []Scored {
	combined := make([]Scored, 0, len(p.Tier1)+len(p.Tier2))
	combined = append(combined, p.Tier1...)
	combined = append(combined, p.Tier2...)
	return combined
}

// Prioritize partitions insights into tiers for LLM context construction.
// Pure and deterministic for a fixed input list and a fixed clock.
func Prioritize(insights []Insight, maxCount int, audience string) Prioritized {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	now := globaltime.Now()

	scored := make([]Scored, 0, len(insights))
	for _, insight := range insights {
		if !matchesAudience(insight.Audience, audience) {
			continue
		}
		recent := now.Sub(insight.CreatedAt) <= RecencyWindow
		scored = append(scored, Scored{
			Insight: insight,
			Score:   Score(insight, recent),
			Recent:  recent,
		})
	}

	// Stable total order: score descending, id ascending on ties.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].InsightID < scored[j].InsightID
	})

	result := Prioritized{TotalCount: len(scored)}

	tier1 := make([]Scored, 0, min(len(scored), Tier1TopCount+Tier1RecentExtra))
	inTier1 := make(map[int64]bool, Tier1TopCount+Tier1RecentExtra)
	for _, item := range scored {
		if len(tier1) >= Tier1TopCount {
			break
		}
		tier1 = append(tier1, item)
		inTier1[item.InsightID] = true
	}

	recentExtra := 0
	for _, item := range scored {
		if recentExtra >= Tier1RecentExtra {
			break
		}
		if !item.Recent || inTier1[item.InsightID] {
			continue
		}
		tier1 = append(tier1, item)
		inTier1[item.InsightID] = true
		recentExtra++
	}
	result.Tier1 = tier1

	tier2Budget := maxCount - len(tier1)
	for _, item := range scored {
		if inTier1[item.InsightID] {
			continue
		}
		if tier2Budget > 0 && len(result.Tier2) < tier2Budget {
			result.Tier2 = append(result.Tier2, item)
		} else {
			result.Tier3 = append(result.Tier3, item)
		}
	}

	result.Tier1Count = len(result.Tier1)
	result.Tier2Count = len(result.Tier2)
	result.Tier3Count = len(result.Tier3)
	return result
}

// Score computes the composite priority score.
func Score(insight Insight, recent bool) int {
	importance := 2
	if insight.Importance != nil && *insight.Importance >= 1 && *insight.Importance <= 3 {
		importance = int(*insight.Importance)
	}

	score := importance*10 + actionabilityWeight(insight.Actionability)*5 + evidenceWeight(insight.EvidenceType)*3
	if recent {
		score += RecencyBonus
	}
	return score
}

func actionabilityWeight(actionability *string) int {
	if actionability == nil {
		return 2
	}
	switch normalizeTag(*actionability) {
	case "background":
		return 0
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	default:
		return 2
	}
}

func evidenceWeight(evidenceType *string) int {
	if evidenceType == nil {
		return 1
	}
	switch normalizeTag(*evidenceType) {
	case "meta_analysis":
		return 5
	case "rct":
		return 4
	case "cohort":
		return 3
	case "case_series":
		return 2
	case "expert_opinion":
		return 0
	default:
		// mechanistic, animal, other
		return 1
	}
}

func matchesAudience(insightAudience *string, filter string) bool {
	filter = normalizeTag(filter)
	if filter == "" || filter == "both" {
		return true
	}
	if insightAudience == nil {
		return true
	}
	audience := normalizeTag(*insightAudience)
	return audience == "" || audience == "both" || audience == filter
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	tag = strings.ReplaceAll(tag, "-", "_")
	return strings.ReplaceAll(tag, " ", "_")
}
