package generate

import (
	"strings"
	"testing"
	"time"

	"lumen.health/insight/internal/priority"
)

func TestSplitTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		in        string
		wantTitle string
		wantBody  string
	}{
		{
			name:      "plain first line",
			in:        "Vitamin D and Bone Health\n\nVitamin D matters.",
			wantTitle: "Vitamin D and Bone Health",
			wantBody:  "Vitamin D matters.",
		},
		{
			name:      "markdown heading",
			in:        "# Vitamin D and Bone Health\nBody text.",
			wantTitle: "Vitamin D and Bone Health",
			wantBody:  "Body text.",
		},
		{
			name:      "leading blank lines",
			in:        "\n\nTitle Here\nBody.",
			wantTitle: "Title Here",
			wantBody:  "Body.",
		},
		{
			name:      "empty text uses fallback",
			in:        "   ",
			wantTitle: "Vitamin D",
			wantBody:  "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			title, body := SplitTitle(tc.in, "Vitamin D")
			if title != tc.wantTitle {
				t.Fatalf("title = %q, want %q", title, tc.wantTitle)
			}
			if body != tc.wantBody {
				t.Fatalf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	note := "post-menopausal cohort"
	evidence := "meta_analysis"
	insights := []priority.Scored{
		{Insight: priority.Insight{
			InsightID:    1,
			Statement:    "Vitamin D supplementation reduces fracture risk",
			ContextNote:  &note,
			EvidenceType: &evidence,
			CreatedAt:    time.Now(),
		}},
		{Insight: priority.Insight{InsightID: 2, Statement: "Exercise improves VO2 max"}},
	}

	prompt := buildPrompt("Vitamin D", KindProtocol, "patient", insights)
	for _, want := range []string{
		"step-by-step protocol",
		"patient audience",
		"Vitamin D supplementation reduces fracture risk",
		"(post-menopausal cohort)",
		"[evidence: meta_analysis]",
		"Exercise improves VO2 max",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}

	article := buildPrompt("Vitamin D", KindArticle, "both", insights)
	if strings.Contains(article, "audience") {
		t.Fatalf("audience both should not constrain the prompt:\n%s", article)
	}
	if !strings.Contains(article, "long-form evidence-backed article") {
		t.Fatalf("article prompt should ask for an article:\n%s", article)
	}
}
