package vector

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestCosineSelfSimilarity(t *testing.T) {
	t.Parallel()

	v := []float64{0.3, -1.2, 4.5, 0.007}
	got, err := Cosine(v, v)
	if err != nil {
		t.Fatalf("Cosine: %v", err)
	}
	if math.Abs(got-1.0) > 1e-12 {
		t.Fatalf("Cosine(v, v) = %v, want 1.0", got)
	}
}

func TestCosineOppositeVectors(t *testing.T) {
	t.Parallel()

	v := []float64{1, 2, 3}
	neg := []float64{-1, -2, -3}
	got, err := Cosine(v, neg)
	if err != nil {
		t.Fatalf("Cosine: %v", err)
	}
	if math.Abs(got+1.0) > 1e-12 {
		t.Fatalf("Cosine(v, -v) = %v, want -1.0", got)
	}
}

func TestCosineZeroVectors(t *testing.T) {
	t.Parallel()

	zero := []float64{0, 0, 0}
	got, err := Cosine(zero, zero)
	if err != nil {
		t.Fatalf("Cosine: %v", err)
	}
	if got != 0 {
		t.Fatalf("zero vectors must yield 0, got %v (NaN=%v)", got, math.IsNaN(got))
	}

	got, err = Cosine(zero, []float64{1, 2, 3})
	if err != nil || got != 0 {
		t.Fatalf("zero against non-zero must yield 0, got %v err=%v", got, err)
	}
}

func TestCosineDimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := Cosine([]float64{1, 2}, []float64{1, 2, 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	t.Parallel()

	got, err := Cosine([]float64{1, 0}, []float64{0, 1})
	if err != nil || got != 0 {
		t.Fatalf("orthogonal vectors must yield 0, got %v err=%v", got, err)
	}
}

func fullVector(fill float64) []float64 {
	v := make([]float64, Dimensions)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestToLiteralRoundTrip(t *testing.T) {
	t.Parallel()

	v := fullVector(0.25)
	v[0] = -1.5
	v[Dimensions-1] = 0.0001

	literal, err := ToLiteral(v)
	if err != nil {
		t.Fatalf("ToLiteral: %v", err)
	}
	if !strings.HasPrefix(literal, "[") || !strings.HasSuffix(literal, "]") {
		t.Fatalf("literal not bracketed: %s", literal[:16])
	}

	parsed, err := ParseLiteral(literal)
	if err != nil {
		t.Fatalf("ParseLiteral: %v", err)
	}
	if len(parsed) != Dimensions {
		t.Fatalf("parsed %d components, want %d", len(parsed), Dimensions)
	}
	for i := range v {
		if parsed[i] != v[i] {
			t.Fatalf("component %d: %v != %v", i, parsed[i], v[i])
		}
	}
}

func TestToLiteralRejectsWrongWidth(t *testing.T) {
	t.Parallel()

	_, err := ToLiteral([]float64{1, 2, 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestToLiteralRejectsNonFinite(t *testing.T) {
	t.Parallel()

	v := fullVector(0.5)
	v[10] = math.NaN()
	if _, err := ToLiteral(v); err == nil {
		t.Fatalf("NaN component must be rejected")
	}

	v[10] = math.Inf(1)
	if _, err := ToLiteral(v); err == nil {
		t.Fatalf("Inf component must be rejected")
	}
}

func TestParseLiteralErrors(t *testing.T) {
	t.Parallel()

	cases := []string{"1,2,3", "[1,2,x]", "{1,2}"}
	for _, literal := range cases {
		if _, err := ParseLiteral(literal); err == nil {
			t.Errorf("ParseLiteral(%q) should fail", literal)
		}
	}

	empty, err := ParseLiteral("[]")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty literal should parse to nil, got %v err=%v", empty, err)
	}
}
