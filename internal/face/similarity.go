package face

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultThreshold is the similarity at or above which two faces match.
const DefaultThreshold = 0.6

// Similarity returns the cosine similarity of a and b, clamped to [-1, 1].
func Similarity(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, Errorf(KindLengthMismatch, "%s (%d != %d)", ErrLengthMismatch.Message, len(a), len(b))
	}

	x, y := a.Float64s(), b.Float64s()

	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0, ErrZeroNormVector
	}

	s := floats.Dot(x, y) / (na * nb)

	return math.Max(-1, math.Min(1, s)), nil
}

// Match reports whether similarity reaches threshold. The bound is inclusive.
func Match(similarity, threshold float64) bool {
	return similarity >= threshold
}

// Round4 rounds a similarity to four decimal places for reporting.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Compare computes the similarity of a and b and applies threshold.
func Compare(a, b Embedding, threshold float64) (ComparisonResult, error) {
	s, err := Similarity(a, b)
	if err != nil {
		return ComparisonResult{}, err
	}

	return ComparisonResult{
		IsMatch:    Match(s, threshold),
		Similarity: Round4(s),
		Threshold:  threshold,
	}, nil
}

// ValidThreshold reports whether t is a usable cosine threshold.
func ValidThreshold(t float64) bool {
	return !math.IsNaN(t) && t >= -1 && t <= 1
}
