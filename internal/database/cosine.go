package database

import "math"

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Mismatched, empty or zero vectors score -1 so they never rank.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dot, sumA, sumB float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		sumA += float64(x) * float64(x)
		sumB += y * y
	}
	if sumA == 0 || sumB == 0 {
		return -1
	}

	return max(-1, min(1, dot/math.Sqrt(sumA*sumB)))
}
