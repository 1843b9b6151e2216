// Package similarity provides the vector math and text helpers behind discussion clustering.
package similarity

import (
	"errors"
	"math"
)

var (
	// ErrEmptyInput is returned when an operation needs at least one vector.
	ErrEmptyInput = errors.New("empty input")
	// ErrDimensionMismatch is returned when vectors of different lengths are mixed.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidK is returned for a non-positive group count.
	ErrInvalidK = errors.New("invalid group count")
)

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction. Zero or
// mismatched vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize returns v scaled to unit L2 length. The zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// NormalizeAll applies Normalize to every vector.
func NormalizeAll(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = Normalize(v)
	}
	return out
}

// Centroid returns the arithmetic mean of vectors.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyInput
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, ErrDimensionMismatch
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(len(vectors)))
	}
	return out, nil
}

// IntraSimilarity is the mean pairwise cosine similarity over distinct pairs.
// One vector scores 1, none scores 0, and the result is clamped to [0, 1].
func IntraSimilarity(vectors [][]float32) float64 {
	switch len(vectors) {
	case 0:
		return 0
	case 1:
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sum += CosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}
	return clamp01(sum / float64(pairs))
}

// NearestCluster returns the index of the centroid most similar to vec and
// whether that similarity reaches threshold. Ties go to the lowest index.
func NearestCluster(vec []float32, centroids [][]float32, threshold float64) (int, bool) {
	if len(centroids) == 0 {
		return -1, false
	}
	best, bestSim := 0, math.Inf(-1)
	for i, c := range centroids {
		if sim := CosineSimilarity(vec, c); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return best, bestSim >= threshold
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func checkDims(vectors [][]float32) error {
	if len(vectors) == 0 {
		return ErrEmptyInput
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim {
			return ErrDimensionMismatch
		}
	}
	return nil
}
