// Package vector provides the float32 vector math shared by the identity
// index, the recognizer and the duplicate checker.
package vector

import "math"

// Dot computes the inner product of two vectors.
// For L2-normalized vectors this equals their cosine similarity.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// SquaredL2 computes the squared Euclidean distance between two vectors.
func SquaredL2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Norm computes the L2 norm of a vector.
func Norm(a []float32) float64 {
	var sum float64
	for _, v := range a {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize returns a copy of the vector scaled to unit length.
// A zero vector is returned unchanged.
func Normalize(a []float32) []float32 {
	out := make([]float32, len(a))
	norm := Norm(a)
	if norm == 0 {
		copy(out, a)
		return out
	}
	for i, v := range a {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// CosineSimilarity computes the cosine similarity between two vectors,
// clamped to [-1, 1] to absorb floating point error. Invalid input
// (mismatched lengths, zero vectors) yields -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return -1
	}
	sim := Dot(a, b) / (normA * normB)
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}
