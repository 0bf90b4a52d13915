// Package vecmath holds the vector primitives shared by the retrieval
// components: cosine similarity and weighted blending of embeddings.
package vecmath

import "math"

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b.
// It returns 0 when either vector is empty, has zero length or the
// dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp rounding noise so callers can rely on the [-1, 1] range.
	return math.Max(-1, math.Min(1, sim))
}

// WeightedAverage blends vectors as Σ(vᵢ·wᵢ). Despite the name it does not
// divide by the total weight; callers that need a true mean use Mean.
//
// Nil or empty vectors, and vectors whose dimension differs from the first
// usable one, are skipped. When exactly one usable vector remains it is
// returned unweighted (as a copy). When none remain the result is nil.
func WeightedAverage(vectors [][]float32, weights []float64) []float32 {
	idx := usable(vectors, weights)
	switch len(idx) {
	case 0:
		return nil
	case 1:
		return clone(vectors[idx[0]])
	}
	out := make([]float32, len(vectors[idx[0]]))
	for _, i := range idx {
		addScaled(out, vectors[i], weights[i])
	}
	return out
}

// Mean is the weighted mean Σ(vᵢ·wᵢ) / Σwᵢ over the usable vectors. When the
// total weight is zero the first usable vector is returned.
func Mean(vectors [][]float32, weights []float64) []float32 {
	idx := usable(vectors, weights)
	if len(idx) == 0 {
		return nil
	}
	var total float64
	out := make([]float32, len(vectors[idx[0]]))
	for _, i := range idx {
		total += weights[i]
		addScaled(out, vectors[i], weights[i])
	}
	if total == 0 {
		return clone(vectors[idx[0]])
	}
	return Scale(out, 1/total)
}

// Scale multiplies every component of v by f in place and returns v.
func Scale(v []float32, f float64) []float32 {
	for i := range v {
		v[i] = float32(float64(v[i]) * f)
	}
	return v
}

func usable(vectors [][]float32, weights []float64) []int {
	var idx []int
	dim := -1
	for i, v := range vectors {
		if len(v) == 0 || i >= len(weights) {
			continue
		}
		if dim == -1 {
			dim = len(v)
		} else if len(v) != dim {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

func addScaled(dst, v []float32, w float64) {
	for j := range dst {
		dst[j] = float32(float64(dst[j]) + float64(v[j])*w)
	}
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
