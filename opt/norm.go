package opt

import (
	"math"

	"github.com/mlweave/loom/base"
)

// SumSquares accumulates the squared elements in f64, the local term of a
// global gradient norm. Shards sum their terms over the model group before
// taking the root, never clipping against a per-shard norm.
func SumSquares(v *base.Vector) float64 {
	var s float64
	for _, x := range v.AsF32() {
		s += float64(x) * float64(x)
	}
	return s
}

// Finite reports whether every element is a finite number.
func Finite(v *base.Vector) bool {
	for _, x := range v.AsF32() {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// ClipCoef returns the factor scaling a gradient of the given global norm
// down to maxNorm, capped at 1 so small gradients pass unchanged. A
// non-positive maxNorm disables clipping.
func ClipCoef(norm, maxNorm float64) float64 {
	if maxNorm <= 0 {
		return 1
	}
	if c := maxNorm / (norm + 1e-6); c < 1 {
		return c
	}
	return 1
}

// Scale multiplies every element in place.
func Scale(v *base.Vector, c float64) {
	xs := v.AsF32()
	for i := range xs {
		xs[i] = float32(float64(xs[i]) * c)
	}
}
