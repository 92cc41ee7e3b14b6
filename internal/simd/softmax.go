// Package simd holds the hot inner loops of the attention kernels behind
// per-architecture dispatch variables. Every entry point has a portable
// fallback; architecture files override the dispatch vars in init.
package simd

import "math"

var (
	softmaxImpl func(x []float32)
	dotImpl     func(a, b []float32) float32
	axpyImpl    func(alpha float32, x, y []float32)
)

func init() {
	softmaxImpl = softmaxFallback
	dotImpl = dotFallback
	axpyImpl = axpyFallback
}

// Softmax normalizes x in place. Max-subtraction keeps the exponentials
// finite for arbitrarily large scores.
func Softmax(x []float32) {
	softmaxImpl(x)
}

// Dot returns the inner product of a and b. Both slices must have the
// same length.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

// Axpy accumulates alpha*x into y element-wise.
func Axpy(alpha float32, x, y []float32) {
	axpyImpl(alpha, x, y)
}

func softmaxFallback(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := float32(0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

func dotFallback(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyFallback(alpha float32, x, y []float32) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}
