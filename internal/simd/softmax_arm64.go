//go:build arm64 && !noasm

package simd

func init() {
	softmaxImpl = softmaxNEON
	dotImpl = dotNEON
	axpyImpl = axpyNEON
}

func softmaxNEON(x []float32) {
	// TODO: Implement NEON version
	softmaxFallback(x)
}

func dotNEON(a, b []float32) float32 {
	// TODO: Implement NEON version
	return dotFallback(a, b)
}

func axpyNEON(alpha float32, x, y []float32) {
	// TODO: Implement NEON version
	axpyFallback(alpha, x, y)
}
