//go:build amd64 && !noasm

package simd

func init() {
	softmaxImpl = softmaxAVX2
	dotImpl = dotAVX2
	axpyImpl = axpyAVX2
}

func softmaxAVX2(x []float32) {
	// TODO: Implement AVX2 version
	softmaxFallback(x)
}

func dotAVX2(a, b []float32) float32 {
	// TODO: Implement AVX2 version
	return dotFallback(a, b)
}

func axpyAVX2(alpha float32, x, y []float32) {
	// TODO: Implement AVX2 version
	axpyFallback(alpha, x, y)
}
