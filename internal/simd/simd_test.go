package simd

import (
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-5 {
		t.Errorf("sum = %v, want 1", sum)
	}
	for i := 1; i < len(x); i++ {
		if x[i] <= x[i-1] {
			t.Errorf("softmax not monotonic at %d: %v", i, x)
		}
	}
}

func TestSoftmaxLargeValues(t *testing.T) {
	x := []float32{1000, 1000, 1000}
	Softmax(x)
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("x[%d] = %v after softmax of large inputs", i, v)
		}
		if math.Abs(float64(v)-1.0/3.0) > 1e-5 {
			t.Errorf("x[%d] = %v, want 1/3", i, v)
		}
	}
}

func TestSoftmaxEmpty(t *testing.T) {
	Softmax(nil)
	Softmax([]float32{})
}

func TestSoftmaxSingle(t *testing.T) {
	x := []float32{-42}
	Softmax(x)
	if x[0] != 1 {
		t.Errorf("softmax of singleton = %v, want 1", x[0])
	}
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	if got := Dot(a, b); got != 32 {
		t.Errorf("Dot = %v, want 32", got)
	}
	if got := Dot(nil, nil); got != 0 {
		t.Errorf("Dot(nil, nil) = %v, want 0", got)
	}
}

func TestAxpy(t *testing.T) {
	x := []float32{1, 2, 3}
	y := []float32{10, 20, 30}
	Axpy(2, x, y)
	want := []float32{12, 24, 36}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
}
