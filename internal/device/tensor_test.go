package device

import (
	"math"
	"testing"
)

func TestNewAndIndexing(t *testing.T) {
	x := New(2, 3)
	if got := x.NumElements(); got != 6 {
		t.Fatalf("NumElements() = %d, want 6", got)
	}
	x.Set(5, 1, 2)
	if got := x.At(1, 2); got != 5 {
		t.Errorf("At(1,2) = %v, want 5", got)
	}
	if got := x.At(0, 0); got != 0 {
		t.Errorf("At(0,0) = %v, want 0", got)
	}
}

func TestFromSliceSharesData(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	x := FromSlice(data, 2, 2)
	data[3] = 9
	if got := x.At(1, 1); got != 9 {
		t.Errorf("At(1,1) = %v, want 9 after mutating source slice", got)
	}
}

func TestFromSliceLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for mismatched length")
		}
	}()
	FromSlice([]float32{1, 2, 3}, 2, 2)
}

func TestReshapeSharesData(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y, err := x.Reshape(3, 2)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	y.Set(42, 2, 1)
	if got := x.At(1, 2); got != 42 {
		t.Errorf("reshape does not share storage: got %v, want 42", got)
	}
	if _, err := x.Reshape(4, 2); err == nil {
		t.Error("Reshape to wrong element count: want error")
	}
}

func TestNarrowSharesData(t *testing.T) {
	x := New(4, 2)
	view := x.Narrow(1, 3)
	if d := view.Dims(); d[0] != 2 || d[1] != 2 {
		t.Fatalf("narrow dims = %v, want [2 2]", d)
	}
	view.Set(7, 0, 1)
	if got := x.At(1, 1); got != 7 {
		t.Errorf("narrow does not share storage: got %v, want 7", got)
	}
}

func TestTranspose01(t *testing.T) {
	x := FromSlice([]float32{
		1, 2,
		3, 4,
		5, 6,
	}, 3, 2)
	y := x.Transpose01()
	if d := y.Dims(); d[0] != 2 || d[1] != 3 {
		t.Fatalf("dims = %v, want [2 3]", d)
	}
	want := []float32{1, 3, 5, 2, 4, 6}
	for i, w := range want {
		if y.Data()[i] != w {
			t.Errorf("data[%d] = %v, want %v", i, y.Data()[i], w)
		}
	}

	// Round trip with an inner axis.
	z := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	back := z.Transpose01().Transpose01()
	for i := range z.Data() {
		if back.Data()[i] != z.Data()[i] {
			t.Fatalf("round trip mismatch at %d", i)
		}
	}
}

func TestSplitColumns(t *testing.T) {
	x := FromSlice([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
	}, 2, 4)
	parts, err := SplitColumns(x, 1, 3)
	if err != nil {
		t.Fatalf("SplitColumns: %v", err)
	}
	if d := parts[0].Dims(); d[0] != 2 || d[1] != 1 {
		t.Fatalf("part 0 dims = %v, want [2 1]", d)
	}
	wantFirst := []float32{1, 5}
	for i, w := range wantFirst {
		if parts[0].Data()[i] != w {
			t.Errorf("part0[%d] = %v, want %v", i, parts[0].Data()[i], w)
		}
	}
	wantSecond := []float32{2, 3, 4, 6, 7, 8}
	for i, w := range wantSecond {
		if parts[1].Data()[i] != w {
			t.Errorf("part1[%d] = %v, want %v", i, parts[1].Data()[i], w)
		}
	}

	if _, err := SplitColumns(x, 1, 2); err == nil {
		t.Error("widths not covering: want error")
	}
	if _, err := SplitColumns(x, 4, 0); err == nil {
		t.Error("zero width: want error")
	}
}

func TestAddInPlace(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, 3)
	b := FromSlice([]float32{10, 20, 30}, 3)
	if err := AddInPlace(a, b); err != nil {
		t.Fatalf("AddInPlace: %v", err)
	}
	want := []float32{11, 22, 33}
	for i, w := range want {
		if a.Data()[i] != w {
			t.Errorf("a[%d] = %v, want %v", i, a.Data()[i], w)
		}
	}
	if err := AddInPlace(a, New(4)); err == nil {
		t.Error("AddInPlace with mismatched shapes: want error")
	}
}

func TestStats(t *testing.T) {
	x := FromSlice([]float32{-1, 0, 2, float32(math.NaN())}, 4)
	s := x.Stats()
	if s.NaNs != 1 {
		t.Errorf("NaNs = %d, want 1", s.NaNs)
	}
	if s.Zeros != 1 {
		t.Errorf("Zeros = %d, want 1", s.Zeros)
	}
	if s.Max != 2 || s.Min != -1 {
		t.Errorf("Max/Min = %v/%v, want 2/-1", s.Max, s.Min)
	}
	if math.Abs(float64(s.Mean)-1.0/3.0) > 1e-6 {
		t.Errorf("Mean = %v, want 1/3", s.Mean)
	}
}
