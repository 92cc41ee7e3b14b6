package padding

import (
	"errors"
	"testing"

	"github.com/nopperl/nanotron/internal/device"
)

func TestFromLengths(t *testing.T) {
	m, err := FromLengths(4, []int{2, 4, 0})
	if err != nil {
		t.Fatalf("FromLengths: %v", err)
	}
	want := [][]bool{
		{false, false, true, true},
		{true, true, true, true},
		{false, false, false, false},
	}
	for b := range want {
		for s := range want[b] {
			if m.At(b, s) != want[b][s] {
				t.Errorf("At(%d,%d) = %v, want %v", b, s, m.At(b, s), want[b][s])
			}
		}
	}

	if _, err := FromLengths(4, []int{5}); err == nil {
		t.Error("length above seqLen: want error")
	}
	if _, err := FromLengths(4, []int{-1}); err == nil {
		t.Error("negative length: want error")
	}
}

func TestValidCountsAndOffsets(t *testing.T) {
	m, _ := FromLengths(5, []int{3, 5, 1})
	counts := m.ValidCounts()
	wantCounts := []int32{3, 5, 1}
	for i := range wantCounts {
		if counts[i] != wantCounts[i] {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], wantCounts[i])
		}
	}
	cu := CumulativeOffsets(counts)
	wantCu := []int32{0, 3, 8, 9}
	for i := range wantCu {
		if cu[i] != wantCu[i] {
			t.Errorf("cu[%d] = %d, want %d", i, cu[i], wantCu[i])
		}
	}
}

func TestCheckContiguous(t *testing.T) {
	m, _ := FromLengths(4, []int{2, 4, 0})
	if err := m.CheckContiguous(); err != nil {
		t.Errorf("left-padded mask rejected: %v", err)
	}

	gapped := NewMask(1, 4)
	gapped.Set(0, 1, true)
	gapped.Set(0, 3, true)
	err := gapped.CheckContiguous()
	if err == nil {
		t.Fatal("gapped mask accepted")
	}
	if !errors.Is(err, ErrMaskGap) {
		t.Errorf("error %v, want ErrMaskGap", err)
	}

	// Right-padded rows have valid cells followed by pads, which the
	// prefill layout forbids.
	rightPadded := NewMask(1, 3)
	rightPadded.Set(0, 0, true)
	rightPadded.Set(0, 1, true)
	if err := rightPadded.CheckContiguous(); !errors.Is(err, ErrMaskGap) {
		t.Errorf("right-padded mask: %v, want ErrMaskGap", err)
	}
}

func TestPositions(t *testing.T) {
	m, _ := FromLengths(5, []int{3, 5})
	got := m.Positions()
	want := []int32{
		0, 0, 0, 1, 2,
		0, 1, 2, 3, 4,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("positions[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnpad(t *testing.T) {
	// batch 2, seqLen 3, inner 2; row 0 has 2 valid cells, row 1 has 3.
	x := device.FromSlice([]float32{
		0, 0, 10, 11, 20, 21,
		30, 31, 40, 41, 50, 51,
	}, 2, 3, 2)
	m, _ := FromLengths(3, []int{2, 3})

	packed, indices, cu, maxLen, err := Unpad(x, m)
	if err != nil {
		t.Fatalf("Unpad: %v", err)
	}
	if d := packed.Dims(); d[0] != 5 || d[1] != 2 {
		t.Fatalf("packed dims = %v, want [5 2]", d)
	}
	wantPacked := []float32{10, 11, 20, 21, 30, 31, 40, 41, 50, 51}
	for i, w := range wantPacked {
		if packed.Data()[i] != w {
			t.Errorf("packed[%d] = %v, want %v", i, packed.Data()[i], w)
		}
	}
	wantIdx := []int32{1, 2, 3, 4, 5}
	for i, w := range wantIdx {
		if indices[i] != w {
			t.Errorf("indices[%d] = %d, want %d", i, indices[i], w)
		}
	}
	wantCu := []int32{0, 2, 5}
	for i, w := range wantCu {
		if cu[i] != w {
			t.Errorf("cu[%d] = %d, want %d", i, cu[i], w)
		}
	}
	if maxLen != 3 {
		t.Errorf("maxLen = %d, want 3", maxLen)
	}
}

func TestUnpadShapeMismatch(t *testing.T) {
	x := device.New(2, 3, 2)
	m, _ := FromLengths(4, []int{2, 3})
	if _, _, _, _, err := Unpad(x, m); err == nil {
		t.Error("mask seqLen 4 against tensor seqLen 3: want error")
	}
}

func TestPadInvertsUnpad(t *testing.T) {
	x := device.FromSlice([]float32{
		99, 10, 20,
		30, 40, 50,
	}, 2, 3, 1)
	m, _ := FromLengths(3, []int{2, 3})

	packed, indices, _, _, err := Unpad(x, m)
	if err != nil {
		t.Fatalf("Unpad: %v", err)
	}
	back, err := Pad(packed, indices, 2, 3)
	if err != nil {
		t.Fatalf("Pad: %v", err)
	}
	// Valid cells restored, pad cells zeroed regardless of their original
	// contents.
	want := []float32{0, 10, 20, 30, 40, 50}
	for i, w := range want {
		if back.Data()[i] != w {
			t.Errorf("back[%d] = %v, want %v", i, back.Data()[i], w)
		}
	}
}

func TestPadRejects(t *testing.T) {
	packed := device.New(2, 1)
	if _, err := Pad(packed, []int32{0}, 1, 3); err == nil {
		t.Error("2 rows for 1 index: want error")
	}
	if _, err := Pad(packed, []int32{0, 3}, 1, 3); err == nil {
		t.Error("index out of grid: want error")
	}
}

func TestPadToRight(t *testing.T) {
	x := device.FromSlice([]float32{
		0, 10, 20,
		30, 40, 50,
	}, 2, 3, 1)
	m, _ := FromLengths(3, []int{2, 3})

	out, right, err := PadToRight(x, m, nil)
	if err != nil {
		t.Fatalf("PadToRight: %v", err)
	}
	want := []float32{
		10, 20, 0,
		30, 40, 50,
	}
	for i, w := range want {
		if out.Data()[i] != w {
			t.Errorf("out[%d] = %v, want %v", i, out.Data()[i], w)
		}
	}
	wantMask := [][]bool{
		{true, true, false},
		{true, true, true},
	}
	for b := range wantMask {
		for s := range wantMask[b] {
			if right.At(b, s) != wantMask[b][s] {
				t.Errorf("right.At(%d,%d) = %v, want %v", b, s, right.At(b, s), wantMask[b][s])
			}
		}
	}
}

func TestPadToRightIntoCapacity(t *testing.T) {
	x := device.FromSlice([]float32{
		0, 10, 20,
		30, 40, 50,
	}, 2, 3, 1)
	m, _ := FromLengths(3, []int{2, 3})
	dst := device.New(2, 5, 1)

	out, right, err := PadToRight(x, m, dst)
	if err != nil {
		t.Fatalf("PadToRight: %v", err)
	}
	if out != dst {
		t.Fatal("PadToRight did not write into the provided destination")
	}
	want := []float32{
		10, 20, 0, 0, 0,
		30, 40, 50, 0, 0,
	}
	for i, w := range want {
		if dst.Data()[i] != w {
			t.Errorf("dst[%d] = %v, want %v", i, dst.Data()[i], w)
		}
	}
	// The returned mask covers the destination capacity, one prefix run
	// per row.
	if right.SeqLen() != 5 {
		t.Fatalf("right mask seqLen = %d, want 5", right.SeqLen())
	}
	counts := right.ValidCounts()
	if counts[0] != 2 || counts[1] != 3 {
		t.Errorf("right mask counts = %v, want [2 3]", counts)
	}
}

func TestPadToRightCapacityTooSmall(t *testing.T) {
	x := device.New(1, 3, 1)
	m, _ := FromLengths(3, []int{3})
	dst := device.New(1, 2, 1)
	if _, _, err := PadToRight(x, m, dst); err == nil {
		t.Error("3 cells into capacity 2: want error")
	}
}
