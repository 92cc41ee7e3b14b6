// Package device implements the dense float32 tensor type and the CPU
// attention kernels. Tensors are row-major and contiguous unless produced
// by Narrow, which shares the parent's backing array.
package device

import (
	"fmt"
	"math"
)

type Tensor struct {
	data    []float32
	dims    []int
	strides []int
}

// New allocates a zero-filled tensor with the given dimensions.
func New(dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("device: negative dimension %d", d))
		}
		n *= d
	}
	return &Tensor{
		data:    make([]float32, n),
		dims:    append([]int(nil), dims...),
		strides: contiguousStrides(dims),
	}
}

// FromSlice wraps data in a tensor view without copying. The slice length
// must equal the product of dims.
func FromSlice(data []float32, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if len(data) != n {
		panic(fmt.Sprintf("device: data length %d does not match dims %v", len(data), dims))
	}
	return &Tensor{
		data:    data,
		dims:    append([]int(nil), dims...),
		strides: contiguousStrides(dims),
	}
}

func contiguousStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func (t *Tensor) Dims() []int { return t.dims }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.dims[i] }

func (t *Tensor) Strides() []int { return t.strides }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

func (t *Tensor) offset(idx ...int) int {
	if len(idx) != len(t.dims) {
		panic(fmt.Sprintf("device: %d indices for %d dims", len(idx), len(t.dims)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.dims[i] {
			panic(fmt.Sprintf("device: index %d out of range for dim %d (size %d)", x, i, t.dims[i]))
		}
		off += x * t.strides[i]
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx...)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx...)] = v
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		data:    make([]float32, len(t.data)),
		dims:    append([]int(nil), t.dims...),
		strides: append([]int(nil), t.strides...),
	}
	copy(c.data, t.data)
	return c
}

// Reshape returns a view with new dimensions sharing the backing array.
// The element count must be unchanged.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != t.NumElements() {
		return nil, fmt.Errorf("device: cannot reshape %v to %v", t.dims, dims)
	}
	return &Tensor{
		data:    t.data,
		dims:    append([]int(nil), dims...),
		strides: contiguousStrides(dims),
	}, nil
}

// Narrow returns a view of rows [from, to) along axis 0, sharing the
// backing array. Writes through the view hit the parent.
func (t *Tensor) Narrow(from, to int) *Tensor {
	if from < 0 || to > t.dims[0] || from > to {
		panic(fmt.Sprintf("device: narrow [%d, %d) out of range for dim 0 (size %d)", from, to, t.dims[0]))
	}
	dims := append([]int(nil), t.dims...)
	dims[0] = to - from
	return &Tensor{
		data:    t.data[from*t.strides[0] : to*t.strides[0] : to*t.strides[0]],
		dims:    dims,
		strides: append([]int(nil), t.strides...),
	}
}

// Transpose01 materializes a copy with the first two axes swapped. Used to
// move between sequence-major and batch-major layouts.
func (t *Tensor) Transpose01() *Tensor {
	if len(t.dims) < 2 {
		panic("device: transpose needs at least 2 dims")
	}
	d0, d1 := t.dims[0], t.dims[1]
	inner := 1
	for _, d := range t.dims[2:] {
		inner *= d
	}
	dims := append([]int(nil), t.dims...)
	dims[0], dims[1] = d1, d0
	out := New(dims...)
	for i := 0; i < d0; i++ {
		for j := 0; j < d1; j++ {
			src := (i*d1 + j) * inner
			dst := (j*d0 + i) * inner
			copy(out.data[dst:dst+inner], t.data[src:src+inner])
		}
	}
	return out
}

// SizeBytes returns the backing array size of a contiguous copy.
func (t *Tensor) SizeBytes() int {
	return t.NumElements() * 4
}

// SplitColumns partitions a [rows, width] tensor into copies of
// consecutive column ranges. The widths must sum to the tensor width.
func SplitColumns(t *Tensor, widths ...int) ([]*Tensor, error) {
	if len(t.dims) != 2 {
		return nil, fmt.Errorf("device: split needs a 2-d tensor, got %v", t.dims)
	}
	rows, width := t.dims[0], t.dims[1]
	total := 0
	for _, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("device: split width %d must be positive", w)
		}
		total += w
	}
	if total != width {
		return nil, fmt.Errorf("device: split widths %v do not sum to %d", widths, width)
	}
	parts := make([]*Tensor, len(widths))
	at := 0
	for p, w := range widths {
		part := New(rows, w)
		for r := 0; r < rows; r++ {
			copy(part.data[r*w:(r+1)*w], t.data[r*width+at:r*width+at+w])
		}
		parts[p] = part
		at += w
	}
	return parts, nil
}

// AddInPlace accumulates src into dst element-wise.
func AddInPlace(dst, src *Tensor) error {
	if dst.NumElements() != src.NumElements() {
		return fmt.Errorf("device: add shape mismatch %v vs %v", dst.dims, src.dims)
	}
	d, s := dst.data, src.data
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type ActivationStats struct {
	Max   float32
	Min   float32
	Mean  float32
	RMS   float32
	Zeros int
	NaNs  int
	Infs  int
}

// Stats scans the tensor once and summarizes value distribution. NaN and
// Inf entries are counted but excluded from the moments.
func (t *Tensor) Stats() ActivationStats {
	stats := ActivationStats{}
	data := t.data
	if len(data) == 0 {
		return stats
	}

	first := true
	sum := float32(0)
	sumSq := float64(0)
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			stats.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			stats.Infs++
			continue
		}
		if v == 0 {
			stats.Zeros++
		}
		if first {
			stats.Max, stats.Min = v, v
			first = false
		} else {
			if v > stats.Max {
				stats.Max = v
			}
			if v < stats.Min {
				stats.Min = v
			}
		}
		sum += v
		sumSq += float64(v) * float64(v)
	}

	n := len(data) - stats.NaNs - stats.Infs
	if n > 0 {
		stats.Mean = sum / float32(n)
		stats.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}
	return stats
}
