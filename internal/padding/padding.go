// Package padding converts between left-padded batch tensors and the
// packed layout the variable-length attention kernel consumes. A mask
// marks valid cells; pads sit at the front of each row so that the last
// valid cell of every sequence shares a column.
package padding

import (
	"errors"
	"fmt"

	"github.com/nopperl/nanotron/internal/device"
)

// ErrMaskGap is wrapped when a row interleaves pads between valid cells.
var ErrMaskGap = errors.New("mask has gap between valid cells")

// Mask marks valid cells of a [batch, seqLen] token grid.
type Mask struct {
	data   []bool
	batch  int
	seqLen int
}

func NewMask(batch, seqLen int) Mask {
	return Mask{data: make([]bool, batch*seqLen), batch: batch, seqLen: seqLen}
}

// FromLengths builds a left-padded mask: row i holds lengths[i] valid
// cells aligned to the right edge.
func FromLengths(seqLen int, lengths []int) (Mask, error) {
	m := NewMask(len(lengths), seqLen)
	for b, n := range lengths {
		if n < 0 || n > seqLen {
			return Mask{}, fmt.Errorf("padding: length %d out of range [0, %d]", n, seqLen)
		}
		for s := seqLen - n; s < seqLen; s++ {
			m.data[b*seqLen+s] = true
		}
	}
	return m, nil
}

func (m Mask) Batch() int { return m.batch }

func (m Mask) SeqLen() int { return m.seqLen }

func (m Mask) At(b, s int) bool { return m.data[b*m.seqLen+s] }

func (m Mask) Set(b, s int, valid bool) { m.data[b*m.seqLen+s] = valid }

// ValidCounts returns the number of valid cells per row.
func (m Mask) ValidCounts() []int32 {
	counts := make([]int32, m.batch)
	for b := 0; b < m.batch; b++ {
		for s := 0; s < m.seqLen; s++ {
			if m.data[b*m.seqLen+s] {
				counts[b]++
			}
		}
	}
	return counts
}

// CheckContiguous verifies that no valid cell is followed by a pad within
// its row, the shape every left-padded batch must have.
func (m Mask) CheckContiguous() error {
	for b := 0; b < m.batch; b++ {
		row := m.data[b*m.seqLen : (b+1)*m.seqLen]
		for s := 0; s+1 < m.seqLen; s++ {
			if row[s] && !row[s+1] {
				return fmt.Errorf("%w: row %d has a pad at column %d after a valid cell", ErrMaskGap, b, s+1)
			}
		}
	}
	return nil
}

// Positions assigns each cell its 0-based index among the valid cells of
// its row, flattened row-major. Pad cells get position 0; their values
// are dropped by Unpad before anything reads them.
func (m Mask) Positions() []int32 {
	out := make([]int32, m.batch*m.seqLen)
	for b := 0; b < m.batch; b++ {
		count := int32(0)
		for s := 0; s < m.seqLen; s++ {
			idx := b*m.seqLen + s
			if m.data[idx] {
				out[idx] = count
				count++
			}
		}
	}
	return out
}

// CumulativeOffsets turns per-row counts into the running-offset array the
// packed attention kernel takes: len(counts)+1 entries starting at 0.
func CumulativeOffsets(counts []int32) []int32 {
	cu := make([]int32, len(counts)+1)
	for i, n := range counts {
		cu[i+1] = cu[i] + n
	}
	return cu
}

// Unpad gathers the valid cells of x, shaped [batch, seqLen, ...], into a
// packed tensor of shape [total, ...]. It also returns the flat row-major
// source index of every kept cell, the cumulative per-row offsets, and
// the longest row.
func Unpad(x *device.Tensor, mask Mask) (packed *device.Tensor, indices []int32, cuSeqlens []int32, maxLen int, err error) {
	dims := x.Dims()
	if len(dims) < 2 || dims[0] != mask.batch || dims[1] != mask.seqLen {
		return nil, nil, nil, 0, fmt.Errorf("padding: tensor %v does not match mask (%d, %d)", dims, mask.batch, mask.seqLen)
	}
	counts := mask.ValidCounts()
	cuSeqlens = CumulativeOffsets(counts)
	total := int(cuSeqlens[len(cuSeqlens)-1])
	for _, n := range counts {
		if int(n) > maxLen {
			maxLen = int(n)
		}
	}

	inner := 1
	for _, d := range dims[2:] {
		inner *= d
	}
	packedDims := append([]int{total}, dims[2:]...)
	packed = device.New(packedDims...)
	indices = make([]int32, 0, total)

	data := x.Data()
	out := packed.Data()
	at := 0
	for b := 0; b < mask.batch; b++ {
		for s := 0; s < mask.seqLen; s++ {
			if !mask.data[b*mask.seqLen+s] {
				continue
			}
			flat := b*mask.seqLen + s
			indices = append(indices, int32(flat))
			copy(out[at*inner:(at+1)*inner], data[flat*inner:(flat+1)*inner])
			at++
		}
	}
	return packed, indices, cuSeqlens, maxLen, nil
}

// Pad scatters packed rows back to a zero-filled [batch, seqLen, ...]
// tensor using the indices Unpad produced.
func Pad(packed *device.Tensor, indices []int32, batch, seqLen int) (*device.Tensor, error) {
	dims := packed.Dims()
	if len(dims) < 1 || dims[0] != len(indices) {
		return nil, fmt.Errorf("padding: %d packed rows for %d indices", dims[0], len(indices))
	}
	inner := 1
	for _, d := range dims[1:] {
		inner *= d
	}
	outDims := append([]int{batch, seqLen}, dims[1:]...)
	out := device.New(outDims...)

	src := packed.Data()
	dst := out.Data()
	for i, flat := range indices {
		if flat < 0 || int(flat) >= batch*seqLen {
			return nil, fmt.Errorf("padding: index %d out of range for (%d, %d)", flat, batch, seqLen)
		}
		copy(dst[int(flat)*inner:(int(flat)+1)*inner], src[i*inner:(i+1)*inner])
	}
	return out, nil
}

// PadToRight moves each row's valid cells to the left edge of dst, the
// layout the KV cache stores. x is [batch, seqLen, ...]; dst must be
// [batch, capacity, ...] with capacity >= the longest row, and is
// allocated zero-filled at seqLen capacity when nil. Only the first
// count_b entries of each dst row are written. Returns dst and the mask
// of dst, a prefix run of valid cells per row.
func PadToRight(x *device.Tensor, mask Mask, dst *device.Tensor) (*device.Tensor, Mask, error) {
	dims := x.Dims()
	if len(dims) < 2 || dims[0] != mask.batch || dims[1] != mask.seqLen {
		return nil, Mask{}, fmt.Errorf("padding: tensor %v does not match mask (%d, %d)", dims, mask.batch, mask.seqLen)
	}
	inner := 1
	for _, d := range dims[2:] {
		inner *= d
	}
	counts := mask.ValidCounts()

	if dst == nil {
		dst = device.New(dims...)
	} else {
		dstDims := dst.Dims()
		if len(dstDims) != len(dims) || dstDims[0] != mask.batch {
			return nil, Mask{}, fmt.Errorf("padding: destination %v does not match source %v", dstDims, dims)
		}
		for i := 2; i < len(dims); i++ {
			if dstDims[i] != dims[i] {
				return nil, Mask{}, fmt.Errorf("padding: destination %v does not match source %v", dstDims, dims)
			}
		}
		for b, n := range counts {
			if int(n) > dstDims[1] {
				return nil, Mask{}, fmt.Errorf("padding: row %d holds %d cells, destination capacity %d", b, n, dstDims[1])
			}
		}
	}

	capacity := dst.Dims()[1]
	src := x.Data()
	out := dst.Data()
	right := NewMask(mask.batch, capacity)
	for b := 0; b < mask.batch; b++ {
		at := 0
		for s := 0; s < mask.seqLen; s++ {
			if !mask.data[b*mask.seqLen+s] {
				continue
			}
			srcOff := (b*mask.seqLen + s) * inner
			dstOff := (b*capacity + at) * inner
			copy(out[dstOff:dstOff+inner], src[srcOff:srcOff+inner])
			right.data[b*capacity+at] = true
			at++
		}
	}
	return dst, right, nil
}
