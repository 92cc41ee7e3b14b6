// Package rope implements rotary position encoding. A Table holds one
// unit rotation per (position, frequency) pair; applying it multiplies
// adjacent channel pairs, viewed as complex numbers, by those rotations.
package rope

import (
	"errors"
	"fmt"
	"math"

	"github.com/nopperl/nanotron/internal/device"
)

// ErrPositionRange is wrapped when a requested position falls outside the
// precomputed table.
var ErrPositionRange = errors.New("position out of range")

type Table struct {
	freqs        []complex64 // (maxPositions, headDim/2), row-major
	maxPositions int
	headDim      int
}

// New precomputes the full rotation table. The angle for position p and
// frequency index i is p * theta^(-2i/headDim).
func New(maxPositions, headDim int, theta float64) (*Table, error) {
	if maxPositions <= 0 {
		return nil, fmt.Errorf("rope: max positions %d must be positive", maxPositions)
	}
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim %d must be positive and even", headDim)
	}
	if theta <= 0 {
		return nil, fmt.Errorf("rope: theta %g must be positive", theta)
	}

	half := headDim / 2
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		invFreq[i] = 1 / math.Pow(theta, float64(2*i)/float64(headDim))
	}

	freqs := make([]complex64, maxPositions*half)
	for pos := 0; pos < maxPositions; pos++ {
		for i := 0; i < half; i++ {
			angle := float64(pos) * invFreq[i]
			freqs[pos*half+i] = complex(float32(math.Cos(angle)), float32(math.Sin(angle)))
		}
	}
	return &Table{freqs: freqs, maxPositions: maxPositions, headDim: headDim}, nil
}

func (t *Table) MaxPositions() int { return t.maxPositions }

func (t *Table) HeadDim() int { return t.headDim }

// Apply rotates x in place. The last two axes of x must be (heads,
// headDim); the product of the leading axes must equal len(positions),
// one absolute position per token. All positions are range-checked before
// anything is written, so a failed call leaves x untouched.
func (t *Table) Apply(x *device.Tensor, positions []int32) error {
	dims := x.Dims()
	if len(dims) < 2 || dims[len(dims)-1] != t.headDim {
		return fmt.Errorf("rope: tensor %v does not end in head dim %d", dims, t.headDim)
	}
	heads := dims[len(dims)-2]
	tokens := x.NumElements() / (heads * t.headDim)
	if tokens != len(positions) {
		return fmt.Errorf("rope: %d positions for %d tokens", len(positions), tokens)
	}
	if tokens == 0 {
		return nil
	}
	min, max := positions[0], positions[0]
	for _, pos := range positions[1:] {
		if pos < min {
			min = pos
		}
		if pos > max {
			max = pos
		}
	}
	if min < 0 || int(max) >= t.maxPositions {
		return fmt.Errorf("%w: positions span [%d, %d], table covers [0, %d)", ErrPositionRange, min, max, t.maxPositions)
	}

	half := t.headDim / 2
	data := x.Data()
	for tok := 0; tok < tokens; tok++ {
		row := t.freqs[int(positions[tok])*half : (int(positions[tok])+1)*half]
		base := tok * heads * t.headDim
		for h := 0; h < heads; h++ {
			off := base + h*t.headDim
			for i := 0; i < half; i++ {
				rot := row[i]
				cos, sin := real(rot), imag(rot)
				a, b := data[off+2*i], data[off+2*i+1]
				data[off+2*i] = a*cos - b*sin
				data[off+2*i+1] = a*sin + b*cos
			}
		}
	}
	return nil
}
