// Package attention implements causal self-attention over left-padded
// batches. One module serves three modes: training (no cache), prefill
// (bulk attention that also populates a cache session), and decode
// (single-token extension against cached history). The mode is picked
// from the session argument and the cache entry's state, never from a
// flag.
package attention

import (
	"fmt"

	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/kvcache"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/padding"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/rope"
)

type CausalSelfAttention struct {
	name    string
	qHeads  int // local to this tensor shard
	kvHeads int
	headDim int
	hidden  int
	qkv     *parallel.ColumnLinear
	out     *parallel.RowLinear
	rope    *rope.Table
	trace   bool
}

// New builds the attention module for one decoder layer. Query, key and
// value projections are fused into a single column-sharded weight; the
// output projection is row-sharded.
func New(cfg *config.Config, group parallel.Group, table *rope.Table, layerIdx int) (*CausalSelfAttention, error) {
	if table.HeadDim() != cfg.HeadDim {
		return nil, fmt.Errorf("attention: rotary table head dim %d does not match config %d", table.HeadDim(), cfg.HeadDim)
	}
	localQ := cfg.LocalQHeads()
	localKV := cfg.LocalKVHeads()
	d := cfg.HeadDim

	qkvWidth := (localQ + 2*localKV) * d
	qkv, err := parallel.NewColumnLinear(group, device.New(qkvWidth, cfg.HiddenSize), nil, false)
	if err != nil {
		return nil, err
	}
	out, err := parallel.NewRowLinear(group, device.New(cfg.HiddenSize, localQ*d), nil)
	if err != nil {
		return nil, err
	}
	return &CausalSelfAttention{
		name:    fmt.Sprintf("decoder_%d_attention", layerIdx),
		qHeads:  localQ,
		kvHeads: localKV,
		headDim: d,
		hidden:  cfg.HiddenSize,
		qkv:     qkv,
		out:     out,
		rope:    table,
		trace:   cfg.TraceAttention,
	}, nil
}

func (a *CausalSelfAttention) Name() string { return a.name }

// Layers exposes the projections for init and checkpoint walks.
func (a *CausalSelfAttention) Layers() map[string]parallel.Layer {
	return map[string]parallel.Layer{
		"qkv_proj": a.qkv,
		"o_proj":   a.out,
	}
}

// Forward attends hidden, shaped [seqLen, batch, hidden], under mask.
// With a nil session it runs stateless full attention. With a session it
// prefills the layer's cache entry on first use, and afterwards extends
// it one token per call; decode inputs must be a single position with
// every row valid. The mask passes through unchanged. On error nothing
// has been committed to the cache.
func (a *CausalSelfAttention) Forward(hidden *device.Tensor, mask padding.Mask, sess *kvcache.Session) (*device.Tensor, error) {
	dims := hidden.Dims()
	if len(dims) != 3 || dims[2] != a.hidden {
		return nil, fmt.Errorf("attention: hidden must be [seq, batch, %d], got %v", a.hidden, dims)
	}
	seqLen, batch := dims[0], dims[1]
	if mask.Batch() != batch || mask.SeqLen() != seqLen {
		return nil, fmt.Errorf("attention: mask (%d, %d) does not match hidden %v", mask.Batch(), mask.SeqLen(), dims)
	}

	q, k, v, err := a.project(hidden, seqLen, batch)
	if err != nil {
		return nil, err
	}

	var attnOut *device.Tensor // [batch, seqLen, qHeads, headDim]
	mode := "training"
	switch {
	case sess == nil:
		attnOut, err = a.fullAttention(q, k, v, mask, sequentialPositions(batch, seqLen), nil)
	default:
		entry := sess.Entry(a.name)
		if entry.State() == kvcache.Uninitialized {
			mode = "prefill"
			attnOut, err = a.prefill(q, k, v, mask, entry)
		} else {
			mode = "decode"
			attnOut, err = a.decode(q, k, v, mask, entry)
		}
	}
	if err != nil {
		return nil, err
	}

	result, err := a.merge(attnOut, seqLen, batch)
	if err != nil {
		return nil, err
	}
	if a.trace {
		s := result.Stats()
		logger.Log.Debug("attention forward",
			"layer", a.name, "mode", mode, "seq_len", seqLen, "batch", batch,
			"out_max", s.Max, "out_min", s.Min, "out_rms", s.RMS, "nans", s.NaNs)
	}
	return result, nil
}

// project applies the fused projection and reshapes the three results to
// batch-major [batch, seqLen, heads, headDim].
func (a *CausalSelfAttention) project(hidden *device.Tensor, seqLen, batch int) (q, k, v *device.Tensor, err error) {
	flat, err := hidden.Reshape(seqLen*batch, a.hidden)
	if err != nil {
		return nil, nil, nil, err
	}
	fused, err := a.qkv.Forward(flat)
	if err != nil {
		return nil, nil, nil, err
	}
	parts, err := device.SplitColumns(fused, a.qHeads*a.headDim, a.kvHeads*a.headDim, a.kvHeads*a.headDim)
	if err != nil {
		return nil, nil, nil, err
	}

	toBatchMajor := func(t *device.Tensor, heads int) (*device.Tensor, error) {
		seqMajor, err := t.Reshape(seqLen, batch, heads, a.headDim)
		if err != nil {
			return nil, err
		}
		return seqMajor.Transpose01(), nil
	}
	if q, err = toBatchMajor(parts[0], a.qHeads); err != nil {
		return nil, nil, nil, err
	}
	if k, err = toBatchMajor(parts[1], a.kvHeads); err != nil {
		return nil, nil, nil, err
	}
	if v, err = toBatchMajor(parts[2], a.kvHeads); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v, nil
}

// sequentialPositions numbers every cell by its column, the default when
// no cache tracks absolute positions. Attention output on valid cells is
// unchanged by the per-row shift against mask positions: rotating q and k
// by a common angle cancels in their inner product.
func sequentialPositions(batch, seqLen int) []int32 {
	out := make([]int32, batch*seqLen)
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			out[b*seqLen+s] = int32(s)
		}
	}
	return out
}

// fullAttention rotates q and k at the given per-cell positions and
// attends the packed valid cells. When entry is non-nil the rotated keys
// and values are also stored right-aligned, which is the whole difference
// between training and prefill.
func (a *CausalSelfAttention) fullAttention(q, k, v *device.Tensor, mask padding.Mask, positions []int32, entry *kvcache.Entry) (*device.Tensor, error) {
	if err := a.rope.Apply(q, positions); err != nil {
		return nil, err
	}
	if err := a.rope.Apply(k, positions); err != nil {
		return nil, err
	}

	if entry != nil {
		if err := entry.Prefill(k, v, mask); err != nil {
			return nil, err
		}
	}

	qPacked, indices, cuQ, _, err := padding.Unpad(q, mask)
	if err != nil {
		return nil, err
	}
	kPacked, _, cuK, _, err := padding.Unpad(k, mask)
	if err != nil {
		return nil, err
	}
	vPacked, _, _, _, err := padding.Unpad(v, mask)
	if err != nil {
		return nil, err
	}

	packedOut, err := device.AttentionVarlen(qPacked, kPacked, vPacked, cuQ, cuK, true)
	if err != nil {
		return nil, err
	}
	return padding.Pad(packedOut, indices, mask.Batch(), mask.SeqLen())
}

// prefill checks the left-padded layout, then runs full attention at
// mask-derived positions while populating the cache entry. Cached keys
// must carry their absolute position, so the cumulative-count positions
// are not optional here.
func (a *CausalSelfAttention) prefill(q, k, v *device.Tensor, mask padding.Mask, entry *kvcache.Entry) (*device.Tensor, error) {
	if err := mask.CheckContiguous(); err != nil {
		return nil, err
	}
	return a.fullAttention(q, k, v, mask, mask.Positions(), entry)
}

// decode extends every row of the cache by the single new position and
// attends it against the stored history. Cursors are validated before the
// kernel touches the cache, and committed only after it succeeds.
func (a *CausalSelfAttention) decode(q, k, v *device.Tensor, mask padding.Mask, entry *kvcache.Entry) (*device.Tensor, error) {
	if mask.SeqLen() != 1 {
		return nil, fmt.Errorf("attention: decode takes one position per row, got %d", mask.SeqLen())
	}
	for b := 0; b < mask.Batch(); b++ {
		if !mask.At(b, 0) {
			return nil, fmt.Errorf("attention: decode mask must mark every row valid, row %d is a pad", b)
		}
	}

	cursors, err := entry.AppendCursors()
	if err != nil {
		return nil, err
	}
	// The new token's absolute position is its write cursor.
	if err := a.rope.Apply(q, cursors); err != nil {
		return nil, err
	}
	if err := a.rope.Apply(k, cursors); err != nil {
		return nil, err
	}

	kCache, vCache := entry.Tensors()
	out, err := device.AttentionWithCache(q, kCache, vCache, k, v, cursors, true)
	if err != nil {
		return nil, err
	}
	entry.CommitAppend()
	return out, nil
}

// merge flattens heads back to hidden width, restores the seq-major
// layout and applies the output projection.
func (a *CausalSelfAttention) merge(attnOut *device.Tensor, seqLen, batch int) (*device.Tensor, error) {
	seqMajor := attnOut.Transpose01() // [seqLen, batch, qHeads, headDim]
	flat, err := seqMajor.Reshape(seqLen*batch, a.qHeads*a.headDim)
	if err != nil {
		return nil, err
	}
	projected, err := a.out.Forward(flat)
	if err != nil {
		return nil, err
	}
	return projected.Reshape(seqLen, batch, a.hidden)
}
