package model

import (
	"fmt"
	"sort"

	"github.com/nopperl/nanotron/internal/attention"
	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/kvcache"
	"github.com/nopperl/nanotron/internal/padding"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/rope"
)

// DecoderLayer is one pre-norm transformer block: norm, causal
// self-attention, residual, norm, gated MLP, residual.
type DecoderLayer struct {
	index     int
	hidden    int
	act       string
	inputNorm *parallel.RMSNorm
	attn      *attention.CausalSelfAttention
	postNorm  *parallel.RMSNorm
	gateUp    *parallel.ColumnLinear // gate and up projections merged
	down      *parallel.RowLinear
}

func NewDecoderLayer(cfg *config.Config, group parallel.Group, table *rope.Table, index int) (*DecoderLayer, error) {
	attn, err := attention.New(cfg, group, table, index)
	if err != nil {
		return nil, err
	}
	iLocal := cfg.LocalIntermediate()
	gateUp, err := parallel.NewColumnLinear(group, device.New(2*iLocal, cfg.HiddenSize), nil, false)
	if err != nil {
		return nil, err
	}
	down, err := parallel.NewRowLinear(group, device.New(cfg.HiddenSize, iLocal), nil)
	if err != nil {
		return nil, err
	}
	return &DecoderLayer{
		index:     index,
		hidden:    cfg.HiddenSize,
		act:       cfg.HiddenAct,
		inputNorm: parallel.NewRMSNorm(cfg.HiddenSize, cfg.NormEps),
		attn:      attn,
		postNorm:  parallel.NewRMSNorm(cfg.HiddenSize, cfg.NormEps),
		gateUp:    gateUp,
		down:      down,
	}, nil
}

func (l *DecoderLayer) Index() int { return l.index }

// Forward maps hidden [seqLen, batch, hidden] through the block. The
// mask and session are handed to the attention module untouched.
func (l *DecoderLayer) Forward(hidden *device.Tensor, mask padding.Mask, sess *kvcache.Session) (*device.Tensor, error) {
	normed, err := l.inputNorm.Forward(hidden)
	if err != nil {
		return nil, err
	}
	attnOut, err := l.attn.Forward(normed, mask, sess)
	if err != nil {
		return nil, err
	}
	if err := device.AddInPlace(attnOut, hidden); err != nil {
		return nil, err
	}

	normed, err = l.postNorm.Forward(attnOut)
	if err != nil {
		return nil, err
	}
	dims := normed.Dims()
	if len(dims) != 3 {
		return nil, fmt.Errorf("model: decoder layer %d needs [seq, batch, hidden], got %v", l.index, dims)
	}
	flat, err := normed.Reshape(dims[0]*dims[1], l.hidden)
	if err != nil {
		return nil, err
	}
	proj, err := l.gateUp.Forward(flat)
	if err != nil {
		return nil, err
	}
	gated, err := device.GLU(proj, l.act)
	if err != nil {
		return nil, err
	}
	downOut, err := l.down.Forward(gated)
	if err != nil {
		return nil, err
	}
	mlpOut, err := downOut.Reshape(dims[0], dims[1], l.hidden)
	if err != nil {
		return nil, err
	}
	if err := device.AddInPlace(mlpOut, attnOut); err != nil {
		return nil, err
	}
	return mlpOut, nil
}

// Layers lists the block's parameterized sublayers by path.
func (l *DecoderLayer) Layers() map[string]parallel.Layer {
	m := map[string]parallel.Layer{
		"input_norm":  l.inputNorm,
		"post_norm":   l.postNorm,
		"mlp.gate_up": l.gateUp,
		"mlp.down":    l.down,
	}
	for name, layer := range l.attn.Layers() {
		m["attention."+name] = layer
	}
	return m
}

// sortedPaths gives layer walks a stable order.
func sortedPaths(layers map[string]parallel.Layer) []string {
	paths := make([]string, 0, len(layers))
	for p := range layers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
