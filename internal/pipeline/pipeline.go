// Package pipeline places model blocks on stages. Every stage walks the
// same chain of blocks in the same order; a stage that owns a block
// computes it, every other stage forwards a placeholder carrying only
// shape metadata. Activations cross stage boundaries exactly where a
// resident tensor meets a block owned elsewhere, which keeps sends and
// receives paired without any central coordinator.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/metrics"
	"github.com/nopperl/nanotron/internal/transport"
)

// Value flows between blocks: either a resident *device.Tensor or a
// Placeholder naming the stage that holds the real data.
type Value interface {
	Dims() []int
}

// Placeholder stands in for a tensor resident on another stage.
type Placeholder struct {
	Rank  int
	Shape []int
}

func (p Placeholder) Dims() []int { return p.Shape }

// Resident unwraps v when the real tensor lives on this stage.
func Resident(v Value) (*device.Tensor, bool) {
	t, ok := v.(*device.Tensor)
	return t, ok
}

// Module is the computation a block runs on its owning stage.
type Module interface {
	Forward(x *device.Tensor) (*device.Tensor, error)
}

// ModuleFunc adapts a closure, which is how per-call state such as masks
// and cache sessions is bound to a block run.
type ModuleFunc func(x *device.Tensor) (*device.Tensor, error)

func (f ModuleFunc) Forward(x *device.Tensor) (*device.Tensor, error) { return f(x) }

// ShapeFn maps a block's input dims to its output dims without running
// the computation, so non-owning stages can forward metadata. It must
// agree with the owning stage's real output.
type ShapeFn func(in []int) ([]int, error)

// PassShape is the ShapeFn of shape-preserving blocks.
func PassShape(in []int) ([]int, error) { return in, nil }

// Block is one placeable unit of the model chain.
type Block struct {
	name  string
	owner int
	self  int
	shape ShapeFn
	tr    transport.Transport
}

func NewBlock(name string, owner, self int, shape ShapeFn, tr transport.Transport) (*Block, error) {
	if name == "" {
		return nil, fmt.Errorf("pipeline: block needs a name")
	}
	if owner < 0 || self < 0 {
		return nil, fmt.Errorf("pipeline: block %s has negative stage (owner %d, self %d)", name, owner, self)
	}
	if shape == nil {
		return nil, fmt.Errorf("pipeline: block %s needs a shape function", name)
	}
	if tr == nil {
		return nil, fmt.Errorf("pipeline: block %s needs a transport", name)
	}
	return &Block{name: name, owner: owner, self: self, shape: shape, tr: tr}, nil
}

func (b *Block) Name() string { return b.name }

func (b *Block) Owner() int { return b.owner }

// Local reports whether this stage owns the block.
func (b *Block) Local() bool { return b.self == b.owner }

// Source starts a chain from replicated per-call inputs: the owning
// stage computes, every other stage emits a placeholder. No transport is
// involved since nothing upstream holds a tensor.
func (b *Block) Source(outDims []int, compute Module) (Value, error) {
	if !b.Local() {
		return Placeholder{Rank: b.owner, Shape: outDims}, nil
	}
	if compute == nil {
		return nil, fmt.Errorf("pipeline: stage %d owns block %s but no computation was supplied", b.self, b.name)
	}
	start := time.Now()
	out, err := compute.Forward(nil)
	if err != nil {
		return nil, err
	}
	metrics.RecordStageForward(b.name, time.Since(start))
	return out, nil
}

// Run advances the chain by one block. The owning stage materializes its
// input, receiving it from the placeholder's stage when it is remote,
// and computes. A stage that holds the resident input but does not own
// the block hands the tensor off and forwards a placeholder; all other
// stages only rewrite metadata.
func (b *Block) Run(ctx context.Context, in Value, compute Module) (Value, error) {
	if in == nil {
		return nil, fmt.Errorf("pipeline: block %s got no input", b.name)
	}
	if b.Local() {
		if compute == nil {
			return nil, fmt.Errorf("pipeline: stage %d owns block %s but no computation was supplied", b.self, b.name)
		}
		x, err := b.materialize(ctx, in)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := compute.Forward(x)
		if err != nil {
			return nil, err
		}
		metrics.RecordStageForward(b.name, time.Since(start))
		wantDims, err := b.shape(in.Dims())
		if err != nil {
			return nil, err
		}
		if !equalDims(out.Dims(), wantDims) {
			return nil, fmt.Errorf("pipeline: block %s produced %v, shape function promised %v", b.name, out.Dims(), wantDims)
		}
		return out, nil
	}

	if x, ok := Resident(in); ok {
		if err := b.tr.Send(ctx, x, b.owner); err != nil {
			return nil, fmt.Errorf("pipeline: block %s hand-off to stage %d: %w", b.name, b.owner, err)
		}
	}
	outDims, err := b.shape(in.Dims())
	if err != nil {
		return nil, err
	}
	return Placeholder{Rank: b.owner, Shape: outDims}, nil
}

func (b *Block) materialize(ctx context.Context, in Value) (*device.Tensor, error) {
	switch v := in.(type) {
	case *device.Tensor:
		return v, nil
	case Placeholder:
		t, err := b.tr.Recv(ctx, v.Rank)
		if err != nil {
			return nil, fmt.Errorf("pipeline: block %s awaiting input from stage %d: %w", b.name, v.Rank, err)
		}
		if !equalDims(t.Dims(), v.Shape) {
			return nil, fmt.Errorf("pipeline: block %s received %v from stage %d, expected %v", b.name, t.Dims(), v.Rank, v.Shape)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("pipeline: block %s got unsupported value %T", b.name, in)
	}
}

func equalDims(a, b []int) bool {
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
