// Package model assembles the decoder: token embedding, a stack of
// decoder layers, final norm and output head, each wrapped as a pipeline
// block so stages can be placed on separate processes. Linear layers are
// tensor-sharded through parallel.Group.
package model

import (
	"context"
	"fmt"

	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/kvcache"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/padding"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/pipeline"
	"github.com/nopperl/nanotron/internal/rope"
	"github.com/nopperl/nanotron/internal/transport"
)

// NamedLayer is one locally owned parameterized layer with its path.
type NamedLayer struct {
	Path  string
	Layer parallel.Layer
}

type Model struct {
	cfg      *config.Config
	group    parallel.Group
	stage    int
	rope     *rope.Table
	registry *Registry
	named    []NamedLayer

	embed     *parallel.VocabParallelEmbedding // embedding stage only
	layers    []*DecoderLayer                  // nil for layers owned elsewhere
	finalNorm *parallel.RMSNorm                // last stage only
	lmHead    *parallel.ColumnLinear           // last stage only

	embedBlock  *pipeline.Block
	layerBlocks []*pipeline.Block
	normBlock   *pipeline.Block
	headBlock   *pipeline.Block
}

// LayerStage maps a decoder layer index to its owning pipeline stage:
// contiguous slabs, with earlier stages taking the remainder.
func LayerStage(index, layers, stages int) int {
	per := layers / stages
	extra := layers % stages
	boundary := extra * (per + 1)
	if index < boundary {
		return index / (per + 1)
	}
	return extra + (index-boundary)/per
}

// New builds the model for one (stage, tensor shard) process. Weights
// are zero until loaded or initialized.
func New(cfg *config.Config, group parallel.Group, tr transport.Transport, stage int) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if group.Size() != cfg.TPSize {
		return nil, fmt.Errorf("model: shard group size %d does not match configured %d", group.Size(), cfg.TPSize)
	}
	if stage < 0 || stage >= cfg.PPSize {
		return nil, fmt.Errorf("model: stage %d out of range for %d pipeline stages", stage, cfg.PPSize)
	}
	if cfg.TieEmbeddings && cfg.PPSize > 1 {
		return nil, fmt.Errorf("model: tied embeddings need the embedding and output head on one stage, got %d stages", cfg.PPSize)
	}
	table, err := rope.New(cfg.MaxPositions, cfg.HeadDim, cfg.RopeTheta)
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		group:    group,
		stage:    stage,
		rope:     table,
		registry: NewRegistry(),
	}

	const embedOwner = 0
	lastStage := cfg.PPSize - 1

	if stage == embedOwner {
		w := device.New(cfg.VocabSize/cfg.TPSize, cfg.HiddenSize)
		m.embed, err = parallel.NewVocabParallelEmbedding(group, w, cfg.VocabSize)
		if err != nil {
			return nil, err
		}
		m.addLayer("embed", m.embed)
	}
	m.embedBlock, err = pipeline.NewBlock("embed", embedOwner, stage, pipeline.PassShape, tr)
	if err != nil {
		return nil, err
	}

	m.layers = make([]*DecoderLayer, cfg.Layers)
	m.layerBlocks = make([]*pipeline.Block, cfg.Layers)
	for i := 0; i < cfg.Layers; i++ {
		owner := LayerStage(i, cfg.Layers, cfg.PPSize)
		name := fmt.Sprintf("decoder_%d", i)
		if owner == stage {
			layer, err := NewDecoderLayer(cfg, group, table, i)
			if err != nil {
				return nil, err
			}
			m.layers[i] = layer
			subs := layer.Layers()
			for _, sub := range sortedPaths(subs) {
				m.addLayer(name+"."+sub, subs[sub])
			}
		}
		m.layerBlocks[i], err = pipeline.NewBlock(name, owner, stage, pipeline.PassShape, tr)
		if err != nil {
			return nil, err
		}
	}

	if stage == lastStage {
		m.finalNorm = parallel.NewRMSNorm(cfg.HiddenSize, cfg.NormEps)
		m.addLayer("final_norm", m.finalNorm)

		headWeight := device.New(cfg.VocabSize/cfg.TPSize, cfg.HiddenSize)
		if cfg.TieEmbeddings {
			headWeight = m.embed.Weight()
		}
		m.lmHead, err = parallel.NewColumnLinear(group, headWeight, nil, true)
		if err != nil {
			return nil, err
		}
		m.addLayer("lm_head", m.lmHead)
		if cfg.TieEmbeddings {
			if err := m.registry.Tie("lm_head", "embed"); err != nil {
				return nil, err
			}
		}
	}
	m.normBlock, err = pipeline.NewBlock("final_norm", lastStage, stage, pipeline.PassShape, tr)
	if err != nil {
		return nil, err
	}
	m.headBlock, err = pipeline.NewBlock("lm_head", lastStage, stage, func(in []int) ([]int, error) {
		if len(in) != 3 {
			return nil, fmt.Errorf("model: head input must be 3-d, got %v", in)
		}
		return []int{in[0], in[1], cfg.VocabSize}, nil
	}, tr)
	if err != nil {
		return nil, err
	}

	logger.Log.Debug("model assembled",
		"stage", stage, "stages", cfg.PPSize, "shards", cfg.TPSize,
		"layers", cfg.Layers, "local_layers", len(m.named))
	return m, nil
}

func (m *Model) addLayer(path string, l parallel.Layer) {
	m.named = append(m.named, NamedLayer{Path: path, Layer: l})
	m.registry.Register(path)
}

func (m *Model) Config() *config.Config { return m.cfg }

func (m *Model) Stage() int { return m.stage }

// LogitsStage is the pipeline stage where logits come out resident.
func (m *Model) LogitsStage() int { return m.cfg.PPSize - 1 }

// NamedLayers lists the locally owned layers in a stable order.
func (m *Model) NamedLayers() []NamedLayer {
	return append([]NamedLayer(nil), m.named...)
}

func (m *Model) Registry() *Registry { return m.registry }

// NewSession allocates a KV cache session for this shard: one slab per
// local kv head, capacity bounded by the configured prefill length.
func (m *Model) NewSession(batch int) (*kvcache.Session, error) {
	return kvcache.NewSession(batch, m.cfg.PrefillKVLen, m.cfg.LocalKVHeads(), m.cfg.HeadDim)
}

// Forward runs the block chain for one call. ids are batch-major
// (ids[b*seqLen+s]) and must cover every mask cell; pad cells hold token
// 0 by convention, their outputs are never read. The result is resident
// on LogitsStage as [seqLen, batch, vocab] and a placeholder elsewhere.
func (m *Model) Forward(ctx context.Context, ids []int32, mask padding.Mask, sess *kvcache.Session) (pipeline.Value, error) {
	seqLen, batch := mask.SeqLen(), mask.Batch()
	if len(ids) != seqLen*batch {
		return nil, fmt.Errorf("model: %d ids for mask (%d, %d)", len(ids), batch, seqLen)
	}

	var embedCompute pipeline.Module
	if m.embed != nil {
		embedCompute = pipeline.ModuleFunc(func(*device.Tensor) (*device.Tensor, error) {
			return m.embedForward(ids, seqLen, batch)
		})
	}
	v, err := m.embedBlock.Source([]int{seqLen, batch, m.cfg.HiddenSize}, embedCompute)
	if err != nil {
		return nil, err
	}

	for i, blk := range m.layerBlocks {
		var compute pipeline.Module
		if layer := m.layers[i]; layer != nil {
			compute = pipeline.ModuleFunc(func(x *device.Tensor) (*device.Tensor, error) {
				return layer.Forward(x, mask, sess)
			})
		}
		v, err = blk.Run(ctx, v, compute)
		if err != nil {
			return nil, err
		}
	}

	var normCompute pipeline.Module
	if m.finalNorm != nil {
		normCompute = pipeline.ModuleFunc(func(x *device.Tensor) (*device.Tensor, error) {
			return m.finalNorm.Forward(x)
		})
	}
	v, err = m.normBlock.Run(ctx, v, normCompute)
	if err != nil {
		return nil, err
	}

	var headCompute pipeline.Module
	if m.lmHead != nil {
		headCompute = pipeline.ModuleFunc(func(x *device.Tensor) (*device.Tensor, error) {
			return m.headForward(x, seqLen, batch)
		})
	}
	return m.headBlock.Run(ctx, v, headCompute)
}

func (m *Model) embedForward(ids []int32, seqLen, batch int) (*device.Tensor, error) {
	emb, err := m.embed.Lookup(ids)
	if err != nil {
		return nil, err
	}
	bm, err := emb.Reshape(batch, seqLen, m.cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	return bm.Transpose01(), nil
}

func (m *Model) headForward(x *device.Tensor, seqLen, batch int) (*device.Tensor, error) {
	flat, err := x.Reshape(seqLen*batch, m.cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	logits, err := m.lmHead.Forward(flat)
	if err != nil {
		return nil, err
	}
	return logits.Reshape(seqLen, batch, m.cfg.VocabSize)
}
