package parallel

import (
	"fmt"

	"github.com/nopperl/nanotron/internal/device"
)

// LayerKind is the closed set of layer families the model is assembled
// from. Weight initialization and checkpoint walks dispatch on the tag
// instead of on concrete types.
type LayerKind int

const (
	KindColumnLinear LayerKind = iota
	KindRowLinear
	KindNorm
	KindEmbedding
)

func (k LayerKind) String() string {
	switch k {
	case KindColumnLinear:
		return "column_linear"
	case KindRowLinear:
		return "row_linear"
	case KindNorm:
		return "norm"
	case KindEmbedding:
		return "embedding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Parameter is one named weight slice of a layer, exposed for the init
// walk and for weight registries.
type Parameter struct {
	Name    string
	Data    []float32
	Dims    []int
	Sharded bool
}

// Layer is the uniform surface shared by every tagged layer family.
type Layer interface {
	Kind() LayerKind
	Parameters() []Parameter
}

// ColumnLinear shards the output features: rank r owns rows
// [r*outShard, (r+1)*outShard) of the full weight. Forward is a local
// projection; with gatherOutput set, the shard outputs are gathered back
// into full-width rows.
type ColumnLinear struct {
	group        Group
	weight       *device.Tensor // [outShard, in]
	bias         []float32
	gatherOutput bool
}

func NewColumnLinear(group Group, weight *device.Tensor, bias []float32, gatherOutput bool) (*ColumnLinear, error) {
	dims := weight.Dims()
	if len(dims) != 2 {
		return nil, fmt.Errorf("parallel: column weight must be 2-d, got %v", dims)
	}
	if bias != nil && len(bias) != dims[0] {
		return nil, fmt.Errorf("parallel: bias length %d does not match %d output rows", len(bias), dims[0])
	}
	return &ColumnLinear{group: group, weight: weight, bias: bias, gatherOutput: gatherOutput}, nil
}

func (l *ColumnLinear) Kind() LayerKind { return KindColumnLinear }

func (l *ColumnLinear) Weight() *device.Tensor { return l.weight }

func (l *ColumnLinear) Parameters() []Parameter {
	params := []Parameter{{Name: "weight", Data: l.weight.Data(), Dims: l.weight.Dims(), Sharded: true}}
	if l.bias != nil {
		params = append(params, Parameter{Name: "bias", Data: l.bias, Dims: []int{len(l.bias)}, Sharded: true})
	}
	return params
}

func (l *ColumnLinear) Forward(x *device.Tensor) (*device.Tensor, error) {
	out, err := device.Linear(x, l.weight, l.bias)
	if err != nil {
		return nil, err
	}
	if !l.gatherOutput || l.group.Size() == 1 {
		return out, nil
	}
	rows, shardW := out.Dim(0), out.Dim(1)
	gathered, err := l.group.AllGather(out.Data())
	if err != nil {
		return nil, err
	}
	// Reassemble: the gather is rank-major, the output is row-major.
	size := l.group.Size()
	full := device.New(rows, shardW*size)
	for r := 0; r < size; r++ {
		block := gathered[r*rows*shardW : (r+1)*rows*shardW]
		for row := 0; row < rows; row++ {
			dst := row*shardW*size + r*shardW
			copy(full.Data()[dst:dst+shardW], block[row*shardW:(row+1)*shardW])
		}
	}
	return full, nil
}

// RowLinear shards the input features: rank r owns columns
// [r*inShard, (r+1)*inShard) of the full weight and consumes the matching
// slice of the input. Shard outputs are partial sums; Forward all-reduces
// them and then applies the bias once per rank.
type RowLinear struct {
	group  Group
	weight *device.Tensor // [out, inShard]
	bias   []float32
}

func NewRowLinear(group Group, weight *device.Tensor, bias []float32) (*RowLinear, error) {
	dims := weight.Dims()
	if len(dims) != 2 {
		return nil, fmt.Errorf("parallel: row weight must be 2-d, got %v", dims)
	}
	if bias != nil && len(bias) != dims[0] {
		return nil, fmt.Errorf("parallel: bias length %d does not match %d output rows", len(bias), dims[0])
	}
	return &RowLinear{group: group, weight: weight, bias: bias}, nil
}

func (l *RowLinear) Kind() LayerKind { return KindRowLinear }

func (l *RowLinear) Weight() *device.Tensor { return l.weight }

func (l *RowLinear) Parameters() []Parameter {
	params := []Parameter{{Name: "weight", Data: l.weight.Data(), Dims: l.weight.Dims(), Sharded: true}}
	if l.bias != nil {
		params = append(params, Parameter{Name: "bias", Data: l.bias, Dims: []int{len(l.bias)}})
	}
	return params
}

func (l *RowLinear) Forward(x *device.Tensor) (*device.Tensor, error) {
	out, err := device.Linear(x, l.weight, nil)
	if err != nil {
		return nil, err
	}
	if err := l.group.AllReduceSum(out.Data()); err != nil {
		return nil, err
	}
	if l.bias != nil {
		rows, width := out.Dim(0), out.Dim(1)
		for row := 0; row < rows; row++ {
			outRow := out.Data()[row*width : (row+1)*width]
			for i := range outRow {
				outRow[i] += l.bias[i]
			}
		}
	}
	return out, nil
}

// VocabParallelEmbedding shards the vocabulary: rank r owns ids
// [r*vocabShard, (r+1)*vocabShard). Each rank scatters its rows and the
// all-reduce fills in the rest, since out-of-shard lookups contribute
// zeros.
type VocabParallelEmbedding struct {
	group      Group
	weight     *device.Tensor // [vocabShard, hidden]
	vocabSize  int
	vocabStart int
}

func NewVocabParallelEmbedding(group Group, weight *device.Tensor, vocabSize int) (*VocabParallelEmbedding, error) {
	dims := weight.Dims()
	if len(dims) != 2 {
		return nil, fmt.Errorf("parallel: embedding weight must be 2-d, got %v", dims)
	}
	if vocabSize != dims[0]*group.Size() {
		return nil, fmt.Errorf("parallel: vocab %d does not split into %d shards of %d rows", vocabSize, group.Size(), dims[0])
	}
	return &VocabParallelEmbedding{
		group:      group,
		weight:     weight,
		vocabSize:  vocabSize,
		vocabStart: group.Rank() * dims[0],
	}, nil
}

func (e *VocabParallelEmbedding) Kind() LayerKind { return KindEmbedding }

func (e *VocabParallelEmbedding) Weight() *device.Tensor { return e.weight }

func (e *VocabParallelEmbedding) Parameters() []Parameter {
	return []Parameter{{Name: "weight", Data: e.weight.Data(), Dims: e.weight.Dims(), Sharded: true}}
}

// Lookup embeds ids into [len(ids), hidden] rows.
func (e *VocabParallelEmbedding) Lookup(ids []int32) (*device.Tensor, error) {
	if err := device.ValidateTokens(ids, e.vocabSize); err != nil {
		return nil, fmt.Errorf("parallel: %w", err)
	}
	shard, hidden := e.weight.Dim(0), e.weight.Dim(1)
	out := device.New(len(ids), hidden)
	for i, id := range ids {
		local := int(id) - e.vocabStart
		if local < 0 || local >= shard {
			continue
		}
		copy(out.Data()[i*hidden:(i+1)*hidden], e.weight.Data()[local*hidden:(local+1)*hidden])
	}
	if err := e.group.AllReduceSum(out.Data()); err != nil {
		return nil, err
	}
	return out, nil
}

// RMSNorm is replicated across ranks, never sharded.
type RMSNorm struct {
	weight []float32
	eps    float32
}

func NewRMSNorm(dim int, eps float32) *RMSNorm {
	weight := make([]float32, dim)
	for i := range weight {
		weight[i] = 1
	}
	return &RMSNorm{weight: weight, eps: eps}
}

func (n *RMSNorm) Kind() LayerKind { return KindNorm }

func (n *RMSNorm) Weight() []float32 { return n.weight }

func (n *RMSNorm) Parameters() []Parameter {
	return []Parameter{{Name: "weight", Data: n.weight, Dims: []int{len(n.weight)}}}
}

func (n *RMSNorm) Forward(x *device.Tensor) (*device.Tensor, error) {
	return device.RMSNorm(x, n.weight, n.eps)
}
