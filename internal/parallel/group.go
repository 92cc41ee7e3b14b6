// Package parallel implements tensor-parallel collectives and the sharded
// layer primitives built on them. A Group is one rank's handle on a set of
// shards that reduce or gather together; Single is the degenerate one-rank
// group used whenever the mesh has no tensor dimension.
package parallel

import (
	"fmt"
	"sync"
)

type Group interface {
	Rank() int
	Size() int
	// AllReduceSum replaces data with the element-wise sum across ranks.
	// Every rank must pass the same length.
	AllReduceSum(data []float32) error
	// AllGather returns the rank-ordered concatenation of equal-length
	// shards.
	AllGather(shard []float32) ([]float32, error)
}

// Single is the one-rank group. Collectives are identities.
type Single struct{}

func (Single) Rank() int { return 0 }

func (Single) Size() int { return 1 }

func (Single) AllReduceSum(data []float32) error { return nil }

func (Single) AllGather(shard []float32) ([]float32, error) {
	return append([]float32(nil), shard...), nil
}

// localWorld is the shared rendezvous state of an in-process group. Each
// collective is a generation: ranks deposit their slices, the last
// arrival reduces or concatenates, and everyone leaves with the result.
type localWorld struct {
	mu         sync.Mutex
	cond       *sync.Cond
	size       int
	bufs       [][]float32
	arrived    int
	generation int
	result     []float32
	err        error
}

type localGroup struct {
	world *localWorld
	rank  int
}

// NewLocalGroups builds an in-process group of the given size and returns
// one handle per rank. Collectives block until every rank has called
// them, so each rank must run on its own goroutine.
func NewLocalGroups(size int) ([]Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("parallel: group size %d must be positive", size)
	}
	w := &localWorld{size: size, bufs: make([][]float32, size)}
	w.cond = sync.NewCond(&w.mu)
	groups := make([]Group, size)
	for i := range groups {
		groups[i] = &localGroup{world: w, rank: i}
	}
	return groups, nil
}

func (g *localGroup) Rank() int { return g.rank }

func (g *localGroup) Size() int { return g.world.size }

// rendezvous blocks until all ranks have deposited a buffer, runs combine
// exactly once on the full set, and hands every rank the shared result.
func (g *localGroup) rendezvous(data []float32, combine func([][]float32) ([]float32, error)) ([]float32, error) {
	w := g.world
	w.mu.Lock()
	gen := w.generation
	w.bufs[g.rank] = data
	w.arrived++
	if w.arrived == w.size {
		w.result, w.err = combine(w.bufs)
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
	} else {
		for gen == w.generation {
			w.cond.Wait()
		}
	}
	res, err := w.result, w.err
	w.mu.Unlock()
	return res, err
}

func (g *localGroup) AllReduceSum(data []float32) error {
	res, err := g.rendezvous(data, func(bufs [][]float32) ([]float32, error) {
		n := len(bufs[0])
		for r, b := range bufs {
			if len(b) != n {
				return nil, fmt.Errorf("parallel: allreduce length mismatch: rank %d has %d, rank 0 has %d", r, len(b), n)
			}
		}
		sum := make([]float32, n)
		for _, b := range bufs {
			for i, v := range b {
				sum[i] += v
			}
		}
		return sum, nil
	})
	if err != nil {
		return err
	}
	copy(data, res)
	return nil
}

func (g *localGroup) AllGather(shard []float32) ([]float32, error) {
	res, err := g.rendezvous(shard, func(bufs [][]float32) ([]float32, error) {
		n := len(bufs[0])
		for r, b := range bufs {
			if len(b) != n {
				return nil, fmt.Errorf("parallel: allgather length mismatch: rank %d has %d, rank 0 has %d", r, len(b), n)
			}
		}
		out := make([]float32, 0, n*len(bufs))
		for _, b := range bufs {
			out = append(out, b...)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	// The result is shared across ranks; hand each caller its own copy.
	return append([]float32(nil), res...), nil
}
