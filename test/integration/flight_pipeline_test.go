package integration

import (
	"context"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/nopperl/nanotron/internal/engine"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/transport"
)

func startFlightMesh(t *testing.T, halfWire bool) []*transport.FlightTransport {
	t.Helper()
	a, err := transport.NewFlightTransport(0, []string{"127.0.0.1:0", "127.0.0.1:0"}, halfWire)
	if err != nil {
		t.Fatalf("NewFlightTransport 0: %v", err)
	}
	b, err := transport.NewFlightTransport(1, []string{a.Addr(), "127.0.0.1:0"}, halfWire)
	if err != nil {
		t.Fatalf("NewFlightTransport 1: %v", err)
	}
	if err := a.SetPeer(1, b.Addr()); err != nil {
		t.Fatalf("SetPeer: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return []*transport.FlightTransport{a, b}
}

func copyModelWeights(t *testing.T, dst, src *model.Model) {
	t.Helper()
	srcByPath := make(map[string]parallel.Layer)
	for _, nl := range src.NamedLayers() {
		srcByPath[nl.Path] = nl.Layer
	}
	for _, nl := range dst.NamedLayers() {
		srcLayer, ok := srcByPath[nl.Path]
		if !ok {
			t.Fatalf("no source weights for %s", nl.Path)
		}
		srcParams := srcLayer.Parameters()
		for i, p := range nl.Layer.Parameters() {
			copy(p.Data, srcParams[i].Data)
		}
	}
}

// Two stages in separate flight endpoints must reproduce, token for
// token, what a single process computes with the same weights.
func TestFlightPipelineMatchesSingleProcess(t *testing.T) {
	cfg := testConfig()

	mesh, err := transport.NewLocalMesh(1)
	if err != nil {
		t.Fatalf("NewLocalMesh: %v", err)
	}
	single, err := model.New(cfg, parallel.Single{}, mesh[0], 0)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	single.InitializeRandom(123)
	soloEngine, err := engine.New(single, mesh[0], engine.SamplerConfig{Temperature: 0})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	req := engine.Request{
		Prompts:      [][]int32{{5, 9, 2, 14}, {3, 1}},
		MaxNewTokens: 8,
	}
	want, err := soloEngine.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("single Generate: %v", err)
	}

	pcfg := testConfig()
	pcfg.PPSize = 2
	pcfg.Complete()

	flights := startFlightMesh(t, false)
	stages := make([]*model.Model, 2)
	for rank := range stages {
		m, err := model.New(pcfg, parallel.Single{}, flights[rank], rank)
		if err != nil {
			t.Fatalf("model.New stage %d: %v", rank, err)
		}
		copyModelWeights(t, m, single)
		stages[rank] = m
	}

	results := make([]*engine.Result, 2)
	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		eg.Go(func() error {
			e, err := engine.New(stages[rank], flights[rank], engine.SamplerConfig{Temperature: 0})
			if err != nil {
				return err
			}
			res, err := e.Generate(context.Background(), req)
			results[rank] = res
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("pipeline Generate: %v", err)
	}

	for b := range want.Sequences {
		for rank, res := range results {
			got := res.Sequences[b]
			if len(got) != len(want.Sequences[b]) {
				t.Fatalf("rank %d row %d: %d tokens, want %d", rank, b, len(got), len(want.Sequences[b]))
			}
			for i := range got {
				if got[i] != want.Sequences[b][i] {
					t.Errorf("rank %d row %d: %v, want %v", rank, b, got, want.Sequences[b])
					break
				}
			}
		}
	}
}

// The half-precision wire trades exactness for bandwidth; the pipeline
// must still run to completion and both stages must agree with each
// other.
func TestFlightPipelineHalfWire(t *testing.T) {
	pcfg := testConfig()
	pcfg.PPSize = 2
	pcfg.Complete()

	flights := startFlightMesh(t, true)
	req := engine.Request{
		Prompts:      [][]int32{{7, 3, 11}},
		MaxNewTokens: 6,
	}

	stages := make([]*model.Model, 2)
	for rank := range stages {
		m, err := model.New(pcfg, parallel.Single{}, flights[rank], rank)
		if err != nil {
			t.Fatalf("model.New stage %d: %v", rank, err)
		}
		m.InitializeRandom(55)
		stages[rank] = m
	}

	results := make([]*engine.Result, 2)
	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		eg.Go(func() error {
			e, err := engine.New(stages[rank], flights[rank], engine.SamplerConfig{Temperature: 0})
			if err != nil {
				return err
			}
			res, err := e.Generate(context.Background(), req)
			results[rank] = res
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("half-wire Generate: %v", err)
	}

	if len(results[0].Sequences[0]) != 6 {
		t.Fatalf("generated %d tokens, want 6", len(results[0].Sequences[0]))
	}
	for i := range results[0].Sequences[0] {
		if results[0].Sequences[0][i] != results[1].Sequences[0][i] {
			t.Errorf("stages disagree: %v vs %v", results[0].Sequences[0], results[1].Sequences[0])
			break
		}
	}
}
