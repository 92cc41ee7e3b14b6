package model

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nopperl/nanotron/internal/checkpoint"
	"github.com/nopperl/nanotron/internal/padding"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/pipeline"
	"github.com/nopperl/nanotron/internal/transport"
)

func TestSaveLoadWeightsRestoresModel(t *testing.T) {
	cfg := tinyConfig(2)
	src := singleStageModel(t, cfg, 7)
	path := filepath.Join(t.TempDir(), "weights.ntcp")
	if err := src.SaveWeights(path, checkpoint.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	dst := singleStageModel(t, cfg, 99)
	if err := dst.LoadWeights(path); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	for i, nl := range dst.NamedLayers() {
		srcParams := src.NamedLayers()[i].Layer.Parameters()
		for j, p := range nl.Layer.Parameters() {
			for k := range p.Data {
				if p.Data[k] != srcParams[j].Data[k] {
					t.Fatalf("%s param %d diverges at %d", nl.Path, j, k)
				}
			}
		}
	}

	ids := []int32{3, 1, 4}
	mask, err := padding.FromLengths(3, []int{3})
	if err != nil {
		t.Fatalf("FromLengths: %v", err)
	}
	wantV, err := src.Forward(context.Background(), ids, mask, nil)
	if err != nil {
		t.Fatalf("src forward: %v", err)
	}
	gotV, err := dst.Forward(context.Background(), ids, mask, nil)
	if err != nil {
		t.Fatalf("dst forward: %v", err)
	}
	want, _ := pipeline.Resident(wantV)
	got, _ := pipeline.Resident(gotV)
	for v := 0; v < cfg.VocabSize; v++ {
		if want.At(2, 0, v) != got.At(2, 0, v) {
			t.Fatalf("logit %d: %v vs %v", v, got.At(2, 0, v), want.At(2, 0, v))
		}
	}
}

func TestSaveWeightsHalfPrecision(t *testing.T) {
	cfg := tinyConfig(1)
	src := singleStageModel(t, cfg, 13)
	path := filepath.Join(t.TempDir(), "weights-f16.ntcp")
	if err := src.SaveWeights(path, checkpoint.F16); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	dst := singleStageModel(t, cfg, 14)
	if err := dst.LoadWeights(path); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	// Init weights sit near zero, so half precision keeps them within
	// its relative step.
	for i, nl := range dst.NamedLayers() {
		srcParams := src.NamedLayers()[i].Layer.Parameters()
		for j, p := range nl.Layer.Parameters() {
			for k := range p.Data {
				if math.Abs(float64(p.Data[k]-srcParams[j].Data[k])) > 1e-3 {
					t.Fatalf("%s param %d at %d: %v vs %v", nl.Path, j, k, p.Data[k], srcParams[j].Data[k])
				}
			}
		}
	}
}

func TestLoadWeightsReportsMissingTensor(t *testing.T) {
	small := tinyConfig(1)
	src := singleStageModel(t, small, 3)
	path := filepath.Join(t.TempDir(), "small.ntcp")
	if err := src.SaveWeights(path, checkpoint.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	big := tinyConfig(2)
	dst := singleStageModel(t, big, 3)
	err := dst.LoadWeights(path)
	if err == nil || !strings.Contains(err.Error(), "no tensor") {
		t.Fatalf("got %v, want missing tensor error", err)
	}
}

func TestLoadWeightsRejectsShapeMismatch(t *testing.T) {
	cfg := tinyConfig(1)
	src := singleStageModel(t, cfg, 3)
	path := filepath.Join(t.TempDir(), "shape.ntcp")
	if err := src.SaveWeights(path, checkpoint.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	wide := tinyConfig(1)
	wide.VocabSize = 32
	wide.Complete()
	dst := singleStageModel(t, wide, 3)
	err := dst.LoadWeights(path)
	if err == nil || !strings.Contains(err.Error(), "embed.weight") {
		t.Fatalf("got %v, want shape mismatch on embed.weight", err)
	}
}

func TestTiedWeightsStoredOnce(t *testing.T) {
	cfg := tinyConfig(1)
	cfg.TieEmbeddings = true
	src := singleStageModel(t, cfg, 5)
	path := filepath.Join(t.TempDir(), "tied.ntcp")
	if err := src.SaveWeights(path, checkpoint.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	f, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, name := range f.Names() {
		if strings.HasPrefix(name, "lm_head.") {
			t.Errorf("tied head stored separately as %s", name)
		}
	}
	if _, ok := f.Tensor("embed.weight"); !ok {
		t.Fatalf("embed.weight missing from %v", f.Names())
	}

	dst := singleStageModel(t, cfg, 6)
	if err := dst.LoadWeights(path); err != nil {
		t.Fatalf("LoadWeights into tied model: %v", err)
	}
	if dst.lmHead.Weight().Data()[0] != src.embed.Weight().Data()[0] {
		t.Errorf("tied head did not pick up embed weights")
	}
}

// A single-stage checkpoint carries the full model, so each stage of a
// pipeline can pull its own layers out of it.
func TestSingleCheckpointLoadsIntoPipelineStages(t *testing.T) {
	cfg := tinyConfig(2)
	src := singleStageModel(t, cfg, 21)
	path := filepath.Join(t.TempDir(), "full.ntcp")
	if err := src.SaveWeights(path, checkpoint.F32); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	pcfg := tinyConfig(2)
	pcfg.PPSize = 2
	pcfg.Complete()
	mesh, err := transport.NewLocalMesh(2)
	if err != nil {
		t.Fatalf("NewLocalMesh: %v", err)
	}
	srcByPath := make(map[string]parallel.Layer)
	for _, nl := range src.NamedLayers() {
		srcByPath[nl.Path] = nl.Layer
	}
	for stage := 0; stage < 2; stage++ {
		m, err := New(pcfg, parallel.Single{}, mesh[stage], stage)
		if err != nil {
			t.Fatalf("New stage %d: %v", stage, err)
		}
		if err := m.LoadWeights(path); err != nil {
			t.Fatalf("LoadWeights stage %d: %v", stage, err)
		}
		for _, nl := range m.NamedLayers() {
			srcLayer, ok := srcByPath[nl.Path]
			if !ok {
				t.Fatalf("stage %d owns %s, absent from the full model", stage, nl.Path)
			}
			srcParams := srcLayer.Parameters()
			for j, p := range nl.Layer.Parameters() {
				for k := range p.Data {
					if p.Data[k] != srcParams[j].Data[k] {
						t.Fatalf("stage %d %s param %d diverges", stage, nl.Path, j)
					}
				}
			}
		}
	}
}
