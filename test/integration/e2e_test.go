package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/engine"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HiddenSize = 16
	cfg.IntermediateSize = 32
	cfg.Layers = 2
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.VocabSize = 64
	cfg.MaxPositions = 128
	cfg.PrefillKVLen = 48
	cfg.Complete()
	return &cfg
}

func newEngine(t *testing.T, cfg *config.Config, sampler engine.SamplerConfig) *engine.Engine {
	t.Helper()
	mesh, err := transport.NewLocalMesh(1)
	if err != nil {
		t.Fatalf("NewLocalMesh: %v", err)
	}
	m, err := model.New(cfg, parallel.Single{}, mesh[0], 0)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	m.InitializeRandom(77)
	e, err := engine.New(m, mesh[0], sampler)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

// Drive the whole stack end to end: embedding, rotary attention with a
// KV session, sampling, and the decode loop.
func TestGenerateEndToEnd(t *testing.T) {
	cfg := testConfig()
	e := newEngine(t, cfg, engine.SamplerConfig{Temperature: 0})

	res, err := e.Generate(context.Background(), engine.Request{
		Prompts:      [][]int32{{5, 9, 2, 14}, {3, 1}},
		MaxNewTokens: 16,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for b, seq := range res.Sequences {
		if len(seq) != 16 {
			t.Errorf("row %d generated %d tokens, want 16", b, len(seq))
		}
		for i, id := range seq {
			if id < 0 || int(id) >= cfg.VocabSize {
				t.Errorf("row %d token %d out of vocab: %d", b, i, id)
			}
		}
	}
	if res.PromptTokens != 6 {
		t.Errorf("PromptTokens = %d, want 6", res.PromptTokens)
	}
	if res.Generated != 32 {
		t.Errorf("Generated = %d, want 32", res.Generated)
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %v, want positive", res.Duration)
	}
}

func TestGenerateStochasticSamplingStaysInVocab(t *testing.T) {
	cfg := testConfig()
	e := newEngine(t, cfg, engine.SamplerConfig{
		Temperature: 0.9,
		TopK:        20,
		TopP:        0.95,
		RepPenalty:  1.1,
		Seed:        99,
	})

	res, err := e.Generate(context.Background(), engine.Request{
		Prompts:      [][]int32{{8, 4, 4, 17, 2}},
		MaxNewTokens: 24,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Sequences[0]) != 24 {
		t.Fatalf("generated %d tokens, want 24", len(res.Sequences[0]))
	}
	for i, id := range res.Sequences[0] {
		if id < 0 || int(id) >= cfg.VocabSize {
			t.Errorf("token %d out of vocab: %d", i, id)
		}
	}
}

// A generation run must leave its traces in the prometheus registry.
func TestMetricsExposedAfterGeneration(t *testing.T) {
	cfg := testConfig()
	e := newEngine(t, cfg, engine.SamplerConfig{Temperature: 0})

	if _, err := e.Generate(context.Background(), engine.Request{
		Prompts:      [][]int32{{1, 2, 3}},
		MaxNewTokens: 4,
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}

	for _, series := range []string{
		"nanotron_prefill_tokens_total",
		"nanotron_decode_tokens_total",
		"nanotron_context_length_tokens",
		"nanotron_kv_cache_used_slots",
		"nanotron_stage_forward_duration_seconds",
	} {
		if !strings.Contains(string(body), series) {
			t.Errorf("scrape is missing %s", series)
		}
	}
}

// Sessions are bounded: a request that would outrun the KV cache is
// clamped instead of failing mid-generation.
func TestGenerationBoundedByKVCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.PrefillKVLen = 10
	e := newEngine(t, cfg, engine.SamplerConfig{Temperature: 0})

	res, err := e.Generate(context.Background(), engine.Request{
		Prompts:      [][]int32{{1, 2, 3, 4, 5, 6}},
		MaxNewTokens: 50,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(res.Sequences[0]); got != 5 {
		t.Errorf("generated %d tokens, want 5 (4 cache slots + prefill sample)", got)
	}
}
