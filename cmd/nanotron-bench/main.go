// Command nanotron-bench measures prefill and decode throughput for a
// model geometry. It generates from synthetic prompts with greedy
// sampling and reports either human-readable text or one JSON object
// for scripted comparisons.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/engine"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/transport"
)

var (
	layers       = flag.Int("layers", 4, "decoder layer count")
	hidden       = flag.Int("hidden", 128, "hidden size")
	intermediate = flag.Int("intermediate", 0, "mlp intermediate size (default 4*hidden)")
	heads        = flag.Int("heads", 8, "attention head count")
	kvHeads      = flag.Int("kv-heads", 0, "kv head count (default heads)")
	vocab        = flag.Int("vocab", 512, "vocabulary size")
	maxPositions = flag.Int("max-positions", 2048, "rotary table length")
	kvCapacity   = flag.Int("kv-cache", 512, "per-session kv capacity, prompt plus generated")
	initSeed     = flag.Int64("init-seed", 42, "weight initialization seed")

	batch     = flag.Int("batch", 4, "rows per generation")
	promptLen = flag.Int("prompt-len", 64, "synthetic prompt length per row")
	numTokens = flag.Int("n", 64, "tokens to generate per row")
	rounds    = flag.Int("rounds", 3, "measured rounds after one warmup")
	timeout   = flag.Duration("timeout", 2*time.Minute, "per-round generation timeout")

	outputFormat = flag.String("output", "text", "text or json")
	logLevel     = flag.String("log-level", "warn", "debug, info, warn or error")
	logFormat    = flag.String("log-format", "console", "console or json")
)

type Output struct {
	PrefillTokensPerSec float64 `json:"prefill_tokens_per_sec"`
	DecodeTokensPerSec  float64 `json:"decode_tokens_per_sec"`
	TotalDuration       float64 `json:"total_duration_seconds"`
	PrefillDuration     float64 `json:"prefill_duration_seconds"`
	DecodeDuration      float64 `json:"decode_duration_seconds"`
	PromptTokens        int     `json:"prompt_tokens"`
	Generated           int     `json:"tokens_generated"`
	Rounds              int     `json:"rounds"`
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.Layers = *layers
	cfg.HiddenSize = *hidden
	cfg.IntermediateSize = *intermediate
	if cfg.IntermediateSize == 0 {
		cfg.IntermediateSize = 4 * *hidden
	}
	cfg.Heads = *heads
	cfg.KVHeads = *kvHeads
	cfg.VocabSize = *vocab
	cfg.MaxPositions = *maxPositions
	cfg.PrefillKVLen = *kvCapacity
	cfg.Complete()
	if err := cfg.Validate(); err != nil {
		fatal("invalid model configuration", err)
	}
	if *promptLen <= 0 || *batch <= 0 || *rounds <= 0 {
		fatal("batch, prompt-len and rounds must be positive", nil)
	}

	mesh, err := transport.NewLocalMesh(1)
	if err != nil {
		fatal("transport setup", err)
	}
	m, err := model.New(&cfg, parallel.Single{}, mesh[0], 0)
	if err != nil {
		fatal("model assembly", err)
	}
	m.InitializeRandom(*initSeed)
	eng, err := engine.New(m, mesh[0], engine.SamplerConfig{Temperature: 0})
	if err != nil {
		fatal("engine setup", err)
	}

	rng := rand.New(rand.NewSource(1))
	prompts := make([][]int32, *batch)
	for b := range prompts {
		row := make([]int32, *promptLen)
		for i := range row {
			row[i] = int32(rng.Intn(cfg.VocabSize))
		}
		prompts[b] = row
	}

	// Warmup round primes allocator and scheduler state.
	if _, err := runRound(eng, prompts); err != nil {
		fatal("warmup round", err)
	}

	var agg Output
	for r := 0; r < *rounds; r++ {
		out, err := runRound(eng, prompts)
		if err != nil {
			fatal(fmt.Sprintf("round %d", r+1), err)
		}
		agg.TotalDuration += out.TotalDuration
		agg.PrefillDuration += out.PrefillDuration
		agg.DecodeDuration += out.DecodeDuration
		agg.PromptTokens += out.PromptTokens
		agg.Generated += out.Generated
	}
	agg.Rounds = *rounds
	if agg.PrefillDuration > 0 {
		agg.PrefillTokensPerSec = float64(agg.PromptTokens) / agg.PrefillDuration
	}
	decoded := agg.Generated - (*rounds)*(*batch) // first token per row rides the prefill
	if agg.DecodeDuration > 0 && decoded > 0 {
		agg.DecodeTokensPerSec = float64(decoded) / agg.DecodeDuration
	}

	if *outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(agg); err != nil {
			fatal("encoding output", err)
		}
		return
	}
	fmt.Printf("rounds:   %d (batch %d, prompt %d, generate %d)\n", agg.Rounds, *batch, *promptLen, *numTokens)
	fmt.Printf("prefill:  %d tokens in %.2fs (%.1f tok/s)\n", agg.PromptTokens, agg.PrefillDuration, agg.PrefillTokensPerSec)
	fmt.Printf("decode:   %d tokens in %.2fs (%.1f tok/s)\n", decoded, agg.DecodeDuration, agg.DecodeTokensPerSec)
	fmt.Printf("total:    %.2fs\n", agg.TotalDuration)
}

func runRound(eng *engine.Engine, prompts [][]int32) (*Output, error) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var firstToken time.Time
	res, err := eng.Generate(ctx, engine.Request{
		Prompts:      prompts,
		MaxNewTokens: *numTokens,
		OnToken: func(int, int32) {
			if firstToken.IsZero() {
				firstToken = time.Now()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	out := &Output{
		TotalDuration: res.Duration.Seconds(),
		PromptTokens:  res.PromptTokens,
		Generated:     res.Generated,
	}
	if !firstToken.IsZero() {
		out.PrefillDuration = firstToken.Sub(start).Seconds()
		out.DecodeDuration = out.TotalDuration - out.PrefillDuration
		if out.DecodeDuration < 0 {
			out.DecodeDuration = 0
		}
	}
	return out, nil
}

func fatal(msg string, err error) {
	if err != nil {
		logger.Log.Error(msg, "error", err)
	} else {
		logger.Log.Error(msg)
	}
	os.Exit(1)
}
