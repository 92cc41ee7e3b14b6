// Command nanotron runs a decoder in a single process and generates
// tokens from prompt ids or byte-tokenized text. It is the quickest way
// to exercise the full prefill/decode path and read throughput numbers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nopperl/nanotron/internal/checkpoint"
	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/engine"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/monitoring"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/tokenizer"
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
	kvCapacity   = flag.Int("kv-cache", 256, "per-session kv capacity, prompt plus generated")
	tieEmb       = flag.Bool("tie-embeddings", false, "share the embedding and lm head weight")
	initSeed     = flag.Int64("init-seed", 42, "weight initialization seed")

	prompt    = flag.String("prompt", "1,2,3", "prompt token ids, ';' separates batch rows")
	text      = flag.String("text", "", "text prompts via the byte tokenizer, ';' separates rows (overrides -prompt)")
	numTokens = flag.Int("n", 20, "number of tokens to generate per row")
	stopList  = flag.String("stop", "", "comma separated stop token ids")
	stream    = flag.Bool("stream", false, "print tokens as they are generated")

	loadWeights = flag.String("load-weights", "", "load weights from a checkpoint instead of random init")
	saveWeights = flag.String("save-weights", "", "write the weights to a checkpoint before generating")
	weightsF16  = flag.Bool("weights-f16", false, "store saved weights in half precision")

	temperature = flag.Float64("temp", 0.7, "sampling temperature, 0 = greedy")
	topK        = flag.Int("topk", 40, "top-k sampling")
	topP        = flag.Float64("topp", 0.95, "top-p sampling")
	repPenalty  = flag.Float64("penalty", 1.1, "repetition penalty")
	seed        = flag.Int64("seed", 0, "sampler seed, 0 seeds from the clock")

	monitorAddr = flag.String("monitor", ":9090", "health and metrics listen address")
	logLevel    = flag.String("log-level", "info", "debug, info, warn or error")
	logFormat   = flag.String("log-format", "console", "console or json")
	trace       = flag.Bool("trace", false, "log per-layer attention output stats")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		fatal("invalid model configuration", err)
	}

	var tok *tokenizer.ByteTokenizer
	var textRows []string
	var prompts [][]int32
	var err error
	if *text != "" {
		tok = tokenizer.NewByte()
		if cfg.VocabSize < tok.VocabSize() {
			fatal("bad -text", fmt.Errorf("byte tokenizer needs vocab >= %d, got %d", tok.VocabSize(), cfg.VocabSize))
		}
		textRows = strings.Split(*text, ";")
		for _, row := range textRows {
			prompts = append(prompts, tok.Encode(row))
		}
	} else {
		prompts, err = parseRows(*prompt)
		if err != nil {
			fatal("bad -prompt", err)
		}
	}
	stop, err := parseIDs(*stopList)
	if err != nil {
		fatal("bad -stop", err)
	}
	if tok != nil {
		stop = append(stop, tok.EOS())
	}

	mesh, err := transport.NewLocalMesh(1)
	if err != nil {
		fatal("transport setup", err)
	}
	m, err := model.New(&cfg, parallel.Single{}, mesh[0], 0)
	if err != nil {
		fatal("model assembly", err)
	}
	if *loadWeights != "" {
		if err := m.LoadWeights(*loadWeights); err != nil {
			fatal("loading weights", err)
		}
	} else {
		m.InitializeRandom(*initSeed)
	}
	if *saveWeights != "" {
		dtype := checkpoint.F32
		if *weightsF16 {
			dtype = checkpoint.F16
		}
		if err := m.SaveWeights(*saveWeights, dtype); err != nil {
			fatal("saving weights", err)
		}
	}

	eng, err := engine.New(m, mesh[0], engine.SamplerConfig{
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		RepPenalty:  *repPenalty,
		Seed:        *seed,
	})
	if err != nil {
		fatal("engine setup", err)
	}

	monitor := monitoring.NewHealthMonitor(
		monitoring.StageInfo{PPSize: 1, TPSize: 1},
		monitoring.ModelInfoFromConfig(&cfg),
	)
	go func() {
		if err := monitor.Start(*monitorAddr); err != nil {
			logger.Log.Error("health monitor failed", "error", err)
		}
	}()

	ctx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()

	req := engine.Request{
		Prompts:      prompts,
		MaxNewTokens: *numTokens,
		Stop:         stop,
	}
	streamInline := *stream && tok != nil && len(prompts) == 1
	if *stream {
		req.OnToken = func(row int, token int32) {
			if streamInline {
				fmt.Print(tok.Decode([]int32{token}))
				return
			}
			fmt.Printf("row %d: %d\n", row, token)
		}
	}
	res, err := eng.Generate(ctx, req)
	if err != nil {
		fatal("generation", err)
	}
	if streamInline {
		fmt.Println()
	}
	monitor.RecordGeneration(res.Generated, res.Duration)

	for b, seq := range res.Sequences {
		if tok != nil {
			fmt.Printf("row %d: %q -> %q\n", b, textRows[b], tok.Decode(seq))
			continue
		}
		fmt.Printf("row %d: %v -> %v\n", b, prompts[b], seq)
	}
	rate := 0.0
	if secs := res.Duration.Seconds(); secs > 0 {
		rate = float64(res.Generated) / secs
	}
	fmt.Printf("%d tokens in %v (%.1f tok/s)\n", res.Generated, res.Duration.Round(time.Millisecond), rate)

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := monitor.Stop(shCtx); err != nil {
		logger.Log.Warn("health monitor shutdown", "error", err)
	}
}

func buildConfig() config.Config {
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
	cfg.TieEmbeddings = *tieEmb
	cfg.TraceAttention = *trace
	cfg.Complete()
	return cfg
}

// parseRows decodes "1,2,3;4,5" into one id slice per batch row.
func parseRows(s string) ([][]int32, error) {
	var prompts [][]int32
	for _, row := range strings.Split(s, ";") {
		ids, err := parseIDs(row)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, ids)
	}
	return prompts, nil
}

func parseIDs(s string) ([]int32, error) {
	var ids []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("token id %q: %w", field, err)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}

func fatal(msg string, err error) {
	logger.Log.Error(msg, "error", err)
	os.Exit(1)
}
