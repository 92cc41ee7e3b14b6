// Command nanotron-stage runs one pipeline stage of a decoder as its
// own process. Every stage is launched with the same model and
// generation flags plus its own -rank; stages exchange activations and
// sampled tokens over Arrow Flight, and each serves its own health and
// metrics endpoints.
//
//	nanotron-stage -rank 0 -peers host-a:7700,host-b:7700 -monitor :9090
//	nanotron-stage -rank 1 -peers host-a:7700,host-b:7700 -monitor :9091
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nopperl/nanotron/internal/checkpoint"
	"github.com/nopperl/nanotron/internal/config"
	"github.com/nopperl/nanotron/internal/engine"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/monitoring"
	"github.com/nopperl/nanotron/internal/parallel"
	"github.com/nopperl/nanotron/internal/transport"
)

var (
	rank     = flag.Int("rank", -1, "this stage's index into -peers")
	peerList = flag.String("peers", "", "comma separated flight addresses, one per stage")
	halfWire = flag.Bool("half-wire", false, "send activations as 16-bit floats")
	peerWait = flag.Duration("peer-wait", 30*time.Second, "how long to wait for peer stages to come up")

	layers       = flag.Int("layers", 4, "decoder layer count")
	hidden       = flag.Int("hidden", 128, "hidden size")
	intermediate = flag.Int("intermediate", 0, "mlp intermediate size (default 4*hidden)")
	heads        = flag.Int("heads", 8, "attention head count")
	kvHeads      = flag.Int("kv-heads", 0, "kv head count (default heads)")
	vocab        = flag.Int("vocab", 512, "vocabulary size")
	maxPositions = flag.Int("max-positions", 2048, "rotary table length")
	kvCapacity   = flag.Int("kv-cache", 256, "per-session kv capacity, prompt plus generated")
	initSeed     = flag.Int64("init-seed", 42, "weight initialization seed")

	loadWeights = flag.String("load-weights", "", "load this stage's weights from a checkpoint instead of random init")
	saveWeights = flag.String("save-weights", "", "write this stage's weight shard before generating")
	weightsF16  = flag.Bool("weights-f16", false, "store saved weights in half precision")

	prompt    = flag.String("prompt", "1,2,3", "prompt token ids, ';' separates batch rows")
	numTokens = flag.Int("n", 20, "number of tokens to generate per row")
	stopList  = flag.String("stop", "", "comma separated stop token ids")

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

	peers := splitPeers(*peerList)
	if len(peers) < 2 {
		fatal("need at least two -peers for a pipeline", nil)
	}
	if *rank < 0 || *rank >= len(peers) {
		fatal(fmt.Sprintf("-rank must be in [0, %d)", len(peers)), nil)
	}
	logger.Log = logger.Log.WithRank(*rank, 0)

	cfg := buildConfig(len(peers))
	if err := cfg.Validate(); err != nil {
		fatal("invalid model configuration", err)
	}

	prompts, err := parseRows(*prompt)
	if err != nil {
		fatal("bad -prompt", err)
	}
	stop, err := parseIDs(*stopList)
	if err != nil {
		fatal("bad -stop", err)
	}

	tr, err := transport.NewFlightTransport(*rank, peers, *halfWire)
	if err != nil {
		fatal("transport setup", err)
	}
	defer tr.Close()

	if err := waitForPeers(peers, *rank, *peerWait); err != nil {
		fatal("peers unreachable", err)
	}

	m, err := model.New(&cfg, parallel.Single{}, tr, *rank)
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

	eng, err := engine.New(m, tr, engine.SamplerConfig{
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
		monitoring.StageInfo{PPRank: *rank, PPSize: len(peers), TPSize: 1, Addr: tr.Addr()},
		monitoring.ModelInfoFromConfig(&cfg),
	)

	sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSig()
	runCtx, stopRun := context.WithCancel(sigCtx)
	defer stopRun()

	eg, ctx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return monitor.Start(*monitorAddr)
	})
	eg.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return monitor.Stop(shCtx)
	})
	eg.Go(func() error {
		defer stopRun()
		res, err := eng.Generate(ctx, engine.Request{
			Prompts:      prompts,
			MaxNewTokens: *numTokens,
			Stop:         stop,
		})
		if err != nil {
			return err
		}
		monitor.RecordGeneration(res.Generated, res.Duration)
		if m.Stage() == m.LogitsStage() {
			for b, seq := range res.Sequences {
				fmt.Printf("row %d: %v -> %v\n", b, prompts[b], seq)
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		fatal("stage failed", err)
	}
	logger.Log.Info("stage finished")
}

func buildConfig(ppSize int) config.Config {
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
	cfg.PPSize = ppSize
	cfg.TraceAttention = *trace
	cfg.Complete()
	return cfg
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// waitForPeers probes every other stage's flight port until it accepts
// connections, so a fleet started in any order converges.
func waitForPeers(peers []string, self int, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for i, addr := range peers {
		if i == self {
			continue
		}
		for {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err == nil {
				conn.Close()
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("stage %d at %s: %w", i, addr, err)
			}
			logger.Log.Debug("waiting for peer stage", "rank", i, "addr", addr)
			time.Sleep(200 * time.Millisecond)
		}
	}
	return nil
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
	if err != nil {
		logger.Log.Error(msg, "error", err)
	} else {
		logger.Log.Error(msg)
	}
	os.Exit(1)
}
