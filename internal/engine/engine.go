// Package engine drives batched token generation against a model: one
// prefill pass over left-padded prompts, then single-token decode steps
// until every row finishes or the KV cache is spent. The same Generate
// call runs on every pipeline stage; the stage holding the logits
// samples and broadcasts the chosen tokens so all stages feed identical
// ids into the next step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/logger"
	"github.com/nopperl/nanotron/internal/metrics"
	"github.com/nopperl/nanotron/internal/model"
	"github.com/nopperl/nanotron/internal/padding"
	"github.com/nopperl/nanotron/internal/pipeline"
	"github.com/nopperl/nanotron/internal/transport"
)

type Engine struct {
	m       *model.Model
	tr      transport.Transport
	sampler *Sampler
}

func New(m *model.Model, tr transport.Transport, cfg SamplerConfig) (*Engine, error) {
	if m == nil {
		return nil, errors.New("engine: nil model")
	}
	if tr == nil {
		return nil, errors.New("engine: nil transport")
	}
	return &Engine{m: m, tr: tr, sampler: NewSampler(cfg)}, nil
}

type Request struct {
	Prompts      [][]int32
	MaxNewTokens int
	// Stop lists token ids that end a row. The stop token itself is not
	// returned.
	Stop []int32
	// OnToken, when set, streams each accepted token as it is produced.
	// It runs on every stage with identical arguments; callers that
	// print should do so on one stage only. The callback must not block
	// for long, it runs on the generation path.
	OnToken func(row int, token int32)
}

type Result struct {
	// Sequences holds the generated tokens per prompt, prompt excluded.
	Sequences    [][]int32
	PromptTokens int
	Generated    int
	Duration     time.Duration
}

// Generate runs prefill plus decode for a batch of prompts. Ragged
// prompts are left-padded to the longest row so every sequence ends at
// the last column and decode can extend all rows in lockstep. On a
// multi-stage model every stage must call Generate with the same
// request; each returns the same Result.
func (e *Engine) Generate(ctx context.Context, req Request) (*Result, error) {
	cfg := e.m.Config()
	batch := len(req.Prompts)
	if batch == 0 {
		return nil, errors.New("engine: no prompts")
	}
	if req.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("engine: max new tokens must be positive, got %d", req.MaxNewTokens)
	}

	lengths := make([]int, batch)
	maxLen := 0
	promptTokens := 0
	for b, p := range req.Prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("engine: prompt %d is empty", b)
		}
		if err := device.ValidateTokens(p, cfg.VocabSize); err != nil {
			return nil, fmt.Errorf("engine: prompt %d: %w", b, err)
		}
		lengths[b] = len(p)
		promptTokens += len(p)
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	if maxLen > cfg.PrefillKVLen {
		return nil, fmt.Errorf("engine: longest prompt (%d tokens) exceeds kv capacity %d", maxLen, cfg.PrefillKVLen)
	}

	// The first token comes straight from the prefill logits; every
	// further token costs one cache slot for the decode step feeding it.
	steps := req.MaxNewTokens
	if room := cfg.PrefillKVLen - maxLen; steps > room+1 {
		logger.Log.Warn("generation clamped to kv capacity",
			"requested", req.MaxNewTokens, "generating", room+1)
		steps = room + 1
	}

	mask, err := padding.FromLengths(maxLen, lengths)
	if err != nil {
		return nil, err
	}
	ids := make([]int32, batch*maxLen) // batch-major, pad cells stay token 0
	for b, p := range req.Prompts {
		copy(ids[b*maxLen+(maxLen-len(p)):(b+1)*maxLen], p)
	}

	sess, err := e.m.NewSession(batch)
	if err != nil {
		return nil, err
	}

	stop := make(map[int32]struct{}, len(req.Stop))
	for _, id := range req.Stop {
		stop[id] = struct{}{}
	}

	histories := make([][]int32, batch)
	for b, p := range req.Prompts {
		histories[b] = append([]int32(nil), p...)
	}

	start := time.Now()
	out, err := e.m.Forward(ctx, ids, mask, sess)
	if err != nil {
		return nil, fmt.Errorf("engine: prefill: %w", err)
	}
	metrics.RecordPrefill(promptTokens, time.Since(start))
	for _, n := range lengths {
		metrics.RecordContextLength(n)
	}

	ones := make([]int, batch)
	for b := range ones {
		ones[b] = 1
	}
	decodeMask, err := padding.FromLengths(1, ones)
	if err != nil {
		return nil, err
	}

	sequences := make([][]int32, batch)
	done := make([]bool, batch)
	cur := make([]int32, batch)
	generated := 0

	for step := 0; step < steps; step++ {
		if e.m.Stage() == e.m.LogitsStage() {
			rows, err := lastLogits(out, batch, cfg.VocabSize)
			if err != nil {
				return nil, err
			}
			for b := 0; b < batch; b++ {
				if done[b] {
					continue
				}
				cur[b] = e.sampler.Sample(rows[b], histories[b])
			}
		}
		if cfg.PPSize > 1 {
			if cur, err = e.syncTokens(ctx, cur); err != nil {
				return nil, err
			}
		}

		for b := 0; b < batch; b++ {
			if done[b] {
				continue
			}
			if _, hit := stop[cur[b]]; hit {
				done[b] = true
				continue
			}
			sequences[b] = append(sequences[b], cur[b])
			histories[b] = append(histories[b], cur[b])
			generated++
			if req.OnToken != nil {
				req.OnToken(b, cur[b])
			}
		}

		if step+1 == steps || allDone(done) {
			break
		}

		// Finished rows keep feeding their last token so the batch stays
		// rectangular; their outputs are never read again.
		active := 0
		for b := 0; b < batch; b++ {
			if !done[b] {
				active++
			}
		}
		tStep := time.Now()
		out, err = e.m.Forward(ctx, cur, decodeMask, sess)
		if err != nil {
			return nil, fmt.Errorf("engine: decode step %d: %w", step+1, err)
		}
		metrics.RecordDecode(active, time.Since(tStep))
	}

	res := &Result{
		Sequences:    sequences,
		PromptTokens: promptTokens,
		Generated:    generated,
		Duration:     time.Since(start),
	}
	rate := 0.0
	if secs := res.Duration.Seconds(); secs > 0 {
		rate = float64(generated) / secs
	}
	logger.Log.Info("generation complete",
		"batch", batch,
		"prompt_tokens", promptTokens,
		"generated", generated,
		"duration", res.Duration,
		"tokens_per_sec", fmt.Sprintf("%.1f", rate))
	return res, nil
}

// lastLogits copies out each row's logits at the final column. With
// left padding every sequence ends there regardless of its length.
func lastLogits(v pipeline.Value, batch, vocab int) ([][]float32, error) {
	t, ok := pipeline.Resident(v)
	if !ok {
		return nil, errors.New("engine: logits not resident on this stage")
	}
	dims := t.Dims()
	if len(dims) != 3 || dims[1] != batch || dims[2] != vocab {
		return nil, fmt.Errorf("engine: logits shape %v, want [_, %d, %d]", dims, batch, vocab)
	}
	seqLen := dims[0]
	data := t.Data()
	rows := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		off := ((seqLen-1)*batch + b) * vocab
		rows[b] = append([]float32(nil), data[off:off+vocab]...)
	}
	if nans, infs := device.CheckNumericalStability(data[(seqLen-1)*batch*vocab:]); nans > 0 || infs > 0 {
		logger.Log.Warn("non-finite logits before sampling", "nan", nans, "inf", infs)
	}
	return rows, nil
}

// syncTokens shares the sampled ids across stages: the logits stage
// sends, everyone else receives. Ids ride the activation transport as
// float32, exact below 2^24; a half-precision wire keeps them exact
// below 2^11.
func (e *Engine) syncTokens(ctx context.Context, cur []int32) ([]int32, error) {
	last := e.m.LogitsStage()
	if e.m.Stage() == last {
		frame := device.New(len(cur))
		fd := frame.Data()
		for i, id := range cur {
			fd[i] = float32(id)
		}
		for dst := 0; dst < e.m.Config().PPSize; dst++ {
			if dst == last {
				continue
			}
			if err := e.tr.Send(ctx, frame, dst); err != nil {
				return nil, fmt.Errorf("engine: broadcast tokens to stage %d: %w", dst, err)
			}
		}
		return cur, nil
	}

	frame, err := e.tr.Recv(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("engine: receive tokens from stage %d: %w", last, err)
	}
	fd := frame.Data()
	if len(fd) != len(cur) {
		return nil, fmt.Errorf("engine: received %d tokens for batch of %d", len(fd), len(cur))
	}
	out := make([]int32, len(fd))
	for i, v := range fd {
		out[i] = int32(v)
	}
	return out, nil
}

func allDone(done []bool) bool {
	for _, d := range done {
		if !d {
			return false
		}
	}
	return true
}
