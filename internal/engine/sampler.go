package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/nopperl/nanotron/internal/device"
	"github.com/nopperl/nanotron/internal/logger"
)

type SamplerConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // 1.0 = no penalty, > 1.0 = penalty
	Seed        int64
}

// Sampler turns one row of logits into a token id. It owns a single rng,
// so a fixed seed makes a whole generation reproducible as long as rows
// are sampled in batch order.
type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Sample picks the next token for one sequence. history holds the real
// tokens fed so far (prompt plus generated, no padding) and drives the
// repetition penalty. logits are modified in place when a penalty
// applies; callers pass a scratch copy.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if !device.IsValid(logits) {
		return firstFiniteToken(logits)
	}

	if s.Config.RepPenalty > 1.0 && len(history) > 0 {
		s.applyRepetitionPenalty(logits, history)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return argMax(logits)
	}

	probs := softmax(logits, temp)

	candidates := filterCandidates(probs)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.Config.TopK)
	candidates = applyTopP(candidates, s.Config.TopP)

	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.pick(candidates)
}

// applyRepetitionPenalty discounts tokens seen in the recent history.
// Positive logits are divided by the penalty, negative ones multiplied,
// so the adjustment always pushes toward less likely.
func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int32) {
	seen := make(map[int32]struct{})
	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if int(id) < len(logits) {
			if logits[id] > 0 {
				logits[id] /= float32(s.Config.RepPenalty)
			} else {
				logits[id] *= float32(s.Config.RepPenalty)
			}
		}
	}
}

func (s *Sampler) pick(candidates []tokenProb) int32 {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}

	return candidates[0].id
}

type tokenProb struct {
	id   int32
	prob float64
}

func firstFiniteToken(logits []float32) int32 {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return int32(i)
		}
	}
	return 0
}

// softmax scales by temperature and normalizes in float64, subtracting
// the max so large logits cannot overflow Exp.
func softmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	return probs
}

func filterCandidates(probs []float64) []tokenProb {
	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: int32(i), prob: p})
		}
	}
	return candidates
}

func argMax(logits []float32) int32 {
	if len(logits) == 0 {
		panic("argMax: empty logits slice")
	}

	maxIdx := 0
	maxVal := logits[0]

	allNaN := true
	for i, v := range logits {
		if !math.IsNaN(float64(v)) {
			allNaN = false
			if v > maxVal || math.IsNaN(float64(maxVal)) {
				maxVal = v
				maxIdx = i
			}
		}
	}

	if allNaN {
		logger.Log.Warn("argMax fallback, all logits are NaN")
		return 0
	}

	return int32(maxIdx)
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

// applyTopP keeps the smallest prefix of the sorted candidates whose
// probability mass reaches p, then renormalizes within it.
func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]

			total := 0.0
			for _, c := range selected {
				total += c.prob
			}
			for i := range selected {
				selected[i].prob /= total
			}

			return selected
		}
	}
	return candidates
}
