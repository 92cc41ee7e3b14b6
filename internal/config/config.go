package config

import (
	"errors"
	"fmt"

	"github.com/nopperl/nanotron/internal/logger"
)

// ErrInvalid is wrapped by every configuration failure. Configuration
// errors are programmer errors: they are raised at construction time and
// never retried.
var ErrInvalid = errors.New("invalid config")

// Config describes one decoder model plus the process mesh it runs on.
type Config struct {
	HiddenSize       int
	IntermediateSize int
	Layers           int
	Heads            int
	KVHeads          int
	HeadDim          int
	VocabSize        int
	MaxPositions     int
	RopeTheta        float64
	NormEps          float32
	HiddenAct        string // "silu" or "gelu" gating in the MLP

	// PrefillKVLen is the per-session KV cache capacity. The cache is
	// allocated once at prefill and never resized, so this bounds the
	// total sequence length (prompt + generated) of a session.
	PrefillKVLen int

	// Process mesh: TPSize tensor shards x PPSize pipeline stages.
	TPSize int
	PPSize int

	// TieEmbeddings shares one weight between the token embedding and
	// the output head. Requires both to live on the same stage.
	TieEmbeddings bool

	TraceAttention bool
}

func Default() Config {
	return Config{
		MaxPositions: 2048,
		RopeTheta:    10000.0,
		NormEps:      1e-5,
		HiddenAct:    "silu",
		TPSize:       1,
		PPSize:       1,
	}
}

// Complete fills derived and defaulted fields in place. It must run before
// Validate. KVHeads falls back to Heads (plain multi-head attention) when
// unset, matching checkpoint metadata that predates grouped queries.
func (c *Config) Complete() {
	if c.HeadDim == 0 && c.Heads > 0 {
		c.HeadDim = c.HiddenSize / c.Heads
	}
	if c.KVHeads == 0 {
		if c.Heads > 0 {
			logger.Log.Warn("kv head count not set, assuming one kv head per query head", "heads", c.Heads)
		}
		c.KVHeads = c.Heads
	}
	if c.PrefillKVLen == 0 {
		c.PrefillKVLen = c.MaxPositions
	}
	if c.TPSize == 0 {
		c.TPSize = 1
	}
	if c.PPSize == 0 {
		c.PPSize = 1
	}
	if c.HiddenAct == "" {
		c.HiddenAct = "silu"
	}
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("%w: hidden size %d must be positive", ErrInvalid, c.HiddenSize)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("%w: intermediate size %d must be positive", ErrInvalid, c.IntermediateSize)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: layer count %d must be positive", ErrInvalid, c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("%w: head count %d must be positive", ErrInvalid, c.Heads)
	}
	if c.KVHeads <= 0 || c.KVHeads > c.Heads {
		return fmt.Errorf("%w: kv head count %d must be in [1, %d]", ErrInvalid, c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("%w: head count %d must be divisible by kv head count %d", ErrInvalid, c.Heads, c.KVHeads)
	}
	if c.HiddenSize%c.Heads != 0 {
		return fmt.Errorf("%w: hidden size %d must be divisible by head count %d", ErrInvalid, c.HiddenSize, c.Heads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("%w: head dim %d must be positive and even for rotary encoding", ErrInvalid, c.HeadDim)
	}
	if c.HiddenSize != c.Heads*c.HeadDim {
		return fmt.Errorf("%w: hidden size %d != heads(%d) * head dim(%d)", ErrInvalid, c.HiddenSize, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab size %d must be positive", ErrInvalid, c.VocabSize)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("%w: max positions %d must be positive", ErrInvalid, c.MaxPositions)
	}
	if c.PrefillKVLen <= 0 {
		return fmt.Errorf("%w: prefill kv length %d must be positive", ErrInvalid, c.PrefillKVLen)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("%w: rope theta %g must be positive", ErrInvalid, c.RopeTheta)
	}
	if c.NormEps <= 0 {
		return fmt.Errorf("%w: norm eps %g must be positive", ErrInvalid, c.NormEps)
	}
	switch c.HiddenAct {
	case "silu", "gelu":
	default:
		return fmt.Errorf("%w: hidden act %q must be silu or gelu", ErrInvalid, c.HiddenAct)
	}
	if c.TPSize <= 0 || c.PPSize <= 0 {
		return fmt.Errorf("%w: mesh %dx%d must be positive", ErrInvalid, c.TPSize, c.PPSize)
	}
	if c.Heads%c.TPSize != 0 {
		return fmt.Errorf("%w: head count %d must be divisible by tensor shard count %d", ErrInvalid, c.Heads, c.TPSize)
	}
	if c.KVHeads%c.TPSize != 0 {
		return fmt.Errorf("%w: kv head count %d must be divisible by tensor shard count %d", ErrInvalid, c.KVHeads, c.TPSize)
	}
	if c.IntermediateSize%c.TPSize != 0 {
		return fmt.Errorf("%w: intermediate size %d must be divisible by tensor shard count %d", ErrInvalid, c.IntermediateSize, c.TPSize)
	}
	if c.VocabSize%c.TPSize != 0 {
		return fmt.Errorf("%w: vocab size %d must be divisible by tensor shard count %d", ErrInvalid, c.VocabSize, c.TPSize)
	}
	return nil
}

// LocalQHeads returns the query heads owned by one tensor shard.
func (c *Config) LocalQHeads() int { return c.Heads / c.TPSize }

// LocalKVHeads returns the key/value heads owned by one tensor shard.
func (c *Config) LocalKVHeads() int { return c.KVHeads / c.TPSize }

// LocalIntermediate returns the MLP width owned by one tensor shard.
func (c *Config) LocalIntermediate() int { return c.IntermediateSize / c.TPSize }

// Repeats returns how many query heads share one key/value head.
func (c *Config) Repeats() int { return c.Heads / c.KVHeads }

// IsGQA reports whether query and key/value head counts differ.
func (c *Config) IsGQA() bool { return c.Heads != c.KVHeads }
