package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nopperl/nanotron/internal/parallel"
)

// Registry maps physical parameter paths to logical identities. Tied
// weights share one logical name, so walks that must touch each storage
// exactly once (initialization, checkpointing) consult the registry
// instead of comparing live objects.
type Registry struct {
	logical map[string]string
	aliases map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		logical: make(map[string]string),
		aliases: make(map[string][]string),
	}
}

// Register records path as its own logical parameter.
func (r *Registry) Register(path string) {
	if _, ok := r.logical[path]; ok {
		return
	}
	r.logical[path] = path
	r.aliases[path] = append(r.aliases[path], path)
}

// Tie makes path an alias of an already registered logical parameter.
func (r *Registry) Tie(path, logical string) error {
	if _, ok := r.aliases[logical]; !ok {
		return fmt.Errorf("model: cannot tie %q to unregistered parameter %q", path, logical)
	}
	if prev, ok := r.logical[path]; ok {
		if prev != path {
			return fmt.Errorf("model: %q is already tied to %q", path, prev)
		}
		// A previous self-registration folds into the target.
		delete(r.aliases, path)
	}
	r.logical[path] = logical
	r.aliases[logical] = append(r.aliases[logical], path)
	return nil
}

// Logical resolves a physical path to its logical identity.
func (r *Registry) Logical(path string) string {
	if l, ok := r.logical[path]; ok {
		return l
	}
	return path
}

// Aliases lists the physical paths sharing one logical parameter.
func (r *Registry) Aliases(logical string) []string {
	return append([]string(nil), r.aliases[logical]...)
}

// InitializeRandom fills every locally owned parameter: projection and
// embedding weights from a normal distribution, residual-path (row
// sharded) projections with a depth-scaled deviation, norm weights with
// ones, biases with zeros. Tied parameters are filled exactly once.
func (m *Model) InitializeRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	std := 0.02
	scaled := std / math.Sqrt(float64(2*m.cfg.Layers))
	done := make(map[string]bool)
	for _, nl := range m.named {
		logical := m.registry.Logical(nl.Path)
		if done[logical] {
			continue
		}
		done[logical] = true
		initLayer(rng, nl.Layer, std, scaled)
	}
}

func initLayer(rng *rand.Rand, layer parallel.Layer, std, scaled float64) {
	for _, p := range layer.Parameters() {
		if p.Name != "weight" {
			for i := range p.Data {
				p.Data[i] = 0
			}
			continue
		}
		switch layer.Kind() {
		case parallel.KindNorm:
			for i := range p.Data {
				p.Data[i] = 1
			}
		case parallel.KindRowLinear:
			for i := range p.Data {
				p.Data[i] = float32(rng.NormFloat64() * scaled)
			}
		default:
			for i := range p.Data {
				p.Data[i] = float32(rng.NormFloat64() * std)
			}
		}
	}
}
