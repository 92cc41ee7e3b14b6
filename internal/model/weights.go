package model

import (
	"fmt"

	"github.com/nopperl/nanotron/internal/checkpoint"
	"github.com/nopperl/nanotron/internal/logger"
)

// SaveWeights writes the locally owned parameters to one shard file.
// Each stage / tensor shard pair saves its own slice of the model; tied
// parameters are stored once under their logical path.
func (m *Model) SaveWeights(path string, dtype checkpoint.DType) error {
	var tensors []checkpoint.Tensor
	for _, nl := range m.named {
		if m.registry.Logical(nl.Path) != nl.Path {
			continue
		}
		for _, p := range nl.Layer.Parameters() {
			tensors = append(tensors, checkpoint.Tensor{
				Name: nl.Path + "." + p.Name,
				Dims: p.Dims,
				Data: p.Data,
			})
		}
	}
	shard := checkpoint.Shard{
		PPRank: m.stage,
		PPSize: m.cfg.PPSize,
		TPRank: m.group.Rank(),
		TPSize: m.cfg.TPSize,
	}
	if err := checkpoint.Save(path, shard, dtype, tensors); err != nil {
		return err
	}
	logger.Log.Info("weights saved",
		"path", path, "tensors", len(tensors), "dtype", dtype.String())
	return nil
}

// LoadWeights copies parameters from a shard file into the locally
// owned layers. Every local parameter must be present with matching
// dims; tensors owned by other stages are ignored, so a single-stage
// checkpoint also loads into any stage of a pipeline as long as the
// tensor shapes line up.
func (m *Model) LoadWeights(path string) error {
	f, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if f.Shard.TPSize != m.cfg.TPSize || f.Shard.PPSize != m.cfg.PPSize {
		logger.Log.Warn("checkpoint shard layout differs from model",
			"path", path,
			"file_pp", f.Shard.PPSize, "file_tp", f.Shard.TPSize,
			"model_pp", m.cfg.PPSize, "model_tp", m.cfg.TPSize)
	}

	loaded := 0
	for _, nl := range m.named {
		logical := m.registry.Logical(nl.Path)
		for _, p := range nl.Layer.Parameters() {
			name := logical + "." + p.Name
			t, ok := f.Tensor(name)
			if !ok {
				return fmt.Errorf("model: checkpoint %s has no tensor %q", path, name)
			}
			if !dimsEqual(t.Dims, p.Dims) {
				return fmt.Errorf("model: tensor %q is %v in %s, layer wants %v", name, t.Dims, path, p.Dims)
			}
			copy(p.Data, t.Data)
			loaded++
		}
	}
	logger.Log.Info("weights loaded", "path", path, "tensors", loaded)
	return nil
}

func dimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
