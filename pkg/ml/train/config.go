// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the training loop of one GPU: for each step it plans the global batch over the
// candidate strategies, builds the packed micro-batches of the local replica and runs them with a Runner.
package train

import (
	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/gomlx/hydraulis/pkg/ml/data"
	"github.com/pkg/errors"
)

// Config of a training run. Use DefaultConfig for the default values.
type Config struct {
	// StrategyPool is the path to the JSON strategy pool.
	StrategyPool string

	// MultiStrategies is the list of heterogeneous strategies, e.g.: "[[(1,2,1),(1,2,1)],[(1,1,1),(1,1,1),(1,2,1)]]".
	// The first one is the optimizer strategy.
	MultiStrategies string

	NumGPUs     int
	GPUsPerNode int
	NumLayers   int

	// BatchingMethod is a packing.Method: 0 to 4.
	BatchingMethod int

	// MaxSeqLen of the dataset sequences, and the padded length of the padding and greedy methods.
	MaxSeqLen int
	Alignment int

	// Padding is the bucketing of dynamic-shape micro-batches: "linear" (to the alignment),
	// "linear:<step>", "pow2" or "none".
	Padding string

	// Exactly one of GlobalBatchSize and GlobalTokenNum must be > 0, unless FakeSeqLens are given.
	GlobalBatchSize int
	GlobalTokenNum  int

	// FakeSeqLens, if set, are used at every step instead of the dataset.
	FakeSeqLens []int

	JSONFile string
	JSONKey  string
	PadID    int

	Epochs    int
	Steps     int
	BeginStep int

	WarmUp      bool
	ComputeOnly bool

	// LocalSearchIterations caps the local search of the hydraulis method.
	LocalSearchIterations int

	// Parallelism is the number of strategies planned concurrently. Negative means no limit.
	Parallelism int

	// PlanCacheSize is the number of plans kept for batches seen again. 0 disables the cache.
	PlanCacheSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StrategyPool:          "./strategy/strategy_pool.json",
		NumGPUs:               8,
		GPUsPerNode:           8,
		NumLayers:             32,
		BatchingMethod:        int(packing.HydraulisPacking),
		MaxSeqLen:             4096,
		Alignment:             128,
		Padding:               "linear",
		GlobalBatchSize:       -1,
		GlobalTokenNum:        -1,
		JSONKey:               "input_ids",
		Epochs:                4,
		Steps:                 20,
		LocalSearchIterations: packing.DefaultLocalSearchIterations,
		Parallelism:           -1,
		PlanCacheSize:         64,
	}
}

// Method returns the batching method.
func (c *Config) Method() packing.Method {
	return packing.Method(c.BatchingMethod)
}

// PaddingStrategy returns the bucketing of dynamic-shape micro-batches.
func (c *Config) PaddingStrategy() (bucketing.Strategy, error) {
	return bucketing.Parse(c.Padding, c.Alignment)
}

// Strategies parses MultiStrategies.
func (c *Config) Strategies() ([]topology.HeteroStrategy, error) {
	strategies, err := topology.ParseMultiStrategies(c.MultiStrategies)
	if err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, errors.New("there should be at least one strategy")
	}
	return strategies, nil
}

// Resolve parses the strategies and resolves them against the pool.
func (c *Config) Resolve(pool *strategy.Pool) ([]*strategy.Resolved, error) {
	multi, err := c.Strategies()
	if err != nil {
		return nil, err
	}
	return strategy.Resolve(pool, multi, strategy.ResolveConfig{
		NumGPUs:     c.NumGPUs,
		NumLayers:   c.NumLayers,
		GPUsPerNode: c.GPUsPerNode,
		Alignment:   c.Alignment,
	})
}

// LoadDataset loads the JSON dataset. It returns a nil Source if FakeSeqLens are used instead.
func (c *Config) LoadDataset() (data.Source, error) {
	if len(c.FakeSeqLens) > 0 {
		return nil, nil
	}
	if c.JSONFile == "" {
		return nil, errors.New("json_file is required if no fake_seqlens are given")
	}
	ds, err := data.LoadJSONDataset(c.JSONFile, c.JSONKey, c.MaxSeqLen, int64(c.PadID))
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.NumGPUs <= 0 {
		return errors.Errorf("invalid number of GPUs %d", c.NumGPUs)
	}
	if c.NumLayers <= 0 {
		return errors.Errorf("invalid number of layers %d", c.NumLayers)
	}
	method := c.Method()
	if !method.IsAMethod() {
		return errors.Errorf("invalid batching method %d", c.BatchingMethod)
	}
	if c.Alignment <= 0 {
		return errors.Errorf("invalid alignment %d", c.Alignment)
	}
	if c.MaxSeqLen <= 0 {
		return errors.Errorf("invalid max seqlen %d", c.MaxSeqLen)
	}
	if method.NeedsMaxPaddedSeqLen() && c.MaxSeqLen%c.Alignment != 0 {
		return errors.Errorf("max seqlen %d should be aligned to %d for batching method %s", c.MaxSeqLen, c.Alignment, method)
	}
	if _, err := c.PaddingStrategy(); err != nil {
		return err
	}
	if _, err := c.Strategies(); err != nil {
		return err
	}
	for ii, l := range c.FakeSeqLens {
		if l < data.MinTrainLen {
			return errors.Errorf("fake seqlen #%d is %d, sequences need at least %d tokens", ii, l, data.MinTrainLen)
		}
	}
	if len(c.FakeSeqLens) == 0 {
		if (c.GlobalBatchSize > 0) == (c.GlobalTokenNum > 0) {
			return errors.New("should only use one of global_batch_size and global_token_num")
		}
		if method.SingleStrategy() && c.GlobalBatchSize <= 0 {
			return errors.Errorf("batching method %s requires global_batch_size", method)
		}
	}
	if c.Epochs < 0 || c.Steps < 0 || c.BeginStep < 0 || c.BeginStep > c.Steps {
		return errors.Errorf("invalid epochs (%d), steps (%d) or begin step (%d)", c.Epochs, c.Steps, c.BeginStep)
	}
	return nil
}
