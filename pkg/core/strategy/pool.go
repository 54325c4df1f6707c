// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strategy holds the profiled strategy pool: for each (cp, tp, pp) it knows how much memory a
// replica needs, and so the longest sequence it can hold, and how long it takes to run a micro-batch.
package strategy

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/gomlx/hydraulis/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Entry is the profile of one (cp, tp, pp) configuration.
//
// Memory values are in bytes per GPU, for the most loaded GPU of the replica.
type Entry struct {
	CP int `json:"cp"`
	TP int `json:"tp"`
	PP int `json:"pp"`

	// ModelMemory holds parameters, gradients and other per-replica static buffers.
	ModelMemory float64 `json:"model_memory"`

	// ActivationMemoryPerToken is the activation memory for each token of a micro-batch.
	ActivationMemoryPerToken float64 `json:"activation_memory_per_token"`

	// ReservedMemory is kept free for the runtime, communication buffers and fragmentation.
	ReservedMemory float64 `json:"reserved_memory"`

	// Time models how long it takes to run one micro-batch on one pipeline stage.
	Time CostModel `json:"time"`
}

// Dims returns the parallel dimensions of the entry.
func (e Entry) Dims() topology.ParallelDims {
	return topology.ParallelDims{CP: e.CP, TP: e.TP, PP: e.PP}
}

// Pool is the profiled strategy pool, usually loaded from a JSON file.
type Pool struct {
	// MemoryBudget is the memory available on each GPU, in bytes.
	MemoryBudget float64 `json:"memory_budget"`

	// OptimizerStateMemory is the total memory of the optimizer states, in bytes. It is sharded across all
	// the GPUs of the optimizer strategy.
	OptimizerStateMemory float64 `json:"optimizer_state_memory"`

	Strategies []Entry `json:"strategies"`
}

// ParsePool reads a Pool from JSON.
func ParsePool(r io.Reader) (*Pool, error) {
	pool := &Pool{}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(pool); err != nil {
		return nil, errors.Wrap(err, "failed to parse strategy pool")
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	return pool, nil
}

// LoadPool reads a Pool from a JSON file.
func LoadPool(path string) (*Pool, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open strategy pool %q", path)
	}
	defer func() { _ = f.Close() }()
	pool, err := ParsePool(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "strategy pool %q", path)
	}
	return pool, nil
}

// Validate checks the pool values are consistent.
func (p *Pool) Validate() error {
	if p.MemoryBudget <= 0 {
		return errors.Errorf("strategy pool memory_budget must be positive, got %g", p.MemoryBudget)
	}
	if p.OptimizerStateMemory < 0 {
		return errors.Errorf("strategy pool optimizer_state_memory cannot be negative, got %g", p.OptimizerStateMemory)
	}
	if len(p.Strategies) == 0 {
		return errors.New("strategy pool has no strategies")
	}
	for ii, e := range p.Strategies {
		if err := e.Dims().Validate(); err != nil {
			return errors.WithMessagef(err, "strategy pool entry #%d", ii)
		}
		if e.ActivationMemoryPerToken <= 0 {
			return errors.Errorf("strategy pool entry #%d (%s): activation_memory_per_token must be positive", ii, e.Dims())
		}
		if err := e.Time.Validate(); err != nil {
			return errors.WithMessagef(err, "strategy pool entry #%d (%s)", ii, e.Dims())
		}
	}
	return nil
}

// Match returns the index of the first pool entry with the given dimensions.
func (p *Pool) Match(dims topology.ParallelDims) (int, error) {
	for ii, e := range p.Strategies {
		if e.Dims() == dims {
			return ii, nil
		}
	}
	return -1, errors.Errorf("can't find %s in the strategy pool, please use a strategy within the pool", dims)
}

// MaxSeqLen returns the number of tokens that fit in one micro-batch of the pool entry id, given that the
// optimizer states are sharded across osDP*osTP*osPP GPUs.
func (p *Pool) MaxSeqLen(id, osDP, osTP, osPP int) (int, error) {
	if id < 0 || id >= len(p.Strategies) {
		return 0, errors.Errorf("strategy pool id %d out of range (%d strategies)", id, len(p.Strategies))
	}
	if osDP <= 0 || osTP <= 0 || osPP <= 0 {
		return 0, errors.Errorf("invalid optimizer strategy dp=%d, tp=%d, pp=%d", osDP, osTP, osPP)
	}
	e := p.Strategies[id]
	free := p.MemoryBudget - e.ReservedMemory - e.ModelMemory - p.OptimizerStateMemory/float64(osDP*osTP*osPP)
	maxSeqLen := int(free / e.ActivationMemoryPerToken)
	if maxSeqLen <= 0 {
		return 0, errors.Errorf("strategy %s doesn't fit in memory: %.0f bytes left for activations", e.Dims(), free)
	}
	return maxSeqLen, nil
}
