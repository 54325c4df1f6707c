// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"slices"

	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Replica is everything the planner needs to know about one data-parallel replica.
type Replica struct {
	DPID int
	Dims topology.ParallelDims

	// MaxSeqLen is the capacity, in tokens, of one micro-batch of the replica, already aligned.
	MaxSeqLen int

	Cost CostModel
}

// Resolved is a heterogeneous strategy matched against the pool and placed over the GPUs.
type Resolved struct {
	// ID of the strategy, its index in the list of strategies.
	ID int

	Strategy topology.HeteroStrategy
	Topology *topology.Topology

	// PoolIDs is the index in the pool of each replica's entry.
	PoolIDs []int

	Replicas []Replica
}

// DPSize returns the number of data-parallel replicas.
func (r *Resolved) DPSize() int {
	return len(r.Replicas)
}

// MaxSeqLens returns the aligned max sequence length of each replica.
func (r *Resolved) MaxSeqLens() []int {
	lens := make([]int, len(r.Replicas))
	for ii, rep := range r.Replicas {
		lens[ii] = rep.MaxSeqLen
	}
	return lens
}

// ResolveConfig holds the cluster parameters to resolve strategies.
type ResolveConfig struct {
	NumGPUs, NumLayers, GPUsPerNode int

	// Alignment of the max sequence lengths; they are rounded down to a multiple of it.
	Alignment int
}

// Resolve matches every strategy against the pool, computes the aligned max sequence length of each replica,
// and places the GPUs.
//
// The first strategy must be the homogeneous optimizer strategy: its degrees define how the optimizer
// states are sharded, and so how much memory is left for activations in all strategies.
func Resolve(pool *Pool, strategies []topology.HeteroStrategy, cfg ResolveConfig) ([]*Resolved, error) {
	osDP, osTP, osPP, err := topology.ValidateOptimizerStrategy(strategies, cfg.NumGPUs)
	if err != nil {
		return nil, err
	}
	align := bucketing.Linear(cfg.Alignment)
	resolved := make([]*Resolved, 0, len(strategies))
	for strategyID, strategy := range strategies {
		topo, err := topology.NewTopology(strategy, cfg.NumGPUs, cfg.NumLayers, cfg.GPUsPerNode)
		if err != nil {
			return nil, errors.WithMessagef(err, "strategy %d", strategyID)
		}
		r := &Resolved{
			ID:       strategyID,
			Strategy: slices.Clone(strategy),
			Topology: topo,
			PoolIDs:  make([]int, len(strategy)),
			Replicas: make([]Replica, len(strategy)),
		}
		for dpID, dims := range strategy {
			poolID, err := pool.Match(dims)
			if err != nil {
				return nil, errors.WithMessagef(err, "strategy %d, replica %d", strategyID, dpID)
			}
			maxSeqLen, err := pool.MaxSeqLen(poolID, osDP, osTP, osPP)
			if err != nil {
				return nil, errors.WithMessagef(err, "strategy %d, replica %d", strategyID, dpID)
			}
			aligned := align.Down(maxSeqLen)
			if aligned <= 0 {
				return nil, errors.Errorf("strategy %d, replica %d (%s): max seqlen %d is smaller than the alignment %d",
					strategyID, dpID, dims, maxSeqLen, cfg.Alignment)
			}
			r.PoolIDs[dpID] = poolID
			r.Replicas[dpID] = Replica{
				DPID:      dpID,
				Dims:      dims,
				MaxSeqLen: aligned,
				Cost:      pool.Strategies[poolID].Time,
			}
		}
		klog.V(1).Infof("Strategy %d, match strategy id list: %v and max seqlen list: %v", strategyID, r.PoolIDs, r.MaxSeqLens())
		klog.V(1).Infof("Strategy %d, DP representative gpus: %v", strategyID, topo.Representatives())
		resolved = append(resolved, r)
	}
	return resolved, nil
}
