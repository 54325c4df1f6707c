// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy_test

import (
	"strings"
	"testing"

	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallPool = `{
  "memory_budget": 10000,
  "optimizer_state_memory": 8000,
  "strategies": [
    {"cp": 1, "tp": 1, "pp": 1, "model_memory": 2000, "activation_memory_per_token": 1,
     "time": {"quadratic": 0, "linear": 1, "constant": 0}},
    {"cp": 1, "tp": 2, "pp": 1, "model_memory": 1000, "activation_memory_per_token": 0.5,
     "time": {"quadratic": 0.001, "linear": 0.5, "constant": 2}},
    {"cp": 1, "tp": 1, "pp": 2, "model_memory": 9500, "activation_memory_per_token": 1,
     "time": {"quadratic": 0, "linear": 0.5, "constant": 0}}
  ]
}`

func TestParsePool(t *testing.T) {
	pool, err := strategy.ParsePool(strings.NewReader(smallPool))
	require.NoError(t, err)
	require.Len(t, pool.Strategies, 3)

	id, err := pool.Match(topology.ParallelDims{CP: 1, TP: 2, PP: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	_, err = pool.Match(topology.ParallelDims{CP: 4, TP: 2, PP: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cp4tp2pp1")

	maxSeqLen, err := pool.MaxSeqLen(0, 8, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 7000, maxSeqLen)
	maxSeqLen, err = pool.MaxSeqLen(1, 8, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 16000, maxSeqLen)
	_, err = pool.MaxSeqLen(2, 8, 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't fit in memory")
	_, err = pool.MaxSeqLen(3, 8, 1, 1)
	require.Error(t, err)

	for _, bad := range []string{
		`{"memory_budget": 0, "strategies": [{"cp":1,"tp":1,"pp":1,"activation_memory_per_token":1,"time":{"linear":1}}]}`,
		`{"memory_budget": 10, "strategies": []}`,
		`{"memory_budget": 10, "strategies": [{"cp":1,"tp":1,"pp":1,"activation_memory_per_token":0,"time":{"linear":1}}]}`,
		`{"memory_budget": 10, "strategies": [{"cp":1,"tp":1,"pp":1,"activation_memory_per_token":1,"time":{}}]}`,
		`{"memory_budget": 10, "unknown_field": 1, "strategies": [{"cp":1,"tp":1,"pp":1,"activation_memory_per_token":1,"time":{"linear":1}}]}`,
	} {
		_, err = strategy.ParsePool(strings.NewReader(bad))
		assert.Error(t, err, "pool %s", bad)
	}
}

func TestLoadPool(t *testing.T) {
	pool, err := strategy.LoadPool("testdata/strategy_pool.json")
	require.NoError(t, err)
	assert.Len(t, pool.Strategies, 7)
	_, err = strategy.LoadPool("testdata/missing.json")
	require.Error(t, err)
}

func TestCostModel(t *testing.T) {
	c := strategy.CostModel{Quadratic: 0.001, Linear: 0.5, Constant: 2}
	assert.Equal(t, 0.0, c.MicroBatch(nil))
	assert.InDelta(t, 0.001*(100*100+200*200)+0.5*300+2, c.MicroBatch([]int{100, 200}), 1e-9)

	assert.Equal(t, 0.0, c.Pipeline(nil, 4))
	assert.InDelta(t, 10+20+30+3*30, c.Pipeline([]float64{10, 20, 30}, 4), 1e-9)
	assert.InDelta(t, 60, c.Pipeline([]float64{10, 20, 30}, 1), 1e-9)

	// Estimate with 2 micro-batches (sum=300, capacity=200) and pp=2.
	work := 0.001*50000 + 0.5*300 + 2*2
	assert.InDelta(t, work*3/2, c.Estimate(50000, 300, 200, 2), 1e-9)
	assert.Equal(t, 0.0, c.Estimate(0, 0, 200, 2))

	require.NoError(t, c.Validate())
	require.Error(t, strategy.CostModel{Linear: -1}.Validate())
	require.Error(t, strategy.CostModel{Constant: 1}.Validate())
}

func TestResolve(t *testing.T) {
	pool, err := strategy.LoadPool("testdata/strategy_pool.json")
	require.NoError(t, err)
	strategies, err := topology.ParseMultiStrategies("[[(1,2,1),(1,2,1),(1,2,1),(1,2,1)], [(1,1,1),(1,1,1),(1,2,2),(1,2,1)]]")
	require.NoError(t, err)
	resolved, err := strategy.Resolve(pool, strategies, strategy.ResolveConfig{
		NumGPUs: 8, NumLayers: 32, GPUsPerNode: 8, Alignment: 128})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	assert.Equal(t, []int{1, 1, 1, 1}, resolved[0].PoolIDs)
	assert.Equal(t, []int{21376, 21376, 21376, 21376}, resolved[0].MaxSeqLens())
	assert.Equal(t, []int{0, 0, 3, 1}, resolved[1].PoolIDs)
	assert.Equal(t, []int{8320, 8320, 44928, 21376}, resolved[1].MaxSeqLens())
	assert.Equal(t, 4, resolved[1].DPSize())
	assert.Equal(t, []int{0, 1, 2, 6}, resolved[1].Topology.Representatives())
	assert.Equal(t, pool.Strategies[3].Time, resolved[1].Replicas[2].Cost)

	// Heterogeneous optimizer strategy.
	_, err = strategy.Resolve(pool, strategies[1:], strategy.ResolveConfig{NumGPUs: 8, NumLayers: 32, Alignment: 128})
	require.Error(t, err)

	// Strategy not in the pool.
	strategies, err = topology.ParseMultiStrategies("[[(1,2,1),(1,2,1),(1,2,1),(1,2,1)], [(4,2,1)]]")
	require.NoError(t, err)
	_, err = strategy.Resolve(pool, strategies, strategy.ResolveConfig{NumGPUs: 8, NumLayers: 32, Alignment: 128})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy 1")
}
