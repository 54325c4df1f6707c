// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMultiStrategies(t *testing.T) {
	strategies, err := topology.ParseMultiStrategies("[[(1,2,2),(1,2,2)], [[1,4,1],[2,1,2]]]")
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, topology.HeteroStrategy{{1, 2, 2}, {1, 2, 2}}, strategies[0])
	assert.Equal(t, topology.HeteroStrategy{{1, 4, 1}, {2, 1, 2}}, strategies[1])
	assert.True(t, strategies[0].IsHomogeneous())
	assert.False(t, strategies[1].IsHomogeneous())
	assert.Equal(t, 8, strategies[1].NumGPUs())
	assert.Equal(t, 2, strategies[1].MaxPP())
	assert.Equal(t, "[cp1tp4pp1, cp2tp1pp2]", strategies[1].String())

	for _, bad := range []string{"[]", "[[]]", "[[(1,2)]]", "[[(0,1,1)]]", "not json"} {
		_, err = topology.ParseMultiStrategies(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestValidateOptimizerStrategy(t *testing.T) {
	strategies, err := topology.ParseMultiStrategies("[[(1,2,2),(1,2,2)], [(1,4,1),(2,1,2)]]")
	require.NoError(t, err)
	osDP, osTP, osPP, err := topology.ValidateOptimizerStrategy(strategies, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, []int{osDP, osTP, osPP})

	_, _, _, err = topology.ValidateOptimizerStrategy(strategies[1:], 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "homogeneous")
}

func TestNewTopology(t *testing.T) {
	strategy := topology.HeteroStrategy{{CP: 1, TP: 4, PP: 1}, {CP: 1, TP: 2, PP: 2}}
	topo, err := topology.NewTopology(strategy, 8, 6, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.DPSize())

	want := []topology.GPUPos{
		{0, 0, 0, 0}, {0, 0, 0, 1}, {0, 0, 0, 2}, {0, 0, 0, 3},
		{1, 0, 0, 0}, {1, 0, 0, 1}, {1, 0, 1, 0}, {1, 0, 1, 1},
	}
	for gpu, wantPos := range want {
		pos, err := topo.Position(gpu)
		require.NoError(t, err)
		assert.Equal(t, wantPos, pos, "gpu %d", gpu)
	}
	_, err = topo.Position(8)
	require.Error(t, err)

	assert.Equal(t, []int{0, 4}, topo.Representatives())
	assert.Equal(t, []int{4, 5, 6, 7}, topo.ReplicaGPUs(1))
	assert.True(t, topo.IsLastStage(0))
	assert.False(t, topo.IsLastStage(4))
	assert.True(t, topo.IsLastStage(7))

	begin, end := topo.StageLayers(1, 0)
	assert.Equal(t, []int{0, 3}, []int{begin, end})
	begin, end = topo.StageLayers(1, 1)
	assert.Equal(t, []int{3, 6}, []int{begin, end})

	layers := topo.LayerTPGroups()
	require.Len(t, layers, 6)
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5}}, layers[0])
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {6, 7}}, layers[5])

	_, err = topo.Mesh()
	require.Error(t, err)
}

func TestNewTopologyErrors(t *testing.T) {
	// Wrong number of GPUs.
	_, err := topology.NewTopology(topology.HeteroStrategy{{1, 2, 2}}, 8, 4, 8)
	require.Error(t, err)

	// tp group crossing nodes: 2 GPUs then a tp=4 group starting at GPU 2 with 4 GPUs per node.
	_, err = topology.NewTopology(topology.HeteroStrategy{{1, 2, 1}, {1, 4, 1}, {1, 2, 1}}, 8, 4, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crossing nodes")

	// Too few layers.
	_, err = topology.NewTopology(topology.HeteroStrategy{{1, 1, 8}}, 8, 4, 8)
	require.Error(t, err)
}

func TestUnevenLayers(t *testing.T) {
	topo, err := topology.NewTopology(topology.HeteroStrategy{{1, 1, 3}}, 3, 10, 8)
	require.NoError(t, err)
	var ranges [][]int
	for stage := range 3 {
		begin, end := topo.StageLayers(0, stage)
		ranges = append(ranges, []int{begin, end})
	}
	assert.Equal(t, [][]int{{0, 4}, {4, 7}, {7, 10}}, ranges)
}

func TestHomogeneousMesh(t *testing.T) {
	strategy := topology.HeteroStrategy{{2, 2, 2}, {2, 2, 2}}
	topo, err := topology.NewTopology(strategy, 16, 8, 8)
	require.NoError(t, err)
	mesh, err := topo.Mesh()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 2}, mesh.AxesSizes())

	// tp groups of the mesh are the tp groups of the topology.
	tpGroups, err := mesh.ComputeReplicaGroups([]string{topology.AxisTP})
	require.NoError(t, err)
	for _, group := range tpGroups {
		pos, err := topo.Position(group[0])
		require.NoError(t, err)
		assert.Equal(t, topo.TPGroup(pos.DPID, pos.StageID, pos.CPID), group)
	}

	// Every mesh coordinate matches the placed position.
	for gpu := range 16 {
		coords, err := mesh.Coordinates(gpu)
		require.NoError(t, err)
		pos, err := topo.Position(gpu)
		require.NoError(t, err)
		assert.Equal(t, []int{pos.DPID, pos.StageID, pos.CPID, pos.TPID}, coords)
	}

	dpGroups, err := topo.DataParallelGroups()
	require.NoError(t, err)
	require.Len(t, dpGroups, 4)
	assert.Equal(t, []int{0, 2, 8, 10}, dpGroups[0])
}

func TestWriteParallelConfig(t *testing.T) {
	topo, err := topology.NewTopology(topology.HeteroStrategy{{1, 2, 1}, {1, 1, 2}}, 4, 2, 8)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, topo.WriteParallelConfig(&buf))

	var decoded struct {
		NumGPUs   int                     `json:"num_gpus"`
		DP        int                     `json:"dp"`
		Strategy  topology.HeteroStrategy `json:"cp_tp_pp_list"`
		Positions []map[string]int        `json:"positions"`
		Layers    []struct {
			Layer    int     `json:"layer"`
			TPGroups [][]int `json:"tp_groups"`
		} `json:"layers"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 4, decoded.NumGPUs)
	assert.Equal(t, 2, decoded.DP)
	assert.Equal(t, topo.Strategy(), decoded.Strategy)
	require.Len(t, decoded.Positions, 4)
	assert.Equal(t, 1, decoded.Positions[3]["stage"])
	require.Len(t, decoded.Layers, 2)
	assert.Equal(t, [][]int{{0, 1}, {2}}, decoded.Layers[0].TPGroups)
	assert.Equal(t, [][]int{{0, 1}, {3}}, decoded.Layers[1].TPGroups)
}
