// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology places the GPUs of a cluster for heterogeneous data-parallel strategies.
//
// A heterogeneous strategy is a list of ParallelDims, one per data-parallel (DP) replica. Each replica
// can use a different context-parallel (cp), tensor-parallel (tp) and pipeline-parallel (pp) degree,
// and uses cp*tp*pp GPUs. The GPUs are allocated contiguously in the order
// replica -> pipeline stage -> cp rank -> tp rank, so tp groups are made of neighbouring GPUs
// (never crossing a node), while pipelines are the ones that cross node boundaries.
package topology

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ParallelDims holds the parallelism degrees of one data-parallel replica.
//
// In JSON it is represented as the array [cp, tp, pp].
type ParallelDims struct {
	CP, TP, PP int
}

// NumGPUs used by one replica with these dimensions.
func (d ParallelDims) NumGPUs() int {
	return d.CP * d.TP * d.PP
}

// String implements fmt.Stringer.
func (d ParallelDims) String() string {
	return fmt.Sprintf("cp%dtp%dpp%d", d.CP, d.TP, d.PP)
}

// Validate checks all degrees are positive.
func (d ParallelDims) Validate() error {
	if d.CP <= 0 || d.TP <= 0 || d.PP <= 0 {
		return errors.Errorf("invalid parallel dimensions %s: all degrees must be positive", d)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d ParallelDims) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{d.CP, d.TP, d.PP})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ParallelDims) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrapf(err, "parallel dimensions must be given as [cp, tp, pp], got %s", data)
	}
	if len(values) != 3 {
		return errors.Errorf("parallel dimensions must have 3 values [cp, tp, pp], got %s", data)
	}
	d.CP, d.TP, d.PP = values[0], values[1], values[2]
	return nil
}

// HeteroStrategy is a heterogeneous data-parallel strategy: the parallel dimensions of each DP replica.
type HeteroStrategy []ParallelDims

// DPSize returns the number of data-parallel replicas.
func (s HeteroStrategy) DPSize() int {
	return len(s)
}

// NumGPUs used by all replicas.
func (s HeteroStrategy) NumGPUs() int {
	n := 0
	for _, d := range s {
		n += d.NumGPUs()
	}
	return n
}

// MaxPP returns the largest pipeline degree among the replicas.
func (s HeteroStrategy) MaxPP() int {
	maxPP := 0
	for _, d := range s {
		maxPP = max(maxPP, d.PP)
	}
	return maxPP
}

// IsHomogeneous returns whether all replicas share the same dimensions.
func (s HeteroStrategy) IsHomogeneous() bool {
	for _, d := range s {
		if d != s[0] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s HeteroStrategy) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseMultiStrategies parses a list of heterogeneous strategies, formatted as
// "[[[cp,tp,pp], [cp,tp,pp], ...], [...]]". Parenthesis can be used instead of brackets for the
// inner tuples, e.g.: "[[(1,2,2),(1,2,2)],[(1,4,1)]]".
func ParseMultiStrategies(text string) ([]HeteroStrategy, error) {
	normalized := strings.NewReplacer("(", "[", ")", "]").Replace(text)
	var strategies []HeteroStrategy
	if err := json.Unmarshal([]byte(normalized), &strategies); err != nil {
		return nil, errors.Wrapf(err, "failed to parse list of strategies %q", text)
	}
	if len(strategies) == 0 {
		return nil, errors.New("there should be at least one strategy")
	}
	for ii, s := range strategies {
		if len(s) == 0 {
			return nil, errors.Errorf("strategy #%d has no data-parallel replica", ii)
		}
		for _, d := range s {
			if err := d.Validate(); err != nil {
				return nil, errors.WithMessagef(err, "strategy #%d", ii)
			}
		}
	}
	return strategies, nil
}

// ValidateOptimizerStrategy checks that the first strategy, the one that holds the optimizer states, is
// homogeneous and returns the (dp, tp, pp) degrees the optimizer states are sharded with.
func ValidateOptimizerStrategy(strategies []HeteroStrategy, numGPUs int) (osDP, osTP, osPP int, err error) {
	if len(strategies) == 0 || len(strategies[0]) == 0 {
		err = errors.New("there should be at least one strategy")
		return
	}
	if !strategies[0].IsHomogeneous() {
		err = errors.Errorf("must ensure the first strategy is a homogeneous optimizer strategy, got %s", strategies[0])
		return
	}
	osTP, osPP = strategies[0][0].TP, strategies[0][0].PP
	if numGPUs%(osTP*osPP) != 0 {
		err = errors.Errorf("number of GPUs %d is not divisible by the optimizer strategy tp*pp=%d", numGPUs, osTP*osPP)
		return
	}
	osDP = numGPUs / osTP / osPP
	return
}

// GPUPos is the position of a GPU in a heterogeneous strategy.
type GPUPos struct {
	DPID, CPID, StageID, TPID int
}

// String implements fmt.Stringer.
func (p GPUPos) String() string {
	return fmt.Sprintf("(dp=%d, cp=%d, stage=%d, tp=%d)", p.DPID, p.CPID, p.StageID, p.TPID)
}

// Topology is the placement of a heterogeneous strategy over the cluster GPUs.
type Topology struct {
	strategy                         HeteroStrategy
	numGPUs, numLayers, gpusPerNode int

	// positions is indexed by GPU.
	positions []GPUPos

	// tpGroups is indexed by [dp][stage][cp].
	tpGroups [][][][]int
}

// NewTopology places the GPUs for the given strategy.
//
//   - numGPUs: must be equal to the number of GPUs used by all replicas.
//   - numLayers: number of transformer layers to split across the pipeline stages. It must be at least
//     as large as the largest pp.
//   - gpusPerNode: GPUs in each node, used to check that tp groups never cross a node. If <= 0 the
//     check is skipped.
func NewTopology(strategy HeteroStrategy, numGPUs, numLayers, gpusPerNode int) (*Topology, error) {
	if len(strategy) == 0 {
		return nil, errors.New("strategy has no data-parallel replica")
	}
	for _, d := range strategy {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	if strategy.NumGPUs() != numGPUs {
		return nil, errors.Errorf("strategy %s uses %d GPUs, but there are %d GPUs", strategy, strategy.NumGPUs(), numGPUs)
	}
	if maxPP := strategy.MaxPP(); numLayers < maxPP {
		return nil, errors.Errorf("cannot split %d layers across %d pipeline stages", numLayers, maxPP)
	}
	t := &Topology{
		strategy:    slices.Clone(strategy),
		numGPUs:     numGPUs,
		numLayers:   numLayers,
		gpusPerNode: gpusPerNode,
		positions:   make([]GPUPos, numGPUs),
		tpGroups:    make([][][][]int, len(strategy)),
	}
	next := 0
	for dpID, d := range strategy {
		t.tpGroups[dpID] = make([][][]int, d.PP)
		for stage := range d.PP {
			t.tpGroups[dpID][stage] = make([][]int, d.CP)
			for cpID := range d.CP {
				start, end := next, next+d.TP-1
				if gpusPerNode > 0 && start/gpusPerNode != end/gpusPerNode {
					return nil, errors.Errorf("tp group of replica %d (%s), stage %d, cp rank %d would span GPUs %d to %d, crossing nodes of %d GPUs",
						dpID, d, stage, cpID, start, end, gpusPerNode)
				}
				group := make([]int, d.TP)
				for tpID := range d.TP {
					t.positions[next] = GPUPos{DPID: dpID, CPID: cpID, StageID: stage, TPID: tpID}
					group[tpID] = next
					next++
				}
				t.tpGroups[dpID][stage][cpID] = group
			}
		}
	}
	return t, nil
}

// Strategy returns the heterogeneous strategy placed.
func (t *Topology) Strategy() HeteroStrategy {
	return slices.Clone(t.strategy)
}

// DPSize returns the number of data-parallel replicas.
func (t *Topology) DPSize() int {
	return len(t.strategy)
}

// NumGPUs returns the number of GPUs placed.
func (t *Topology) NumGPUs() int {
	return t.numGPUs
}

// Position returns the position of the given GPU.
func (t *Topology) Position(gpu int) (GPUPos, error) {
	if gpu < 0 || gpu >= t.numGPUs {
		return GPUPos{}, errors.Errorf("gpu %d is not included in this training (%d GPUs)", gpu, t.numGPUs)
	}
	return t.positions[gpu], nil
}

// ReplicaGPUs returns all GPUs of the given data-parallel replica in increasing order.
func (t *Topology) ReplicaGPUs(dpID int) []int {
	var gpus []int
	for gpu, pos := range t.positions {
		if pos.DPID == dpID {
			gpus = append(gpus, gpu)
		}
	}
	return gpus
}

// Representatives returns, for each data-parallel replica, its GPU with the smallest index.
// Those GPUs are the ones reporting for the replica.
func (t *Topology) Representatives() []int {
	reps := make([]int, len(t.strategy))
	for i := range reps {
		reps[i] = -1
	}
	for gpu, pos := range t.positions {
		if reps[pos.DPID] < 0 || gpu < reps[pos.DPID] {
			reps[pos.DPID] = gpu
		}
	}
	return reps
}

// IsLastStage returns whether the GPU is in the last pipeline stage of its replica: the one that
// computes the loss.
func (t *Topology) IsLastStage(gpu int) bool {
	pos, err := t.Position(gpu)
	if err != nil {
		return false
	}
	return pos.StageID == t.strategy[pos.DPID].PP-1
}

// StageLayers returns the range [begin, end) of layers hosted by the given pipeline stage of a replica.
// Layers are split evenly, and the first stages take one extra layer each when not divisible.
func (t *Topology) StageLayers(dpID, stage int) (begin, end int) {
	pp := t.strategy[dpID].PP
	base, rem := t.numLayers/pp, t.numLayers%pp
	begin = stage*base + min(stage, rem)
	end = begin + base
	if stage < rem {
		end++
	}
	return
}

// TPGroup returns the GPUs of the tp group of the given replica, stage and cp rank.
func (t *Topology) TPGroup(dpID, stage, cpID int) []int {
	return slices.Clone(t.tpGroups[dpID][stage][cpID])
}

// LayerTPGroups returns, for each layer, the list of all tp groups (in all replicas and cp ranks) that host it.
func (t *Topology) LayerTPGroups() [][][]int {
	layers := make([][][]int, t.numLayers)
	for dpID, d := range t.strategy {
		for stage := range d.PP {
			begin, end := t.StageLayers(dpID, stage)
			for layer := begin; layer < end; layer++ {
				for cpID := range d.CP {
					layers[layer] = append(layers[layer], t.TPGroup(dpID, stage, cpID))
				}
			}
		}
	}
	return layers
}

// Mesh returns the ["dp", "pp", "cp", "tp"] DeviceMesh of a homogeneous strategy.
// The flat index of the mesh is the GPU index.
func (t *Topology) Mesh() (*DeviceMesh, error) {
	if !t.strategy.IsHomogeneous() {
		return nil, errors.Errorf("strategy %s is heterogeneous and cannot be represented as a DeviceMesh", t.strategy)
	}
	d := t.strategy[0]
	return NewDeviceMesh([]int{len(t.strategy), d.PP, d.CP, d.TP}, []string{AxisDP, AxisPP, AxisCP, AxisTP})
}

// DataParallelGroups returns the groups of GPUs holding the same model shard, across which gradients are
// synchronized. It is only defined for homogeneous strategies.
func (t *Topology) DataParallelGroups() ([][]int, error) {
	mesh, err := t.Mesh()
	if err != nil {
		return nil, err
	}
	return mesh.ComputeReplicaGroups([]string{AxisDP, AxisCP})
}

type parallelConfigPosition struct {
	GPU   int `json:"gpu"`
	DP    int `json:"dp"`
	CP    int `json:"cp"`
	Stage int `json:"stage"`
	TP    int `json:"tp"`
}

type parallelConfigLayer struct {
	Layer    int     `json:"layer"`
	TPGroups [][]int `json:"tp_groups"`
}

type parallelConfig struct {
	NumGPUs   int                      `json:"num_gpus"`
	DP        int                      `json:"dp"`
	Strategy  HeteroStrategy           `json:"cp_tp_pp_list"`
	Positions []parallelConfigPosition `json:"positions"`
	Layers    []parallelConfigLayer    `json:"layers"`
}

// WriteParallelConfig writes the distributed parallel configuration of the topology as JSON: the position
// of every GPU and the tp groups of every layer. It is the per-strategy config file consumed by the
// model builder.
func (t *Topology) WriteParallelConfig(w io.Writer) error {
	cfg := parallelConfig{
		NumGPUs:  t.numGPUs,
		DP:       len(t.strategy),
		Strategy: t.strategy,
	}
	for gpu, pos := range t.positions {
		cfg.Positions = append(cfg.Positions, parallelConfigPosition{
			GPU: gpu, DP: pos.DPID, CP: pos.CPID, Stage: pos.StageID, TP: pos.TPID})
	}
	for layer, groups := range t.LayerTPGroups() {
		cfg.Layers = append(cfg.Layers, parallelConfigLayer{Layer: layer, TPGroups: groups})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(cfg), "failed to write parallel config")
}
