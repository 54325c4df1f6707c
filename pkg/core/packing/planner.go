// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/hydraulis/internal/workerspool"
	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/support/xslices"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultLocalSearchIterations is the default cap of local search steps of HydraulisPacking.
const DefaultLocalSearchIterations = 100

// Planner plans global batches over a set of resolved strategies.
//
// Create it with NewPlanner and configure it with the With* methods, before calling Plan.
// After that it is safe for concurrent use.
type Planner struct {
	strategies            []*strategy.Resolved
	method                Method
	candidates            []int
	maxPaddedSeqLen       int
	padding               bucketing.Strategy
	localSearchIterations int
	workers               *workerspool.Pool

	// cache of the plans by batch lengths, if enabled.
	cache *lru.Cache[string, *Plan]
}

// NewPlanner creates a planner that uses the given method over all the strategies as candidates.
//
// By default dynamic-shape micro-batches are padded to multiples of 128 tokens, and the candidates
// are evaluated in parallel.
func NewPlanner(strategies []*strategy.Resolved, method Method) *Planner {
	p := &Planner{
		strategies:            strategies,
		method:                method,
		padding:               bucketing.Linear(128),
		localSearchIterations: DefaultLocalSearchIterations,
		workers:               workerspool.New(),
	}
	for ii := range strategies {
		p.candidates = append(p.candidates, ii)
	}
	return p
}

// WithCandidates restricts the strategies considered by Plan to the given ids.
func (p *Planner) WithCandidates(ids ...int) *Planner {
	p.candidates = slices.Clone(ids)
	slices.Sort(p.candidates)
	p.candidates = slices.Compact(p.candidates)
	return p
}

// WithMaxPaddedSeqLen sets the padded length used by the Padding and greedy methods.
func (p *Planner) WithMaxPaddedSeqLen(maxPaddedSeqLen int) *Planner {
	p.maxPaddedSeqLen = maxPaddedSeqLen
	return p
}

// WithPadding sets how dynamic-shape micro-batches are padded.
func (p *Planner) WithPadding(padding bucketing.Strategy) *Planner {
	p.padding = padding
	return p
}

// WithLocalSearchIterations sets the cap of local search steps of HydraulisPacking. 0 disables the local search.
func (p *Planner) WithLocalSearchIterations(n int) *Planner {
	p.localSearchIterations = n
	return p
}

// WithParallelism sets how many candidate strategies are planned concurrently.
// 0 plans them sequentially, and a negative value means no limit.
func (p *Planner) WithParallelism(n int) *Planner {
	p.workers.SetMaxParallelism(n)
	return p
}

// WithCache keeps the last size plans, keyed by the lengths of the batch, so batches seen again (e.g. in
// a new epoch) aren't planned again. Cached plans are shared and must not be modified. 0 disables the cache.
func (p *Planner) WithCache(size int) *Planner {
	if size <= 0 {
		p.cache = nil
		return p
	}
	cache, err := lru.New[string, *Plan](size)
	if err != nil {
		klog.Errorf("Failed to create plan cache of size %d, planning without cache: %v", size, err)
		p.cache = nil
		return p
	}
	p.cache = cache
	return p
}

// ReplicaCapacity returns the tokens one micro-batch of the replica holds with the planner's method: the
// replica max seqlen, capped by the max padded seqlen for the padding and greedy methods.
func (p *Planner) ReplicaCapacity(rep strategy.Replica) int {
	if p.method.NeedsMaxPaddedSeqLen() {
		return min(p.maxPaddedSeqLen, rep.MaxSeqLen)
	}
	return rep.MaxSeqLen
}

// Method used by the planner.
func (p *Planner) Method() Method {
	return p.method
}

// Candidates returns the ids of the strategies considered by Plan.
func (p *Planner) Candidates() []int {
	return slices.Clone(p.candidates)
}

// Strategy returns the resolved strategy with the given id.
func (p *Planner) Strategy(id int) *strategy.Resolved {
	return p.strategies[id]
}

// Validate checks the configuration of the planner.
func (p *Planner) Validate() error {
	if !p.method.IsAMethod() {
		return errors.Errorf("invalid batching method %s", p.method)
	}
	if len(p.candidates) == 0 {
		return errors.New("no candidate strategies to plan")
	}
	for _, id := range p.candidates {
		if id < 0 || id >= len(p.strategies) {
			return errors.Errorf("candidate strategy %d out of range, there are %d strategies", id, len(p.strategies))
		}
	}
	if p.method.SingleStrategy() && len(p.candidates) != 1 {
		return errors.Errorf("batching method %s only supports one candidate strategy, got %v", p.method, p.candidates)
	}
	if p.method.NeedsMaxPaddedSeqLen() && p.maxPaddedSeqLen <= 0 {
		return errors.Errorf("batching method %s requires a max padded seqlen, got %d", p.method, p.maxPaddedSeqLen)
	}
	if p.padding == nil {
		return errors.New("padding bucketing strategy not set")
	}
	return nil
}

// Plan assigns the sequences with the given lengths to the replicas of every candidate strategy, and
// returns the plan with the lowest cost. Ties go to the lowest strategy id.
//
// Candidates that can't hold the batch (e.g. a sequence longer than all their replicas) are skipped.
// If no candidate can, the error of the first one is returned.
func (p *Planner) Plan(ctx context.Context, lens []int) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := checkLens(lens); err != nil {
		return nil, err
	}
	var key string
	if p.cache != nil {
		key = fmt.Sprint(lens)
		if plan, found := p.cache.Get(key); found {
			klog.V(2).Infof("Plan of %d sequences found in cache: strategy %d", len(lens), plan.StrategyID)
			return plan, nil
		}
	}
	plans := make([]*Plan, len(p.candidates))
	errs := make([]error, len(p.candidates))
	err := p.workers.Run(ctx, len(p.candidates), func(ii int) error {
		plans[ii], errs[ii] = p.planStrategy(p.candidates[ii], lens)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var best *Plan
	for ii, plan := range plans {
		if errs[ii] != nil {
			klog.V(1).Infof("Strategy %d can't plan the batch: %v", p.candidates[ii], errs[ii])
			continue
		}
		klog.V(1).Infof("Strategy %d: assign cost %.3f, packed cost %.3f", plan.StrategyID, plan.AssignCost, plan.Cost)
		if best == nil || plan.Cost < best.Cost {
			best = plan
		}
	}
	if best == nil {
		return nil, errors.WithMessagef(errs[0], "no candidate strategy can plan the batch, strategy %d", p.candidates[0])
	}
	klog.V(1).Infof("Optimal strategy %d (%s): cost %.3f", best.StrategyID, p.strategies[best.StrategyID].Strategy, best.Cost)
	if p.cache != nil {
		p.cache.Add(key, best)
	}
	return best, nil
}

// PlanStrategy plans the batch over one strategy, regardless of the candidates.
func (p *Planner) PlanStrategy(id int, lens []int) (*Plan, error) {
	if id < 0 || id >= len(p.strategies) {
		return nil, errors.Errorf("strategy %d out of range, there are %d strategies", id, len(p.strategies))
	}
	if err := checkLens(lens); err != nil {
		return nil, err
	}
	return p.planStrategy(id, lens)
}

func checkLens(lens []int) error {
	if len(lens) == 0 {
		return ErrEmptyBatch
	}
	for ii, l := range lens {
		if l <= 0 {
			return errors.Errorf("sequence #%d has invalid length %d, it must be > 0", ii, l)
		}
	}
	return nil
}

func (p *Planner) planStrategy(id int, lens []int) (*Plan, error) {
	r := p.strategies[id]
	var (
		replicas []ReplicaPlan
		err      error
	)
	switch p.method {
	case Padding, UnbalancedPacking:
		replicas, err = p.planContiguous(r, lens)
	case GreedyStaticPacking, GreedyDynamicPacking:
		replicas, err = p.planGreedy(r, lens)
	case HydraulisPacking:
		replicas, err = p.planHydraulis(r, lens)
	default:
		err = errors.Errorf("invalid batching method %s", p.method)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "strategy %d (%s), method %s", id, r.Strategy, p.method)
	}
	plan := &Plan{
		StrategyID:   id,
		Method:       p.method,
		NumSequences: len(lens),
		Replicas:     replicas,
	}
	for ii := range replicas {
		plan.AssignCost = max(plan.AssignCost, replicas[ii].AssignCost)
		plan.Cost = max(plan.Cost, replicas[ii].Cost)
	}
	return plan, nil
}

// planContiguous splits the batch in dp equal contiguous parts.
func (p *Planner) planContiguous(r *strategy.Resolved, lens []int) ([]ReplicaPlan, error) {
	dp := r.DPSize()
	if len(lens)%dp != 0 {
		return nil, errors.Errorf("global batch size %d should be divided by dp size %d", len(lens), dp)
	}
	size := len(lens) / dp
	replicas := make([]ReplicaPlan, dp)
	for dpID, rep := range r.Replicas {
		indices := xslices.Iota(0, size)
		for ii := range indices {
			indices[ii] += dpID * size
		}
		var (
			mbs      []MicroBatch
			capacity int
			err      error
		)
		capacity = p.ReplicaCapacity(rep)
		if p.method == Padding {
			if err = checkFits(lens, indices, capacity); err != nil {
				return nil, err
			}
			for _, idx := range indices {
				mbs = append(mbs, newMicroBatch(lens, []int{idx}))
			}
		} else {
			if mbs, err = GreedyPack(lens, indices, capacity); err != nil {
				return nil, err
			}
		}
		replicas[dpID] = p.finishReplica(rep, capacity, lens, indices, mbs)
	}
	return replicas, nil
}

// planGreedy balances the tokens across replicas and greedily packs each of them.
func (p *Planner) planGreedy(r *strategy.Resolved, lens []int) ([]ReplicaPlan, error) {
	dp := r.DPSize()
	if len(lens) < dp {
		return nil, errors.Wrapf(ErrTooFewSequences, "%d sequences for %d replicas", len(lens), dp)
	}
	capacities := make([]int, dp)
	for dpID, rep := range r.Replicas {
		capacities[dpID] = p.ReplicaCapacity(rep)
	}
	assigned := make([][]int, dp)
	tokens := make([]int, dp)
	for _, idx := range descendingByLen(lens, xslices.Iota(0, len(lens))) {
		best := -1
		for dpID := range r.Replicas {
			if lens[idx] > capacities[dpID] {
				continue
			}
			if best < 0 || tokens[dpID] < tokens[best] {
				best = dpID
			}
		}
		if best < 0 {
			return nil, errors.Wrapf(ErrSequenceTooLong, "sequence #%d has %d tokens, but replica capacities are %v",
				idx, lens[idx], capacities)
		}
		assigned[best] = append(assigned[best], idx)
		tokens[best] += lens[idx]
	}

	replicas := make([]ReplicaPlan, dp)
	for dpID, rep := range r.Replicas {
		if len(assigned[dpID]) == 0 {
			return nil, errors.Wrapf(ErrTooFewSequences, "replica %d has no sequences", dpID)
		}
		slices.Sort(assigned[dpID])
		mbs, err := GreedyPack(lens, assigned[dpID], capacities[dpID])
		if err != nil {
			return nil, err
		}
		replicas[dpID] = p.finishReplica(rep, capacities[dpID], lens, assigned[dpID], mbs)
	}
	return replicas, nil
}

// planHydraulis assigns by estimated cost and packs each replica to its own max seqlen.
func (p *Planner) planHydraulis(r *strategy.Resolved, lens []int) ([]ReplicaPlan, error) {
	assigned, err := assignHeterogeneous(r.Replicas, lens, p.localSearchIterations)
	if err != nil {
		return nil, err
	}
	replicas := make([]ReplicaPlan, r.DPSize())
	for dpID, rep := range r.Replicas {
		mbs, err := BestFitDecreasing(lens, assigned[dpID], rep.MaxSeqLen)
		if err != nil {
			return nil, err
		}
		p.padMicroBatches(mbs, rep.MaxSeqLen)
		mbs = p.splitForPipeline(rep, lens, mbs)
		replicas[dpID] = p.finishReplica(rep, rep.MaxSeqLen, lens, assigned[dpID], mbs)
	}
	return replicas, nil
}

// splitForPipeline splits the slowest micro-batch in two while the replica has fewer micro-batches than
// pipeline stages and that lowers the pipeline time.
func (p *Planner) splitForPipeline(rep strategy.Replica, lens []int, mbs []MicroBatch) []MicroBatch {
	current := p.pipelineCost(rep, lens, mbs)
	for len(mbs) < rep.Dims.PP {
		slowest, slowestTime := -1, 0.0
		for ii, mb := range mbs {
			if len(mb.Indices) < 2 {
				continue
			}
			if t := microBatchTime(rep, lens, mb); slowest < 0 || t > slowestTime {
				slowest, slowestTime = ii, t
			}
		}
		if slowest < 0 {
			break
		}
		first, second := splitMicroBatch(lens, mbs[slowest])
		candidate := make([]MicroBatch, 0, len(mbs)+1)
		candidate = append(candidate, mbs[:slowest]...)
		candidate = append(candidate, first, second)
		candidate = append(candidate, mbs[slowest+1:]...)
		p.padMicroBatches(candidate[slowest:slowest+2], rep.MaxSeqLen)
		cost := p.pipelineCost(rep, lens, candidate)
		if cost >= current {
			break
		}
		mbs, current = candidate, cost
	}
	return mbs
}

// padMicroBatches sets the padded length of dynamic-shape micro-batches, or pads them to capacity if the
// method uses a static shape.
func (p *Planner) padMicroBatches(mbs []MicroBatch, capacity int) {
	for ii := range mbs {
		if p.method.StaticShape() {
			mbs[ii].PaddedTokens = capacity
		} else {
			mbs[ii].PaddedTokens = max(mbs[ii].Tokens, min(p.padding.Up(mbs[ii].Tokens), capacity))
		}
	}
}

// finishReplica pads the micro-batches and fills in the costs.
func (p *Planner) finishReplica(rep strategy.Replica, capacity int, lens []int, indices []int, mbs []MicroBatch) ReplicaPlan {
	rp := ReplicaPlan{
		DPID:         rep.DPID,
		Capacity:     capacity,
		Indices:      slices.Clone(indices),
		MicroBatches: mbs,
	}
	slices.Sort(rp.Indices)
	replicaLens := xslices.Gather(lens, rp.Indices)
	rp.MaxLen = xslices.Max(replicaLens)
	rp.AssignCost = rep.Cost.Estimate(xslices.SumSquares(replicaLens), xslices.Sum(replicaLens), capacity, rep.Dims.PP)
	p.padMicroBatches(rp.MicroBatches, capacity)
	rp.Cost = p.pipelineCost(rep, lens, rp.MicroBatches)
	return rp
}

// microBatchTime of one micro-batch, with its padding counted as one more sequence.
func microBatchTime(rep strategy.Replica, lens []int, mb MicroBatch) float64 {
	rowLens := make([]int, 0, len(mb.Indices)+1)
	for _, idx := range mb.Indices {
		rowLens = append(rowLens, lens[idx])
	}
	if pad := mb.PaddedTokens - mb.Tokens; pad > 0 {
		rowLens = append(rowLens, pad)
	}
	return rep.Cost.MicroBatch(rowLens)
}

func (p *Planner) pipelineCost(rep strategy.Replica, lens []int, mbs []MicroBatch) float64 {
	times := make([]float64, len(mbs))
	for ii, mb := range mbs {
		times[ii] = microBatchTime(rep, lens, mb)
	}
	return rep.Cost.Pipeline(times, rep.Dims.PP)
}
