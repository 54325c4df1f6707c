// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing

import (
	"slices"

	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// replicaLoad tracks the sequences assigned to one replica during the assignment, with the sums needed by
// the closed-form cost estimate.
type replicaLoad struct {
	rep     strategy.Replica
	indices []int
	sum     int
	sumSq   float64
}

// estimate returns the replica cost if its sums change by the given deltas.
func (l *replicaLoad) estimate(deltaSum int, deltaSq float64) float64 {
	return l.rep.Cost.Estimate(l.sumSq+deltaSq, l.sum+deltaSum, l.rep.MaxSeqLen, l.rep.Dims.PP)
}

func (l *replicaLoad) cost() float64 {
	return l.estimate(0, 0)
}

func (l *replicaLoad) fits(length int) bool {
	return length <= l.rep.MaxSeqLen
}

func (l *replicaLoad) add(idx, length int) {
	l.indices = append(l.indices, idx)
	l.sum += length
	l.sumSq += float64(length) * float64(length)
}

func (l *replicaLoad) remove(idx, length int) {
	pos := slices.Index(l.indices, idx)
	l.indices = slices.Delete(l.indices, pos, pos+1)
	l.sum -= length
	l.sumSq -= float64(length) * float64(length)
}

func squared(length int) float64 {
	return float64(length) * float64(length)
}

// improvementEpsilon is the relative improvement required to accept a local search step.
const improvementEpsilon = 1e-9

// heterogeneousAssigner assigns sequences to replicas with different capacities and cost models, minimizing
// the estimated cost of the slowest replica.
type heterogeneousAssigner struct {
	lens     []int
	loads    []*replicaLoad
	maxIters int
}

// assignHeterogeneous returns the indices assigned to each replica, in increasing order.
//
// Sequences are first assigned from the longest to the shortest, each to the replica (among those that can
// hold it) whose estimated cost grows the least. Then a local search repeatedly moves, or swaps, sequences
// off the slowest replica while that lowers its cost without making the other replica slower than it was.
// Finally, replicas left without sequences take one from a replica that has several.
func assignHeterogeneous(replicas []strategy.Replica, lens []int, maxIters int) ([][]int, error) {
	if len(lens) < len(replicas) {
		return nil, errors.Wrapf(ErrTooFewSequences, "%d sequences for %d replicas", len(lens), len(replicas))
	}
	a := &heterogeneousAssigner{lens: lens, maxIters: maxIters}
	maxCapacity := 0
	for _, rep := range replicas {
		a.loads = append(a.loads, &replicaLoad{rep: rep})
		maxCapacity = max(maxCapacity, rep.MaxSeqLen)
	}
	for idx, length := range lens {
		if length > maxCapacity {
			return nil, errors.Wrapf(ErrSequenceTooLong, "sequence #%d has %d tokens, but the largest replica max seqlen is %d",
				idx, length, maxCapacity)
		}
	}

	a.greedy()
	iters := a.localSearch()
	if err := a.fillEmpty(); err != nil {
		return nil, err
	}
	klog.V(2).Infof("heterogeneous assignment: %d local search steps, bottleneck cost %.3f", iters, a.loads[a.bottleneck()].cost())

	assigned := make([][]int, len(a.loads))
	for r, l := range a.loads {
		assigned[r] = slices.Clone(l.indices)
		slices.Sort(assigned[r])
	}
	return assigned, nil
}

// greedy assigns each sequence, longest first, to the replica whose estimated cost becomes the smallest.
func (a *heterogeneousAssigner) greedy() {
	for _, idx := range descendingByLen(a.lens, xslices.Iota(0, len(a.lens))) {
		length := a.lens[idx]
		best, bestCost := -1, 0.0
		for r, l := range a.loads {
			if !l.fits(length) {
				continue
			}
			c := l.estimate(length, squared(length))
			if best < 0 || c < bestCost {
				best, bestCost = r, c
			}
		}
		a.loads[best].add(idx, length)
	}
}

// bottleneck returns the replica with the highest cost, ties resolved to the lowest index.
func (a *heterogeneousAssigner) bottleneck() int {
	b := 0
	for r, l := range a.loads {
		if l.cost() > a.loads[b].cost() {
			b = r
		}
	}
	return b
}

// localSearch improves the assignment and returns the number of steps taken.
func (a *heterogeneousAssigner) localSearch() int {
	iter := 0
	for ; iter < a.maxIters; iter++ {
		if !a.tryMove() && !a.trySwap() {
			break
		}
	}
	return iter
}

// tryMove moves the sequence of the bottleneck replica whose move lowers the most the cost of the pair.
func (a *heterogeneousAssigner) tryMove() bool {
	b := a.bottleneck()
	lb := a.loads[b]
	costB := lb.cost()
	threshold := costB - improvementEpsilon*max(1, costB)
	bestIdx, bestTo, bestValue := -1, -1, threshold
	for _, idx := range lb.indices {
		length := a.lens[idx]
		newB := lb.estimate(-length, -squared(length))
		for r, lr := range a.loads {
			if r == b || !lr.fits(length) {
				continue
			}
			value := max(newB, lr.estimate(length, squared(length)))
			if value < bestValue {
				bestIdx, bestTo, bestValue = idx, r, value
			}
		}
	}
	if bestIdx < 0 {
		return false
	}
	lb.remove(bestIdx, a.lens[bestIdx])
	a.loads[bestTo].add(bestIdx, a.lens[bestIdx])
	return true
}

// trySwap exchanges a sequence of the bottleneck replica with a shorter sequence of another replica.
func (a *heterogeneousAssigner) trySwap() bool {
	b := a.bottleneck()
	lb := a.loads[b]
	costB := lb.cost()
	threshold := costB - improvementEpsilon*max(1, costB)
	bestI, bestJ, bestTo, bestValue := -1, -1, -1, threshold
	for _, i := range lb.indices {
		li := a.lens[i]
		for r, lr := range a.loads {
			if r == b || !lr.fits(li) {
				continue
			}
			for _, j := range lr.indices {
				lj := a.lens[j]
				if lj >= li {
					continue
				}
				d, dSq := li-lj, squared(li)-squared(lj)
				value := max(lb.estimate(-d, -dSq), lr.estimate(d, dSq))
				if value < bestValue {
					bestI, bestJ, bestTo, bestValue = i, j, r, value
				}
			}
		}
	}
	if bestI < 0 {
		return false
	}
	lr := a.loads[bestTo]
	lb.remove(bestI, a.lens[bestI])
	lr.remove(bestJ, a.lens[bestJ])
	lb.add(bestJ, a.lens[bestJ])
	lr.add(bestI, a.lens[bestI])
	return true
}

// fillEmpty gives every replica without sequences one sequence taken from a replica with at least two.
func (a *heterogeneousAssigner) fillEmpty() error {
	for r, lr := range a.loads {
		if len(lr.indices) > 0 {
			continue
		}
		bestIdx, bestFrom, bestValue := -1, -1, 0.0
		for d, ld := range a.loads {
			if len(ld.indices) < 2 {
				continue
			}
			for _, idx := range ld.indices {
				length := a.lens[idx]
				if !lr.fits(length) {
					continue
				}
				value := max(ld.estimate(-length, -squared(length)), lr.estimate(length, squared(length)))
				if bestIdx < 0 || value < bestValue || (value == bestValue && length < a.lens[bestIdx]) {
					bestIdx, bestFrom, bestValue = idx, d, value
				}
			}
		}
		if bestIdx < 0 {
			return errors.Wrapf(ErrTooFewSequences, "no sequence can be given to replica %d (max seqlen %d)", r, lr.rep.MaxSeqLen)
		}
		a.loads[bestFrom].remove(bestIdx, a.lens[bestIdx])
		lr.add(bestIdx, a.lens[bestIdx])
	}
	return nil
}
