// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/metrics"
	"github.com/gomlx/hydraulis/pkg/ml/bucket"
	"github.com/gomlx/hydraulis/pkg/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptimizerStrategyID is the strategy that holds the optimizer states: always the first one.
const OptimizerStrategyID = 0

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(trainer *Trainer) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(trainer *Trainer, step *StepInfo) error

// OnEndFn is the type of OnEnd hooks. consumedSamples is the total over all epochs.
type OnEndFn func(trainer *Trainer, consumedSamples int) error

// OnErrorFn is the type of OnError hooks. err is the error Run returns.
type OnErrorFn func(trainer *Trainer, err error)

// StepInfo describes a finished training step.
type StepInfo struct {
	Epoch, Step int

	// ConsumedSamples in the current epoch, including this step.
	ConsumedSamples int

	// Plan of the global batch, and the part of it run by the local GPU.
	Plan  *packing.Plan
	Local *packing.ReplicaPlan

	// Result of the Runner.
	Result *Result

	// Duration of the step, including planning and packing.
	Duration time.Duration
}

// Trainer runs the training steps of one GPU.
//
// All the GPUs run the same planning on the same global batch, so they agree on the chosen strategy without
// communicating, and each one runs the micro-batches of its own replica.
type Trainer struct {
	cfg        Config
	gpu        int
	strategies []*strategy.Resolved
	planner    *packing.Planner
	padding    bucketing.Strategy
	runner     Runner
	src        data.Source
	metrics    *metrics.Metrics

	// GlobalStep counts the steps run, across epochs.
	GlobalStep int

	// StepDurations collected during training.
	StepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
	onError *priorityHooks[*hookWithName[OnErrorFn]]
}

// NewTrainer resolves the strategies of cfg against the pool and creates the trainer of the given GPU.
//
// src is the dataset and can be nil if cfg.FakeSeqLens are given.
func NewTrainer(cfg Config, pool *strategy.Pool, gpu int, runner Runner, src data.Source) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid training configuration")
	}
	if gpu < 0 || gpu >= cfg.NumGPUs {
		return nil, errors.Errorf("gpu %d out of range for %d GPUs", gpu, cfg.NumGPUs)
	}
	if src == nil && len(cfg.FakeSeqLens) == 0 {
		return nil, errors.New("a dataset is required if no fake seqlens are given")
	}
	strategies, err := cfg.Resolve(pool)
	if err != nil {
		return nil, err
	}
	padding, err := cfg.PaddingStrategy()
	if err != nil {
		return nil, err
	}
	planner := packing.NewPlanner(strategies, cfg.Method()).
		WithMaxPaddedSeqLen(cfg.MaxSeqLen).
		WithPadding(padding).
		WithLocalSearchIterations(cfg.LocalSearchIterations).
		WithParallelism(cfg.Parallelism).
		WithCache(cfg.PlanCacheSize)
	if err := planner.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:        cfg,
		gpu:        gpu,
		strategies: strategies,
		planner:    planner,
		padding:    padding,
		runner:     runner,
		src:        src,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		onError:    newPriorityHooks[*hookWithName[OnErrorFn]](),
	}, nil
}

// WithMetrics makes the trainer record the plans and steps in m.
func (t *Trainer) WithMetrics(m *metrics.Metrics) *Trainer {
	t.metrics = m
	return t
}

// Config returns the configuration of the trainer.
func (t *Trainer) Config() Config {
	return t.cfg
}

// GPU returns the index of the local GPU.
func (t *Trainer) GPU() int {
	return t.gpu
}

// Strategies returns the resolved strategies.
func (t *Trainer) Strategies() []*strategy.Resolved {
	return t.strategies
}

// Planner returns the planner used at every step.
func (t *Trainer) Planner() *packing.Planner {
	return t.planner
}

// NumSteps returns the number of steps Run will execute, if the dataset doesn't run out of batches.
func (t *Trainer) NumSteps() int {
	return t.cfg.Epochs * (t.cfg.Steps - t.cfg.BeginStep)
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of Run,
// after the warm up.
func (t *Trainer) OnStart(name string, priority Priority, fn OnStartFn) {
	t.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step.
func (t *Trainer) OnStep(name string, priority Priority, fn OnStepFn) {
	t.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of Run. It is not
// called if Run fails, see OnError.
func (t *Trainer) OnEnd(name string, priority Priority, fn OnEndFn) {
	t.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// OnError adds a hook with given priority and name called when Run fails, including when an OnEnd
// hook fails. It is given the error Run returns.
func (t *Trainer) OnError(name string, priority Priority, fn OnErrorFn) {
	t.onError.Add(priority, &hookWithName[OnErrorFn]{
		name: name,
		fn:   fn,
	})
}

func (t *Trainer) runLevel() RunLevel {
	if t.cfg.ComputeOnly {
		return ComputeOnly
	}
	return Update
}

// WarmUp runs every candidate strategy once with all-padding micro-batches of the largest length
// they will be fed with, so later steps don't pay for the first compilation or allocation.
func (t *Trainer) WarmUp(ctx context.Context) error {
	for _, id := range t.planner.Candidates() {
		r := t.strategies[id]
		pos, err := r.Topology.Position(t.gpu)
		if err != nil {
			return err
		}
		// Same capacity as the rows of the steps.
		maxSeqLen := t.planner.ReplicaCapacity(r.Replicas[pos.DPID])
		if maxSeqLen%t.cfg.Alignment != 0 {
			return errors.Errorf("warm up of strategy %d: max seqlen %d should already be aligned to %d", id, maxSeqLen, t.cfg.Alignment)
		}
		numMicroBatches := r.Strategy.MaxPP()
		klog.V(1).Infof("GPU %d: warm up for compute strategy %d with max_seqlen = %d", t.gpu, id, maxSeqLen)
		feed := &Feed{
			StrategyID:          id,
			OptimizerStrategyID: OptimizerStrategyID,
			NumMicroBatches:     numMicroBatches,
			MaxSeqLen:           maxSeqLen,
			RunLevel:            t.runLevel(),
		}
		zeros := make([]int64, maxSeqLen)
		for range numMicroBatches {
			feed.Inputs = append(feed.Inputs, zeros)
			feed.Labels = append(feed.Labels, zeros)
			feed.CuSeqLens = append(feed.CuSeqLens, []int32{0, int32(maxSeqLen)})
		}
		if _, err := t.runner.Run(ctx, feed); err != nil {
			return errors.WithMessagef(err, "warm up of strategy %d", id)
		}
	}
	return nil
}

// Run runs the warm up, if configured, and then all the epochs. It returns the total number of samples consumed.
//
// If it fails, the OnError hooks are called before returning.
func (t *Trainer) Run(ctx context.Context) (int, error) {
	total, err := t.run(ctx)
	if err != nil {
		for hook := range t.onError.All() {
			klog.V(2).Infof("train.Trainer.OnError(hook %q)", hook.name)
			hook.fn(t, err)
		}
	}
	return total, err
}

func (t *Trainer) run(ctx context.Context) (int, error) {
	if t.cfg.WarmUp {
		if err := t.WarmUp(ctx); err != nil {
			return 0, err
		}
	}
	for hook := range t.onStart.All() {
		if err := hook.fn(t); err != nil {
			return 0, errors.WithMessagef(err, "train.Trainer.OnStart(hook %q)", hook.name)
		}
	}
	total := 0
	for epoch := range t.cfg.Epochs {
		// Every epoch restarts from the beginning of the dataset.
		consumed, err := t.RunEpoch(ctx, epoch, 0)
		total += consumed
		if err != nil {
			return total, errors.WithMessagef(err, "epoch %d", epoch)
		}
	}
	for hook := range t.onEnd.All() {
		if err := hook.fn(t, total); err != nil {
			return total, errors.WithMessagef(err, "train.Trainer.OnEnd(hook %q)", hook.name)
		}
	}
	return total, nil
}

// RunEpoch runs the steps cfg.BeginStep to cfg.Steps of one epoch, starting after consumedSamples sequences
// of the dataset. It returns the updated consumedSamples.
//
// The epoch ends early if the dataset runs out of batches.
func (t *Trainer) RunEpoch(ctx context.Context, epoch, consumedSamples int) (int, error) {
	var loader *data.Loader
	if len(t.cfg.FakeSeqLens) == 0 {
		var err error
		loader, err = data.NewLoader(t.src, data.LoaderConfig{
			GlobalBatchSize: t.cfg.GlobalBatchSize,
			GlobalTokenNum:  t.cfg.GlobalTokenNum,
			ConsumedSamples: consumedSamples,
		})
		if err != nil {
			return consumedSamples, err
		}
		defer loader.Close()
		for step := range t.cfg.BeginStep {
			if _, err := loader.Next(ctx); err != nil {
				return consumedSamples, errors.WithMessagef(err, "skipping step %d", step)
			}
		}
	}

	padID := t.padID()
	for step := t.cfg.BeginStep; step < t.cfg.Steps; step++ {
		start := time.Now()
		var (
			sortedBatch [][]int64
			sortedLens  []int
			err         error
		)
		if loader == nil {
			sortedBatch, sortedLens, err = data.FakeBatchAndLens(t.cfg.FakeSeqLens, padID)
		} else {
			var batch [][]int64
			batch, err = loader.Next(ctx)
			if err == io.EOF {
				klog.Infof("GPU %d: [Epoch %d] dataset exhausted at step %d", t.gpu, epoch, step)
				return consumedSamples, nil
			}
			if err == nil {
				sortedBatch, sortedLens = data.SortedBatchAndLens(batch, padID)
			}
		}
		if err != nil {
			return consumedSamples, errors.WithMessagef(err, "step %d", step)
		}
		batchSize := len(sortedBatch)
		var dropped int
		sortedBatch, sortedLens, dropped = data.DropShortSequences(sortedBatch, sortedLens, data.MinTrainLen)
		if dropped > 0 {
			klog.Warningf("GPU %d: [Epoch %d] step %d: dropped %d sequences with less than %d tokens",
				t.gpu, epoch, step, dropped, data.MinTrainLen)
		}
		if len(sortedBatch) == 0 {
			consumedSamples += batchSize
			klog.Warningf("GPU %d: [Epoch %d] step %d skipped, no sequence left to train on", t.gpu, epoch, step)
			continue
		}
		klog.V(2).Infof("GPU %d: %d seqs sorted lens is %v", t.gpu, len(sortedBatch), sortedLens)

		info, err := t.step(ctx, sortedBatch, sortedLens)
		if err != nil {
			return consumedSamples, errors.WithMessagef(err, "step %d", step)
		}
		consumedSamples += batchSize
		info.Epoch, info.Step, info.ConsumedSamples = epoch, step, consumedSamples
		info.Duration = time.Since(start)
		if err := t.postStep(info); err != nil {
			return consumedSamples, err
		}
	}
	return consumedSamples, nil
}

func (t *Trainer) padID() int64 {
	if t.src != nil {
		return t.src.PadID()
	}
	return int64(t.cfg.PadID)
}

// step plans the sorted batch, builds the feed of the local replica and runs it.
func (t *Trainer) step(ctx context.Context, sortedBatch [][]int64, sortedLens []int) (*StepInfo, error) {
	// Inputs and labels are shifted by one token.
	lens := make([]int, len(sortedLens))
	for ii, l := range sortedLens {
		lens[ii] = l - 1
	}
	plan, err := t.planner.Plan(ctx, lens)
	if err != nil {
		return nil, err
	}
	r := t.strategies[plan.StrategyID]
	local, err := plan.Local(r.Topology, t.gpu)
	if err != nil {
		return nil, err
	}
	if len(local.Indices) == 0 {
		return nil, errors.Errorf("GPU %d: replica %d of strategy %d has no data, GPUs without data are not supported",
			t.gpu, local.DPID, plan.StrategyID)
	}

	input, label, err := bucket.InputAndLabelBuckets(sortedBatch, t.padID(), local.Indices, local.Capacity, t.cfg.Alignment)
	if err != nil {
		return nil, err
	}
	feed := &Feed{
		StrategyID:          plan.StrategyID,
		OptimizerStrategyID: OptimizerStrategyID,
		RunLevel:            t.runLevel(),
	}
	if plan.Method == packing.Padding {
		if err := input.PadData(); err != nil {
			return nil, err
		}
		if err := label.PadData(); err != nil {
			return nil, err
		}
		feed.MaxSeqLen = local.Capacity - 1
		feed.Inputs, _ = input.PaddedBatch()
		feed.Labels, _ = label.PaddedBatch()
		feed.CuSeqLens, _ = input.PaddedCuSeqLens()
	} else {
		microBatches := local.MicroBatchIndices()
		static := plan.Method.StaticShape()
		input.WithPadding(t.padding)
		label.WithPadding(t.padding)
		if err := input.PackData(microBatches, static); err != nil {
			return nil, err
		}
		if err := label.PackData(microBatches, static); err != nil {
			return nil, err
		}
		feed.MaxSeqLen = local.MaxLen
		feed.Inputs, _ = input.PackedBatch()
		feed.Labels, _ = label.PackedBatch()
		feed.CuSeqLens, _ = input.PackedCuSeqLens()
	}
	feed.NumMicroBatches = len(feed.Inputs)
	if klog.V(1).Enabled() {
		rowLens := make([]int, len(feed.Inputs))
		for ii, row := range feed.Inputs {
			rowLens[ii] = len(row)
		}
		klog.Infof("GPU %d: strategy %d, replica %d seqlens after packing are %v, estimated cost is %.3f",
			t.gpu, plan.StrategyID, local.DPID, rowLens, plan.Cost)
	}

	result, err := t.runner.Run(ctx, feed)
	if err != nil {
		return nil, err
	}
	return &StepInfo{Plan: plan, Local: local, Result: result}, nil
}

// postStep logs the loss, records the metrics and calls the OnStep hooks.
func (t *Trainer) postStep(info *StepInfo) error {
	t.GlobalStep++
	t.StepDurations = append(t.StepDurations, info.Duration)
	if info.Result.HasLoss {
		klog.Infof("GPU %d: [Epoch %d] (step %d, consumed_samples = %d): loss = %.3f, time = %s",
			t.gpu, info.Epoch, info.Step, info.ConsumedSamples, info.Result.Loss, info.Duration)
	}
	if t.metrics != nil {
		t.metrics.ObservePlan(info.Plan)
		t.metrics.ObserveLocal(info.Local)
		t.metrics.ObserveStep(info.Duration)
	}
	for hook := range t.onStep.All() {
		if err := hook.fn(t, info); err != nil {
			return errors.WithMessagef(err, "train.Trainer.OnStep(hook %q)", hook.name)
		}
	}
	if info.Result.HasLoss {
		if math.IsNaN(info.Result.Loss) {
			return errors.Errorf("batch loss is NaN, training interrupted")
		}
		if math.IsInf(info.Result.Loss, 0) {
			return errors.Errorf("batch loss is infinity (%f), training interrupted", info.Result.Loss)
		}
	}
	return nil
}

// MedianStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (t *Trainer) MedianStepDuration() time.Duration {
	if len(t.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(t.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
