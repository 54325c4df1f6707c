// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hydraulis_plan plans one global batch, given by fake sequence lengths or read from the dataset, and
// displays the cost of each candidate strategy and the micro-batches of the chosen one.
//
// It takes the same settings as hydraulis_train, e.g.:
//
//	hydraulis_plan -set='strategy_pool=./strategy_pool.json;ngpus=8;multi_cp_tp_pp_list=[[(1,2,1),(1,2,1),(1,2,1),(1,2,1)],[(1,4,1),(1,2,1),(1,1,1),(1,1,1)]];fake_seqlens=[4000,1000,800,600,300,200]'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/ml/data"
	"github.com/gomlx/hydraulis/pkg/ml/train"
	"github.com/gomlx/hydraulis/pkg/support/fsutil"
	"github.com/gomlx/hydraulis/pkg/support/xslices"
	"github.com/gomlx/hydraulis/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagCandidates     = flag.Bool("candidates", true, "Display the cost of every candidate strategy.")
	flagStep           = flag.Int("step", 0, "Global batch of the dataset to plan, if no fake_seqlens are given.")
	flagGPU            = flag.Int("gpu", -1, "If >= 0, also display the micro-batches the given GPU would run.")
	flagLens           = xslices.IntsFlag("lens", nil, "Non-pad lengths of the sequences to plan, e.g. \"4000,1000,800\". Overrides fake_seqlens and the dataset.")
	flagParallelConfig = flag.String("parallel_config", "", "If set, directory where to write the parallel config of each strategy, as strategy_<id>.json.")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	cfg := train.DefaultConfig()
	settings := commandline.CreateSettingsFlag(&cfg, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(cfg.ApplySettings(*settings))
	klog.V(1).Infof("Settings:\n%s", commandline.SprintModifiedSettings(&cfg, paramsSet))
	if err := run(&cfg); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(cfg *train.Config) error {
	if len(*flagLens) > 0 {
		cfg.FakeSeqLens = *flagLens
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	pool, err := strategy.LoadPool(cfg.StrategyPool)
	if err != nil {
		return err
	}
	resolved, err := cfg.Resolve(pool)
	if err != nil {
		return err
	}
	if *flagParallelConfig != "" {
		if err := writeParallelConfigs(resolved, *flagParallelConfig); err != nil {
			return err
		}
	}
	padding, err := cfg.PaddingStrategy()
	if err != nil {
		return err
	}
	planner := packing.NewPlanner(resolved, cfg.Method()).
		WithMaxPaddedSeqLen(cfg.MaxSeqLen).
		WithPadding(padding).
		WithLocalSearchIterations(cfg.LocalSearchIterations).
		WithParallelism(cfg.Parallelism).
		WithCache(cfg.PlanCacheSize)
	if err := planner.Validate(); err != nil {
		return err
	}

	sortedLens, err := batchLens(cfg)
	if err != nil {
		return err
	}
	lens := make([]int, len(sortedLens))
	for ii, l := range sortedLens {
		lens[ii] = l - 1
	}
	fmt.Printf("%d sequences, sorted lens (without the shifted token): %v\n", len(lens), lens)

	if *flagCandidates {
		fmt.Println(titleStyle.Render("Candidates"))
		fmt.Println(commandline.CandidatesTable(planner, lens))
	}
	plan, err := planner.Plan(context.Background(), lens)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Plan"))
	fmt.Println(commandline.SprintPlan(plan, resolved[plan.StrategyID]))

	if *flagGPU >= 0 {
		topo := resolved[plan.StrategyID].Topology
		local, err := plan.Local(topo, *flagGPU)
		if err != nil {
			return err
		}
		pos, _ := topo.Position(*flagGPU)
		fmt.Printf("\nGPU %d %s runs %d micro-batches: %v\n", *flagGPU, pos, len(local.MicroBatches), local.MicroBatchIndices())
	}
	return nil
}

// batchLens returns the sorted non-pad lengths of the batch to plan.
func batchLens(cfg *train.Config) ([]int, error) {
	if len(cfg.FakeSeqLens) > 0 {
		_, lens, err := data.FakeBatchAndLens(cfg.FakeSeqLens, int64(cfg.PadID))
		return lens, err
	}
	src, err := cfg.LoadDataset()
	if err != nil {
		return nil, err
	}
	loader, err := data.NewLoader(src, data.LoaderConfig{
		GlobalBatchSize: cfg.GlobalBatchSize,
		GlobalTokenNum:  cfg.GlobalTokenNum,
	})
	if err != nil {
		return nil, err
	}
	defer loader.Close()
	var batch [][]int64
	for step := range *flagStep + 1 {
		batch, err = loader.Next(context.Background())
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read global batch %d", step)
		}
	}
	sorted, lens := data.SortedBatchAndLens(batch, src.PadID())
	_, lens, dropped := data.DropShortSequences(sorted, lens, data.MinTrainLen)
	if dropped > 0 {
		klog.Warningf("Dropped %d sequences with less than %d tokens", dropped, data.MinTrainLen)
	}
	if len(lens) == 0 {
		return nil, errors.Errorf("global batch %d has no sequence with at least %d tokens", *flagStep, data.MinTrainLen)
	}
	return lens, nil
}

func writeParallelConfigs(resolved []*strategy.Resolved, dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	for _, r := range resolved {
		path := filepath.Join(dir, fmt.Sprintf("strategy_%d.json", r.ID))
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", path)
		}
		err = r.Topology.WriteParallelConfig(f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.WithMessagef(err, "failed writing %q", path)
		}
		klog.Infof("Strategy %d parallel config written to %q", r.ID, path)
	}
	return nil
}
