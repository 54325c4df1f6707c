// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"context"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/core/topology"
	"github.com/gomlx/hydraulis/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "1.23µs", FormatDuration(1234*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestSettingsFlag(t *testing.T) {
	cfg := train.DefaultConfig()
	settings := CreateSettingsFlag(&cfg, "test_settings")
	f := flag.Lookup("test_settings")
	require.NotNil(t, f)
	assert.Contains(t, f.Usage, `"batching_method": default value is 4`)

	require.NoError(t, flag.Set("test_settings", "ngpus=4;batching_method=3;ngpus=2"))
	paramsSet, err := cfg.ApplySettings(*settings)
	require.NoError(t, err)
	assert.Equal(t, "\t\"batching_method\": (int) 3\n\t\"ngpus\": (int) 2", SprintModifiedSettings(&cfg, paramsSet))
}

func testResolved(t *testing.T) []*strategy.Resolved {
	pool := &strategy.Pool{
		MemoryBudget: 1000,
		Strategies: []strategy.Entry{
			{CP: 1, TP: 1, PP: 1, ActivationMemoryPerToken: 1, Time: strategy.CostModel{Linear: 1}},
		},
	}
	multi, err := topology.ParseMultiStrategies("[[(1,1,1),(1,1,1)]]")
	require.NoError(t, err)
	resolved, err := strategy.Resolve(pool, multi, strategy.ResolveConfig{NumGPUs: 2, NumLayers: 2, Alignment: 100})
	require.NoError(t, err)
	return resolved
}

func TestPlanTables(t *testing.T) {
	resolved := testResolved(t)
	planner := packing.NewPlanner(resolved, packing.HydraulisPacking).WithParallelism(0)
	lens := []int{100, 200, 300, 400}
	plan, err := planner.Plan(t.Context(), lens)
	require.NoError(t, err)

	got := SprintPlan(plan, resolved[plan.StrategyID])
	assert.True(t, strings.HasPrefix(got, "Strategy #0 [cp1tp1pp1, cp1tp1pp1], method hydraulis: 4 sequences"), got)
	assert.Contains(t, got, "Micro-batches")
	assert.Contains(t, got, "1,000")

	got = CandidatesTable(planner, []int{100, 2000})
	assert.Contains(t, got, "sequence too long")
}

type brokenRunner struct{}

func (brokenRunner) Run(_ context.Context, _ *train.Feed) (*train.Result, error) {
	return nil, errors.New("device lost")
}

func TestProgressBarStopsOnError(t *testing.T) {
	pool := &strategy.Pool{
		MemoryBudget: 1000,
		Strategies: []strategy.Entry{
			{CP: 1, TP: 1, PP: 1, ActivationMemoryPerToken: 1, Time: strategy.CostModel{Linear: 1}},
		},
	}
	cfg := train.DefaultConfig()
	cfg.MultiStrategies = "[[(1,1,1),(1,1,1)]]"
	cfg.NumGPUs = 2
	cfg.GPUsPerNode = 2
	cfg.NumLayers = 2
	cfg.MaxSeqLen = 1024
	cfg.Alignment = 64
	cfg.FakeSeqLens = []int{100, 200, 300}
	cfg.Epochs = 1
	cfg.Steps = 2
	cfg.Parallelism = 0
	trainer, err := train.NewTrainer(cfg, pool, 0, brokenRunner{}, nil)
	require.NoError(t, err)

	pBar := attachProgressBar(trainer)
	_, err = trainer.Run(context.Background())
	require.ErrorContains(t, err, "device lost")

	// The drawing goroutine is done and the updates channel closed.
	_, ok := <-pBar.updates
	assert.False(t, ok)
	pBar.asyncUpdatesDone.Wait()

	// Stopping again, e.g. from a later OnEnd, is a no-op.
	require.NoError(t, pBar.onEnd(trainer, 0))
}
