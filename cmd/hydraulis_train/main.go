// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hydraulis_train runs the training loop of one GPU with a simulated runner: each step plans the global
// batch, packs the local micro-batches and "runs" them for the time predicted by the strategy cost model.
//
// Example:
//
//	hydraulis_train -gpu=0 -progress -set='strategy_pool=./strategy_pool.json;json_file=./data/web.jsonl;global_token_num=200000;steps=100'
//
// Metrics are exported in the Prometheus format if -metrics_addr is given.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/hydraulis/pkg/core/strategy"
	"github.com/gomlx/hydraulis/pkg/metrics"
	"github.com/gomlx/hydraulis/pkg/ml/train"
	"github.com/gomlx/hydraulis/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

var (
	flagGPU         = flag.Int("gpu", 0, "Index of the local GPU.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, address where to serve the Prometheus metrics, e.g. \":9090\".")
	flagTimeScale   = flag.Float64("time_scale", 0, "Scale of the simulated step time the runner sleeps. 0 doesn't sleep.")
	flagProgress    = flag.Bool("progress", true, "Display a progress bar with the step statistics.")
)

func main() {
	cfg := train.DefaultConfig()
	settings := commandline.CreateSettingsFlag(&cfg, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(cfg.ApplySettings(*settings))
	klog.Infof("Settings:\n%s", commandline.SprintModifiedSettings(&cfg, paramsSet))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, &cfg); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx context.Context, cfg *train.Config) error {
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
	runner := train.NewSimulatedRunner(resolved, *flagGPU)
	runner.TimeScale = *flagTimeScale

	src, err := cfg.LoadDataset()
	if err != nil {
		return err
	}
	trainer, err := train.NewTrainer(*cfg, pool, *flagGPU, runner, src)
	if err != nil {
		return err
	}

	if *flagMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		trainer.WithMetrics(metrics.New(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			klog.Infof("Serving metrics on %s/metrics", *flagMetricsAddr)
			if err := http.ListenAndServe(*flagMetricsAddr, mux); err != nil {
				klog.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}
	if *flagProgress {
		commandline.AttachProgressBar(trainer)
	}

	consumed, err := trainer.Run(ctx)
	if err != nil {
		return errors.WithMessagef(err, "training stopped after %d steps", trainer.GlobalStep)
	}
	klog.Infof("Training finished: %d steps, %d samples, median step %s",
		trainer.GlobalStep, consumed, commandline.FormatDuration(trainer.MedianStepDuration()))
	return nil
}
