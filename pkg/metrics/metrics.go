// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics exports Prometheus collectors for the planning and training steps.
package metrics

import (
	"strconv"
	"time"

	"github.com/gomlx/hydraulis/pkg/core/packing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors, registered on the Registerer given to New.
type Metrics struct {
	PlansTotal    *prometheus.CounterVec
	EstimatedCost *prometheus.HistogramVec
	PackedTokens  prometheus.Counter
	PaddingTokens prometheus.Counter
	MicroBatches  prometheus.Histogram
	StepDuration  prometheus.Histogram
}

// costBuckets in milliseconds.
var costBuckets = prometheus.ExponentialBuckets(1, 2, 16)

// New creates the collectors and registers them on reg. It panics if they are already registered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PlansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hydraulis_plans_total",
			Help: "Number of global batches planned, by chosen strategy and batching method",
		}, []string{"strategy", "method"}),

		EstimatedCost: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hydraulis_estimated_cost_milliseconds",
			Help:    "Estimated step time of the chosen plan, before (assign) and after (pack) packing",
			Buckets: costBuckets,
		}, []string{"stage"}),

		PackedTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "hydraulis_packed_tokens_total",
			Help: "Sequence tokens fed to the local replica",
		}),

		PaddingTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "hydraulis_padding_tokens_total",
			Help: "Padding tokens fed to the local replica",
		}),

		MicroBatches: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydraulis_micro_batches",
			Help:    "Micro-batches run by the local replica per step",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		}),

		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hydraulis_step_duration_seconds",
			Help:    "Duration of the training steps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObservePlan records the chosen strategy and its estimated costs.
func (m *Metrics) ObservePlan(plan *packing.Plan) {
	m.PlansTotal.WithLabelValues(strconv.Itoa(plan.StrategyID), plan.Method.String()).Inc()
	m.EstimatedCost.WithLabelValues("assign").Observe(plan.AssignCost)
	m.EstimatedCost.WithLabelValues("pack").Observe(plan.Cost)
}

// ObserveLocal records what the local replica runs.
func (m *Metrics) ObserveLocal(local *packing.ReplicaPlan) {
	tokens, padded := local.NumTokens(), local.NumPaddedTokens()
	m.PackedTokens.Add(float64(tokens))
	m.PaddingTokens.Add(float64(padded - tokens))
	m.MicroBatches.Observe(float64(len(local.MicroBatches)))
}

// ObserveStep records the duration of a training step.
func (m *Metrics) ObserveStep(d time.Duration) {
	m.StepDuration.Observe(d.Seconds())
}
