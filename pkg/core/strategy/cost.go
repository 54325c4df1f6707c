// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"math"

	"github.com/gomlx/hydraulis/pkg/support/xslices"
	"github.com/pkg/errors"
)

// CostModel estimates the time (in milliseconds) one pipeline stage takes to run one packed micro-batch.
//
// For a micro-batch with sequences of lengths s_i the time is:
//
//	Quadratic * Σ s_i² + Linear * Σ s_i + Constant
//
// The quadratic term is the attention, which only sees tokens of the same sequence; the linear term is
// everything else (projections, MLP, norms); the constant is the per-micro-batch overhead.
type CostModel struct {
	Quadratic float64 `json:"quadratic"`
	Linear    float64 `json:"linear"`
	Constant  float64 `json:"constant"`
}

// Validate checks that coefficients are non-negative, and that not all of them are zero.
func (c CostModel) Validate() error {
	if c.Quadratic < 0 || c.Linear < 0 || c.Constant < 0 {
		return errors.Errorf("cost model coefficients cannot be negative, got %+v", c)
	}
	if c.Quadratic == 0 && c.Linear == 0 {
		return errors.Errorf("cost model needs a positive quadratic or linear coefficient, got %+v", c)
	}
	return nil
}

// MicroBatch returns the time of one micro-batch with the given sequence lengths. An empty micro-batch
// costs nothing.
func (c CostModel) MicroBatch(lens []int) float64 {
	if len(lens) == 0 {
		return 0
	}
	return c.Quadratic*xslices.SumSquares(lens) + c.Linear*float64(xslices.Sum(lens)) + c.Constant
}

// Pipeline returns the time of running the micro-batches (given by their time) through pp pipeline stages
// with a 1F1B schedule: all micro-batches go through every stage, plus the warm-up / cool-down bubble of
// pp-1 slots of the slowest micro-batch.
func (c CostModel) Pipeline(microBatchTimes []float64, pp int) float64 {
	if len(microBatchTimes) == 0 {
		return 0
	}
	slowest := max(xslices.Max(microBatchTimes), 0)
	return xslices.Sum(microBatchTimes) + float64(max(pp-1, 0))*slowest
}

// Estimate returns the closed-form cost of a set of sequences before they are packed, given the sum of
// their lengths, the sum of their squared lengths, the micro-batch capacity and the pipeline degree.
//
// It assumes ceil(sum/capacity) evenly loaded micro-batches.
func (c CostModel) Estimate(sumSq float64, sum, capacity, pp int) float64 {
	if sum <= 0 {
		return 0
	}
	numMicroBatches := 1
	if capacity > 0 {
		numMicroBatches = max(1, int(math.Ceil(float64(sum)/float64(capacity))))
	}
	m := float64(numMicroBatches)
	work := c.Quadratic*sumSq + c.Linear*float64(sum) + c.Constant*m
	return work * (m + float64(max(pp-1, 0))) / m
}
