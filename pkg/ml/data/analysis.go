// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// SeqLenCounter counts the sequences of each non-pad length.
type SeqLenCounter map[int]int

// CountSeqLens scans all the sequences of src.
func CountSeqLens(src Source) SeqLenCounter {
	counter := make(SeqLenCounter)
	padID := src.PadID()
	for idx := range src.Len() {
		counter[NonPadLen(src.Sequence(idx), padID)]++
	}
	return counter
}

// Total number of sequences counted.
func (c SeqLenCounter) Total() int {
	total := 0
	for _, count := range c {
		total += count
	}
	return total
}

// Max returns the largest length counted, or 0 if the counter is empty.
func (c SeqLenCounter) Max() int {
	m := 0
	for l := range c {
		m = max(m, l)
	}
	return m
}

// CDF returns the lengths counted, in increasing order, and the fraction of sequences with a length <= each.
func (c SeqLenCounter) CDF() (lens []int, cdf []float64) {
	lens = slices.Sorted(maps.Keys(c))
	cdf = make([]float64, len(lens))
	total := float64(c.Total())
	acc := 0
	for ii, l := range lens {
		acc += c[l]
		cdf[ii] = float64(acc) / total
	}
	return
}

// SeqLensPerBatch returns the non-pad lengths of the sequences of each consecutive batch of batchSize
// sequences, for at most maxBatches batches (all if maxBatches <= 0). The last batch may be smaller.
func SeqLensPerBatch(src Source, batchSize, maxBatches int) ([][]int, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	var batches [][]int
	padID := src.PadID()
	for start := 0; start < src.Len(); start += batchSize {
		if maxBatches > 0 && len(batches) == maxBatches {
			break
		}
		lens := make([]int, 0, batchSize)
		for idx := start; idx < min(start+batchSize, src.Len()); idx++ {
			lens = append(lens, NonPadLen(src.Sequence(idx), padID))
		}
		batches = append(batches, lens)
	}
	return batches, nil
}

// MaxSeqLenPerBatch returns the max non-pad length of each consecutive batch of batchSize sequences.
// The last batch may be smaller.
func MaxSeqLenPerBatch(src Source, batchSize int) ([]int, error) {
	batches, err := SeqLensPerBatch(src, batchSize, 0)
	if err != nil {
		return nil, err
	}
	maxLens := make([]int, len(batches))
	for ii, lens := range batches {
		maxLens[ii] = slices.Max(lens)
	}
	return maxLens, nil
}
