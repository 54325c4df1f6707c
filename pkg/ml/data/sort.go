// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
)

// SortedBatchAndLens returns the rows of batch sorted by increasing non-pad length, and those lengths.
// Rows with the same length keep their relative order.
func SortedBatchAndLens(batch [][]int64, padID int64) ([][]int64, []int) {
	type row struct {
		seq []int64
		len int
	}
	rows := make([]row, len(batch))
	for ii, seq := range batch {
		rows[ii] = row{seq: seq, len: NonPadLen(seq, padID)}
	}
	slices.SortStableFunc(rows, func(a, b row) int { return cmp.Compare(a.len, b.len) })
	sorted := make([][]int64, len(rows))
	lens := make([]int, len(rows))
	for ii, r := range rows {
		sorted[ii], lens[ii] = r.seq, r.len
	}
	return sorted, lens
}

// MinTrainLen is the minimum non-pad length of a sequence to train on: inputs and labels are shifted by one
// token, so shorter sequences have nothing to predict.
const MinTrainLen = 2

// DropShortSequences removes the sequences shorter than minLen from a batch sorted by SortedBatchAndLens.
// It returns the remaining batch and lengths, and how many sequences were dropped.
func DropShortSequences(sortedBatch [][]int64, sortedLens []int, minLen int) ([][]int64, []int, int) {
	first, _ := slices.BinarySearch(sortedLens, minLen)
	return sortedBatch[first:], sortedLens[first:], first
}

// FakeBatchAndLens builds a sorted batch with sequences of the given non-pad lengths, all padded to the
// longest one. Tokens are padID+1.
func FakeBatchAndLens(lens []int, padID int64) ([][]int64, []int, error) {
	maxLen := 0
	for ii, l := range lens {
		if l <= 0 {
			return nil, nil, errors.Errorf("fake sequence #%d has invalid length %d", ii, l)
		}
		maxLen = max(maxLen, l)
	}
	batch := make([][]int64, len(lens))
	for ii, l := range lens {
		seq := make([]int64, maxLen)
		for jj := range seq {
			if jj < l {
				seq[jj] = padID + 1
			} else {
				seq[jj] = padID
			}
		}
		batch[ii] = seq
	}
	sorted, sortedLens := SortedBatchAndLens(batch, padID)
	return sorted, sortedLens, nil
}
