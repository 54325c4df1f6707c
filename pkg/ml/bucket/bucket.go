// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bucket builds the packed (or padded) token rows of one data-parallel replica, along with the
// cu_seqlens of each row, used by variable-length attention to separate the packed sequences.
//
// A Bucket holds the sequences of the global batch assigned to the local replica. It is created for
// the inputs and for the labels with InputAndLabelBuckets, and then either packed, with PackData,
// or padded, with PadData.
package bucket

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hydraulis/pkg/core/bucketing"
	"github.com/gomlx/hydraulis/pkg/ml/data"
	"github.com/pkg/errors"
)

// Bucket of sequences of one replica.
type Bucket struct {
	padID     int64
	maxSeqLen int
	align     bucketing.Strategy

	// indices of the sequences in the global batch, and their tokens.
	indices []int
	seqs    [][]int64
	local   map[int]int

	isPacked, isPadded bool
	packed, padded     [][]int64
	packedCu, paddedCu [][]int32
}

// InputAndLabelBuckets creates the input and label buckets for the sequences of sortedBatch selected by
// indices. For a sequence with n non-pad tokens the input is seq[:n-1] and the label is seq[1:n].
//
// maxSeqLen is the max length of a packed or padded row, and alignment the bucketing step of
// dynamic-shape rows.
func InputAndLabelBuckets(sortedBatch [][]int64, padID int64, indices []int, maxSeqLen, alignment int) (input, label *Bucket, err error) {
	if maxSeqLen <= 0 {
		return nil, nil, errors.Errorf("invalid max seqlen %d for bucket", maxSeqLen)
	}
	input = newBucket(padID, maxSeqLen, alignment)
	label = newBucket(padID, maxSeqLen, alignment)
	for _, idx := range indices {
		if idx < 0 || idx >= len(sortedBatch) {
			return nil, nil, errors.Errorf("sequence index %d out of range for a batch of %d sequences", idx, len(sortedBatch))
		}
		if _, found := input.local[idx]; found {
			return nil, nil, errors.Errorf("sequence index %d given more than once", idx)
		}
		seq := sortedBatch[idx]
		n := data.NonPadLen(seq, padID)
		if n < 2 {
			return nil, nil, errors.Errorf("sequence #%d has %d non-pad tokens, at least 2 are needed to build input and label", idx, n)
		}
		input.add(idx, seq[:n-1])
		label.add(idx, seq[1:n])
	}
	return input, label, nil
}

func newBucket(padID int64, maxSeqLen, alignment int) *Bucket {
	return &Bucket{
		padID:     padID,
		maxSeqLen: maxSeqLen,
		align:     bucketing.Linear(alignment),
		local:     make(map[int]int),
	}
}

func (b *Bucket) add(idx int, tokens []int64) {
	b.local[idx] = len(b.indices)
	b.indices = append(b.indices, idx)
	b.seqs = append(b.seqs, tokens)
}

// Len returns the number of sequences in the bucket.
func (b *Bucket) Len() int {
	return len(b.indices)
}

// Indices returns the global batch indices of the sequences of the bucket.
func (b *Bucket) Indices() []int {
	return b.indices
}

// MaxSeqLen returns the max length of the rows of the bucket.
func (b *Bucket) MaxSeqLen() int {
	return b.maxSeqLen
}

// WithPadding replaces the bucketing of dynamic-shape rows, by default linear to the alignment.
// It must be called before PackData.
func (b *Bucket) WithPadding(padding bucketing.Strategy) *Bucket {
	b.align = padding
	return b
}

// greedyMicroBatches groups the sequences of the bucket, in order, up to maxSeqLen tokens.
func (b *Bucket) greedyMicroBatches() [][]int {
	var microBatches [][]int
	var current []int
	used := 0
	for ii, idx := range b.indices {
		n := len(b.seqs[ii])
		if len(current) > 0 && used+n > b.maxSeqLen {
			microBatches = append(microBatches, current)
			current, used = nil, 0
		}
		current = append(current, idx)
		used += n
	}
	if len(current) > 0 {
		microBatches = append(microBatches, current)
	}
	return microBatches
}

// PackData concatenates the sequences of each micro-batch (given by their global batch indices) in one row.
//
// With staticShape rows are padded to the max seqlen, otherwise to the next multiple of the alignment.
// If microBatches is nil, the sequences of the bucket are packed greedily in order.
// Every sequence of the bucket must be in exactly one micro-batch.
func (b *Bucket) PackData(microBatches [][]int, staticShape bool) error {
	if microBatches == nil {
		microBatches = b.greedyMicroBatches()
	}
	var packed [][]int64
	var cu [][]int32
	err := exceptions.TryCatch[error](func() {
		used := make([]bool, len(b.indices))
		for mbIdx, mb := range microBatches {
			row, rowCu := b.packRow(mbIdx, mb, used, staticShape)
			packed = append(packed, row)
			cu = append(cu, rowCu)
		}
		for ii, u := range used {
			if !u {
				exceptions.Panicf("sequence #%d of the bucket is not in any micro-batch", b.indices[ii])
			}
		}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to pack bucket")
	}
	b.packed, b.packedCu, b.isPacked = packed, cu, true
	return nil
}

// packRow builds one packed row. It panics with an error if the micro-batch is invalid.
func (b *Bucket) packRow(mbIdx int, mb []int, used []bool, staticShape bool) ([]int64, []int32) {
	if len(mb) == 0 {
		exceptions.Panicf("micro-batch %d is empty", mbIdx)
	}
	total := 0
	for _, idx := range mb {
		ii, found := b.local[idx]
		if !found {
			exceptions.Panicf("micro-batch %d has sequence #%d, which is not in the bucket", mbIdx, idx)
		}
		if used[ii] {
			exceptions.Panicf("sequence #%d is in more than one micro-batch", idx)
		}
		used[ii] = true
		total += len(b.seqs[ii])
	}
	if total > b.maxSeqLen {
		exceptions.Panicf("micro-batch %d has %d tokens, more than the max seqlen %d", mbIdx, total, b.maxSeqLen)
	}
	padded := b.maxSeqLen
	if !staticShape {
		padded = min(b.align.Up(total), b.maxSeqLen)
	}

	row := make([]int64, 0, padded)
	cu := make([]int32, 1, len(mb)+2)
	for _, idx := range mb {
		row = append(row, b.seqs[b.local[idx]]...)
		cu = append(cu, int32(len(row)))
	}
	row = b.appendPadding(row, padded)
	if padded > total {
		cu = append(cu, int32(padded))
	}
	return row, cu
}

func (b *Bucket) appendPadding(row []int64, size int) []int64 {
	for len(row) < size {
		row = append(row, b.padID)
	}
	return row
}

// PackedBatch returns the rows built by PackData.
func (b *Bucket) PackedBatch() ([][]int64, error) {
	if !b.isPacked {
		return nil, errors.New("bucket not packed, call PackData first")
	}
	return b.packed, nil
}

// PackedCuSeqLens returns the cu_seqlens of each row built by PackData.
func (b *Bucket) PackedCuSeqLens() ([][]int32, error) {
	if !b.isPacked {
		return nil, errors.New("bucket not packed, call PackData first")
	}
	return b.packedCu, nil
}

// PadData puts each sequence in its own row, padded to the max seqlen.
func (b *Bucket) PadData() error {
	padded := make([][]int64, len(b.seqs))
	cu := make([][]int32, len(b.seqs))
	for ii, seq := range b.seqs {
		if len(seq) > b.maxSeqLen {
			return errors.Errorf("sequence #%d has %d tokens, more than the max seqlen %d", b.indices[ii], len(seq), b.maxSeqLen)
		}
		row := make([]int64, 0, b.maxSeqLen)
		row = append(row, seq...)
		padded[ii] = b.appendPadding(row, b.maxSeqLen)
		cu[ii] = []int32{0, int32(len(seq))}
		if len(seq) < b.maxSeqLen {
			cu[ii] = append(cu[ii], int32(b.maxSeqLen))
		}
	}
	b.padded, b.paddedCu, b.isPadded = padded, cu, true
	return nil
}

// PaddedBatch returns the rows built by PadData.
func (b *Bucket) PaddedBatch() ([][]int64, error) {
	if !b.isPadded {
		return nil, errors.New("bucket not padded, call PadData first")
	}
	return b.padded, nil
}

// PaddedCuSeqLens returns the cu_seqlens of each row built by PadData.
func (b *Bucket) PaddedCuSeqLens() ([][]int32, error) {
	if !b.isPadded {
		return nil, errors.New("bucket not padded, call PadData first")
	}
	return b.paddedCu, nil
}
