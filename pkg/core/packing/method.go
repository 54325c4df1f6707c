// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Method is an enumeration of the batching methods.
//
// The names are given by the line comments.
type Method int

//go:generate go tool enumer -type=Method -linecomment -output=gen_method_enumer.go method.go

const (
	// Padding splits the batch evenly across replicas, and pads every sequence to the max padded length,
	// one sequence per micro-batch.
	Padding Method = iota // padding

	// UnbalancedPacking splits the batch evenly (by number of sequences) across replicas, and packs each
	// replica's sequences greedily up to the replica's max sequence length.
	UnbalancedPacking // unbalanced

	// GreedyStaticPacking balances tokens across replicas and greedily packs them into micro-batches
	// padded to the max padded length.
	GreedyStaticPacking // greedy_static

	// GreedyDynamicPacking is like GreedyStaticPacking, but micro-batches are only padded to the alignment.
	GreedyDynamicPacking // greedy_dynamic

	// HydraulisPacking assigns sequences to replicas according to each replica's max sequence length and
	// cost model, minimizing the estimated step time, and packs each replica to its own capacity.
	HydraulisPacking // hydraulis
)

// StaticShape returns whether the micro-batches of the method are padded to a fixed length.
func (m Method) StaticShape() bool {
	return m == Padding || m == GreedyStaticPacking
}

// SingleStrategy returns whether the method can only be used with one candidate strategy, because it
// doesn't rank strategies.
func (m Method) SingleStrategy() bool {
	return m == Padding || m == UnbalancedPacking
}

// NeedsMaxPaddedSeqLen returns whether the method requires a max padded sequence length.
func (m Method) NeedsMaxPaddedSeqLen() bool {
	return m == Padding || m == GreedyStaticPacking || m == GreedyDynamicPacking
}

// ParseMethod accepts either the method number (0 to 4) or its name.
func ParseMethod(s string) (Method, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		m := Method(n)
		if !m.IsAMethod() {
			return 0, errors.Errorf("invalid batching method %d, valid values are 0 to %d", n, HydraulisPacking)
		}
		return m, nil
	}
	m, err := MethodString(s)
	if err != nil {
		return 0, errors.Errorf("unknown batching method %q, valid values are %q (or 0 to %d)", s, MethodStrings(), HydraulisPacking)
	}
	return m, nil
}
