// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide a few generic helpers over slices of numbers used by the planner and the
// command-line tools.
package xslices

import (
	"cmp"
	"flag"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Sum returns the sum of all elements of slice.
func Sum[T Number](slice []T) (sum T) {
	for _, v := range slice {
		sum += v
	}
	return
}

// SumSquares returns the sum of the squares of all elements, accumulated in float64.
func SumSquares[T Number](slice []T) (sum float64) {
	for _, v := range slice {
		sum += float64(v) * float64(v)
	}
	return
}

// Max scans the slice and returns the maximum value, or the zero value for an empty slice.
func Max[T cmp.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, v := range slice {
		if max < v {
			max = v
		}
	}
	return
}

// Iota returns a slice of incremental values, starting with start and of length len.
// Eg: Iota(3, 2) -> []int{3, 4}
func Iota[T Number](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Gather returns slice[indices[0]], slice[indices[1]], ...
func Gather[T any](slice []T, indices []int) []T {
	out := make([]T, len(indices))
	for ii, idx := range indices {
		out[ii] = slice[idx]
	}
	return out
}

// ParseInts parses a comma-separated list of integers. Surrounding brackets and spaces are
// ignored, and "_" can be used as a digit separator, e.g.: "[1_024, 2048, 77]".
func ParseInts(listStr string) ([]int, error) {
	listStr = strings.TrimSpace(listStr)
	listStr = strings.TrimPrefix(listStr, "[")
	listStr = strings.TrimSuffix(listStr, "]")
	listStr = strings.TrimSpace(listStr)
	if listStr == "" {
		return []int{}, nil
	}
	parts := strings.Split(listStr, ",")
	values := make([]int, len(parts))
	for ii, part := range parts {
		part = strings.ReplaceAll(strings.TrimSpace(part), "_", "")
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse element #%d (%q) of list %q", ii, part, listStr)
		}
		values[ii] = v
	}
	return values, nil
}

// IntsFlag creates a flag for a []int, parsed with ParseInts.
func IntsFlag(name string, defaultValue []int, usage string) *[]int {
	f := &intsFlag{values: defaultValue}
	flag.Var(f, name, usage)
	return &f.values
}

type intsFlag struct {
	values []int
}

func (f *intsFlag) String() string {
	parts := Map(f.values, strconv.Itoa)
	return strings.Join(parts, ",")
}

func (f *intsFlag) Set(listStr string) error {
	values, err := ParseInts(listStr)
	if err != nil {
		return err
	}
	f.values = values
	return nil
}
