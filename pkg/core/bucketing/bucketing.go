// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bucketing provides strategies to round sequence lengths, used to align the padded length of
// packed micro-batches and the maximum sequence length of each parallel strategy.
//
// Padding packed rows to a few distinct lengths reduces the number of unique shapes the
// computation graph sees, trading some wasted tokens for fewer graph specializations.
//
//   - Linear: multiples of a step size, typically the alignment (128, 256, 384, ...).
//   - Pow2: powers of 2 (1, 2, 4, 8, ...).
//   - None: no rounding.
package bucketing

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Strategy rounds lengths.
//
// Implementations return non-positive values unchanged, and Up(n) >= n >= Down(n) for positive n.
type Strategy interface {
	// Up returns the smallest bucket >= n.
	Up(n int) int

	// Down returns the largest bucket <= n, or 0 if there is none.
	Down(n int) int
}

// LinearStrategy rounds lengths to multiples of Step.
//
// Example with step=128: Up(1)=128, Up(128)=128, Up(129)=256, Down(255)=128, Down(100)=0.
type LinearStrategy struct {
	Step int
}

// Linear returns a linear bucketing strategy with the given step size.
func Linear(step int) Strategy {
	if step <= 0 {
		step = 1
	}
	return LinearStrategy{Step: step}
}

// Up implements Strategy.
func (b LinearStrategy) Up(n int) int {
	if n <= 0 {
		return n
	}
	return ((n + b.Step - 1) / b.Step) * b.Step
}

// Down implements Strategy.
func (b LinearStrategy) Down(n int) int {
	if n <= 0 {
		return n
	}
	return (n / b.Step) * b.Step
}

// Pow2Strategy rounds lengths to powers of 2.
type Pow2Strategy struct{}

// Pow2 returns a power-of-2 bucketing strategy.
func Pow2() Strategy {
	return Pow2Strategy{}
}

// Up implements Strategy.
func (Pow2Strategy) Up(n int) int {
	if n <= 1 {
		return n
	}
	v := uint64(n - 1)
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return int(v + 1)
}

// Down implements Strategy.
func (Pow2Strategy) Down(n int) int {
	if n <= 1 {
		return n
	}
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}

// NoneStrategy returns lengths unchanged.
type NoneStrategy struct{}

// None returns a no-op bucketing strategy.
func None() Strategy {
	return NoneStrategy{}
}

// Up implements Strategy.
func (NoneStrategy) Up(n int) int { return n }

// Down implements Strategy.
func (NoneStrategy) Down(n int) int { return n }

// Parse a strategy name: "none", "pow2", or "linear" / "linear:<step>".
// A "linear" without a step uses defaultStep.
func Parse(name string, defaultStep int) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "" || name == "linear":
		return Linear(defaultStep), nil
	case name == "none":
		return None(), nil
	case name == "pow2":
		return Pow2(), nil
	case strings.HasPrefix(name, "linear:"):
		step, err := strconv.Atoi(strings.TrimPrefix(name, "linear:"))
		if err != nil || step <= 0 {
			return nil, errors.Errorf("invalid step in bucketing strategy %q", name)
		}
		return Linear(step), nil
	}
	return nil, errors.Errorf("unknown bucketing strategy %q, valid values are \"none\", \"pow2\", \"linear\" or \"linear:<step>\"", name)
}
