// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bucketing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearStrategy(t *testing.T) {
	tests := []struct {
		step, input, up, down int
	}{
		{128, 0, 0, 0},
		{128, -1, -1, -1},
		{128, 1, 128, 0},
		{128, 127, 128, 0},
		{128, 128, 128, 128},
		{128, 129, 256, 128},
		{128, 4095, 4096, 3968},
		{8, 17, 24, 16},
		{1, 5, 5, 5},
	}
	for _, tt := range tests {
		s := Linear(tt.step)
		if got := s.Up(tt.input); got != tt.up {
			t.Errorf("Linear(%d).Up(%d) = %d, want %d", tt.step, tt.input, got, tt.up)
		}
		if got := s.Down(tt.input); got != tt.down {
			t.Errorf("Linear(%d).Down(%d) = %d, want %d", tt.step, tt.input, got, tt.down)
		}
	}
	// Invalid steps default to 1.
	assert.Equal(t, 7, Linear(0).Up(7))
}

func TestPow2Strategy(t *testing.T) {
	s := Pow2()
	tests := []struct {
		input, up, down int
	}{
		{0, 0, 0},
		{1, 1, 1},
		{2, 2, 2},
		{3, 4, 2},
		{5, 8, 4},
		{100, 128, 64},
		{4096, 4096, 4096},
		{4097, 8192, 4096},
	}
	for _, tt := range tests {
		if got := s.Up(tt.input); got != tt.up {
			t.Errorf("Pow2.Up(%d) = %d, want %d", tt.input, got, tt.up)
		}
		if got := s.Down(tt.input); got != tt.down {
			t.Errorf("Pow2.Down(%d) = %d, want %d", tt.input, got, tt.down)
		}
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("", 128)
	require.NoError(t, err)
	assert.Equal(t, LinearStrategy{Step: 128}, s)

	s, err = Parse("linear:64", 128)
	require.NoError(t, err)
	assert.Equal(t, 128, s.Up(65))

	s, err = Parse("POW2", 128)
	require.NoError(t, err)
	assert.Equal(t, Pow2Strategy{}, s)

	s, err = Parse("none", 128)
	require.NoError(t, err)
	assert.Equal(t, 77, s.Up(77))

	_, err = Parse("linear:x", 128)
	require.Error(t, err)
	_, err = Parse("fibonacci", 128)
	require.Error(t, err)
}
