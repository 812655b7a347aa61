package core

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Series is a time series of ordered values aligned 1:1 with a candle
// sequence. Indicator warmup bars hold NaN.
type Series[T constraints.Ordered] []T

// Last returns the value at a specified position from the end
// position 0 is the last value, 1 is the second-to-last, etc.
func (s Series[T]) Last(position int) T {
	return s[len(s)-1-position]
}

// Crossover detects a transition of this series above the reference series
// between bar i-1 and bar i. NaN values never cross.
func (s Series[T]) Crossover(ref Series[T], i int) bool {
	if i < 1 || i >= len(s) || i >= len(ref) {
		return false
	}
	return s[i-1] < ref[i-1] && s[i] >= ref[i]
}

// Crossunder detects a transition of this series below the reference series
// between bar i-1 and bar i
func (s Series[T]) Crossunder(ref Series[T], i int) bool {
	if i < 1 || i >= len(s) || i >= len(ref) {
		return false
	}
	return s[i-1] > ref[i-1] && s[i] <= ref[i]
}

// Valid reports whether the value at index i is present and usable.
// Warmup bars carry NaN and are never evaluated.
func Valid(s Series[float64], i int) bool {
	return i >= 0 && i < len(s) && !math.IsNaN(s[i])
}

// ValidAll reports whether every series has a usable value at index i
func ValidAll(i int, series ...Series[float64]) bool {
	for _, s := range series {
		if !Valid(s, i) {
			return false
		}
	}
	return true
}
