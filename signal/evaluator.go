// Package signal maps (candle window, indicator series, signal spec) to
// match decisions with calibrated strengths, and defines the canonical
// signature for de-duplicating signal combinations.
package signal

import (
	"fmt"
	"math"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
)

// evalContext is everything a condition needs to evaluate one bar
type evalContext struct {
	candles []core.Candle
	set     indicator.Set
	params  map[string]float64
	i       int
}

func (c evalContext) close(offset int) float64 { return c.candles[c.i-offset].Close }
func (c evalContext) low() float64             { return c.candles[c.i].Low }
func (c evalContext) high() float64            { return c.candles[c.i].High }

// at reads series value at the current bar; NaN when missing
func (c evalContext) at(name string) float64 {
	return c.valueAt(name, 0)
}

// prev reads series value at the previous bar; NaN when missing
func (c evalContext) prev(name string) float64 {
	return c.valueAt(name, 1)
}

func (c evalContext) valueAt(name string, offset int) float64 {
	s := c.set.Get(name)
	idx := c.i - offset
	if s == nil || idx < 0 || idx >= len(s) {
		return math.NaN()
	}
	return s[idx]
}

func (c evalContext) param(key string, def float64) float64 {
	return indicator.ParamOr(c.params, key, def)
}

// condition is one named rule an indicator kind exposes
type condition struct {
	class core.SignalClass
	eval  func(c evalContext) (bool, float64, core.Direction)
}

// Evaluate evaluates one signal spec at bar i against precomputed indicator
// series. Signals that cannot be evaluated at the bar (warmup, unknown
// condition) return no match.
func Evaluate(spec core.SignalSpec, candles []core.Candle, set indicator.Set, i int) core.SignalResult {
	result := core.SignalResult{Spec: spec, Direction: core.DirectionNeutral}
	if i < 1 || i >= len(candles) {
		return result
	}

	cond, ok := lookup(spec)
	if !ok {
		return result
	}

	ctx := evalContext{candles: candles, set: set, params: spec.Parameters, i: i}
	matches, strength, direction := cond.eval(ctx)
	if !matches {
		return result
	}

	result.Matches = true
	result.Strength = clampStrength(strength)
	result.Direction = direction
	result.Details = fmt.Sprintf("%s.%s@%d", spec.Type, spec.Value, i)
	return result
}

// Class returns the evaluation class of a spec: event signals fire on a
// bar-to-bar transition, state signals on a standing condition.
func Class(spec core.SignalSpec) core.SignalClass {
	if cond, ok := lookup(spec); ok {
		return cond.class
	}
	return core.SignalClassState
}

// Known reports whether the (type, value) pair names a registered condition
func Known(spec core.SignalSpec) bool {
	_, ok := lookup(spec)
	return ok
}

// Validate rejects specs whose kind or condition is not registered. Used at
// strategy load time so malformed persisted rows never reach the scanner.
func Validate(specs []core.SignalSpec) error {
	if len(specs) == 0 {
		return core.ConfigErrorf("signal spec list is empty")
	}
	for _, spec := range specs {
		if !indicator.IsKnownKind(spec.Type) {
			return core.ConfigErrorf("unknown indicator kind %q", spec.Type)
		}
		if !Known(spec) {
			return core.ConfigErrorf("unknown condition %q for indicator %q", spec.Value, spec.Type)
		}
	}
	return nil
}

// CombinedStrength sums the strengths of matched signals
func CombinedStrength(results []core.SignalResult) float64 {
	var total float64
	for _, r := range results {
		if r.Matches {
			total += r.Strength
		}
	}
	return total
}

// DominantDirection resolves the direction of a matched set by majority;
// ties resolve to long (the scanner trades spot)
func DominantDirection(results []core.SignalResult) core.Direction {
	var long, short int
	for _, r := range results {
		if !r.Matches {
			continue
		}
		switch r.Direction {
		case core.DirectionLong:
			long++
		case core.DirectionShort:
			short++
		}
	}
	if short > long {
		return core.DirectionShort
	}
	return core.DirectionLong
}

func lookup(spec core.SignalSpec) (condition, bool) {
	byValue, ok := conditions[spec.Type]
	if !ok {
		return condition{}, false
	}
	cond, ok := byValue[spec.Value]
	return cond, ok
}

func clampStrength(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// valid reports whether all given values are usable numbers
func valid(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// crossUp detects a transition of a above b between the previous and
// current bar. NaN operands never cross, so warmup bars are implicitly
// rejected.
func crossUp(aPrev, bPrev, a, b float64) bool {
	return core.Series[float64]{aPrev, a}.Crossover(core.Series[float64]{bPrev, b}, 1)
}

func crossDown(aPrev, bPrev, a, b float64) bool {
	return core.Series[float64]{aPrev, a}.Crossunder(core.Series[float64]{bPrev, b}, 1)
}
