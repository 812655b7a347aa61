// Package regime labels candle windows with a market regime so backtest
// results can be split by the conditions they were earned in.
package regime

import (
	"math"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
)

const (
	fastPeriod = 50
	slowPeriod = 200
	adxPeriod  = 14

	trendThreshold = 25.0
	weakThreshold  = 20.0
)

// Classifier is the default trend/range classifier. It combines the fast
// and slow EMA relationship with ADX trend strength: EMAs give the
// direction, ADX decides whether that direction is tradeable or noise.
type Classifier struct{}

func NewClassifier() *Classifier { return &Classifier{} }

// Classify labels bar i of the window. Bars inside the slow EMA warmup
// return RegimeUnknown with zero confidence.
func (c *Classifier) Classify(candles []core.Candle, i int) core.RegimeClassification {
	unknown := core.RegimeClassification{Regime: core.RegimeUnknown}
	if i < 0 || i >= len(candles) || len(candles) <= slowPeriod {
		return unknown
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for j, candle := range candles {
		closes[j] = candle.Close
		highs[j] = candle.High
		lows[j] = candle.Low
	}

	fast := indicator.EMA(closes, fastPeriod)
	slow := indicator.EMA(closes, slowPeriod)
	adx := indicator.ADX(highs, lows, closes, adxPeriod)

	if i < slowPeriod || math.IsNaN(fast[i]) || math.IsNaN(slow[i]) {
		return unknown
	}

	strength := adx[i]
	if math.IsNaN(strength) {
		strength = 0
	}

	switch {
	case strength >= trendThreshold && fast[i] > slow[i]:
		return core.RegimeClassification{Regime: core.RegimeUptrend, Confidence: trendConfidence(strength)}
	case strength >= trendThreshold && fast[i] < slow[i]:
		return core.RegimeClassification{Regime: core.RegimeDowntrend, Confidence: trendConfidence(strength)}
	case strength < weakThreshold:
		return core.RegimeClassification{Regime: core.RegimeRanging, Confidence: rangeConfidence(strength)}
	default:
		// ADX in the 20..25 band is ambiguous; lean on the EMA slope
		if fast[i] > slow[i] {
			return core.RegimeClassification{Regime: core.RegimeUptrend, Confidence: 50}
		}
		return core.RegimeClassification{Regime: core.RegimeDowntrend, Confidence: 50}
	}
}

func trendConfidence(adx float64) float64 {
	return math.Min(100, 60+(adx-trendThreshold)*2)
}

func rangeConfidence(adx float64) float64 {
	return math.Min(100, 60+(weakThreshold-adx)*2.5)
}
