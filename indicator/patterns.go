package indicator

import (
	"math"

	"github.com/sigscan/sigscan/core"
)

// Candlestick pattern kinds. Pattern series follow the classic convention:
// +100 at a bullish completion bar, -100 at a bearish one, 0 elsewhere.
const (
	PatternEngulfing    = "cdl_engulfing"
	PatternHammer       = "cdl_hammer"
	PatternShootingStar = "cdl_shooting_star"
	PatternDoji         = "cdl_doji"
	PatternMorningStar  = "cdl_morning_star"
	PatternEveningStar  = "cdl_evening_star"
	PatternHarami       = "cdl_harami"
)

func isKnownPattern(kind string) bool {
	switch kind {
	case PatternEngulfing, PatternHammer, PatternShootingStar, PatternDoji,
		PatternMorningStar, PatternEveningStar, PatternHarami:
		return true
	}
	return false
}

func computePattern(kind string, candles []core.Candle) core.Series[float64] {
	out := make(core.Series[float64], len(candles))
	for i := range out {
		if i < 2 {
			out[i] = math.NaN()
			continue
		}
		out[i] = patternAt(kind, candles, i)
	}
	return out
}

func patternAt(kind string, candles []core.Candle, i int) float64 {
	c := candles[i]
	prev := candles[i-1]

	switch kind {
	case PatternEngulfing:
		if isBullishEngulfing(prev, c) {
			return 100
		}
		if isBearishEngulfing(prev, c) {
			return -100
		}

	case PatternHammer:
		if isHammer(c) {
			return 100
		}

	case PatternShootingStar:
		if isShootingStar(c) {
			return -100
		}

	case PatternDoji:
		if isDoji(c) {
			return 100
		}

	case PatternMorningStar:
		if isMorningStar(candles[i-2], prev, c) {
			return 100
		}

	case PatternEveningStar:
		if isEveningStar(candles[i-2], prev, c) {
			return -100
		}

	case PatternHarami:
		if isBullishHarami(prev, c) {
			return 100
		}
		if isBearishHarami(prev, c) {
			return -100
		}
	}
	return 0
}

func body(c core.Candle) float64     { return math.Abs(c.Close - c.Open) }
func bullish(c core.Candle) bool     { return c.Close > c.Open }
func bearish(c core.Candle) bool     { return c.Close < c.Open }
func upperWick(c core.Candle) float64 { return c.High - math.Max(c.Open, c.Close) }
func lowerWick(c core.Candle) float64 { return math.Min(c.Open, c.Close) - c.Low }

// isBullishEngulfing: a bearish candle fully engulfed by the next bullish one
func isBullishEngulfing(prev, c core.Candle) bool {
	return bearish(prev) && bullish(c) &&
		c.Open <= prev.Close && c.Close >= prev.Open &&
		body(c) > body(prev)
}

func isBearishEngulfing(prev, c core.Candle) bool {
	return bullish(prev) && bearish(c) &&
		c.Open >= prev.Close && c.Close <= prev.Open &&
		body(c) > body(prev)
}

// isHammer: small body at the top with a lower wick at least twice the body
func isHammer(c core.Candle) bool {
	b := body(c)
	return b > 0 && lowerWick(c) >= 2*b && upperWick(c) <= b*0.5
}

func isShootingStar(c core.Candle) bool {
	b := body(c)
	return b > 0 && upperWick(c) >= 2*b && lowerWick(c) <= b*0.5
}

// isDoji: body below 10% of the bar range
func isDoji(c core.Candle) bool {
	rng := c.High - c.Low
	return rng > 0 && body(c) <= rng*0.1
}

func isMorningStar(c1, c2, c3 core.Candle) bool {
	return bearish(c1) && body(c2) < body(c1)*0.5 && bullish(c3) &&
		c3.Close > (c1.Open+c1.Close)/2
}

func isEveningStar(c1, c2, c3 core.Candle) bool {
	return bullish(c1) && body(c2) < body(c1)*0.5 && bearish(c3) &&
		c3.Close < (c1.Open+c1.Close)/2
}

// isBullishHarami: small bullish body inside the prior bearish body
func isBullishHarami(prev, c core.Candle) bool {
	return bearish(prev) && bullish(c) &&
		c.Open > prev.Close && c.Close < prev.Open
}

func isBearishHarami(prev, c core.Candle) bool {
	return bullish(prev) && bearish(c) &&
		c.Open < prev.Close && c.Close > prev.Open
}
