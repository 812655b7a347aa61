package signal

import (
	"math"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
)

// conditions is the registry of every named condition an indicator kind
// exposes, keyed by (type, value). Strengths are calibrated 0..100: a
// deeper oversold reading or a stronger volume ratio scores higher.
var conditions = map[string]map[string]condition{
	indicator.KindRSI: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			rsi, os := c.at("rsi"), c.param("oversold", 30)
			return valid(rsi) && rsi < os, 50 + (os-rsi)*2.5, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			rsi, ob := c.at("rsi"), c.param("overbought", 70)
			return valid(rsi) && rsi > ob, 50 + (rsi-ob)*2.5, core.DirectionShort
		}),
		"oversold_entry": event(func(c evalContext) (bool, float64, core.Direction) {
			rsi, prev, os := c.at("rsi"), c.prev("rsi"), c.param("oversold", 30)
			return valid(rsi, prev) && prev >= os && rsi < os, 60 + (os-rsi)*2, core.DirectionLong
		}),
		"oversold_exit": event(func(c evalContext) (bool, float64, core.Direction) {
			rsi, prev, os := c.at("rsi"), c.prev("rsi"), c.param("oversold", 30)
			return valid(rsi, prev) && prev < os && rsi >= os, 65 + (rsi-os), core.DirectionLong
		}),
		"overbought_entry": event(func(c evalContext) (bool, float64, core.Direction) {
			rsi, prev, ob := c.at("rsi"), c.prev("rsi"), c.param("overbought", 70)
			return valid(rsi, prev) && prev <= ob && rsi > ob, 60 + (rsi-ob)*2, core.DirectionShort
		}),
	},

	indicator.KindMACD: {
		"bullish_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			m, s := c.at("macd"), c.at("macd.signal")
			fired := crossUp(c.prev("macd"), c.prev("macd.signal"), m, s)
			return fired, 65 + histStrength(m-s, c.close(0)), core.DirectionLong
		}),
		"bearish_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			m, s := c.at("macd"), c.at("macd.signal")
			fired := crossDown(c.prev("macd"), c.prev("macd.signal"), m, s)
			return fired, 65 + histStrength(s-m, c.close(0)), core.DirectionShort
		}),
		"positive_histogram": state(func(c evalContext) (bool, float64, core.Direction) {
			h := c.at("macd.hist")
			return valid(h) && h > 0, 50 + histStrength(h, c.close(0)), core.DirectionLong
		}),
		"negative_histogram": state(func(c evalContext) (bool, float64, core.Direction) {
			h := c.at("macd.hist")
			return valid(h) && h < 0, 50 + histStrength(-h, c.close(0)), core.DirectionShort
		}),
	},

	indicator.KindBollinger: {
		"price_below_lower": state(func(c evalContext) (bool, float64, core.Direction) {
			lower, mid := c.at("bollinger.lower"), c.at("bollinger.middle")
			price := c.close(0)
			return valid(lower) && price < lower, 55 + bandDepth(lower-price, mid-lower), core.DirectionLong
		}),
		"price_above_upper": state(func(c evalContext) (bool, float64, core.Direction) {
			upper, mid := c.at("bollinger.upper"), c.at("bollinger.middle")
			price := c.close(0)
			return valid(upper) && price > upper, 55 + bandDepth(price-upper, upper-mid), core.DirectionShort
		}),
		"reentry_from_lower": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.close(1), c.prev("bollinger.lower"), c.close(0), c.at("bollinger.lower"))
			return fired, 70, core.DirectionLong
		}),
		"reentry_from_upper": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.close(1), c.prev("bollinger.upper"), c.close(0), c.at("bollinger.upper"))
			return fired, 70, core.DirectionShort
		}),
	},

	indicator.KindEMA: {
		"price_above":      priceVersus("ema", true),
		"price_below":      priceVersus("ema", false),
		"price_cross_up":   priceCross("ema", true),
		"price_cross_down": priceCross("ema", false),
	},

	indicator.KindMA200: {
		"price_above":      priceVersus("ma200", true),
		"price_below":      priceVersus("ma200", false),
		"price_cross_up":   priceCross("ma200", true),
		"price_cross_down": priceCross("ma200", false),
	},

	indicator.KindStochastic: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			k, os := c.at("stochastic.k"), c.param("oversold", 20)
			return valid(k) && k < os, 50 + (os-k)*2, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			k, ob := c.at("stochastic.k"), c.param("overbought", 80)
			return valid(k) && k > ob, 50 + (k-ob)*2, core.DirectionShort
		}),
		"bullish_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("stochastic.k"), c.prev("stochastic.d"), c.at("stochastic.k"), c.at("stochastic.d"))
			// A cross in the oversold zone is the textbook setup
			bonus := 0.0
			if c.at("stochastic.k") < c.param("oversold", 20)+10 {
				bonus = 15
			}
			return fired, 60 + bonus, core.DirectionLong
		}),
		"bearish_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.prev("stochastic.k"), c.prev("stochastic.d"), c.at("stochastic.k"), c.at("stochastic.d"))
			bonus := 0.0
			if c.at("stochastic.k") > c.param("overbought", 80)-10 {
				bonus = 15
			}
			return fired, 60 + bonus, core.DirectionShort
		}),
	},

	indicator.KindIchimoku: {
		"price_above_cloud": state(func(c evalContext) (bool, float64, core.Direction) {
			a, b := c.at("ichimoku.senkou_a"), c.at("ichimoku.senkou_b")
			price := c.close(0)
			return valid(a, b) && price > math.Max(a, b), 60, core.DirectionLong
		}),
		"price_below_cloud": state(func(c evalContext) (bool, float64, core.Direction) {
			a, b := c.at("ichimoku.senkou_a"), c.at("ichimoku.senkou_b")
			price := c.close(0)
			return valid(a, b) && price < math.Min(a, b), 60, core.DirectionShort
		}),
		"tenkan_kijun_cross_bull": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("ichimoku.tenkan"), c.prev("ichimoku.kijun"), c.at("ichimoku.tenkan"), c.at("ichimoku.kijun"))
			return fired, 70, core.DirectionLong
		}),
		"tenkan_kijun_cross_bear": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.prev("ichimoku.tenkan"), c.prev("ichimoku.kijun"), c.at("ichimoku.tenkan"), c.at("ichimoku.kijun"))
			return fired, 70, core.DirectionShort
		}),
	},

	indicator.KindATR: {
		"rising": state(func(c evalContext) (bool, float64, core.Direction) {
			atr, prev := c.at("atr"), c.prev("atr")
			return valid(atr, prev) && atr > prev, 50 + ratioStrength(atr, prev, 25), core.DirectionNeutral
		}),
		"contracting": state(func(c evalContext) (bool, float64, core.Direction) {
			atr, prev := c.at("atr"), c.prev("atr")
			return valid(atr, prev) && atr < prev, 50 + ratioStrength(prev, atr, 25), core.DirectionNeutral
		}),
	},

	indicator.KindADX: {
		"strong_trend": state(func(c evalContext) (bool, float64, core.Direction) {
			adx, threshold := c.at("adx"), c.param("threshold", 25)
			return valid(adx) && adx > threshold, 50 + (adx-threshold)*1.5, core.DirectionNeutral
		}),
		"weak_trend": state(func(c evalContext) (bool, float64, core.Direction) {
			adx, threshold := c.at("adx"), c.param("threshold", 20)
			return valid(adx) && adx < threshold, 50 + (threshold-adx)*1.5, core.DirectionNeutral
		}),
		"bullish_di_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("adx.plus_di"), c.prev("adx.minus_di"), c.at("adx.plus_di"), c.at("adx.minus_di"))
			return fired, 65, core.DirectionLong
		}),
		"bearish_di_cross": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.prev("adx.plus_di"), c.prev("adx.minus_di"), c.at("adx.plus_di"), c.at("adx.minus_di"))
			return fired, 65, core.DirectionShort
		}),
	},

	indicator.KindVolume: {
		"spike": state(func(c evalContext) (bool, float64, core.Direction) {
			ratio, threshold := c.at("volume.ratio"), c.param("threshold", 2)
			return valid(ratio) && ratio > threshold, 50 + (ratio-threshold)*20, core.DirectionNeutral
		}),
		"above_average": state(func(c evalContext) (bool, float64, core.Direction) {
			ratio := c.at("volume.ratio")
			return valid(ratio) && ratio > 1, 40 + (ratio-1)*20, core.DirectionNeutral
		}),
	},

	indicator.KindOBV: {
		"rising": state(func(c evalContext) (bool, float64, core.Direction) {
			obv, sma := c.at("obv"), c.at("obv.sma")
			return valid(obv, sma) && obv > sma, 55, core.DirectionLong
		}),
		"falling": state(func(c evalContext) (bool, float64, core.Direction) {
			obv, sma := c.at("obv"), c.at("obv.sma")
			return valid(obv, sma) && obv < sma, 55, core.DirectionShort
		}),
		"cross_up": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("obv"), c.prev("obv.sma"), c.at("obv"), c.at("obv.sma"))
			return fired, 65, core.DirectionLong
		}),
	},

	indicator.KindMFI: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			mfi, os := c.at("mfi"), c.param("oversold", 20)
			return valid(mfi) && mfi < os, 50 + (os-mfi)*2.5, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			mfi, ob := c.at("mfi"), c.param("overbought", 80)
			return valid(mfi) && mfi > ob, 50 + (mfi-ob)*2.5, core.DirectionShort
		}),
	},

	indicator.KindCMF: {
		"positive": state(func(c evalContext) (bool, float64, core.Direction) {
			cmf, threshold := c.at("cmf"), c.param("threshold", 0.05)
			return valid(cmf) && cmf > threshold, 50 + cmf*200, core.DirectionLong
		}),
		"negative": state(func(c evalContext) (bool, float64, core.Direction) {
			cmf, threshold := c.at("cmf"), c.param("threshold", 0.05)
			return valid(cmf) && cmf < -threshold, 50 - cmf*200, core.DirectionShort
		}),
	},

	indicator.KindCCI: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			cci, os := c.at("cci"), c.param("oversold", -100)
			return valid(cci) && cci < os, 50 + (os-cci)*0.25, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			cci, ob := c.at("cci"), c.param("overbought", 100)
			return valid(cci) && cci > ob, 50 + (cci-ob)*0.25, core.DirectionShort
		}),
		"zero_cross_up": event(func(c evalContext) (bool, float64, core.Direction) {
			return crossUp(c.prev("cci"), 0, c.at("cci"), 0), 60, core.DirectionLong
		}),
	},

	indicator.KindPSAR: {
		"bullish": state(func(c evalContext) (bool, float64, core.Direction) {
			psar := c.at("psar")
			return valid(psar) && c.close(0) > psar, 55, core.DirectionLong
		}),
		"bearish": state(func(c evalContext) (bool, float64, core.Direction) {
			psar := c.at("psar")
			return valid(psar) && c.close(0) < psar, 55, core.DirectionShort
		}),
		"flip_bullish": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.close(1), c.prev("psar"), c.close(0), c.at("psar"))
			return fired, 70, core.DirectionLong
		}),
		"flip_bearish": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.close(1), c.prev("psar"), c.close(0), c.at("psar"))
			return fired, 70, core.DirectionShort
		}),
	},

	indicator.KindKeltner: {
		"price_below_lower": state(func(c evalContext) (bool, float64, core.Direction) {
			lower := c.at("keltner.lower")
			return valid(lower) && c.close(0) < lower, 60, core.DirectionLong
		}),
		"price_above_upper": state(func(c evalContext) (bool, float64, core.Direction) {
			upper := c.at("keltner.upper")
			return valid(upper) && c.close(0) > upper, 60, core.DirectionShort
		}),
		"breakout_upper": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.close(1), c.prev("keltner.upper"), c.close(0), c.at("keltner.upper"))
			return fired, 70, core.DirectionLong
		}),
	},

	indicator.KindDonchian: {
		"breakout_upper": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.close(1), c.prev("donchian.upper"), c.close(0), c.at("donchian.upper"))
			return fired, 70, core.DirectionLong
		}),
		"breakout_lower": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossDown(c.close(1), c.prev("donchian.lower"), c.close(0), c.at("donchian.lower"))
			return fired, 70, core.DirectionShort
		}),
		"above_middle": state(func(c evalContext) (bool, float64, core.Direction) {
			mid := c.at("donchian.middle")
			return valid(mid) && c.close(0) > mid, 50, core.DirectionLong
		}),
	},

	indicator.KindROC: {
		"positive": state(func(c evalContext) (bool, float64, core.Direction) {
			roc := c.at("roc")
			return valid(roc) && roc > 0, 50 + roc*5, core.DirectionLong
		}),
		"negative": state(func(c evalContext) (bool, float64, core.Direction) {
			roc := c.at("roc")
			return valid(roc) && roc < 0, 50 - roc*5, core.DirectionShort
		}),
		"zero_cross_up": event(func(c evalContext) (bool, float64, core.Direction) {
			return crossUp(c.prev("roc"), 0, c.at("roc"), 0), 60, core.DirectionLong
		}),
	},

	indicator.KindCMO: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			cmo, os := c.at("cmo"), c.param("oversold", -50)
			return valid(cmo) && cmo < os, 50 + (os-cmo)*0.8, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			cmo, ob := c.at("cmo"), c.param("overbought", 50)
			return valid(cmo) && cmo > ob, 50 + (cmo-ob)*0.8, core.DirectionShort
		}),
	},

	indicator.KindTEMA: {
		"price_above":    priceVersus("tema", true),
		"price_cross_up": priceCross("tema", true),
	},

	indicator.KindDEMA: {
		"price_above":    priceVersus("dema", true),
		"price_cross_up": priceCross("dema", true),
	},

	indicator.KindHMA: {
		"price_above":    priceVersus("hma", true),
		"price_cross_up": priceCross("hma", true),
		"rising": state(func(c evalContext) (bool, float64, core.Direction) {
			hma, prev := c.at("hma"), c.prev("hma")
			return valid(hma, prev) && hma > prev, 55, core.DirectionLong
		}),
	},

	indicator.KindWMA: {
		"price_above":    priceVersus("wma", true),
		"price_cross_up": priceCross("wma", true),
	},

	indicator.KindAwesomeOscillator: {
		"zero_cross_up": event(func(c evalContext) (bool, float64, core.Direction) {
			return crossUp(c.prev("awesome_oscillator"), 0, c.at("awesome_oscillator"), 0), 65, core.DirectionLong
		}),
		"zero_cross_down": event(func(c evalContext) (bool, float64, core.Direction) {
			return crossDown(c.prev("awesome_oscillator"), 0, c.at("awesome_oscillator"), 0), 65, core.DirectionShort
		}),
		"positive": state(func(c evalContext) (bool, float64, core.Direction) {
			ao := c.at("awesome_oscillator")
			return valid(ao) && ao > 0, 50, core.DirectionLong
		}),
	},

	indicator.KindWilliamsR: {
		"oversold": state(func(c evalContext) (bool, float64, core.Direction) {
			wr, os := c.at("williams_r"), c.param("oversold", -80)
			return valid(wr) && wr < os, 50 + (os-wr)*2.5, core.DirectionLong
		}),
		"overbought": state(func(c evalContext) (bool, float64, core.Direction) {
			wr, ob := c.at("williams_r"), c.param("overbought", -20)
			return valid(wr) && wr > ob, 50 + (wr-ob)*2.5, core.DirectionShort
		}),
	},

	indicator.KindBBW: {
		"squeeze": state(func(c evalContext) (bool, float64, core.Direction) {
			bbw, threshold := c.at("bbw"), c.param("threshold", 4)
			return valid(bbw) && bbw < threshold, 50 + (threshold-bbw)*10, core.DirectionNeutral
		}),
		"expanding": state(func(c evalContext) (bool, float64, core.Direction) {
			bbw, prev := c.at("bbw"), c.prev("bbw")
			return valid(bbw, prev) && bbw > prev, 50 + ratioStrength(bbw, prev, 25), core.DirectionNeutral
		}),
	},

	indicator.KindTTMSqueeze: {
		"squeeze_on": state(func(c evalContext) (bool, float64, core.Direction) {
			on := c.at("ttm_squeeze.on")
			return valid(on) && on == 1, 55, core.DirectionNeutral
		}),
		"squeeze_fire": event(func(c evalContext) (bool, float64, core.Direction) {
			on, prev := c.at("ttm_squeeze.on"), c.prev("ttm_squeeze.on")
			momentum := c.at("ttm_squeeze.momentum")
			fired := valid(on, prev, momentum) && prev == 1 && on == 0 && momentum > 0
			return fired, 75, core.DirectionLong
		}),
		"squeeze_fire_bearish": event(func(c evalContext) (bool, float64, core.Direction) {
			on, prev := c.at("ttm_squeeze.on"), c.prev("ttm_squeeze.on")
			momentum := c.at("ttm_squeeze.momentum")
			fired := valid(on, prev, momentum) && prev == 1 && on == 0 && momentum < 0
			return fired, 75, core.DirectionShort
		}),
	},

	indicator.KindADLine: {
		"rising": state(func(c evalContext) (bool, float64, core.Direction) {
			ad, sma := c.at("ad_line"), c.at("ad_line.sma")
			return valid(ad, sma) && ad > sma, 55, core.DirectionLong
		}),
		"cross_up": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("ad_line"), c.prev("ad_line.sma"), c.at("ad_line"), c.at("ad_line.sma"))
			return fired, 65, core.DirectionLong
		}),
	},

	indicator.KindMARibbon: {
		"aligned_bullish": state(func(c evalContext) (bool, float64, core.Direction) {
			fast, mid, slow := c.at("ma_ribbon.fast"), c.at("ma_ribbon.mid"), c.at("ma_ribbon.slow")
			return valid(fast, mid, slow) && fast > mid && mid > slow, 65, core.DirectionLong
		}),
		"aligned_bearish": state(func(c evalContext) (bool, float64, core.Direction) {
			fast, mid, slow := c.at("ma_ribbon.fast"), c.at("ma_ribbon.mid"), c.at("ma_ribbon.slow")
			return valid(fast, mid, slow) && fast < mid && mid < slow, 65, core.DirectionShort
		}),
		"cross_bullish": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.prev("ma_ribbon.fast"), c.prev("ma_ribbon.mid"), c.at("ma_ribbon.fast"), c.at("ma_ribbon.mid"))
			return fired, 65, core.DirectionLong
		}),
	},

	indicator.KindSupportResistance: {
		"at_support": state(func(c evalContext) (bool, float64, core.Direction) {
			support := c.at("support_resistance.support")
			tol := c.param("tolerance", 0.5) / 100
			price := c.low()
			return valid(support) && support > 0 && price <= support*(1+tol), 60, core.DirectionLong
		}),
		"at_resistance": state(func(c evalContext) (bool, float64, core.Direction) {
			resistance := c.at("support_resistance.resistance")
			tol := c.param("tolerance", 0.5) / 100
			price := c.high()
			return valid(resistance) && price >= resistance*(1-tol), 60, core.DirectionShort
		}),
		"breakout_resistance": event(func(c evalContext) (bool, float64, core.Direction) {
			fired := crossUp(c.close(1), c.prev("support_resistance.resistance"), c.close(0), c.at("support_resistance.resistance"))
			return fired, 70, core.DirectionLong
		}),
	},

	indicator.KindPivot: {
		"above_pivot": state(func(c evalContext) (bool, float64, core.Direction) {
			pp := c.at("pivot.p")
			return valid(pp) && c.close(0) > pp, 50, core.DirectionLong
		}),
		"below_pivot": state(func(c evalContext) (bool, float64, core.Direction) {
			pp := c.at("pivot.p")
			return valid(pp) && c.close(0) < pp, 50, core.DirectionShort
		}),
		"near_s1": state(func(c evalContext) (bool, float64, core.Direction) {
			s1 := c.at("pivot.s1")
			tol := c.param("tolerance", 0.5) / 100
			return valid(s1) && s1 > 0 && math.Abs(c.close(0)-s1)/s1 <= tol, 60, core.DirectionLong
		}),
	},

	indicator.PatternEngulfing:    patternConditions(indicator.PatternEngulfing),
	indicator.PatternHammer:       patternConditions(indicator.PatternHammer),
	indicator.PatternShootingStar: patternConditions(indicator.PatternShootingStar),
	indicator.PatternDoji:         patternConditions(indicator.PatternDoji),
	indicator.PatternMorningStar:  patternConditions(indicator.PatternMorningStar),
	indicator.PatternEveningStar:  patternConditions(indicator.PatternEveningStar),
	indicator.PatternHarami:       patternConditions(indicator.PatternHarami),
}

func state(eval func(c evalContext) (bool, float64, core.Direction)) condition {
	return condition{class: core.SignalClassState, eval: eval}
}

func event(eval func(c evalContext) (bool, float64, core.Direction)) condition {
	return condition{class: core.SignalClassEvent, eval: eval}
}

// priceVersus builds a state condition comparing close against a single
// moving-average style series
func priceVersus(series string, above bool) condition {
	return state(func(c evalContext) (bool, float64, core.Direction) {
		v := c.at(series)
		price := c.close(0)
		if !valid(v) {
			return false, 0, core.DirectionNeutral
		}
		if above {
			return price > v, 50 + ratioStrength(price, v, 20), core.DirectionLong
		}
		return price < v, 50 + ratioStrength(v, price, 20), core.DirectionShort
	})
}

// priceCross builds an event condition on close crossing a series
func priceCross(series string, up bool) condition {
	return event(func(c evalContext) (bool, float64, core.Direction) {
		if up {
			return crossUp(c.close(1), c.prev(series), c.close(0), c.at(series)), 65, core.DirectionLong
		}
		return crossDown(c.close(1), c.prev(series), c.close(0), c.at(series)), 65, core.DirectionShort
	})
}

// patternConditions exposes bullish/bearish completions of one pattern kind
func patternConditions(kind string) map[string]condition {
	return map[string]condition{
		"bullish": event(func(c evalContext) (bool, float64, core.Direction) {
			v := c.at(kind)
			return valid(v) && v > 0, 70, core.DirectionLong
		}),
		"bearish": event(func(c evalContext) (bool, float64, core.Direction) {
			v := c.at(kind)
			return valid(v) && v < 0, 70, core.DirectionShort
		}),
	}
}

// histStrength scales a price-relative oscillator value into extra points
func histStrength(diff, price float64) float64 {
	if !valid(diff, price) || price <= 0 {
		return 0
	}
	return math.Min(25, math.Abs(diff)/price*10_000)
}

// bandDepth scales how far price moved past a band, relative to band width
func bandDepth(past, width float64) float64 {
	if !valid(past, width) || width <= 0 {
		return 0
	}
	return math.Min(30, past/width*60)
}

// ratioStrength scales a/b-1 into at most limit extra points
func ratioStrength(a, b, limit float64) float64 {
	if !valid(a, b) || b <= 0 {
		return 0
	}
	return math.Min(limit, (a/b-1)*100)
}
