// Package indicator computes streaming indicator series over candle
// windows. The engine is a stateless pure function: given candles and the
// signal specs that reference indicator kinds, it produces one aligned
// series per component, with NaN on warmup bars.
package indicator

import (
	"math"
	"strings"

	"github.com/sigscan/sigscan/core"
)

// Indicator kind identifiers, as referenced by SignalSpec.Type
const (
	KindRSI               = "rsi"
	KindMACD              = "macd"
	KindBollinger         = "bollinger"
	KindEMA               = "ema"
	KindMA200             = "ma200"
	KindStochastic        = "stochastic"
	KindIchimoku          = "ichimoku"
	KindATR               = "atr"
	KindADX               = "adx"
	KindVolume            = "volume"
	KindOBV               = "obv"
	KindMFI               = "mfi"
	KindCMF               = "cmf"
	KindCCI               = "cci"
	KindPSAR              = "psar"
	KindKeltner           = "keltner"
	KindDonchian          = "donchian"
	KindROC               = "roc"
	KindCMO               = "cmo"
	KindTEMA              = "tema"
	KindDEMA              = "dema"
	KindHMA               = "hma"
	KindWMA               = "wma"
	KindAwesomeOscillator = "awesome_oscillator"
	KindWilliamsR         = "williams_r"
	KindBBW               = "bbw"
	KindTTMSqueeze        = "ttm_squeeze"
	KindADLine            = "ad_line"
	KindMARibbon          = "ma_ribbon"
	KindSupportResistance = "support_resistance"
	KindPivot             = "pivot"
)

// CandlePatternPrefix marks candlestick pattern kinds (cdl_engulfing, ...)
const CandlePatternPrefix = "cdl_"

// Set holds the computed series for one candle window, keyed by component
// name. Single-output kinds use their kind name; multi-output kinds expose
// suffixed components ("macd.signal", "bollinger.lower", ...).
type Set map[string]core.Series[float64]

// Get returns the named series, or nil when it was not computed
func (s Set) Get(name string) core.Series[float64] {
	return s[name]
}

// ParamOr reads a parameter override with a fallback default
func ParamOr(params map[string]float64, key string, def float64) float64 {
	if params == nil {
		return def
	}
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// IsKnownKind reports whether the engine can compute the given kind
func IsKnownKind(kind string) bool {
	if strings.HasPrefix(kind, CandlePatternPrefix) {
		return isKnownPattern(kind)
	}
	switch kind {
	case KindRSI, KindMACD, KindBollinger, KindEMA, KindMA200, KindStochastic,
		KindIchimoku, KindATR, KindADX, KindVolume, KindOBV, KindMFI, KindCMF,
		KindCCI, KindPSAR, KindKeltner, KindDonchian, KindROC, KindCMO,
		KindTEMA, KindDEMA, KindHMA, KindWMA, KindAwesomeOscillator,
		KindWilliamsR, KindBBW, KindTTMSqueeze, KindADLine, KindMARibbon,
		KindSupportResistance, KindPivot:
		return true
	}
	return false
}

// Warmup returns the number of leading bars the given spec needs before it
// can be evaluated
func Warmup(spec core.SignalSpec) int {
	p := spec.Parameters
	switch spec.Type {
	case KindRSI:
		return int(ParamOr(p, "period", 14)) + 1
	case KindMACD:
		return int(ParamOr(p, "slow_period", 26)+ParamOr(p, "signal_period", 9)) + 1
	case KindBollinger, KindBBW:
		return int(ParamOr(p, "period", 20)) + 1
	case KindEMA:
		return int(ParamOr(p, "period", 20)) + 1
	case KindMA200:
		return 201
	case KindStochastic:
		return int(ParamOr(p, "k_period", 14)+ParamOr(p, "d_period", 3)) + 3
	case KindIchimoku:
		return int(ParamOr(p, "senkou_b_period", 52)) + 1
	case KindATR, KindADX:
		return 2*int(ParamOr(p, "period", 14)) + 1
	case KindVolume:
		return int(ParamOr(p, "period", 20)) + 1
	case KindOBV, KindADLine:
		return int(ParamOr(p, "period", 20)) + 1
	case KindMFI, KindCMF, KindCCI, KindWilliamsR, KindROC, KindCMO, KindWMA, KindDonchian, KindSupportResistance:
		return int(ParamOr(p, "period", defaultPeriod(spec.Type))) + 1
	case KindPSAR:
		return 3
	case KindKeltner, KindTTMSqueeze:
		return int(math.Max(ParamOr(p, "period", 20), 2*ParamOr(p, "atr_period", 14))) + 1
	case KindTEMA, KindDEMA:
		return 3*int(ParamOr(p, "period", 20)) + 1
	case KindHMA:
		return int(ParamOr(p, "period", 20)) + int(math.Sqrt(ParamOr(p, "period", 20))) + 1
	case KindAwesomeOscillator:
		return 35
	case KindMARibbon:
		return int(ParamOr(p, "slow_period", 50)) + 1
	case KindPivot:
		return 2
	}
	if strings.HasPrefix(spec.Type, CandlePatternPrefix) {
		return 3
	}
	return 1
}

// MaxWarmup returns the largest warmup across all specs
func MaxWarmup(specs []core.SignalSpec) int {
	max := 0
	for _, spec := range specs {
		if w := Warmup(spec); w > max {
			max = w
		}
	}
	return max
}

func defaultPeriod(kind string) float64 {
	switch kind {
	case KindMFI, KindWilliamsR:
		return 14
	case KindCMF, KindCCI, KindDonchian, KindSupportResistance:
		return 20
	case KindROC:
		return 12
	case KindCMO:
		return 14
	case KindWMA:
		return 20
	}
	return 14
}

// Compute derives every series required by the given specs from the candle
// window. Unknown kinds yield a ConfigError. The engine reads no global
// state.
func Compute(candles []core.Candle, specs []core.SignalSpec) (Set, error) {
	n := len(candles)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	volume := make([]float64, n)
	for i, c := range candles {
		open[i] = c.Open
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
		volume[i] = c.Volume
	}

	out := make(Set)

	// Merge parameters per kind; a later spec overrides an earlier one.
	paramsByKind := make(map[string]map[string]float64)
	for _, spec := range specs {
		if !IsKnownKind(spec.Type) {
			return nil, core.ConfigErrorf("unknown indicator kind %q", spec.Type)
		}
		merged, ok := paramsByKind[spec.Type]
		if !ok {
			merged = make(map[string]float64)
			paramsByKind[spec.Type] = merged
		}
		for k, v := range spec.Parameters {
			merged[k] = v
		}
	}

	for kind, p := range paramsByKind {
		if strings.HasPrefix(kind, CandlePatternPrefix) {
			out[kind] = computePattern(kind, candles)
			continue
		}
		computeKind(kind, p, out, open, high, low, closes, volume)
	}

	return out, nil
}

func computeKind(kind string, p map[string]float64, out Set, open, high, low, closes, volume []float64) {
	switch kind {
	case KindRSI:
		period := int(ParamOr(p, "period", 14))
		out[KindRSI] = nanWarmup(RSI(closes, period), period)

	case KindMACD:
		fast := int(ParamOr(p, "fast_period", 12))
		slow := int(ParamOr(p, "slow_period", 26))
		sig := int(ParamOr(p, "signal_period", 9))
		macd, signal, hist := MACD(closes, fast, slow, sig)
		w := slow + sig - 1
		out["macd"] = nanWarmup(macd, w)
		out["macd.signal"] = nanWarmup(signal, w)
		out["macd.hist"] = nanWarmup(hist, w)

	case KindBollinger:
		period := int(ParamOr(p, "period", 20))
		dev := ParamOr(p, "std_dev", 2)
		upper, middle, lower := BB(closes, period, dev, TypeSMA)
		out["bollinger.upper"] = nanWarmup(upper, period-1)
		out["bollinger.middle"] = nanWarmup(middle, period-1)
		out["bollinger.lower"] = nanWarmup(lower, period-1)

	case KindBBW:
		period := int(ParamOr(p, "period", 20))
		dev := ParamOr(p, "std_dev", 2)
		upper, middle, lower := BB(closes, period, dev, TypeSMA)
		bbw := make([]float64, len(closes))
		for i := range bbw {
			if middle[i] != 0 {
				bbw[i] = (upper[i] - lower[i]) / middle[i] * 100
			}
		}
		out[KindBBW] = nanWarmup(bbw, period-1)

	case KindEMA:
		period := int(ParamOr(p, "period", 20))
		out[KindEMA] = nanWarmup(EMA(closes, period), period-1)

	case KindMA200:
		out[KindMA200] = nanWarmup(SMA(closes, 200), 199)

	case KindStochastic:
		kPeriod := int(ParamOr(p, "k_period", 14))
		dPeriod := int(ParamOr(p, "d_period", 3))
		slowK, slowD := Stoch(high, low, closes, kPeriod, 3, TypeSMA, dPeriod, TypeSMA)
		w := kPeriod + dPeriod + 1
		out["stochastic.k"] = nanWarmup(slowK, w)
		out["stochastic.d"] = nanWarmup(slowD, w)

	case KindIchimoku:
		computeIchimoku(p, out, high, low)

	case KindATR:
		period := int(ParamOr(p, "period", 14))
		out[KindATR] = nanWarmup(ATR(high, low, closes, period), period)

	case KindADX:
		period := int(ParamOr(p, "period", 14))
		w := 2 * period
		out[KindADX] = nanWarmup(ADX(high, low, closes, period), w)
		out["adx.plus_di"] = nanWarmup(PlusDI(high, low, closes, period), period)
		out["adx.minus_di"] = nanWarmup(MinusDI(high, low, closes, period), period)

	case KindVolume:
		period := int(ParamOr(p, "period", 20))
		sma := SMA(volume, period)
		ratio := make([]float64, len(volume))
		for i := range ratio {
			if sma[i] > 0 {
				ratio[i] = volume[i] / sma[i]
			}
		}
		out["volume.sma"] = nanWarmup(sma, period-1)
		out["volume.ratio"] = nanWarmup(ratio, period-1)

	case KindOBV:
		period := int(ParamOr(p, "period", 20))
		obv := OBV(closes, volume)
		out[KindOBV] = obv
		out["obv.sma"] = nanWarmup(SMA(obv, period), period-1)

	case KindMFI:
		period := int(ParamOr(p, "period", 14))
		out[KindMFI] = nanWarmup(MFI(high, low, closes, volume, period), period)

	case KindCMF:
		period := int(ParamOr(p, "period", 20))
		out[KindCMF] = nanWarmup(chaikinMoneyFlow(high, low, closes, volume, period), period-1)

	case KindCCI:
		period := int(ParamOr(p, "period", 20))
		out[KindCCI] = nanWarmup(CCI(high, low, closes, period), period-1)

	case KindPSAR:
		accel := ParamOr(p, "acceleration", 0.02)
		maxAccel := ParamOr(p, "maximum", 0.2)
		out[KindPSAR] = nanWarmup(SAR(high, low, accel, maxAccel), 1)

	case KindKeltner:
		computeKeltner(p, out, high, low, closes, "keltner")

	case KindDonchian:
		period := int(ParamOr(p, "period", 20))
		upper := Max(high, period)
		lower := Min(low, period)
		middle := make([]float64, len(closes))
		for i := range middle {
			middle[i] = (upper[i] + lower[i]) / 2
		}
		out["donchian.upper"] = nanWarmup(upper, period-1)
		out["donchian.middle"] = nanWarmup(middle, period-1)
		out["donchian.lower"] = nanWarmup(lower, period-1)

	case KindROC:
		period := int(ParamOr(p, "period", 12))
		out[KindROC] = nanWarmup(ROC(closes, period), period)

	case KindCMO:
		period := int(ParamOr(p, "period", 14))
		out[KindCMO] = nanWarmup(CMO(closes, period), period)

	case KindTEMA:
		period := int(ParamOr(p, "period", 20))
		out[KindTEMA] = nanWarmup(TEMA(closes, period), 3*(period-1))

	case KindDEMA:
		period := int(ParamOr(p, "period", 20))
		out[KindDEMA] = nanWarmup(DEMA(closes, period), 2*(period-1))

	case KindHMA:
		period := int(ParamOr(p, "period", 20))
		out[KindHMA] = hullMovingAverage(closes, period)

	case KindWMA:
		period := int(ParamOr(p, "period", 20))
		out[KindWMA] = nanWarmup(WMA(closes, period), period-1)

	case KindAwesomeOscillator:
		med := MedPrice(high, low)
		fast := SMA(med, 5)
		slow := SMA(med, 34)
		ao := make([]float64, len(med))
		for i := range ao {
			ao[i] = fast[i] - slow[i]
		}
		out[KindAwesomeOscillator] = nanWarmup(ao, 33)

	case KindWilliamsR:
		period := int(ParamOr(p, "period", 14))
		out[KindWilliamsR] = nanWarmup(WilliamsR(high, low, closes, period), period-1)

	case KindTTMSqueeze:
		computeTTMSqueeze(p, out, high, low, closes)

	case KindADLine:
		period := int(ParamOr(p, "period", 20))
		ad := Ad(high, low, closes, volume)
		out[KindADLine] = ad
		out["ad_line.sma"] = nanWarmup(SMA(ad, period), period-1)

	case KindMARibbon:
		fast := int(ParamOr(p, "fast_period", 10))
		mid := int(ParamOr(p, "mid_period", 20))
		slow := int(ParamOr(p, "slow_period", 50))
		out["ma_ribbon.fast"] = nanWarmup(EMA(closes, fast), fast-1)
		out["ma_ribbon.mid"] = nanWarmup(EMA(closes, mid), mid-1)
		out["ma_ribbon.slow"] = nanWarmup(EMA(closes, slow), slow-1)

	case KindSupportResistance:
		period := int(ParamOr(p, "period", 20))
		// Levels exclude the current bar so a touch can be detected.
		out["support_resistance.support"] = shiftRight(nanWarmup(Min(low, period), period-1))
		out["support_resistance.resistance"] = shiftRight(nanWarmup(Max(high, period), period-1))

	case KindPivot:
		computePivot(out, high, low, closes)
	}
}

// computeIchimoku derives tenkan, kijun and the two senkou spans. Spans are
// not displaced; the evaluator compares them at the current bar.
func computeIchimoku(p map[string]float64, out Set, high, low []float64) {
	tenkanPeriod := int(ParamOr(p, "tenkan_period", 9))
	kijunPeriod := int(ParamOr(p, "kijun_period", 26))
	senkouBPeriod := int(ParamOr(p, "senkou_b_period", 52))

	mid := func(period int) []float64 {
		hh := Max(high, period)
		ll := Min(low, period)
		m := make([]float64, len(high))
		for i := range m {
			m[i] = (hh[i] + ll[i]) / 2
		}
		return m
	}

	tenkan := mid(tenkanPeriod)
	kijun := mid(kijunPeriod)
	senkouA := make([]float64, len(high))
	for i := range senkouA {
		senkouA[i] = (tenkan[i] + kijun[i]) / 2
	}

	out["ichimoku.tenkan"] = nanWarmup(tenkan, tenkanPeriod-1)
	out["ichimoku.kijun"] = nanWarmup(kijun, kijunPeriod-1)
	out["ichimoku.senkou_a"] = nanWarmup(senkouA, kijunPeriod-1)
	out["ichimoku.senkou_b"] = nanWarmup(mid(senkouBPeriod), senkouBPeriod-1)
}

func computeKeltner(p map[string]float64, out Set, high, low, closes []float64, prefix string) {
	period := int(ParamOr(p, "period", 20))
	atrPeriod := int(ParamOr(p, "atr_period", 14))
	mult := ParamOr(p, "multiplier", 2)

	middle := EMA(closes, period)
	atr := ATR(high, low, closes, atrPeriod)
	upper := make([]float64, len(closes))
	lower := make([]float64, len(closes))
	for i := range closes {
		upper[i] = middle[i] + mult*atr[i]
		lower[i] = middle[i] - mult*atr[i]
	}

	w := period - 1
	if atrPeriod > w {
		w = atrPeriod
	}
	out[prefix+".upper"] = nanWarmup(upper, w)
	out[prefix+".middle"] = nanWarmup(middle, w)
	out[prefix+".lower"] = nanWarmup(lower, w)
}

// computeTTMSqueeze marks bars where the Bollinger bands sit inside the
// Keltner channel (squeeze on) and tracks a simple momentum series for the
// fire direction.
func computeTTMSqueeze(p map[string]float64, out Set, high, low, closes []float64) {
	period := int(ParamOr(p, "period", 20))
	dev := ParamOr(p, "std_dev", 2)

	bbUpper, _, bbLower := BB(closes, period, dev, TypeSMA)

	kc := make(Set)
	computeKeltner(p, kc, high, low, closes, "kc")
	kcUpper, kcLower := kc["kc.upper"], kc["kc.lower"]

	on := make([]float64, len(closes))
	momentum := make([]float64, len(closes))
	sma := SMA(closes, period)
	for i := range closes {
		if core.Valid(kcUpper, i) && bbUpper[i] < kcUpper[i] && bbLower[i] > kcLower[i] {
			on[i] = 1
		}
		momentum[i] = closes[i] - sma[i]
	}

	out["ttm_squeeze.on"] = nanWarmup(on, period-1)
	out["ttm_squeeze.momentum"] = nanWarmup(momentum, period-1)
}

// computePivot derives classic floor pivots from the previous bar
func computePivot(out Set, high, low, closes []float64) {
	n := len(closes)
	pp := make([]float64, n)
	r1 := make([]float64, n)
	s1 := make([]float64, n)
	for i := 1; i < n; i++ {
		pp[i] = (high[i-1] + low[i-1] + closes[i-1]) / 3
		r1[i] = 2*pp[i] - low[i-1]
		s1[i] = 2*pp[i] - high[i-1]
	}
	out["pivot.p"] = nanWarmup(pp, 1)
	out["pivot.r1"] = nanWarmup(r1, 1)
	out["pivot.s1"] = nanWarmup(s1, 1)
}

// chaikinMoneyFlow is the volume-weighted accumulation/distribution ratio
// over a rolling window
func chaikinMoneyFlow(high, low, closes, volume []float64, period int) []float64 {
	n := len(closes)
	mfv := make([]float64, n)
	for i := 0; i < n; i++ {
		spread := high[i] - low[i]
		if spread > 0 {
			mult := ((closes[i] - low[i]) - (high[i] - closes[i])) / spread
			mfv[i] = mult * volume[i]
		}
	}

	out := make([]float64, n)
	for i := period - 1; i < n; i++ {
		var sumMfv, sumVol float64
		for j := i - period + 1; j <= i; j++ {
			sumMfv += mfv[j]
			sumVol += volume[j]
		}
		if sumVol > 0 {
			out[i] = sumMfv / sumVol
		}
	}
	return out
}

// hullMovingAverage is WMA(2*WMA(n/2) - WMA(n), sqrt(n))
func hullMovingAverage(closes []float64, period int) []float64 {
	half := period / 2
	if half < 1 {
		half = 1
	}
	sqrtP := int(math.Sqrt(float64(period)))
	if sqrtP < 1 {
		sqrtP = 1
	}

	wmaHalf := WMA(closes, half)
	wmaFull := WMA(closes, period)
	diff := make([]float64, len(closes))
	for i := range closes {
		diff[i] = 2*wmaHalf[i] - wmaFull[i]
	}
	return nanWarmup(WMA(diff, sqrtP), period+sqrtP-2)
}

// nanWarmup replaces the first n leading values with NaN so warmup bars are
// never mistaken for real values
func nanWarmup(values []float64, n int) core.Series[float64] {
	out := make(core.Series[float64], len(values))
	copy(out, values)
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = math.NaN()
	}
	return out
}

// shiftRight moves every value one bar later, leaving NaN at index 0
func shiftRight(s core.Series[float64]) core.Series[float64] {
	out := make(core.Series[float64], len(s))
	if len(s) == 0 {
		return out
	}
	out[0] = math.NaN()
	copy(out[1:], s[:len(s)-1])
	return out
}
