package signal

import (
	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
)

// Catalog returns the default signal pool a backtest draws combinations
// from. Every entry is a registered condition; parameters are the common
// defaults traders use for the underlying indicator.
func Catalog() []core.SignalSpec {
	return []core.SignalSpec{
		{Type: indicator.KindRSI, Value: "oversold", Parameters: params("period", 14, "oversold", 30)},
		{Type: indicator.KindRSI, Value: "oversold_entry", Parameters: params("period", 14, "oversold", 30)},
		{Type: indicator.KindRSI, Value: "oversold_exit", Parameters: params("period", 14, "oversold", 30)},

		{Type: indicator.KindMACD, Value: "bullish_cross", Parameters: params("fast", 12, "slow", 26, "signal", 9)},
		{Type: indicator.KindMACD, Value: "positive_histogram", Parameters: params("fast", 12, "slow", 26, "signal", 9)},

		{Type: indicator.KindBollinger, Value: "price_below_lower", Parameters: params("period", 20, "deviation", 2)},
		{Type: indicator.KindBollinger, Value: "reentry_from_lower", Parameters: params("period", 20, "deviation", 2)},

		{Type: indicator.KindEMA, Value: "price_above", Parameters: params("period", 50)},
		{Type: indicator.KindEMA, Value: "price_cross_up", Parameters: params("period", 21)},
		{Type: indicator.KindMA200, Value: "price_above"},

		{Type: indicator.KindStochastic, Value: "oversold", Parameters: params("k", 14, "d", 3, "oversold", 20)},
		{Type: indicator.KindStochastic, Value: "bullish_cross", Parameters: params("k", 14, "d", 3)},

		{Type: indicator.KindIchimoku, Value: "price_above_cloud"},
		{Type: indicator.KindIchimoku, Value: "tenkan_kijun_cross_bull"},

		{Type: indicator.KindADX, Value: "strong_trend", Parameters: params("period", 14, "threshold", 25)},
		{Type: indicator.KindADX, Value: "bullish_di_cross", Parameters: params("period", 14)},

		{Type: indicator.KindVolume, Value: "spike", Parameters: params("period", 20, "threshold", 2)},
		{Type: indicator.KindVolume, Value: "above_average", Parameters: params("period", 20)},

		{Type: indicator.KindOBV, Value: "rising", Parameters: params("sma", 20)},
		{Type: indicator.KindOBV, Value: "cross_up", Parameters: params("sma", 20)},

		{Type: indicator.KindMFI, Value: "oversold", Parameters: params("period", 14, "oversold", 20)},
		{Type: indicator.KindCMF, Value: "positive", Parameters: params("period", 20)},
		{Type: indicator.KindCCI, Value: "oversold", Parameters: params("period", 20, "oversold", -100)},
		{Type: indicator.KindWilliamsR, Value: "oversold", Parameters: params("period", 14, "oversold", -80)},
		{Type: indicator.KindCMO, Value: "oversold", Parameters: params("period", 14, "oversold", -50)},

		{Type: indicator.KindPSAR, Value: "bullish"},
		{Type: indicator.KindPSAR, Value: "flip_bullish"},

		{Type: indicator.KindKeltner, Value: "price_below_lower", Parameters: params("period", 20, "multiplier", 2)},
		{Type: indicator.KindKeltner, Value: "breakout_upper", Parameters: params("period", 20, "multiplier", 2)},

		{Type: indicator.KindDonchian, Value: "breakout_upper", Parameters: params("period", 20)},

		{Type: indicator.KindROC, Value: "positive", Parameters: params("period", 12)},
		{Type: indicator.KindROC, Value: "zero_cross_up", Parameters: params("period", 12)},

		{Type: indicator.KindHMA, Value: "rising", Parameters: params("period", 21)},
		{Type: indicator.KindTEMA, Value: "price_cross_up", Parameters: params("period", 21)},

		{Type: indicator.KindAwesomeOscillator, Value: "zero_cross_up"},

		{Type: indicator.KindBBW, Value: "squeeze", Parameters: params("period", 20, "deviation", 2, "threshold", 4)},
		{Type: indicator.KindTTMSqueeze, Value: "squeeze_fire", Parameters: params("period", 20)},

		{Type: indicator.KindADLine, Value: "cross_up", Parameters: params("sma", 20)},

		{Type: indicator.KindMARibbon, Value: "aligned_bullish", Parameters: params("fast", 8, "mid", 21, "slow", 50)},

		{Type: indicator.KindSupportResistance, Value: "at_support", Parameters: params("period", 50, "tolerance", 0.5)},
		{Type: indicator.KindSupportResistance, Value: "breakout_resistance", Parameters: params("period", 50)},

		{Type: indicator.KindPivot, Value: "above_pivot"},
		{Type: indicator.KindPivot, Value: "near_s1", Parameters: params("tolerance", 0.5)},

		{Type: indicator.PatternEngulfing, Value: "bullish"},
		{Type: indicator.PatternHammer, Value: "bullish"},
		{Type: indicator.PatternMorningStar, Value: "bullish"},
		{Type: indicator.PatternHarami, Value: "bullish"},
	}
}

func params(kv ...any) map[string]float64 {
	m := make(map[string]float64, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		switch v := kv[i+1].(type) {
		case int:
			m[key] = float64(v)
		case float64:
			m[key] = v
		}
	}
	return m
}
