package core

import (
	"time"
)

// Direction represents the market direction a signal or position points to
type Direction string

// Direction constants
const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// MarketRegime is the classified market state at a bar
type MarketRegime string

// Market regime constants
const (
	RegimeUptrend   MarketRegime = "uptrend"
	RegimeDowntrend MarketRegime = "downtrend"
	RegimeRanging   MarketRegime = "ranging"
	RegimeUnknown   MarketRegime = "unknown"
)

// SignalClass partitions evaluation rules into transition-based and
// condition-based signals
type SignalClass string

const (
	// SignalClassEvent fires only on a transition between bar i-1 and bar i
	SignalClassEvent SignalClass = "event"
	// SignalClassState fires whenever the condition holds at bar i
	SignalClassState SignalClass = "state"
)

// SignalSpec identifies one named condition of one indicator kind,
// with optional parameter overrides (periods, thresholds, deviations)
type SignalSpec struct {
	Type       string             `json:"type"`
	Value      string             `json:"value"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// SignalResult is the outcome of evaluating a single SignalSpec at one bar
type SignalResult struct {
	Spec      SignalSpec
	Matches   bool
	Strength  float64 // calibrated 0..100
	Direction Direction
	Details   string
}

// MatchedSignal is a signal spec together with the strength it scored at
// the trigger bar
type MatchedSignal struct {
	SignalSpec
	Strength  float64   `json:"strength"`
	Direction Direction `json:"direction"`
}

// SignalMatch is a bar-level detection emitted by the backtest runner or
// the live detection engine. Future* fields are filled by the backtest
// forward walk and stay zero on the live path.
type SignalMatch struct {
	Coin             string          `json:"coin"`
	Timeframe        string          `json:"timeframe"`
	CandleTime       time.Time       `json:"candle_time"`
	Price            float64         `json:"price"`
	Signals          []MatchedSignal `json:"signals"`
	CombinedStrength float64         `json:"combined_strength"`
	MarketRegime     MarketRegime    `json:"market_regime"`
	Direction        Direction       `json:"direction"`

	FuturePriceMove    float64 `json:"future_price_move"`
	FutureMaxDrawdown  float64 `json:"future_max_drawdown"`
	Successful         bool    `json:"successful"`
	TimeToPeak         int     `json:"time_to_peak"`
	WinDurationMinutes float64 `json:"win_duration_minutes"`
	HasWinDuration     bool    `json:"has_win_duration"`
}
