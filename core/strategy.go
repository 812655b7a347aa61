package core

// Strategy is a persisted combination admitted into the live scanner,
// carrying per-strategy risk controls and real-trade performance
type Strategy struct {
	Combination

	ID                string `json:"id"`
	IncludedInScanner bool   `json:"included_in_scanner"`
	OptedOutGlobally  bool   `json:"opted_out_globally"`
	OptedOutForCoin   bool   `json:"opted_out_for_coin"`

	RiskPercentage           float64 `json:"risk_percentage"`
	StopLossAtrMultiplier    float64 `json:"stop_loss_atr_multiplier"`
	TakeProfitAtrMultiplier  float64 `json:"take_profit_atr_multiplier"`
	EnableTrailingTakeProfit bool    `json:"enable_trailing_take_profit"`
	TrailingStopPercentage   float64 `json:"trailing_stop_percentage"`
	EstimatedExitTimeMinutes float64 `json:"estimated_exit_time_minutes"`

	StrategyDirection     Direction `json:"strategy_direction"`
	MinCoreSignalStrength float64   `json:"min_core_signal_strength"`
	RequiredSignals       int       `json:"required_signals"`

	RealTradeCount     int     `json:"real_trade_count"`
	RealProfitFactor   float64 `json:"real_profit_factor"`
	RealSuccessRate    float64 `json:"real_success_rate"`
	ProfitabilityScore float64 `json:"profitability_score"`
}

// Name returns a human readable identifier for logs and notifications
func (s Strategy) Name() string {
	if s.CombinationName != "" {
		return s.CombinationName
	}
	return s.Signature
}

// StrategyFilter defines a function type for filtering strategies
type StrategyFilter func(s Strategy) bool

// WithStrategyCoin keeps strategies for a given coin
func WithStrategyCoin(coin string) StrategyFilter {
	return func(s Strategy) bool {
		return s.Coin == coin
	}
}

// WithIncludedInScanner keeps strategies admitted to the live scanner
func WithIncludedInScanner() StrategyFilter {
	return func(s Strategy) bool {
		return s.IncludedInScanner
	}
}

// WithSignature keeps strategies matching a canonical signature
func WithSignature(signature string) StrategyFilter {
	return func(s Strategy) bool {
		return s.Signature == signature
	}
}
