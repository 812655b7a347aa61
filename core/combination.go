package core

// RegimeStats aggregates combination performance within one market regime
type RegimeStats struct {
	Occurrences  int     `json:"occurrences"`
	Successful   int     `json:"successful"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	SuccessRate  float64 `json:"success_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgPriceMove float64 `json:"avg_price_move"`
}

// Combination is a de-duplicated group of signal matches sharing the same
// canonical signature, with its aggregated backtest metrics
type Combination struct {
	Signature       string       `json:"signature"`
	CombinationName string       `json:"combination_name"`
	Coin            string       `json:"coin"`
	Timeframe       string       `json:"timeframe"`
	Signals         []SignalSpec `json:"signals"`

	Occurrences         int     `json:"occurrences"`
	Successful          int     `json:"successful"`
	SuccessRate         float64 `json:"success_rate"`
	NetAveragePriceMove float64 `json:"net_average_price_move"`
	ProfitFactor        float64 `json:"profit_factor"`
	GrossProfit         float64 `json:"gross_profit"`
	GrossLoss           float64 `json:"gross_loss"`
	CombinedStrength    float64 `json:"combined_strength"`

	DominantMarketRegime          MarketRegime                 `json:"dominant_market_regime"`
	MarketRegimeDistribution      map[MarketRegime]RegimeStats `json:"market_regime_distribution"`
	MedianLowestLowDuringBacktest float64                      `json:"median_lowest_low_during_backtest"`
	AvgWinDurationMinutes         float64                      `json:"avg_win_duration_minutes"`
}
