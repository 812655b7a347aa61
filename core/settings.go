package core

// SignalMatchingMode controls how matched signal sets are admitted during a
// live scan cycle
type SignalMatchingMode string

// Signal matching mode constants
const (
	// MatchingModeEvent requires at least one event signal in the matched set
	MatchingModeEvent SignalMatchingMode = "event"
	// MatchingModeState requires all matched signals to be state signals
	MatchingModeState SignalMatchingMode = "state"
	// MatchingModeBoth applies no class constraint
	MatchingModeBoth SignalMatchingMode = "both"
	// MatchingModeConviction weighs combined strength by the conviction score
	MatchingModeConviction SignalMatchingMode = "conviction_based"
)

// ScanSettings is the single persisted scanner configuration row
type ScanSettings struct {
	ScanFrequencyMs         int64              `json:"scan_frequency_ms"`
	MinimumCombinedStrength float64            `json:"minimum_combined_strength"`
	MaxPositions            int                `json:"max_positions"`
	RiskPerTrade            float64            `json:"risk_per_trade"`
	PortfolioHeatMax        float64            `json:"portfolio_heat_max"`
	DefaultPositionSize     float64            `json:"default_position_size"`
	UseWinStrategySize      bool               `json:"use_win_strategy_size"`
	MinimumRegimeConfidence float64            `json:"minimum_regime_confidence"`
	MinimumConvictionScore  float64            `json:"minimum_conviction_score"`
	SignalMatchingMode      SignalMatchingMode `json:"signal_matching_mode"`
	BlockTradingInDowntrend bool               `json:"block_trading_in_downtrend"`
	ResetStatsOnModeSwitch  bool               `json:"reset_stats_on_mode_switch"`
}

// DefaultScanSettings returns the settings used when no row is persisted yet
func DefaultScanSettings() ScanSettings {
	return ScanSettings{
		ScanFrequencyMs:         30_000,
		MinimumCombinedStrength: 50,
		MaxPositions:            5,
		RiskPerTrade:            1.0,
		PortfolioHeatMax:        10.0,
		DefaultPositionSize:     100,
		UseWinStrategySize:      true,
		SignalMatchingMode:      MatchingModeBoth,
		BlockTradingInDowntrend: true,
	}
}

// Validate reports a ConfigError when settings are out of range
func (s ScanSettings) Validate() error {
	if s.ScanFrequencyMs < 100 || s.ScanFrequencyMs > 300_000 {
		return ConfigErrorf("scan frequency %dms outside [100ms, 5m]", s.ScanFrequencyMs)
	}
	if s.MaxPositions <= 0 {
		return ConfigErrorf("max positions must be positive, got %d", s.MaxPositions)
	}
	if s.RiskPerTrade <= 0 || s.RiskPerTrade > 100 {
		return ConfigErrorf("risk per trade %.2f outside (0, 100]", s.RiskPerTrade)
	}
	switch s.SignalMatchingMode {
	case MatchingModeEvent, MatchingModeState, MatchingModeBoth, MatchingModeConviction:
	default:
		return ConfigErrorf("unknown signal matching mode %q", s.SignalMatchingMode)
	}
	return nil
}
