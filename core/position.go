package core

import "time"

// PositionStatus represents the lifecycle state of a live position
type PositionStatus string

// Position status constants
const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
)

// LivePosition is an open holding created from a filled BUY order and
// monitored until an exit condition fires
type LivePosition struct {
	PositionID   string         `json:"position_id"`
	StrategyID   string         `json:"strategy_id"`
	StrategyName string         `json:"strategy_name"`
	Coin         string         `json:"coin"`
	Direction    Direction      `json:"direction"`
	Status       PositionStatus `json:"status"`

	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Quantity     float64   `json:"quantity"`
	EntryValue   float64   `json:"entry_value"`
	EntryTime    time.Time `json:"entry_time"`

	AtrAtEntry      float64 `json:"atr_at_entry"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
	MaxPriceSeen    float64 `json:"max_price_seen"`

	EnableTrailingTakeProfit bool    `json:"enable_trailing_take_profit"`
	TrailingStopPercentage   float64 `json:"trailing_stop_percentage"`
	EstimatedExitTimeMinutes float64 `json:"estimated_exit_time_minutes"`

	WalletID        string          `json:"wallet_id"`
	TradingMode     TradingMode     `json:"trading_mode"`
	BinanceOrderID  string          `json:"binance_order_id"`
	ConvictionScore float64         `json:"conviction_score"`
	MarketRegime    MarketRegime    `json:"market_regime"`
	TriggerSignals  []MatchedSignal `json:"trigger_signals"`
	LastPriceUpdate time.Time       `json:"last_price_update"`
}

// Trade is the terminal record of a closed position
type Trade struct {
	TradeID         string          `json:"trade_id"`
	PositionID      string          `json:"position_id"`
	StrategyID      string          `json:"strategy_id"`
	StrategyName    string          `json:"strategy_name"`
	Coin            string          `json:"coin"`
	Direction       Direction       `json:"direction"`
	EntryPrice      float64         `json:"entry_price"`
	ExitPrice       float64         `json:"exit_price"`
	Quantity        float64         `json:"quantity"`
	Pnl             float64         `json:"pnl"`
	PnlPercentage   float64         `json:"pnl_percentage"`
	EntryTime       time.Time       `json:"entry_time"`
	ExitTime        time.Time       `json:"exit_time"`
	ExitReason      string          `json:"exit_reason"`
	TriggerSignals  []MatchedSignal `json:"trigger_signals"`
	ConvictionScore float64         `json:"conviction_score"`
	MarketRegime    MarketRegime    `json:"market_regime"`
	FeesPaid        float64         `json:"fees_paid"`
	TradingMode     TradingMode     `json:"trading_mode"`
}

// Exit reason constants
const (
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
	ExitReasonTimeExit   = "time_exit"
	ExitReasonManual     = "manual"
)

// PositionFilter defines a function type for filtering positions
type PositionFilter func(p LivePosition) bool

// WithPositionStatus keeps positions in a given lifecycle state
func WithPositionStatus(status PositionStatus) PositionFilter {
	return func(p LivePosition) bool {
		return p.Status == status
	}
}

// WithPositionMode keeps positions opened under a given trading mode
func WithPositionMode(mode TradingMode) PositionFilter {
	return func(p LivePosition) bool {
		return p.TradingMode == mode
	}
}
