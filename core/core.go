package core

import (
	"context"
	"time"
)

// ExchangeClient abstracts the exchange REST surface. Every call carries a
// context with a per-call timeout; implementations must not block past it.
type ExchangeClient interface {
	Klines(ctx context.Context, coin, timeframe string, limit int) ([]Candle, error)
	KlinesByPeriod(ctx context.Context, coin, timeframe string, start, end time.Time) ([]Candle, error)

	TickerPrice(ctx context.Context, mode TradingMode, coin string) (float64, error)
	TickerPriceBatch(ctx context.Context, mode TradingMode, coins []string) (map[string]float64, error)
	Ticker24h(ctx context.Context, mode TradingMode, coin string) (Ticker24h, error)
	Ticker24hBatch(ctx context.Context, mode TradingMode, coins []string) (map[string]Ticker24h, error)

	CreateOrder(ctx context.Context, mode TradingMode, coin string, side SideType, orderType OrderType, quantity float64, price ...float64) (OrderAck, error)
	Order(ctx context.Context, mode TradingMode, coin, orderID string) (OrderInfo, error)

	GetWallet(ctx context.Context, mode TradingMode) (Wallet, error)
	TestKeys(ctx context.Context, mode TradingMode) error
}

// CandleFeeder is the read-only candle source used by backtests. The live
// exchange client satisfies it; a CSV feed satisfies it offline.
type CandleFeeder interface {
	Klines(ctx context.Context, coin, timeframe string, limit int) ([]Candle, error)
	KlinesByPeriod(ctx context.Context, coin, timeframe string, start, end time.Time) ([]Candle, error)
}

// StrategyStore persists admitted strategies
type StrategyStore interface {
	Strategies(ctx context.Context, filters ...StrategyFilter) ([]Strategy, error)
	Strategy(ctx context.Context, id string) (Strategy, error)
	CreateStrategy(ctx context.Context, s *Strategy) error
	UpdateStrategy(ctx context.Context, s *Strategy) error
	DeleteStrategy(ctx context.Context, id string) error
}

// PositionStore persists live positions
type PositionStore interface {
	Positions(ctx context.Context, filters ...PositionFilter) ([]LivePosition, error)
	CreatePosition(ctx context.Context, p *LivePosition) error
	UpdatePosition(ctx context.Context, p *LivePosition) error
	DeletePosition(ctx context.Context, id string) error
}

// TradeStore persists terminal trade records
type TradeStore interface {
	Trades(ctx context.Context, mode TradingMode) ([]Trade, error)
	CreateTrade(ctx context.Context, t *Trade) error
}

// SessionStore holds the single leader-election row. AcquireLeadership is a
// compare-and-swap: it succeeds only when the current lease is expired or
// globally inactive, or already held by sessionID.
type SessionStore interface {
	Session(ctx context.Context) (Session, error)
	AcquireLeadership(ctx context.Context, sessionID string, timeout time.Duration) (bool, error)
	Heartbeat(ctx context.Context, sessionID string) error
	ReleaseLeadership(ctx context.Context, sessionID string) error
}

// SettingsStore holds the single scanner settings row
type SettingsStore interface {
	ScanSettings(ctx context.Context) (ScanSettings, error)
	SaveScanSettings(ctx context.Context, s ScanSettings) error
}

// StatsStore upserts per-mode scanner telemetry
type StatsStore interface {
	ScannerStats(ctx context.Context, mode TradingMode) (ScannerStats, error)
	SaveScannerStats(ctx context.Context, s ScannerStats) error
}

// Store aggregates the typed persistence collections
type Store interface {
	StrategyStore
	PositionStore
	TradeStore
	SessionStore
	SettingsStore
	StatsStore
}

// Notifier is the side channel for operator-facing messages
type Notifier interface {
	Notify(message string)
	OnTrade(trade Trade)
	OnError(err error)
}

// RegimeClassification is the output of a RegimeClassifier at one bar
type RegimeClassification struct {
	Regime     MarketRegime
	Confidence float64 // 0..100
}

// RegimeClassifier classifies the market state at bar i of a candle window
type RegimeClassifier interface {
	Classify(candles []Candle, i int) RegimeClassification
}
