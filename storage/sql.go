package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sigscan/sigscan/core"
)

// SQLArchive is the long-term archive for terminal trades and admitted
// strategies. The live engine reads and writes the embedded BuntDB store;
// the archive only ever appends, so historical analysis can run against a
// plain SQL file without touching hot state.
type SQLArchive struct {
	db *gorm.DB
}

// SQLConfig holds connection pool settings for the archive database
type SQLConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultSQLConfig returns the default pool configuration
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// TradeRecord is the archived form of a terminal trade
type TradeRecord struct {
	ID              uint   `gorm:"primaryKey"`
	TradeID         string `gorm:"uniqueIndex"`
	PositionID      string
	StrategyID      string `gorm:"index"`
	StrategyName    string
	Coin            string `gorm:"index"`
	Direction       string
	EntryPrice      float64
	ExitPrice       float64
	Quantity        float64
	Pnl             float64
	PnlPercentage   float64
	EntryTime       time.Time
	ExitTime        time.Time `gorm:"index"`
	ExitReason      string
	ConvictionScore float64
	MarketRegime    string
	FeesPaid        float64
	TradingMode     string `gorm:"index"`
	TriggerSignals  string // JSON blob
}

// StrategyRecord is the archived form of an admitted strategy at admission
// time
type StrategyRecord struct {
	ID                 uint   `gorm:"primaryKey"`
	StrategyID         string `gorm:"uniqueIndex"`
	Coin               string `gorm:"index"`
	Timeframe          string
	Signature          string `gorm:"index"`
	Occurrences        int
	SuccessRate        float64
	ProfitFactor       float64
	AvgPriceMove       float64
	ProfitabilityScore float64
	AdmittedAt         time.Time
	Payload            string // full strategy JSON
}

// NewSQLArchive opens (or creates) the SQLite archive and runs migrations
func NewSQLArchive(dbPath string, config SQLConfig, opts ...gorm.Option) (*SQLArchive, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), opts...)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.AutoMigrate(&TradeRecord{}, &StrategyRecord{}); err != nil {
		return nil, fmt.Errorf("run archive migrations: %w", err)
	}

	return &SQLArchive{db: db}, nil
}

// ArchiveTrade appends a terminal trade to the archive
func (a *SQLArchive) ArchiveTrade(ctx context.Context, t core.Trade) error {
	signals, err := json.Marshal(t.TriggerSignals)
	if err != nil {
		return fmt.Errorf("marshal trigger signals: %w", err)
	}

	record := TradeRecord{
		TradeID:         t.TradeID,
		PositionID:      t.PositionID,
		StrategyID:      t.StrategyID,
		StrategyName:    t.StrategyName,
		Coin:            t.Coin,
		Direction:       string(t.Direction),
		EntryPrice:      t.EntryPrice,
		ExitPrice:       t.ExitPrice,
		Quantity:        t.Quantity,
		Pnl:             t.Pnl,
		PnlPercentage:   t.PnlPercentage,
		EntryTime:       t.EntryTime,
		ExitTime:        t.ExitTime,
		ExitReason:      t.ExitReason,
		ConvictionScore: t.ConvictionScore,
		MarketRegime:    string(t.MarketRegime),
		FeesPaid:        t.FeesPaid,
		TradingMode:     string(t.TradingMode),
		TriggerSignals:  string(signals),
	}

	if result := a.db.WithContext(ctx).Create(&record); result.Error != nil {
		return fmt.Errorf("archive trade %s: %w", t.TradeID, result.Error)
	}
	return nil
}

// ArchiveStrategy appends an admitted strategy snapshot. Re-archiving the
// same strategy ID is a no-op.
func (a *SQLArchive) ArchiveStrategy(ctx context.Context, s core.Strategy) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}

	record := StrategyRecord{
		StrategyID:         s.ID,
		Coin:               s.Coin,
		Timeframe:          s.Timeframe,
		Signature:          s.Signature,
		Occurrences:        s.Occurrences,
		SuccessRate:        s.SuccessRate,
		ProfitFactor:       s.ProfitFactor,
		AvgPriceMove:       s.NetAveragePriceMove,
		ProfitabilityScore: s.ProfitabilityScore,
		AdmittedAt:         time.Now(),
		Payload:            string(payload),
	}

	result := a.db.WithContext(ctx).
		Where(StrategyRecord{StrategyID: s.ID}).
		FirstOrCreate(&record)
	if result.Error != nil {
		return fmt.Errorf("archive strategy %s: %w", s.ID, result.Error)
	}
	return nil
}

// TradesByStrategy returns the archived trades for one strategy, newest
// first
func (a *SQLArchive) TradesByStrategy(ctx context.Context, strategyID string) ([]TradeRecord, error) {
	var records []TradeRecord
	result := a.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("exit_time desc").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("query archived trades: %w", result.Error)
	}
	return records, nil
}

// Close closes the archive connection
func (a *SQLArchive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("get database instance: %w", err)
	}
	return sqlDB.Close()
}
