// Package storage provides the persistence backends: an embedded BuntDB
// store for the live engine state and a SQL archive for historical records.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/sigscan/sigscan/core"
)

// Key prefixes for the typed collections sharing one BuntDB file
const (
	keyStrategy = "strategy:"
	keyPosition = "position:"
	keyTrade    = "trade:"
	keyStats    = "stats:"
	keySession  = "session"
	keySettings = "settings"
)

// Index names
const (
	strategyScoreIndex = "strategy_score"
	positionOpenIndex  = "position_opened"
)

// BuntStore implements core.Store on an embedded BuntDB database. All
// records are stored as JSON under a typed key prefix; the leader election
// compare-and-swap runs inside a single write transaction.
type BuntStore struct {
	db  *buntdb.DB
	now func() time.Time
}

// NewFromMemory opens an in-memory store, used by tests and backtest runs
func NewFromMemory() (*BuntStore, error) {
	return NewBuntStore(":memory:")
}

// NewFromFile opens a file-backed store
func NewFromFile(file string) (*BuntStore, error) {
	return NewBuntStore(file)
}

// NewBuntStore opens the database and creates the collection indexes
func NewBuntStore(sourceFile string) (*BuntStore, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.EverySecond}); err != nil {
		return nil, fmt.Errorf("configure buntdb: %w", err)
	}

	if err := db.CreateIndex(strategyScoreIndex, keyStrategy+"*", buntdb.IndexJSON("profitability_score")); err != nil {
		return nil, fmt.Errorf("create strategy index: %w", err)
	}
	if err := db.CreateIndex(positionOpenIndex, keyPosition+"*", buntdb.IndexJSON("entry_time")); err != nil {
		return nil, fmt.Errorf("create position index: %w", err)
	}

	return &BuntStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database
func (b *BuntStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// -------------------------
// Strategies
// -------------------------

// Strategies returns persisted strategies matching all filters, descending
// by profitability score
func (b *BuntStore) Strategies(_ context.Context, filters ...core.StrategyFilter) ([]core.Strategy, error) {
	out := make([]core.Strategy, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(strategyScoreIndex, func(key, value string) bool {
			var s core.Strategy
			if err := json.Unmarshal([]byte(value), &s); err != nil {
				return true
			}
			for _, filter := range filters {
				if !filter(s) {
					return true
				}
			}
			out = append(out, s)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	return out, nil
}

// Strategy returns one strategy by ID
func (b *BuntStore) Strategy(_ context.Context, id string) (core.Strategy, error) {
	var s core.Strategy
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keyStrategy + id)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &s)
	})
	if err == buntdb.ErrNotFound {
		return core.Strategy{}, fmt.Errorf("strategy %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	return s, nil
}

// CreateStrategy persists a new strategy. A strategy whose signature already
// exists for the same coin and timeframe is rejected with
// core.ErrDuplicateSignature so admission can count it as a de-dup hit.
func (b *BuntStore) CreateStrategy(_ context.Context, s *core.Strategy) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		var duplicate bool
		err := tx.AscendKeys(keyStrategy+"*", func(key, value string) bool {
			var existing core.Strategy
			if json.Unmarshal([]byte(value), &existing) != nil {
				return true
			}
			if existing.Signature == s.Signature && existing.Coin == s.Coin && existing.Timeframe == s.Timeframe {
				duplicate = true
				return false
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("scan strategies: %w", err)
		}
		if duplicate {
			return fmt.Errorf("signature %q for %s: %w", s.Signature, s.Coin, core.ErrDuplicateSignature)
		}
		return setJSON(tx, keyStrategy+s.ID, s)
	})
}

// UpdateStrategy overwrites an existing strategy
func (b *BuntStore) UpdateStrategy(_ context.Context, s *core.Strategy) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(keyStrategy + s.ID); err == buntdb.ErrNotFound {
			return fmt.Errorf("strategy %s: %w", s.ID, core.ErrNotFound)
		} else if err != nil {
			return err
		}
		return setJSON(tx, keyStrategy+s.ID, s)
	})
}

// DeleteStrategy removes a strategy by ID. Deleting a missing strategy is
// not an error.
func (b *BuntStore) DeleteStrategy(_ context.Context, id string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keyStrategy + id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// -------------------------
// Positions
// -------------------------

// Positions returns live positions matching all filters, ascending by open
// time
func (b *BuntStore) Positions(_ context.Context, filters ...core.PositionFilter) ([]core.LivePosition, error) {
	out := make([]core.LivePosition, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend(positionOpenIndex, func(key, value string) bool {
			var p core.LivePosition
			if err := json.Unmarshal([]byte(value), &p); err != nil {
				return true
			}
			for _, filter := range filters {
				if !filter(p) {
					return true
				}
			}
			out = append(out, p)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return out, nil
}

// CreatePosition persists a new live position
func (b *BuntStore) CreatePosition(_ context.Context, p *core.LivePosition) error {
	if p.PositionID == "" {
		p.PositionID = uuid.NewString()
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, keyPosition+p.PositionID, p)
	})
}

// UpdatePosition overwrites an existing live position
func (b *BuntStore) UpdatePosition(_ context.Context, p *core.LivePosition) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(keyPosition + p.PositionID); err == buntdb.ErrNotFound {
			return fmt.Errorf("position %s: %w", p.PositionID, core.ErrNotFound)
		} else if err != nil {
			return err
		}
		return setJSON(tx, keyPosition+p.PositionID, p)
	})
}

// DeletePosition removes a closed position from the live set
func (b *BuntStore) DeletePosition(_ context.Context, id string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keyPosition + id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// -------------------------
// Trades
// -------------------------

// Trades returns the terminal trade records for one trading mode
func (b *BuntStore) Trades(_ context.Context, mode core.TradingMode) ([]core.Trade, error) {
	out := make([]core.Trade, 0)
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyTrade+"*", func(key, value string) bool {
			var t core.Trade
			if err := json.Unmarshal([]byte(value), &t); err != nil {
				return true
			}
			if t.TradingMode == mode {
				out = append(out, t)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return out, nil
}

// CreateTrade persists a terminal trade record
func (b *BuntStore) CreateTrade(_ context.Context, t *core.Trade) error {
	if t.TradeID == "" {
		t.TradeID = uuid.NewString()
	}
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, keyTrade+t.TradeID, t)
	})
}

// -------------------------
// Session (leader election)
// -------------------------

// Session returns the shared leader election record. A missing record reads
// as the zero Session, which any candidate can acquire.
func (b *BuntStore) Session(_ context.Context) (core.Session, error) {
	var s core.Session
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keySession)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &s)
	})
	if err != nil {
		return core.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// AcquireLeadership attempts to take the leader lease by compare-and-swap.
// It succeeds when the lease is unheld, expired, globally inactive, or
// already held by sessionID; the read, decision, and write all run inside
// one write transaction so two candidates can never both win.
func (b *BuntStore) AcquireLeadership(_ context.Context, sessionID string, timeout time.Duration) (bool, error) {
	acquired := false
	err := b.db.Update(func(tx *buntdb.Tx) error {
		var current core.Session
		value, err := tx.Get(keySession)
		switch err {
		case nil:
			if err := json.Unmarshal([]byte(value), &current); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
		case buntdb.ErrNotFound:
			// No lease yet
		default:
			return err
		}

		now := b.now()
		held := current.LeaderSessionID != "" &&
			current.LeaderSessionID != sessionID &&
			current.IsGloballyActive &&
			!current.Expired(now, timeout)
		if held {
			return nil
		}

		acquired = true
		return setJSON(tx, keySession, core.Session{
			LeaderSessionID:  sessionID,
			LastHeartbeat:    now,
			IsGloballyActive: true,
		})
	})
	if err != nil {
		return false, fmt.Errorf("acquire leadership: %w", err)
	}
	return acquired, nil
}

// Heartbeat refreshes the lease timestamp. It fails with
// core.ErrLeadershipLost when sessionID no longer holds the lease.
func (b *BuntStore) Heartbeat(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keySession)
		if err == buntdb.ErrNotFound {
			return core.ErrLeadershipLost
		}
		if err != nil {
			return err
		}

		var current core.Session
		if err := json.Unmarshal([]byte(value), &current); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if current.LeaderSessionID != sessionID || !current.IsGloballyActive {
			return core.ErrLeadershipLost
		}

		current.LastHeartbeat = b.now()
		return setJSON(tx, keySession, current)
	})
}

// ReleaseLeadership gives up the lease if sessionID still holds it
func (b *BuntStore) ReleaseLeadership(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keySession)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var current core.Session
		if err := json.Unmarshal([]byte(value), &current); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if current.LeaderSessionID != sessionID {
			return nil
		}

		current.IsGloballyActive = false
		return setJSON(tx, keySession, current)
	})
}

// -------------------------
// Settings / stats
// -------------------------

// ScanSettings returns the single settings row, falling back to defaults
// when none has been saved yet
func (b *BuntStore) ScanSettings(_ context.Context) (core.ScanSettings, error) {
	settings := core.DefaultScanSettings()
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keySettings)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &settings)
	})
	if err != nil {
		return core.ScanSettings{}, fmt.Errorf("get scan settings: %w", err)
	}
	return settings, nil
}

// SaveScanSettings overwrites the single settings row
func (b *BuntStore) SaveScanSettings(_ context.Context, s core.ScanSettings) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, keySettings, s)
	})
}

// ScannerStats returns per-mode telemetry; a mode with no record yet reads
// as zeroed stats
func (b *BuntStore) ScannerStats(_ context.Context, mode core.TradingMode) (core.ScannerStats, error) {
	stats := core.ScannerStats{Mode: mode}
	err := b.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(keyStats + string(mode))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &stats)
	})
	if err != nil {
		return core.ScannerStats{}, fmt.Errorf("get scanner stats: %w", err)
	}
	return stats, nil
}

// SaveScannerStats upserts the per-mode telemetry record
func (b *BuntStore) SaveScannerStats(_ context.Context, s core.ScannerStats) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, keyStats+string(s.Mode), s)
	})
}

func setJSON(tx *buntdb.Tx, key string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", strings.SplitN(key, ":", 2)[0], err)
	}
	if _, _, err := tx.Set(key, string(content), nil); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
