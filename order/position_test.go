package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// fakeStore is an in-memory core.Store for the order tests
type fakeStore struct {
	mu sync.Mutex

	strategies map[string]core.Strategy
	positions  map[string]core.LivePosition
	trades     []core.Trade

	createPositionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		strategies: make(map[string]core.Strategy),
		positions:  make(map[string]core.LivePosition),
	}
}

func (s *fakeStore) Strategies(_ context.Context, filters ...core.StrategyFilter) ([]core.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Strategy, 0, len(s.strategies))
	for _, strat := range s.strategies {
		keep := true
		for _, f := range filters {
			if !f(strat) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, strat)
		}
	}
	return out, nil
}

func (s *fakeStore) Strategy(_ context.Context, id string) (core.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strat, ok := s.strategies[id]
	if !ok {
		return core.Strategy{}, core.ErrNotFound
	}
	return strat, nil
}

func (s *fakeStore) CreateStrategy(_ context.Context, strat *core.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[strat.ID] = *strat
	return nil
}

func (s *fakeStore) UpdateStrategy(_ context.Context, strat *core.Strategy) error {
	return s.CreateStrategy(context.Background(), strat)
}

func (s *fakeStore) DeleteStrategy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strategies, id)
	return nil
}

func (s *fakeStore) Positions(_ context.Context, filters ...core.PositionFilter) ([]core.LivePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LivePosition, 0, len(s.positions))
	for _, p := range s.positions {
		keep := true
		for _, f := range filters {
			if !f(p) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) CreatePosition(_ context.Context, p *core.LivePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createPositionErr != nil {
		return s.createPositionErr
	}
	s.positions[p.PositionID] = *p
	return nil
}

func (s *fakeStore) UpdatePosition(_ context.Context, p *core.LivePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.PositionID] = *p
	return nil
}

func (s *fakeStore) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	return nil
}

func (s *fakeStore) Trades(_ context.Context, mode core.TradingMode) ([]core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		if t.TradingMode == mode {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateTrade(_ context.Context, t *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *fakeStore) Session(context.Context) (core.Session, error) {
	return core.Session{}, core.ErrNotFound
}

func (s *fakeStore) AcquireLeadership(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (s *fakeStore) Heartbeat(context.Context, string) error         { return nil }
func (s *fakeStore) ReleaseLeadership(context.Context, string) error { return nil }

func (s *fakeStore) ScanSettings(context.Context) (core.ScanSettings, error) {
	return core.ScanSettings{}, core.ErrNotFound
}
func (s *fakeStore) SaveScanSettings(context.Context, core.ScanSettings) error { return nil }

func (s *fakeStore) ScannerStats(context.Context, core.TradingMode) (core.ScannerStats, error) {
	return core.ScannerStats{}, core.ErrNotFound
}
func (s *fakeStore) SaveScannerStats(context.Context, core.ScannerStats) error { return nil }

// fakePrices serves scripted prices
type fakePrices struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (p *fakePrices) set(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

func (p *fakePrices) GetPrice(context.Context, core.TradingMode, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	return p.price, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(string)      {}
func (noopNotifier) OnTrade(core.Trade) {}
func (noopNotifier) OnError(error)      {}

type recordingArchive struct {
	mu     sync.Mutex
	trades []core.Trade
}

func (a *recordingArchive) ArchiveTrade(_ context.Context, t core.Trade) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = append(a.trades, t)
	return nil
}

type positionHarness struct {
	manager *PositionManager
	client  *fakeClient
	store   *fakeStore
	prices  *fakePrices
	pending *PendingManager
	archive *recordingArchive
	clock   *fakeClock
}

func newPositionHarness(t *testing.T) *positionHarness {
	t.Helper()

	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient()
	store := newFakeStore()
	prices := &fakePrices{}
	archive := &recordingArchive{}
	feed := NewFeed()
	pending := NewPendingManager(client, feed, logger.NewDiscard(), WithPendingClock(clock.Now))
	t.Cleanup(pending.Stop)

	manager := NewPositionManager(store, client, prices, pending, feed, noopNotifier{}, logger.NewDiscard(),
		WithPositionClock(clock.Now), WithTradeArchiver(archive))

	return &positionHarness{
		manager: manager,
		client:  client,
		store:   store,
		prices:  prices,
		pending: pending,
		archive: archive,
		clock:   clock,
	}
}

func testStrategy() core.Strategy {
	s := core.Strategy{
		ID:                       "strat-1",
		StopLossAtrMultiplier:    1.5,
		TakeProfitAtrMultiplier:  10,
		EnableTrailingTakeProfit: true,
		TrailingStopPercentage:   1.0,
		RiskPercentage:           1.0,
	}
	s.CombinationName = "rsi-dip"
	s.Coin = "BTCUSDT"
	s.Timeframe = "1h"
	return s
}

func buyFill(h *positionHarness, strat core.Strategy, entry, quantity, atr float64) core.LivePosition {
	h.manager.OnBuyFilled(context.Background(), core.PendingOrder{
		OrderID:     "buy-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Quantity:    quantity,
		Price:       entry,
		TradingMode: core.ModeTestnet,
		Metadata: core.OrderMetadata{
			StrategyID:   strat.ID,
			StrategyName: strat.Name(),
			ATR:          atr,
		},
	}, core.OrderInfo{
		OrderID:     "buy-1",
		Status:      core.OrderStatusTypeFilled,
		ExecutedQty: quantity,
		AvgPrice:    entry,
	})
	positions := h.manager.Positions()
	if len(positions) != 1 {
		panic("expected exactly one open position")
	}
	return positions[0]
}

func TestComputeSizing(t *testing.T) {
	// Balance 1000, 1% risk, ATR 2, SL mult 1.5: risk 10 over a 3.0 stop
	s := ComputeSizing(1000, 1.0, 1.5, 3.0, 2.0, 100)
	require.InDelta(t, 10, s.RiskAmount, 1e-9)
	require.InDelta(t, 3.0, s.StopLossDistance, 1e-9)
	require.InDelta(t, 6.0, s.TakeProfitDistance, 1e-9)
	require.InDelta(t, 10.0/3.0, s.Quantity, 1e-9)
	require.InDelta(t, 1000.0/3.0, s.PositionValue, 1e-6)
	require.InDelta(t, 2.0, s.RewardRiskRatio, 1e-9)
}

func TestComputeSizing_AtrFallback(t *testing.T) {
	// No usable ATR: the stop falls back to 2% of price, the target to 2x
	s := ComputeSizing(1000, 1.0, 1.5, 3.0, 0, 100)
	require.InDelta(t, 2.0, s.StopLossDistance, 1e-9)
	require.InDelta(t, 4.0, s.TakeProfitDistance, 1e-9)
}

func TestComputeSizing_ValueCappedAtBalance(t *testing.T) {
	// Risk amount over a tight stop wants a position bigger than the account
	s := ComputeSizing(100, 100, 1.0, 2.0, 1.0, 100)
	require.InDelta(t, 100, s.PositionValue, 1e-9)
	require.InDelta(t, 1.0, s.Quantity, 1e-9)
}

func TestOpen_InsufficientBalance(t *testing.T) {
	h := newPositionHarness(t)

	err := h.manager.Open(context.Background(), core.SignalMatch{Coin: "BTCUSDT", Price: 100},
		testStrategy(), core.Wallet{AvailableBalance: 5},
		core.ScanSettings{DefaultPositionSize: 100, MaxPositions: 5}, 2.0, core.ModeTestnet)

	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	require.Empty(t, h.client.createdOrders())
}

func TestOpen_PositionLimit(t *testing.T) {
	h := newPositionHarness(t)
	require.NoError(t, h.store.CreateStrategy(context.Background(), &core.Strategy{ID: "strat-1"}))
	buyFill(h, testStrategy(), 100, 1, 2)

	err := h.manager.Open(context.Background(), core.SignalMatch{Coin: "ETHUSDT", Price: 50},
		testStrategy(), core.Wallet{AvailableBalance: 10_000},
		core.ScanSettings{DefaultPositionSize: 100, MaxPositions: 1}, 2.0, core.ModeTestnet)

	require.Error(t, err)
	require.Contains(t, err.Error(), "position limit")
}

func TestOpen_SubmitsMarketBuy(t *testing.T) {
	h := newPositionHarness(t)

	err := h.manager.Open(context.Background(), core.SignalMatch{Coin: "BTCUSDT", Price: 100, CombinedStrength: 130},
		testStrategy(), core.Wallet{AvailableBalance: 1000},
		core.ScanSettings{DefaultPositionSize: 100, MaxPositions: 5}, 2.0, core.ModeTestnet)
	require.NoError(t, err)

	created := h.client.createdOrders()
	require.Len(t, created, 1)
	require.Equal(t, core.SideTypeBuy, created[0].Side)
	require.Equal(t, core.OrderTypeMarket, created[0].Type)
	require.InDelta(t, 1.0, created[0].Quantity, 1e-9)

	pending := h.pending.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "strat-1", pending[0].Metadata.StrategyID)
	require.InDelta(t, 2.0, pending[0].Metadata.ATR, 1e-9)
	require.NotNil(t, pending[0].Metadata.Signal)
}

func TestOpen_FloorsAtMinimumNotional(t *testing.T) {
	h := newPositionHarness(t)

	// Tiny configured size still buys the exchange minimum
	err := h.manager.Open(context.Background(), core.SignalMatch{Coin: "BTCUSDT", Price: 100},
		testStrategy(), core.Wallet{AvailableBalance: 1000},
		core.ScanSettings{DefaultPositionSize: 2, MaxPositions: 5}, 2.0, core.ModeTestnet)
	require.NoError(t, err)

	created := h.client.createdOrders()
	require.Len(t, created, 1)
	require.InDelta(t, 0.1, created[0].Quantity, 1e-9)
}

func TestOnBuyFilled_CreatesPosition(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))

	p := buyFill(h, strat, 100, 1, 2)

	require.Equal(t, core.PositionStatusOpen, p.Status)
	require.InDelta(t, 100, p.EntryPrice, 1e-9)
	require.InDelta(t, 97, p.StopLossPrice, 1e-9)    // 100 - 2*1.5
	require.InDelta(t, 120, p.TakeProfitPrice, 1e-9) // 100 + 2*10
	require.InDelta(t, 100, p.MaxPriceSeen, 1e-9)
	require.True(t, p.EnableTrailingTakeProfit)

	persisted, err := h.store.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, p.PositionID, persisted[0].PositionID)
}

func TestOnBuyFilled_MissingStrategyUsesDefaults(t *testing.T) {
	h := newPositionHarness(t)

	p := buyFill(h, core.Strategy{ID: "gone"}, 100, 1, 2)

	require.InDelta(t, 97, p.StopLossPrice, 1e-9)    // 100 - 2*1.5
	require.InDelta(t, 106, p.TakeProfitPrice, 1e-9) // 100 + 2*3
}

func TestMonitor_TrailingStopExit(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	ctx := context.Background()

	// Rally to 108 lifts the trailing stop to 106.92
	h.prices.set(108)
	h.manager.MonitorAll(ctx, core.ModeTestnet)
	p := h.manager.Positions()[0]
	require.InDelta(t, 108, p.MaxPriceSeen, 1e-9)
	require.InDelta(t, 106.92, p.StopLossPrice, 1e-9)
	require.Equal(t, core.PositionStatusOpen, p.Status)

	// A pullback that stays above the stop changes nothing
	h.prices.set(107.5)
	h.manager.MonitorAll(ctx, core.ModeTestnet)
	p = h.manager.Positions()[0]
	require.InDelta(t, 108, p.MaxPriceSeen, 1e-9)
	require.Equal(t, core.PositionStatusOpen, p.Status)

	// Falling through the trailing stop fires the exit
	h.prices.set(106)
	h.manager.MonitorAll(ctx, core.ModeTestnet)
	p = h.manager.Positions()[0]
	require.Equal(t, core.PositionStatusClosing, p.Status)

	created := h.client.createdOrders()
	require.Len(t, created, 1)
	require.Equal(t, core.SideTypeSell, created[0].Side)

	pending := h.pending.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, core.ExitReasonStopLoss, pending[0].Metadata.ExitReason)
}

func TestMonitor_TakeProfitExit(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	strat.EnableTrailingTakeProfit = false
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	h.prices.set(121)
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)

	pending := h.pending.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, core.ExitReasonTakeProfit, pending[0].Metadata.ExitReason)
}

func TestMonitor_TimeExit(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	strat.EnableTrailingTakeProfit = false
	strat.EstimatedExitTimeMinutes = 60
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	h.prices.set(101)
	h.clock.Advance(59 * time.Minute)
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)
	require.Empty(t, h.pending.Pending())

	h.clock.Advance(2 * time.Minute)
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)

	pending := h.pending.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, core.ExitReasonTimeExit, pending[0].Metadata.ExitReason)
}

func TestMonitor_PriceRefreshFailureSkipsExitCheck(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	h.prices.err = errors.New("cache down")
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)

	p := h.manager.Positions()[0]
	require.Equal(t, core.PositionStatusOpen, p.Status)
	require.Empty(t, h.client.createdOrders())
}

func TestMonitor_FailedSellReopensForRetry(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	h.client.createErr = errors.New("exchange rejected")
	h.prices.set(90)
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)

	p := h.manager.Positions()[0]
	require.Equal(t, core.PositionStatusOpen, p.Status)

	// Next tick retries the exit once the exchange recovers
	h.client.createErr = nil
	h.manager.MonitorAll(context.Background(), core.ModeTestnet)
	require.Equal(t, core.PositionStatusClosing, h.manager.Positions()[0].Status)
	require.Len(t, h.pending.Pending(), 1)
}

func TestOnSellFilled_FinalizesTrade(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	p := buyFill(h, strat, 100, 2, 2)

	h.manager.OnSellFilled(context.Background(), core.PendingOrder{
		OrderID:     "sell-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeSell,
		Quantity:    2,
		TradingMode: core.ModeTestnet,
		Metadata: core.OrderMetadata{
			PositionID: p.PositionID,
			StrategyID: strat.ID,
			ExitReason: core.ExitReasonTakeProfit,
		},
	}, core.OrderInfo{
		OrderID:     "sell-1",
		Status:      core.OrderStatusTypeFilled,
		ExecutedQty: 2,
		AvgPrice:    110,
	})

	require.Zero(t, h.manager.OpenCount())

	trades, err := h.store.Trades(context.Background(), core.ModeTestnet)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.InDelta(t, 20, trades[0].Pnl, 1e-9) // (110-100)*2
	require.InDelta(t, 10, trades[0].PnlPercentage, 1e-9)
	require.Equal(t, core.ExitReasonTakeProfit, trades[0].ExitReason)

	// Closed position is gone from the store, the trade is archived
	persisted, err := h.store.Positions(context.Background())
	require.NoError(t, err)
	require.Empty(t, persisted)
	require.Len(t, h.archive.trades, 1)

	// Real-trade stats folded into the strategy
	updated, err := h.store.Strategy(context.Background(), strat.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.RealTradeCount)
	require.InDelta(t, 100, updated.RealSuccessRate, 1e-9)
	require.InDelta(t, 999.99, updated.RealProfitFactor, 1e-9)
}

func TestOnSellFilled_LosingTradeStats(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	p := buyFill(h, strat, 100, 1, 2)

	h.manager.OnSellFilled(context.Background(), core.PendingOrder{
		OrderID:     "sell-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeSell,
		TradingMode: core.ModeTestnet,
		Metadata:    core.OrderMetadata{PositionID: p.PositionID, StrategyID: strat.ID, ExitReason: core.ExitReasonStopLoss},
	}, core.OrderInfo{Status: core.OrderStatusTypeFilled, ExecutedQty: 1, AvgPrice: 95})

	updated, err := h.store.Strategy(context.Background(), strat.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.RealTradeCount)
	require.Zero(t, updated.RealSuccessRate)
	require.Zero(t, updated.RealProfitFactor)
}

func TestOnSellFilled_UnknownPosition(t *testing.T) {
	h := newPositionHarness(t)

	h.manager.OnSellFilled(context.Background(), core.PendingOrder{
		Metadata: core.OrderMetadata{PositionID: "nope"},
	}, core.OrderInfo{Status: core.OrderStatusTypeFilled})

	trades, err := h.store.Trades(context.Background(), core.ModeTestnet)
	require.NoError(t, err)
	require.Empty(t, trades)
}

func TestClose_Manual(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	p := buyFill(h, strat, 100, 1, 2)

	require.NoError(t, h.manager.Close(context.Background(), p.PositionID))

	pending := h.pending.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, core.ExitReasonManual, pending[0].Metadata.ExitReason)

	// A second manual close while the first is in flight is refused
	require.ErrorIs(t, h.manager.Close(context.Background(), p.PositionID), core.ErrNotFound)
}

func TestRestore_LoadsOpenPositions(t *testing.T) {
	h := newPositionHarness(t)
	require.NoError(t, h.store.CreatePosition(context.Background(), &core.LivePosition{
		PositionID:  "pos-1",
		Coin:        "BTCUSDT",
		Status:      core.PositionStatusOpen,
		TradingMode: core.ModeTestnet,
	}))
	require.NoError(t, h.store.CreatePosition(context.Background(), &core.LivePosition{
		PositionID:  "pos-2",
		Coin:        "ETHUSDT",
		Status:      core.PositionStatusClosed,
		TradingMode: core.ModeTestnet,
	}))

	require.NoError(t, h.manager.Restore(context.Background(), core.ModeTestnet))
	require.Equal(t, 1, h.manager.OpenCount())
}

func TestHardReset_PersistsAndDrops(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	p := buyFill(h, strat, 100, 1, 2)

	h.manager.HardReset(context.Background())

	require.Zero(t, h.manager.OpenCount())
	persisted, err := h.store.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, p.PositionID, persisted[0].PositionID)
}

func TestMonitor_ExpiredSellReopensPosition(t *testing.T) {
	h := newPositionHarness(t)
	strat := testStrategy()
	require.NoError(t, h.store.CreateStrategy(context.Background(), &strat))
	buyFill(h, strat, 100, 1, 2)

	ctx := context.Background()

	// The stop loss fires and the SELL goes out
	h.prices.set(96)
	h.manager.MonitorAll(ctx, core.ModeTestnet)
	require.Equal(t, core.PositionStatusClosing, h.manager.Positions()[0].Status)
	require.Len(t, h.client.createdOrders(), 1)

	// The SELL never fills; expiry hands the position back for retry
	h.clock.Advance(301 * time.Second)
	h.pending.CheckOnce(ctx)

	p := h.manager.Positions()[0]
	require.Equal(t, core.PositionStatusOpen, p.Status)
	require.Empty(t, h.pending.Pending())

	persisted, err := h.store.Positions(ctx, core.WithPositionStatus(core.PositionStatusOpen))
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// The next monitor tick retries the exit with a fresh SELL
	h.manager.MonitorAll(ctx, core.ModeTestnet)
	created := h.client.createdOrders()
	require.Len(t, created, 2)
	require.Equal(t, core.SideTypeSell, created[1].Side)
	require.Equal(t, core.PositionStatusClosing, h.manager.Positions()[0].Status)
}
