package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
	"github.com/sigscan/sigscan/strategy"
)

// scannerStore is a scriptable in-memory core.Store for scanner tests
type scannerStore struct {
	mu sync.Mutex

	strategies []core.Strategy
	settings   *core.ScanSettings
	stats      map[core.TradingMode]core.ScannerStats

	acquire      bool
	heartbeatErr error
	released     []string
}

func newScannerStore() *scannerStore {
	return &scannerStore{
		acquire: true,
		stats:   make(map[core.TradingMode]core.ScannerStats),
	}
}

func (s *scannerStore) Strategies(context.Context, ...core.StrategyFilter) ([]core.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Strategy, len(s.strategies))
	copy(out, s.strategies)
	return out, nil
}

func (s *scannerStore) Strategy(_ context.Context, id string) (core.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, strat := range s.strategies {
		if strat.ID == id {
			return strat, nil
		}
	}
	return core.Strategy{}, core.ErrNotFound
}

func (s *scannerStore) CreateStrategy(_ context.Context, strat *core.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies = append(s.strategies, *strat)
	return nil
}

func (s *scannerStore) UpdateStrategy(context.Context, *core.Strategy) error { return nil }
func (s *scannerStore) DeleteStrategy(context.Context, string) error         { return nil }

func (s *scannerStore) Positions(context.Context, ...core.PositionFilter) ([]core.LivePosition, error) {
	return nil, nil
}

func (s *scannerStore) CreatePosition(context.Context, *core.LivePosition) error { return nil }
func (s *scannerStore) UpdatePosition(context.Context, *core.LivePosition) error { return nil }
func (s *scannerStore) DeletePosition(context.Context, string) error             { return nil }

func (s *scannerStore) Trades(context.Context, core.TradingMode) ([]core.Trade, error) {
	return nil, nil
}

func (s *scannerStore) CreateTrade(context.Context, *core.Trade) error { return nil }

func (s *scannerStore) Session(context.Context) (core.Session, error) {
	return core.Session{}, nil
}

func (s *scannerStore) AcquireLeadership(context.Context, string, time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquire, nil
}

func (s *scannerStore) Heartbeat(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatErr
}

func (s *scannerStore) ReleaseLeadership(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, sessionID)
	return nil
}

func (s *scannerStore) releasedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.released))
	copy(out, s.released)
	return out
}

func (s *scannerStore) setHeartbeatErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatErr = err
}

func (s *scannerStore) ScanSettings(context.Context) (core.ScanSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return core.ScanSettings{}, core.ErrNotFound
	}
	return *s.settings, nil
}

func (s *scannerStore) SaveScanSettings(_ context.Context, settings core.ScanSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = &settings
	return nil
}

func (s *scannerStore) ScannerStats(_ context.Context, mode core.TradingMode) (core.ScannerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[mode], nil
}

func (s *scannerStore) SaveScannerStats(_ context.Context, stats core.ScannerStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[stats.Mode] = stats
	return nil
}

func (s *scannerStore) savedStats(mode core.TradingMode) core.ScannerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[mode]
}

type fakeMonitor struct {
	monitorCalls atomic.Int64
	resets       atomic.Int64
}

func (m *fakeMonitor) MonitorAll(context.Context, core.TradingMode)    { m.monitorCalls.Add(1) }
func (m *fakeMonitor) OpenCount() int                                  { return 0 }
func (m *fakeMonitor) Restore(context.Context, core.TradingMode) error { return nil }
func (m *fakeMonitor) HardReset(context.Context)                       { m.resets.Add(1) }

type fakeChecker struct {
	checks atomic.Int64
	stops  atomic.Int64
}

func (c *fakeChecker) CheckOnce(context.Context) { c.checks.Add(1) }
func (c *fakeChecker) Stop()                     { c.stops.Add(1) }

type fakeBatchPrices struct {
	mu    sync.Mutex
	coins [][]string
}

func (p *fakeBatchPrices) GetBatchPrices(_ context.Context, _ core.TradingMode, coins []string) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coins = append(p.coins, coins)
	out := make(map[string]float64, len(coins))
	for _, coin := range coins {
		out[coin] = 100
	}
	return out, nil
}

func (p *fakeBatchPrices) requested() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.coins...)
}

type fakeWallet struct{}

func (fakeWallet) GetWallet(context.Context, core.TradingMode) (core.Wallet, error) {
	return core.Wallet{AvailableBalance: 1000}, nil
}

func activeStrategy(id, coin string) core.Strategy {
	s := core.Strategy{ID: id, IncludedInScanner: true}
	s.Coin = coin
	s.Timeframe = "1h"
	s.Signals = []core.SignalSpec{{Type: "rsi", Value: "oversold"}}
	s.CombinedStrength = 120
	return s
}

type scannerHarness struct {
	scanner *Scanner
	store   *scannerStore
	monitor *fakeMonitor
	checker *fakeChecker
	prices  *fakeBatchPrices
}

func newScannerHarness(t *testing.T, opts ...ScannerOption) *scannerHarness {
	t.Helper()

	store := newScannerStore()
	store.strategies = []core.Strategy{activeStrategy("s1", "BTCUSDT")}

	feeder := &fakeWindowFeeder{candles: windowCandles(50, true)}
	// The ranging classifier plus the default downtrend block keeps the
	// cycle from reaching the trade executor
	engine := NewDetectionEngine(feeder, fixedClassifier{
		result: core.RegimeClassification{Regime: core.RegimeRanging, Confidence: 50},
	}, nil, logger.NewDiscard())

	manager := strategy.NewManager(store, engine, logger.NewDiscard())
	monitor := &fakeMonitor{}
	checker := &fakeChecker{}
	prices := &fakeBatchPrices{}
	activity := NewActivityLog(100)

	s := New(store, manager, monitor, checker, prices, fakeWallet{}, engine,
		activity, logger.NewDiscard(), core.ModeTestnet, opts...)

	t.Cleanup(func() { s.Stop(context.Background()) })

	return &scannerHarness{scanner: s, store: store, monitor: monitor, checker: checker, prices: prices}
}

func TestStart_DeniedWhenAnotherSessionLeads(t *testing.T) {
	h := newScannerHarness(t)
	h.store.acquire = false

	err := h.scanner.Start(context.Background())
	require.ErrorIs(t, err, core.ErrLeadershipDenied)
	require.False(t, h.scanner.Running())
}

func TestStart_RunsScanCycles(t *testing.T) {
	h := newScannerHarness(t)

	require.NoError(t, h.scanner.Start(context.Background()))
	require.True(t, h.scanner.Running())

	require.Eventually(t, func() bool {
		return h.store.savedStats(core.ModeTestnet).TotalScanCycles >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.GreaterOrEqual(t, h.monitor.monitorCalls.Load(), int64(1))
	require.GreaterOrEqual(t, h.checker.checks.Load(), int64(1))

	requested := h.prices.requested()
	require.NotEmpty(t, requested)
	require.Equal(t, []string{"BTCUSDT"}, requested[0])

	stats := h.store.savedStats(core.ModeTestnet)
	require.Equal(t, core.ModeTestnet, stats.Mode)
	require.EqualValues(t, 1, stats.TotalScans)
	require.False(t, stats.LastUpdated.IsZero())
}

func TestStart_AlreadyRunning(t *testing.T) {
	h := newScannerHarness(t)

	require.NoError(t, h.scanner.Start(context.Background()))
	require.Error(t, h.scanner.Start(context.Background()))
}

func TestStart_InvalidSettings(t *testing.T) {
	h := newScannerHarness(t)
	h.store.settings = &core.ScanSettings{ScanFrequencyMs: 1, MaxPositions: 5,
		RiskPerTrade: 1, SignalMatchingMode: core.MatchingModeBoth}

	err := h.scanner.Start(context.Background())
	require.ErrorIs(t, err, core.ErrConfig)
	require.False(t, h.scanner.Running())
}

func TestStop_ReleasesLeadership(t *testing.T) {
	h := newScannerHarness(t)

	require.NoError(t, h.scanner.Start(context.Background()))
	h.scanner.Stop(context.Background())

	require.False(t, h.scanner.Running())
	require.EqualValues(t, 1, h.checker.stops.Load())
	require.Equal(t, []string{h.scanner.SessionID()}, h.store.releasedSessions())

	// Stopping again is a no-op
	h.scanner.Stop(context.Background())
	require.EqualValues(t, 1, h.checker.stops.Load())
}

func TestHeartbeatLost_StopsScanner(t *testing.T) {
	h := newScannerHarness(t, WithHeartbeatInterval(10*time.Millisecond))

	require.NoError(t, h.scanner.Start(context.Background()))
	h.store.setHeartbeatErr(core.ErrLeadershipLost)

	require.Eventually(t, func() bool {
		return !h.scanner.Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSwitchMode(t *testing.T) {
	h := newScannerHarness(t)

	require.NoError(t, h.scanner.Start(context.Background()))
	require.NoError(t, h.scanner.SwitchMode(context.Background(), core.ModeLive))

	require.Equal(t, core.ModeLive, h.scanner.Mode())
	require.True(t, h.scanner.Running())
}

func TestHardReset(t *testing.T) {
	h := newScannerHarness(t)

	require.NoError(t, h.scanner.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.store.savedStats(core.ModeTestnet).TotalScanCycles >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.scanner.HardReset(context.Background()))

	require.EqualValues(t, 1, h.monitor.resets.Load())
	require.True(t, h.scanner.Running())
}

func TestCoinUniverse_Deduplicates(t *testing.T) {
	strategies := []core.Strategy{
		activeStrategy("a", "BTCUSDT"),
		activeStrategy("b", "ETHUSDT"),
		activeStrategy("c", "BTCUSDT"),
	}
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, coinUniverse(strategies))
}
