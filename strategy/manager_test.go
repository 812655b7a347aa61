package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

type fakeStrategyStore struct {
	strategies []core.Strategy
	err        error
}

func (f *fakeStrategyStore) Strategies(_ context.Context, filters ...core.StrategyFilter) ([]core.Strategy, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.Strategy, 0, len(f.strategies))
	for _, s := range f.strategies {
		keep := true
		for _, filter := range filters {
			if !filter(s) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStrategyStore) Strategy(_ context.Context, id string) (core.Strategy, error) {
	for _, s := range f.strategies {
		if s.ID == id {
			return s, nil
		}
	}
	return core.Strategy{}, core.ErrNotFound
}

func (f *fakeStrategyStore) CreateStrategy(_ context.Context, s *core.Strategy) error {
	f.strategies = append(f.strategies, *s)
	return nil
}

func (f *fakeStrategyStore) UpdateStrategy(_ context.Context, s *core.Strategy) error { return nil }
func (f *fakeStrategyStore) DeleteStrategy(_ context.Context, id string) error        { return nil }

func eligible(id string) core.Strategy {
	s := core.Strategy{
		ID:                id,
		IncludedInScanner: true,
	}
	s.Coin = "BTCUSDT"
	s.Timeframe = "1h"
	s.Signals = []core.SignalSpec{{Type: "rsi", Value: "oversold"}}
	s.CombinedStrength = 120
	s.ProfitFactor = 2.0
	s.SuccessRate = 60
	return s
}

func TestLoadActive_FilterRulesInOrder(t *testing.T) {
	optedOut := eligible("opted-out")
	optedOut.OptedOutGlobally = true

	noSignals := eligible("no-signals")
	noSignals.Signals = nil

	weak := eligible("weak")
	weak.CombinedStrength = 10

	underperformer := eligible("underperformer")
	underperformer.RealTradeCount = 8
	underperformer.RealProfitFactor = 0.5
	underperformer.RealSuccessRate = 50

	excluded := eligible("excluded")
	excluded.IncludedInScanner = false

	store := &fakeStrategyStore{strategies: []core.Strategy{
		optedOut, noSignals, weak, underperformer, excluded, eligible("good"),
	}}
	m := NewManager(store, nil, logger.NewDiscard())

	settings := core.ScanSettings{MinimumCombinedStrength: 50}
	active, err := m.LoadActive(context.Background(), core.ModeTestnet, settings)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "good", active[0].ID)

	counters := m.Counters()
	require.EqualValues(t, 1, counters.OptedOut)
	require.EqualValues(t, 1, counters.EmptySignals)
	require.EqualValues(t, 1, counters.LowStrength)
	require.EqualValues(t, 1, counters.Underperforming)
	require.EqualValues(t, 1, counters.NotIncluded)
}

func TestLoadActive_FirstFailingRuleCounts(t *testing.T) {
	// Opted out AND weak: only the opt-out counter moves
	s := eligible("both")
	s.OptedOutForCoin = true
	s.CombinedStrength = 1

	store := &fakeStrategyStore{strategies: []core.Strategy{s}}
	m := NewManager(store, nil, logger.NewDiscard())

	_, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{MinimumCombinedStrength: 50})
	require.NoError(t, err)

	counters := m.Counters()
	require.EqualValues(t, 1, counters.OptedOut)
	require.Zero(t, counters.LowStrength)
}

func TestLoadActive_UnderperformerNeedsEnoughTrades(t *testing.T) {
	// Bad real metrics but only 4 trades: still admitted
	young := eligible("young")
	young.RealTradeCount = 4
	young.RealProfitFactor = 0.1
	young.RealSuccessRate = 5

	store := &fakeStrategyStore{strategies: []core.Strategy{young}}
	m := NewManager(store, nil, logger.NewDiscard())

	active, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestLoadActive_RankedByScore(t *testing.T) {
	proven := eligible("proven")
	proven.RealTradeCount = 20
	proven.RealProfitFactor = 3.0
	proven.RealSuccessRate = 70

	mediocre := eligible("mediocre")
	mediocre.RealTradeCount = 20
	mediocre.RealProfitFactor = 1.1
	mediocre.RealSuccessRate = 40

	store := &fakeStrategyStore{strategies: []core.Strategy{mediocre, proven}}
	m := NewManager(store, nil, logger.NewDiscard())

	active, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "proven", active[0].ID)
	require.Greater(t, active[0].ProfitabilityScore, active[1].ProfitabilityScore)
}

func TestScore_Tiers(t *testing.T) {
	// >= 10 real trades: real metrics dominate
	s := eligible("s")
	s.RealTradeCount = 10
	s.RealProfitFactor = 2.0
	s.RealSuccessRate = 60
	s.ProfitFactor = 1.5
	s.SuccessRate = 50
	s.CombinedStrength = 100
	require.InDelta(t, 0.4*2.0+0.003*60+0.2*1.5+0.001*50+0.001*100, Score(s), 1e-9)

	// 5..9 real trades: blended
	s.RealTradeCount = 5
	require.InDelta(t, 0.3*2.0+0.002*60+0.3*1.5+0.002*50+0.001*100, Score(s), 1e-9)

	// Zero real trades: backtest metrics plus the unproven bonus
	s.RealTradeCount = 0
	require.InDelta(t, 0.4*1.5+0.003*50+0.002*100+0.5+100.0/1000, Score(s), 1e-9)

	// 1..4 real trades: backtest metrics minus the early penalty
	s.RealTradeCount = 2
	require.InDelta(t, 0.4*1.5+0.003*50+0.002*100-0.2, Score(s), 1e-9)
}

func TestActive_ReturnsSnapshot(t *testing.T) {
	store := &fakeStrategyStore{strategies: []core.Strategy{eligible("a")}}
	m := NewManager(store, nil, logger.NewDiscard())

	_, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.NoError(t, err)

	snapshot := m.Active()
	require.Len(t, snapshot, 1)
	snapshot[0].ID = "mutated"
	require.Equal(t, "a", m.Active()[0].ID)
}

func TestStale(t *testing.T) {
	store := &fakeStrategyStore{}
	m := NewManager(store, nil, logger.NewDiscard())
	require.True(t, m.Stale(time.Minute))

	_, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.NoError(t, err)
	require.False(t, m.Stale(time.Minute))
}

func TestRefresh_NotifiesSubscribers(t *testing.T) {
	store := &fakeStrategyStore{strategies: []core.Strategy{eligible("a")}}
	m := NewManager(store, nil, logger.NewDiscard())

	ch, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.Refresh(context.Background(), core.ModeTestnet, core.ScanSettings{}))

	select {
	case active := <-ch:
		require.Len(t, active, 1)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}

	cancel()
	require.NoError(t, m.Refresh(context.Background(), core.ModeTestnet, core.ScanSettings{}))
}

func TestLoadActive_StoreError(t *testing.T) {
	store := &fakeStrategyStore{err: errors.New("db closed")}
	m := NewManager(store, nil, logger.NewDiscard())

	_, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.Error(t, err)
}

func TestAverageSignalStrength(t *testing.T) {
	a := eligible("a")
	a.CombinedStrength = 100
	b := eligible("b")
	b.CombinedStrength = 200

	store := &fakeStrategyStore{strategies: []core.Strategy{a, b}}
	m := NewManager(store, nil, logger.NewDiscard())

	_, err := m.LoadActive(context.Background(), core.ModeTestnet, core.ScanSettings{})
	require.NoError(t, err)
	require.InDelta(t, 150, m.AverageSignalStrength(), 1e-9)
}
