// Package strategy loads, filters, and ranks the persisted strategies the
// live scanner evaluates each cycle.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// Filter thresholds for the underperforming rule
const (
	underperformMinTrades    = 5
	underperformProfitFactor = 0.8
	underperformSuccessRate  = 25.0
)

// RejectionCounters tallies why strategies were excluded from the active
// set, in filter order
type RejectionCounters struct {
	OptedOut        int64 `json:"opted_out"`
	EmptySignals    int64 `json:"empty_signals"`
	LowStrength     int64 `json:"low_strength"`
	Underperforming int64 `json:"underperforming"`
	NotIncluded     int64 `json:"not_included"`
}

// EvalInput is the per-cycle context handed to the detection engine.
// Conviction is an optional externally supplied momentum score in 0..100;
// zero means not provided and disables the conviction filter.
type EvalInput struct {
	Strategies []core.Strategy
	Wallet     core.Wallet
	Settings   core.ScanSettings
	Regime     core.RegimeClassification
	Prices     map[string]float64
	Mode       core.TradingMode
	Conviction float64
}

// EvalResult summarizes one evaluation pass
type EvalResult struct {
	SignalsFound   int
	TradesExecuted int
}

// Detector is the narrow detection-engine interface the manager delegates
// evaluation to
type Detector interface {
	Scan(ctx context.Context, in EvalInput) (EvalResult, error)
}

// Manager owns the active strategy list. All reads return snapshots;
// Refresh rebuilds the list and notifies subscribers.
type Manager struct {
	store    core.StrategyStore
	detector Detector
	log      logger.Logger

	mu       sync.RWMutex
	active   []core.Strategy
	loadedAt time.Time
	counters RejectionCounters
	avgStr   float64

	subMu  sync.Mutex
	subs   map[int64]chan []core.Strategy
	nextID int64
}

// NewManager builds a manager over the strategy store
func NewManager(store core.StrategyStore, detector Detector, log logger.Logger) *Manager {
	return &Manager{
		store:    store,
		detector: detector,
		log:      log,
		subs:     make(map[int64]chan []core.Strategy),
	}
}

// LoadActive loads, filters, scores, and ranks the strategies eligible for
// scanning under the given trading mode
func (m *Manager) LoadActive(ctx context.Context, mode core.TradingMode, settings core.ScanSettings) ([]core.Strategy, error) {
	all, err := m.store.Strategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}

	var counters RejectionCounters
	active := make([]core.Strategy, 0, len(all))
	var strengthSum float64

	for _, s := range all {
		if !m.admit(s, settings, &counters) {
			continue
		}
		s.ProfitabilityScore = Score(s)
		active = append(active, s)
		strengthSum += s.CombinedStrength
	}

	sort.SliceStable(active, func(a, b int) bool {
		return active[a].ProfitabilityScore > active[b].ProfitabilityScore
	})

	avg := 0.0
	if len(active) > 0 {
		avg = strengthSum / float64(len(active))
	}

	m.mu.Lock()
	m.active = active
	m.loadedAt = time.Now()
	m.counters = counters
	m.avgStr = avg
	m.mu.Unlock()

	m.log.WithFields(map[string]any{
		"mode":     string(mode),
		"loaded":   len(all),
		"active":   len(active),
		"rejected": len(all) - len(active),
	}).Info("active strategies loaded")

	return active, nil
}

// admit applies the filter rules in order; the first failing rule counts
// the rejection
func (m *Manager) admit(s core.Strategy, settings core.ScanSettings, counters *RejectionCounters) bool {
	if s.OptedOutGlobally || s.OptedOutForCoin {
		counters.OptedOut++
		return false
	}
	if len(s.Signals) == 0 {
		counters.EmptySignals++
		return false
	}
	if s.CombinedStrength < settings.MinimumCombinedStrength {
		counters.LowStrength++
		return false
	}
	if s.RealTradeCount >= underperformMinTrades &&
		(s.RealProfitFactor < underperformProfitFactor || s.RealSuccessRate < underperformSuccessRate) {
		counters.Underperforming++
		return false
	}
	if !s.IncludedInScanner {
		counters.NotIncluded++
		return false
	}
	return true
}

// Score computes the profitability ranking score. Real-trade metrics
// dominate once enough live trades exist; below that the backtest metrics
// carry the weight, with a small bonus for unproven strategies so they get
// a chance to trade.
func Score(s core.Strategy) float64 {
	rPF, rSR := s.RealProfitFactor, s.RealSuccessRate
	bPF, bSR := s.ProfitFactor, s.SuccessRate
	cs := s.CombinedStrength

	switch {
	case s.RealTradeCount >= 10:
		return 0.4*rPF + 0.003*rSR + 0.2*bPF + 0.001*bSR + 0.001*cs
	case s.RealTradeCount >= 5:
		return 0.3*rPF + 0.002*rSR + 0.3*bPF + 0.002*bSR + 0.001*cs
	default:
		score := 0.4*bPF + 0.003*bSR + 0.002*cs
		if s.RealTradeCount == 0 {
			score += 0.5
			if cs > 0 {
				score += cs / 1000
			}
		} else {
			score -= 0.2
		}
		return score
	}
}

// Active returns the current snapshot of ranked strategies
func (m *Manager) Active() []core.Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Strategy, len(m.active))
	copy(out, m.active)
	return out
}

// Stale reports whether the active set is older than maxAge
func (m *Manager) Stale(maxAge time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.loadedAt) > maxAge
}

// Counters returns the rejection tallies from the last load
func (m *Manager) Counters() RejectionCounters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters
}

// AverageSignalStrength returns the mean combined strength of the active
// set from the last load
func (m *Manager) AverageSignalStrength() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avgStr
}

// Refresh rebuilds the active list and notifies subscribers with the new
// snapshot. Slow subscribers miss updates rather than block the scanner.
func (m *Manager) Refresh(ctx context.Context, mode core.TradingMode, settings core.ScanSettings) error {
	active, err := m.LoadActive(ctx, mode, settings)
	if err != nil {
		return err
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- active:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving each refreshed strategy list and a
// function that unsubscribes
func (m *Manager) Subscribe() (<-chan []core.Strategy, func()) {
	ch := make(chan []core.Strategy, 1)

	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Evaluate delegates one scan pass over the given strategies to the
// detection engine
func (m *Manager) Evaluate(ctx context.Context, in EvalInput) (EvalResult, error) {
	return m.detector.Scan(ctx, in)
}
