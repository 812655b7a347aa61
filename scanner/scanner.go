// Package scanner runs the live scan loop: leader election over the shared
// session row, per-cycle strategy evaluation, position monitoring, and
// per-mode telemetry.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
	"github.com/sigscan/sigscan/strategy"
)

// Leader election timing
const (
	DefaultSessionTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// strategyMaxAge bounds how long an active strategy set is used before a
// reload at the top of a cycle
const strategyMaxAge = 5 * time.Minute

// regimeReference is the market whose candles classify the overall regime
const (
	regimeReferenceCoin      = "BTCUSDT"
	regimeReferenceTimeframe = "1h"
)

// fatalStoreFailures is the consecutive-failure budget before the scanner
// stops with ErrStoreUnavailable
const fatalStoreFailures = 5

// PositionMonitor is the position manager surface the scan cycle drives
type PositionMonitor interface {
	MonitorAll(ctx context.Context, mode core.TradingMode)
	OpenCount() int
	Restore(ctx context.Context, mode core.TradingMode) error
	HardReset(ctx context.Context)
}

// OrderChecker is the pending-order surface the scan cycle nudges
type OrderChecker interface {
	CheckOnce(ctx context.Context)
	Stop()
}

// BatchPriceSource warms the price cache for the cycle's coin universe
type BatchPriceSource interface {
	GetBatchPrices(ctx context.Context, mode core.TradingMode, coins []string) (map[string]float64, error)
}

// WalletSource refreshes the account balance once per cycle
type WalletSource interface {
	GetWallet(ctx context.Context, mode core.TradingMode) (core.Wallet, error)
}

// Scanner owns the scan loop for one process. At most one scanner in the
// cluster runs cycles at a time; the others are denied at Start.
type Scanner struct {
	store      core.Store
	strategies *strategy.Manager
	positions  PositionMonitor
	pending    OrderChecker
	prices     BatchPriceSource
	wallet     WalletSource
	engine     *DetectionEngine
	activity   *ActivityLog
	log        logger.Logger

	sessionID         string
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	mu            sync.Mutex
	mode          core.TradingMode
	settings      core.ScanSettings
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
	storeFailures int
}

// ScannerOption configures the scanner
type ScannerOption func(*Scanner)

// WithSessionTimeout overrides the leadership lease timeout
func WithSessionTimeout(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.sessionTimeout = d }
}

// WithHeartbeatInterval overrides the leader heartbeat interval
func WithHeartbeatInterval(d time.Duration) ScannerOption {
	return func(s *Scanner) { s.heartbeatInterval = d }
}

// WithScannerClock overrides the time source, used by tests
func WithScannerClock(now func() time.Time) ScannerOption {
	return func(s *Scanner) { s.now = now }
}

// WithSessionID fixes the session identity instead of generating one
func WithSessionID(id string) ScannerOption {
	return func(s *Scanner) { s.sessionID = id }
}

// New builds a scanner for the given trading mode
func New(store core.Store, strategies *strategy.Manager, positions PositionMonitor,
	pending OrderChecker, prices BatchPriceSource, wallet WalletSource,
	engine *DetectionEngine, activity *ActivityLog, log logger.Logger,
	mode core.TradingMode, opts ...ScannerOption) *Scanner {

	s := &Scanner{
		store:             store,
		strategies:        strategies,
		positions:         positions,
		pending:           pending,
		prices:            prices,
		wallet:            wallet,
		engine:            engine,
		activity:          activity,
		log:               log,
		sessionID:         uuid.NewString(),
		sessionTimeout:    DefaultSessionTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		now:               time.Now,
		mode:              mode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the scanner's cluster identity
func (s *Scanner) SessionID() string { return s.sessionID }

// Mode returns the current trading mode
func (s *Scanner) Mode() core.TradingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Running reports whether the scan loop is active
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start validates settings, acquires cluster leadership, and launches the
// scan loop. It returns ErrLeadershipDenied when another session is still
// heartbeating, and ErrConfig when settings are invalid.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scanner already running")
	}
	mode := s.mode
	s.mu.Unlock()

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return err
	}

	acquired, err := s.store.AcquireLeadership(ctx, s.sessionID, s.sessionTimeout)
	if err != nil {
		return fmt.Errorf("acquire leadership: %w", err)
	}
	if !acquired {
		s.activity.Record(core.ActivityWarning, "start denied, another session is leader", nil)
		return core.ErrLeadershipDenied
	}

	if err := s.positions.Restore(ctx, mode); err != nil {
		s.log.WithError(err).Warn("position restore failed")
	}
	if _, err := s.strategies.LoadActive(ctx, mode, settings); err != nil {
		s.log.WithError(err).Warn("initial strategy load failed")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.settings = settings
	s.running = true
	s.cancel = cancel
	s.done = done
	s.storeFailures = 0
	s.mu.Unlock()

	s.activity.Record(core.ActivityInfo, "scanner started",
		map[string]any{"session_id": s.sessionID, "mode": string(mode)})
	s.log.WithFields(map[string]any{"session_id": s.sessionID, "mode": string(mode)}).
		Info("scanner leadership acquired")

	go s.heartbeatLoop(loopCtx)
	go s.run(loopCtx, done)
	return nil
}

// Stop cancels the loops, stops pending-order monitoring, and releases
// leadership best-effort
func (s *Scanner) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	s.pending.Stop()

	if err := s.store.ReleaseLeadership(ctx, s.sessionID); err != nil {
		s.log.WithError(err).Warn("leadership release failed")
	}
	s.activity.Record(core.ActivityInfo, "scanner stopped", nil)
}

// Restart stops and starts the scanner under the same session
func (s *Scanner) Restart(ctx context.Context) error {
	s.Stop(ctx)
	return s.Start(ctx)
}

// HardReset stops the scanner, drops in-memory positions after persisting
// them, zeroes the per-mode stats row, clears candle caches, and restarts
func (s *Scanner) HardReset(ctx context.Context) error {
	s.Stop(ctx)

	s.positions.HardReset(ctx)
	s.engine.Invalidate()

	mode := s.Mode()
	if err := s.store.SaveScannerStats(ctx, core.ScannerStats{Mode: mode, LastUpdated: s.now()}); err != nil {
		s.log.WithError(err).Warn("stats reset failed")
	}

	s.activity.Record(core.ActivityWarning, "hard reset executed", map[string]any{"mode": string(mode)})
	return s.Start(ctx)
}

// SwitchMode stops the scanner, switches the trading mode, optionally
// resets the per-mode stats, and restarts
func (s *Scanner) SwitchMode(ctx context.Context, mode core.TradingMode) error {
	s.Stop(ctx)

	s.mu.Lock()
	s.mode = mode
	reset := s.settings.ResetStatsOnModeSwitch
	s.mu.Unlock()

	if reset {
		if err := s.store.SaveScannerStats(ctx, core.ScannerStats{Mode: mode, LastUpdated: s.now()}); err != nil {
			s.log.WithError(err).Warn("stats reset on mode switch failed")
		}
	}
	s.activity.Record(core.ActivityInfo, "trading mode switched", map[string]any{"mode": string(mode)})
	return s.Start(ctx)
}

// loadSettings reads the persisted settings row, falling back to defaults
// when none exists yet
func (s *Scanner) loadSettings(ctx context.Context) (core.ScanSettings, error) {
	settings, err := s.store.ScanSettings(ctx)
	if errors.Is(err, core.ErrNotFound) {
		settings = core.DefaultScanSettings()
	} else if err != nil {
		return core.ScanSettings{}, fmt.Errorf("load settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return core.ScanSettings{}, err
	}
	return settings, nil
}

// heartbeatLoop renews the leadership lease. A failed CAS means another
// session took over; the scanner stops gracefully.
func (s *Scanner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.store.Heartbeat(ctx, s.sessionID)
		if err == nil {
			continue
		}
		if errors.Is(err, core.ErrLeadershipLost) {
			s.activity.Record(core.ActivityError, "scanner leadership lost", nil)
			s.log.Error("leadership lost to another session, stopping")
			go s.Stop(context.Background())
			return
		}
		s.log.WithError(err).Warn("heartbeat failed")
	}
}

// run executes scan cycles until cancelled
func (s *Scanner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		start := s.now()
		if err := s.cycle(ctx); err != nil {
			if errors.Is(err, core.ErrStoreUnavailable) {
				s.activity.Record(core.ActivityError, "store unavailable, scanner stopping", nil)
				s.log.WithError(err).Error("fatal store failure")
				go s.Stop(context.Background())
				return
			}
			s.log.WithError(err).Warn("scan cycle failed")
		}
		elapsed := s.now().Sub(start)

		s.mu.Lock()
		frequency := time.Duration(s.settings.ScanFrequencyMs) * time.Millisecond
		s.mu.Unlock()

		sleep := frequency - elapsed
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle is one full scan pass
func (s *Scanner) cycle(ctx context.Context) error {
	start := s.now()

	s.mu.Lock()
	mode := s.mode
	settings := s.settings
	s.mu.Unlock()

	if s.strategies.Stale(strategyMaxAge) {
		if err := s.strategies.Refresh(ctx, mode, settings); err != nil {
			if s.noteStoreFailure() {
				return fmt.Errorf("strategy refresh: %w", core.ErrStoreUnavailable)
			}
			return fmt.Errorf("strategy refresh: %w", err)
		}
	}
	s.resetStoreFailures()

	active := s.strategies.Active()
	if len(active) == 0 {
		s.activity.Record(core.ActivityCycle, "cycle skipped, no active strategies", nil)
		return nil
	}

	coins := coinUniverse(active)
	prices, err := s.prices.GetBatchPrices(ctx, mode, coins)
	if err != nil {
		s.log.WithError(err).Warn("batch price warmup failed")
		prices = map[string]float64{}
	}

	s.positions.MonitorAll(ctx, mode)

	wallet, err := s.wallet.GetWallet(ctx, mode)
	if err != nil {
		s.log.WithError(err).Warn("wallet refresh failed, skipping new entries this cycle")
	}

	regime := s.engine.Regime(ctx, regimeReferenceCoin, regimeReferenceTimeframe)

	var result strategy.EvalResult
	if err == nil {
		result, err = s.strategies.Evaluate(ctx, strategy.EvalInput{
			Strategies: active,
			Wallet:     wallet,
			Settings:   settings,
			Regime:     regime,
			Prices:     prices,
			Mode:       mode,
		})
		if err != nil {
			s.log.WithError(err).Warn("evaluation pass failed")
		}
	}

	s.pending.CheckOnce(ctx)

	elapsed := s.now().Sub(start)
	s.updateStats(ctx, mode, len(active), result, elapsed)

	s.activity.Record(core.ActivityCycle, "scan cycle complete", map[string]any{
		"strategies": len(active),
		"signals":    result.SignalsFound,
		"trades":     result.TradesExecuted,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if result.TradesExecuted > 0 {
		s.activity.Record(core.ActivityTrade,
			fmt.Sprintf("%d trades executed this cycle", result.TradesExecuted), nil)
	}
	return nil
}

// updateStats upserts the per-mode telemetry row
func (s *Scanner) updateStats(ctx context.Context, mode core.TradingMode, scanned int,
	result strategy.EvalResult, elapsed time.Duration) {

	stats, err := s.store.ScannerStats(ctx, mode)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		s.log.WithError(err).Warn("stats load failed")
		return
	}
	stats.Mode = mode

	ms := float64(elapsed.Microseconds()) / 1000

	stats.TotalScanCycles++
	stats.TotalScans += int64(scanned)
	stats.SignalsFound += int64(result.SignalsFound)
	stats.TradesExecuted += int64(result.TradesExecuted)
	stats.LastScanTimeMs = ms
	stats.AverageScanTimeMs += (ms - stats.AverageScanTimeMs) / float64(stats.TotalScanCycles)
	stats.LastCycleAverageSignalStrength = s.strategies.AverageSignalStrength()
	if stats.AverageSignalStrength == 0 {
		stats.AverageSignalStrength = stats.LastCycleAverageSignalStrength
	} else {
		stats.AverageSignalStrength += (stats.LastCycleAverageSignalStrength - stats.AverageSignalStrength) / float64(stats.TotalScanCycles)
	}
	stats.LastUpdated = s.now()

	if err := s.store.SaveScannerStats(ctx, stats); err != nil {
		s.log.WithError(err).Warn("stats upsert failed")
	}
}

// noteStoreFailure counts a consecutive store failure and reports whether
// the fatal budget is exhausted
func (s *Scanner) noteStoreFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeFailures++
	return s.storeFailures >= fatalStoreFailures
}

func (s *Scanner) resetStoreFailures() {
	s.mu.Lock()
	s.storeFailures = 0
	s.mu.Unlock()
}

// coinUniverse is the deduplicated coin list across the active strategies
func coinUniverse(strategies []core.Strategy) []string {
	seen := make(map[string]struct{}, len(strategies))
	coins := make([]string, 0, len(strategies))
	for _, s := range strategies {
		if _, ok := seen[s.Coin]; ok {
			continue
		}
		seen[s.Coin] = struct{}{}
		coins = append(coins, s.Coin)
	}
	return coins
}
