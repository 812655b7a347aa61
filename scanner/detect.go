package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
	"github.com/sigscan/sigscan/logger"
	"github.com/sigscan/sigscan/signal"
	"github.com/sigscan/sigscan/strategy"
)

// candleWindow is the number of bars kept per (coin, timeframe). It covers
// the largest indicator warmup in the default catalog with headroom.
const candleWindow = 300

// TradeExecutor opens positions for admitted matches. Satisfied by the
// position manager.
type TradeExecutor interface {
	Open(ctx context.Context, match core.SignalMatch, strat core.Strategy,
		wallet core.Wallet, settings core.ScanSettings, atr float64, mode core.TradingMode) error
}

type cachedWindow struct {
	candles   []core.Candle
	fetchedAt time.Time
}

// DetectionEngine evaluates each active strategy against the most recent
// closed candle of its (coin, timeframe). Candle windows are cached and
// refreshed only once per timeframe period.
type DetectionEngine struct {
	feeder     core.CandleFeeder
	classifier core.RegimeClassifier
	exec       TradeExecutor
	log        logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]cachedWindow
}

// NewDetectionEngine builds the engine. It satisfies strategy.Detector.
func NewDetectionEngine(feeder core.CandleFeeder, classifier core.RegimeClassifier,
	exec TradeExecutor, log logger.Logger) *DetectionEngine {
	return &DetectionEngine{
		feeder:     feeder,
		classifier: classifier,
		exec:       exec,
		log:        log,
		now:        time.Now,
		windows:    make(map[string]cachedWindow),
	}
}

var _ strategy.Detector = (*DetectionEngine)(nil)

// Scan evaluates every strategy once at the latest closed bar and opens
// positions for admitted matches. Evaluation errors are per-strategy; the
// scan continues past them.
func (e *DetectionEngine) Scan(ctx context.Context, in strategy.EvalInput) (strategy.EvalResult, error) {
	var result strategy.EvalResult

	for _, strat := range in.Strategies {
		match, ok, err := e.evaluate(ctx, strat, in)
		if err != nil {
			e.log.WithError(err).WithField("strategy", strat.Name()).Warn("strategy evaluation failed")
			continue
		}
		if !ok {
			continue
		}

		result.SignalsFound++

		atr := e.atrAt(ctx, strat.Coin, strat.Timeframe)
		if err := e.exec.Open(ctx, match, strat, in.Wallet, in.Settings, atr, in.Mode); err != nil {
			e.log.WithError(err).WithField("coin", strat.Coin).Info("match not converted to a position")
			continue
		}
		result.TradesExecuted++
	}

	return result, nil
}

// Regime classifies the current market state from the latest window of the
// given coin and timeframe
func (e *DetectionEngine) Regime(ctx context.Context, coin, timeframe string) core.RegimeClassification {
	candles, err := e.window(ctx, coin, timeframe)
	if err != nil || len(candles) == 0 {
		return core.RegimeClassification{Regime: core.RegimeUnknown}
	}
	return e.classifier.Classify(candles, len(candles)-1)
}

// Invalidate drops every cached candle window
func (e *DetectionEngine) Invalidate() {
	e.mu.Lock()
	e.windows = make(map[string]cachedWindow)
	e.mu.Unlock()
}

func (e *DetectionEngine) evaluate(ctx context.Context, strat core.Strategy, in strategy.EvalInput) (core.SignalMatch, bool, error) {
	candles, err := e.window(ctx, strat.Coin, strat.Timeframe)
	if err != nil {
		return core.SignalMatch{}, false, err
	}

	last := len(candles) - 1
	if last < indicator.MaxWarmup(strat.Signals) {
		return core.SignalMatch{}, false, fmt.Errorf("%s %s: %w", strat.Coin, strat.Timeframe, core.ErrNoCandles)
	}

	set, err := indicator.Compute(candles, strat.Signals)
	if err != nil {
		return core.SignalMatch{}, false, err
	}

	var matched []core.MatchedSignal
	var results []core.SignalResult
	for _, spec := range strat.Signals {
		r := signal.Evaluate(spec, candles, set, last)
		if !r.Matches {
			continue
		}
		results = append(results, r)
		matched = append(matched, core.MatchedSignal{SignalSpec: spec, Strength: r.Strength, Direction: r.Direction})
	}

	combined := signal.CombinedStrength(results)
	regime := e.classifier.Classify(candles, last)

	if !admit(matched, combined, strat, in, regime) {
		return core.SignalMatch{}, false, nil
	}

	price := in.Prices[strat.Coin]
	if price <= 0 {
		price = candles[last].Close
	}

	match := core.SignalMatch{
		Coin:             strat.Coin,
		Timeframe:        strat.Timeframe,
		CandleTime:       candles[last].Time,
		Price:            price,
		Signals:          matched,
		CombinedStrength: combined,
		MarketRegime:     regime.Regime,
		Direction:        signal.DominantDirection(results),
	}
	return match, true, nil
}

// admit applies the cycle admission rules to a matched set
func admit(matched []core.MatchedSignal, combined float64, strat core.Strategy,
	in strategy.EvalInput, regime core.RegimeClassification) bool {

	required := strat.RequiredSignals
	if required < 1 {
		required = 1
	}
	if len(matched) < required {
		return false
	}
	if combined < in.Settings.MinimumCombinedStrength {
		return false
	}
	if in.Settings.BlockTradingInDowntrend && regime.Regime != core.RegimeUptrend {
		return false
	}
	if in.Settings.MinimumRegimeConfidence > 0 && regime.Confidence < in.Settings.MinimumRegimeConfidence {
		return false
	}
	if in.Settings.MinimumConvictionScore > 0 && in.Conviction > 0 &&
		in.Conviction < in.Settings.MinimumConvictionScore {
		return false
	}

	switch in.Settings.SignalMatchingMode {
	case core.MatchingModeEvent:
		for _, m := range matched {
			if signal.Class(m.SignalSpec) == core.SignalClassEvent {
				return true
			}
		}
		return false
	case core.MatchingModeState:
		for _, m := range matched {
			if signal.Class(m.SignalSpec) != core.SignalClassState {
				return false
			}
		}
		return true
	case core.MatchingModeConviction:
		weight := 1.0
		if in.Conviction > 0 {
			weight = in.Conviction / 100
		}
		return combined*weight >= in.Settings.MinimumCombinedStrength
	default:
		return true
	}
}

// atrAt returns the latest ATR(14) for the coin, or 0 when unavailable. The
// position manager falls back to a price-percentage stop on 0.
func (e *DetectionEngine) atrAt(ctx context.Context, coin, timeframe string) float64 {
	candles, err := e.window(ctx, coin, timeframe)
	if err != nil || len(candles) == 0 {
		return 0
	}
	set, err := indicator.Compute(candles, []core.SignalSpec{{Type: indicator.KindATR}})
	if err != nil {
		return 0
	}
	s := set.Get(indicator.KindATR)
	if !core.Valid(s, len(s)-1) {
		return 0
	}
	return s.Last(0)
}

// window returns the cached candle window for (coin, timeframe), refreshing
// it when the cached copy is older than one timeframe period
func (e *DetectionEngine) window(ctx context.Context, coin, timeframe string) ([]core.Candle, error) {
	key := coin + "--" + timeframe

	period, err := str2duration.ParseDuration(timeframe)
	if err != nil {
		return nil, core.ConfigErrorf("invalid timeframe %q: %s", timeframe, err)
	}

	e.mu.Lock()
	cached, ok := e.windows[key]
	e.mu.Unlock()
	if ok && e.now().Sub(cached.fetchedAt) < period {
		return cached.candles, nil
	}

	candles, err := e.feeder.Klines(ctx, coin, timeframe, candleWindow)
	if err != nil {
		if ok {
			// Keep serving the stale window on a transient fetch failure
			return cached.candles, nil
		}
		return nil, fmt.Errorf("fetch %s %s candles: %w", coin, timeframe, err)
	}
	if len(candles) == 0 {
		return nil, errors.New("empty candle response")
	}

	// Drop the still-forming candle so evaluation sees closed bars only
	if !candles[len(candles)-1].Complete {
		candles = candles[:len(candles)-1]
	}

	e.mu.Lock()
	e.windows[key] = cachedWindow{candles: candles, fetchedAt: e.now()}
	e.mu.Unlock()
	return candles, nil
}
