// Package backtest drives the indicator engine and signal evaluator over
// historical candles, aggregates the raw matches into ranked combinations,
// and renders the results for admission into the live scanner.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
	"github.com/xhit/go-str2duration/v2"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/indicator"
	"github.com/sigscan/sigscan/logger"
	"github.com/sigscan/sigscan/signal"
)

const (
	defaultBatchSize = 3

	minSignalCount = 1
	maxSignalCount = 10
)

// Config selects what one backtest run covers
type Config struct {
	Coins     []string
	Timeframe string
	Period    time.Duration

	Catalog []core.SignalSpec

	TargetGain          float64 // percent move that counts as success
	FutureWindow        time.Duration
	RequiredSignals     int
	MaxSignals          int
	MinCombinedStrength float64
	RegimeAware         bool

	BatchSize    int
	ShowProgress bool
}

// Validate rejects configurations the pipeline cannot run
func (c Config) Validate() error {
	if len(c.Coins) == 0 {
		return core.ConfigErrorf("no coins selected")
	}
	if c.RequiredSignals < minSignalCount || c.RequiredSignals > maxSignalCount {
		return core.ConfigErrorf("requiredSignals %d outside [%d,%d]", c.RequiredSignals, minSignalCount, maxSignalCount)
	}
	if c.MaxSignals < c.RequiredSignals || c.MaxSignals > maxSignalCount {
		return core.ConfigErrorf("maxSignals %d outside [%d,%d]", c.MaxSignals, c.RequiredSignals, maxSignalCount)
	}
	if c.TargetGain <= 0 {
		return core.ConfigErrorf("targetGain must be positive")
	}

	frame, err := str2duration.ParseDuration(c.Timeframe)
	if err != nil {
		return core.ConfigErrorf("invalid timeframe %q", c.Timeframe)
	}
	if c.FutureWindow < frame {
		return core.ConfigErrorf("futureWindow %s is shorter than one %s candle", c.FutureWindow, c.Timeframe)
	}

	return signal.Validate(c.Catalog)
}

// CoinError records a coin that failed during fetch or compute
type CoinError struct {
	Coin string
	Err  error
}

// RunResult is the raw output of one backtest run, before aggregation
type RunResult struct {
	Matches      []core.SignalMatch
	SignalCounts map[string]int
	FailedCoins  []CoinError
}

// Runner walks historical candles coin by coin and emits signal matches
type Runner struct {
	feeder     core.CandleFeeder
	classifier core.RegimeClassifier
	log        logger.Logger
}

// NewRunner builds a runner on top of any candle source
func NewRunner(feeder core.CandleFeeder, classifier core.RegimeClassifier, log logger.Logger) *Runner {
	return &Runner{feeder: feeder, classifier: classifier, log: log}
}

// Run executes the backtest over every configured coin. Coins are processed
// in parallel batches; a failing coin is recorded and the run continues.
// Zero successful coins is a terminal error.
func (r *Runner) Run(ctx context.Context, cfg Config) (RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return RunResult{}, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var bar *progressbar.ProgressBar
	if cfg.ShowProgress {
		bar = progressbar.Default(int64(len(cfg.Coins)), "backtesting")
	}

	result := RunResult{SignalCounts: make(map[string]int)}
	var mu sync.Mutex

	for _, chunk := range lo.Chunk(cfg.Coins, batchSize) {
		var wg sync.WaitGroup
		for _, coin := range chunk {
			wg.Add(1)
			go func(coin string) {
				defer wg.Done()

				matches, counts, err := r.runCoin(ctx, cfg, coin)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					r.log.WithError(err).WithField("coin", coin).Warn("backtest coin failed")
					result.FailedCoins = append(result.FailedCoins, CoinError{Coin: coin, Err: err})
				} else {
					result.Matches = append(result.Matches, matches...)
					for token, n := range counts {
						result.SignalCounts[token] += n
					}
				}
				if bar != nil {
					_ = bar.Add(1)
				}
			}(coin)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
	}

	if len(result.FailedCoins) == len(cfg.Coins) {
		return RunResult{}, fmt.Errorf("all %d coins failed, first error: %w",
			len(cfg.Coins), result.FailedCoins[0].Err)
	}
	return result, nil
}

// runCoin executes the serial per-coin pipeline
func (r *Runner) runCoin(ctx context.Context, cfg Config, coin string) ([]core.SignalMatch, map[string]int, error) {
	frame, err := str2duration.ParseDuration(cfg.Timeframe)
	if err != nil {
		return nil, nil, core.ConfigErrorf("invalid timeframe %q", cfg.Timeframe)
	}
	futureBars := int(cfg.FutureWindow / frame)

	end := time.Now()
	candles, err := r.feeder.KlinesByPeriod(ctx, coin, cfg.Timeframe, end.Add(-cfg.Period), end)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch candles: %w", err)
	}

	warmup := indicator.MaxWarmup(cfg.Catalog)
	if len(candles) < warmup+futureBars {
		return nil, nil, fmt.Errorf("%s: %d candles, need at least %d: %w",
			coin, len(candles), warmup+futureBars, core.ErrNoCandles)
	}

	set, err := indicator.Compute(candles, cfg.Catalog)
	if err != nil {
		return nil, nil, fmt.Errorf("compute indicators: %w", err)
	}

	matches := make([]core.SignalMatch, 0)
	counts := make(map[string]int)

	for i := warmup; i < len(candles)-1; i++ {
		matched := evaluateBar(cfg.Catalog, candles, set, i)
		if len(matched) < cfg.RequiredSignals {
			continue
		}

		regime := r.classifier.Classify(candles, i)
		if cfg.RegimeAware {
			matched = filterByRegime(matched, regime.Regime)
			if len(matched) < cfg.RequiredSignals {
				continue
			}
		}

		chosen := bestSubset(matched, cfg.MaxSignals)
		combined := combinedStrength(chosen)
		if combined < cfg.MinCombinedStrength {
			continue
		}

		match := core.SignalMatch{
			Coin:             coin,
			Timeframe:        cfg.Timeframe,
			CandleTime:       candles[i].Time,
			Price:            candles[i].Close,
			Signals:          chosen,
			CombinedStrength: combined,
			MarketRegime:     regime.Regime,
			Direction:        dominantDirection(chosen),
		}
		walkForward(&match, candles, i, futureBars, cfg.TargetGain, frame)

		matches = append(matches, match)
		for _, s := range chosen {
			counts[s.Type+":"+s.Value]++
		}
	}

	return matches, counts, nil
}

// evaluateBar runs every catalog signal at one bar and keeps the matches
func evaluateBar(catalog []core.SignalSpec, candles []core.Candle, set indicator.Set, i int) []core.MatchedSignal {
	matched := make([]core.MatchedSignal, 0)
	for _, spec := range catalog {
		result := signal.Evaluate(spec, candles, set, i)
		if !result.Matches {
			continue
		}
		matched = append(matched, core.MatchedSignal{
			SignalSpec: spec,
			Strength:   result.Strength,
			Direction:  result.Direction,
		})
	}
	return matched
}

// filterByRegime drops signals whose direction fights the classified
// regime. Neutral signals are always admissible.
func filterByRegime(matched []core.MatchedSignal, regime core.MarketRegime) []core.MatchedSignal {
	return lo.Filter(matched, func(s core.MatchedSignal, _ int) bool {
		switch regime {
		case core.RegimeUptrend:
			return s.Direction != core.DirectionShort
		case core.RegimeDowntrend:
			return s.Direction != core.DirectionLong
		default:
			return true
		}
	})
}

// bestSubset picks the highest-combined-strength subset within the size
// cap. Strengths are non-negative, so the strongest maxSignals signals are
// always the best subset.
func bestSubset(matched []core.MatchedSignal, maxSignals int) []core.MatchedSignal {
	sorted := make([]core.MatchedSignal, len(matched))
	copy(sorted, matched)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].Strength > sorted[b].Strength
	})

	if len(sorted) > maxSignals {
		sorted = sorted[:maxSignals]
	}
	return sorted
}

func combinedStrength(signals []core.MatchedSignal) float64 {
	var total float64
	for _, s := range signals {
		total += s.Strength
	}
	return total
}

func dominantDirection(signals []core.MatchedSignal) core.Direction {
	var long, short int
	for _, s := range signals {
		switch s.Direction {
		case core.DirectionLong:
			long++
		case core.DirectionShort:
			short++
		}
	}
	if short > long {
		return core.DirectionShort
	}
	return core.DirectionLong
}

// walkForward fills the Future* fields of a match from the bars after the
// trigger
func walkForward(match *core.SignalMatch, candles []core.Candle, i, futureBars int, targetGain float64, frame time.Duration) {
	entry := candles[i].Close
	if entry <= 0 {
		return
	}

	last := i + futureBars
	if last > len(candles)-1 {
		last = len(candles) - 1
	}

	maxHigh := math.Inf(-1)
	minLow := math.Inf(1)
	peakBar := i
	winBar := -1

	for j := i + 1; j <= last; j++ {
		if candles[j].High > maxHigh {
			maxHigh = candles[j].High
			peakBar = j
		}
		if candles[j].Low < minLow {
			minLow = candles[j].Low
		}
		if winBar < 0 && (candles[j].High-entry)/entry*100 >= targetGain {
			winBar = j
		}
	}
	if peakBar == i {
		return
	}

	match.FuturePriceMove = (maxHigh - entry) / entry * 100
	match.FutureMaxDrawdown = (minLow - entry) / entry * 100
	match.TimeToPeak = peakBar - i
	match.Successful = match.FuturePriceMove >= targetGain
	if winBar > 0 {
		match.WinDurationMinutes = float64(winBar-i) * frame.Minutes()
		match.HasWinDuration = true
	}
}
