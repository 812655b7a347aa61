package backtest

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/signal"
)

// profitFactorCap bounds the ratio so lossless combinations stay sortable
const profitFactorCap = 999.99

// Thresholds gate which combinations survive aggregation
type Thresholds struct {
	MinOccurrences      int
	MinProfitFactor     float64
	MinAveragePriceMove float64
}

// AttributedMatch is a raw match paired with the surviving combination it
// was attributed to by the best-at-trigger filter
type AttributedMatch struct {
	Match     core.SignalMatch
	Signature string
}

// Aggregate groups raw matches by canonical signature and computes each
// group's performance metrics, discarding groups below the thresholds.
// The output ordering is deterministic: profit factor descending, then
// signature, so repeated runs over the same matches are identical.
func Aggregate(matches []core.SignalMatch, th Thresholds) []core.Combination {
	groups := make(map[string][]core.SignalMatch)
	for _, m := range matches {
		sig := signal.Signature(m.Timeframe, specsOf(m.Signals))
		groups[sig] = append(groups[sig], m)
	}

	combos := make([]core.Combination, 0, len(groups))
	for sig, group := range groups {
		combo := buildCombination(sig, group)
		if combo.Occurrences < th.MinOccurrences ||
			combo.ProfitFactor < th.MinProfitFactor ||
			combo.NetAveragePriceMove < th.MinAveragePriceMove {
			continue
		}
		combos = append(combos, combo)
	}

	sort.Slice(combos, func(a, b int) bool {
		if combos[a].ProfitFactor != combos[b].ProfitFactor {
			return combos[a].ProfitFactor > combos[b].ProfitFactor
		}
		return combos[a].Signature < combos[b].Signature
	})
	return combos
}

// BestAtTrigger attributes each raw match to the highest-profit-factor
// surviving combination whose signal set the match contains. Matches with
// no surviving combination are dropped; the returned combinations are the
// ones that appear in at least one kept match.
func BestAtTrigger(matches []core.SignalMatch, combos []core.Combination) ([]AttributedMatch, []core.Combination) {
	kept := make([]AttributedMatch, 0, len(matches))
	used := make(map[string]bool)

	for _, m := range matches {
		tokens := tokenSet(m.Signals)

		var best *core.Combination
		for idx := range combos {
			combo := &combos[idx]
			if combo.Timeframe != m.Timeframe || !containsAll(tokens, combo.Signals) {
				continue
			}
			if best == nil || combo.ProfitFactor > best.ProfitFactor {
				best = combo
			}
		}
		if best == nil {
			continue
		}

		kept = append(kept, AttributedMatch{Match: m, Signature: best.Signature})
		used[best.Signature] = true
	}

	surviving := make([]core.Combination, 0, len(used))
	for _, combo := range combos {
		if used[combo.Signature] {
			surviving = append(surviving, combo)
		}
	}
	return kept, surviving
}

func buildCombination(sig string, group []core.SignalMatch) core.Combination {
	first := group[0]

	combo := core.Combination{
		Signature:                sig,
		CombinationName:          combinationName(first.Signals),
		Coin:                     commonCoin(group),
		Timeframe:                first.Timeframe,
		Signals:                  specsOf(first.Signals),
		Occurrences:              len(group),
		MarketRegimeDistribution: make(map[core.MarketRegime]core.RegimeStats),
	}

	var moveSum, strengthSum float64
	var winDurationSum float64
	var winDurationCount int
	var drawdowns []float64
	var grossProfit, grossLoss float64

	for _, m := range group {
		if m.Successful {
			combo.Successful++
		}
		moveSum += m.FuturePriceMove
		strengthSum += m.CombinedStrength
		drawdowns = append(drawdowns, m.FutureMaxDrawdown)

		if m.FuturePriceMove > 0 {
			grossProfit += m.FuturePriceMove
		} else {
			grossLoss += -m.FuturePriceMove
		}

		if m.Successful && m.HasWinDuration {
			winDurationSum += m.WinDurationMinutes
			winDurationCount++
		}

		stats := combo.MarketRegimeDistribution[m.MarketRegime]
		stats.Occurrences++
		if m.Successful {
			stats.Successful++
		}
		if m.FuturePriceMove > 0 {
			stats.GrossProfit += m.FuturePriceMove
		} else {
			stats.GrossLoss += -m.FuturePriceMove
		}
		stats.AvgPriceMove += m.FuturePriceMove
		combo.MarketRegimeDistribution[m.MarketRegime] = stats
	}

	n := float64(len(group))
	combo.SuccessRate = float64(combo.Successful) / n * 100
	combo.NetAveragePriceMove = moveSum / n
	combo.CombinedStrength = strengthSum / n
	combo.GrossProfit = grossProfit
	combo.GrossLoss = grossLoss
	combo.ProfitFactor = profitFactor(grossProfit, grossLoss, combo.Successful, len(group))
	combo.MedianLowestLowDuringBacktest = median(drawdowns)
	if winDurationCount > 0 {
		combo.AvgWinDurationMinutes = winDurationSum / float64(winDurationCount)
	}

	var dominant core.MarketRegime
	best := -1
	for regime, stats := range combo.MarketRegimeDistribution {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Occurrences) * 100
		stats.ProfitFactor = profitFactor(stats.GrossProfit, stats.GrossLoss, stats.Successful, stats.Occurrences)
		stats.AvgPriceMove /= float64(stats.Occurrences)
		combo.MarketRegimeDistribution[regime] = stats

		if stats.Occurrences > best || (stats.Occurrences == best && regime < dominant) {
			best = stats.Occurrences
			dominant = regime
		}
	}
	combo.DominantMarketRegime = dominant

	return combo
}

// profitFactor applies the lossless special cases before the plain ratio
func profitFactor(grossProfit, grossLoss float64, successful, occurrences int) float64 {
	if grossLoss == 0 {
		switch {
		case successful == occurrences && occurrences > 0:
			return profitFactorCap
		case grossProfit > 0:
			return 100.0
		default:
			return 1.0
		}
	}
	return math.Min(grossProfit/grossLoss, profitFactorCap)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

func specsOf(signals []core.MatchedSignal) []core.SignalSpec {
	specs := make([]core.SignalSpec, len(signals))
	for i, s := range signals {
		specs[i] = s.SignalSpec
	}
	return specs
}

func tokenSet(signals []core.MatchedSignal) map[string]bool {
	set := make(map[string]bool, len(signals))
	for _, s := range signals {
		set[signal.Token(s.SignalSpec)] = true
	}
	return set
}

func containsAll(tokens map[string]bool, specs []core.SignalSpec) bool {
	for _, spec := range specs {
		if !tokens[signal.Token(spec)] {
			return false
		}
	}
	return true
}

func combinationName(signals []core.MatchedSignal) string {
	names := make([]string, len(signals))
	for i, s := range signals {
		names[i] = s.Type + "." + s.Value
	}
	sort.Strings(names)
	return strings.Join(names, " + ")
}

func commonCoin(group []core.SignalMatch) string {
	coin := group[0].Coin
	for _, m := range group[1:] {
		if m.Coin != coin {
			return ""
		}
	}
	return coin
}
