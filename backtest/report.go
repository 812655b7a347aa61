package backtest

import (
	"fmt"
	"io"
	"strconv"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/olekukonko/tablewriter"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/metric"
)

const bootstrapSamples = 10000

// WriteReport renders the surviving combinations as a ranked table, a
// histogram of the per-trigger price moves, and bootstrap confidence
// intervals for the average move of each top combination.
func WriteReport(w io.Writer, combos []core.Combination, matches []AttributedMatch) {
	if len(combos) == 0 {
		fmt.Fprintln(w, "no combinations survived the thresholds")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Combination", "TF", "Occ", "Win %", "Avg Move", "PF", "Regime", "Avg Win Dur"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
	})

	for _, combo := range combos {
		table.Append([]string{
			combo.CombinationName,
			combo.Timeframe,
			strconv.Itoa(combo.Occurrences),
			fmt.Sprintf("%.1f %%", combo.SuccessRate),
			fmt.Sprintf("%.2f %%", combo.NetAveragePriceMove),
			fmt.Sprintf("%.2f", combo.ProfitFactor),
			string(combo.DominantMarketRegime),
			fmt.Sprintf("%.0f min", combo.AvgWinDurationMinutes),
		})
	}
	table.Render()

	moves := movesBySignature(matches)

	all := make([]float64, 0, len(matches))
	for _, m := range matches {
		all = append(all, m.Match.FuturePriceMove)
	}
	if len(all) > 0 {
		fmt.Fprintln(w, "\n------ PRICE MOVE DISTRIBUTION (%) ------")
		hist := histogram.Hist(15, all)
		_ = histogram.Fprint(w, hist, histogram.Linear(10))
	}

	fmt.Fprintln(w, "\n------ CONFIDENCE INTERVAL (95%) ------")
	for _, combo := range combos {
		values := moves[combo.Signature]
		if len(values) < 2 {
			continue
		}
		interval := metric.Bootstrap(values, metric.Mean, bootstrapSamples, 0.95)
		fmt.Fprintf(w, "%s\n  avg move: %.2f%% [%.2f%%, %.2f%%]\n",
			combo.CombinationName, interval.Mean, interval.Lower, interval.Upper)
	}
}

func movesBySignature(matches []AttributedMatch) map[string][]float64 {
	out := make(map[string][]float64)
	for _, m := range matches {
		out[m.Signature] = append(out[m.Signature], m.Match.FuturePriceMove)
	}
	return out
}
