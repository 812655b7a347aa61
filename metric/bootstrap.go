// Package metric provides the resampling statistics used by the backtest
// report.
package metric

import (
	"sort"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Interval is a bootstrap confidence interval for one measure
type Interval struct {
	Lower  float64
	Upper  float64
	Mean   float64
	StdDev float64
}

// Mean is the arithmetic mean measure
func Mean(values []float64) float64 {
	return stat.Mean(values, nil)
}

// WinRate is the share of positive values, in percent
func WinRate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	wins := lo.CountBy(values, func(v float64) bool { return v > 0 })
	return float64(wins) / float64(len(values)) * 100
}

// Bootstrap estimates the confidence interval of a measure by resampling
// with replacement. samples controls how many resamples are drawn;
// confidence is the interval level (0.95 for 95%).
func Bootstrap(values []float64, measure func([]float64) float64, samples int, confidence float64) Interval {
	if len(values) == 0 {
		return Interval{}
	}

	data := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		resample := make([]float64, len(values))
		for j := range resample {
			resample[j] = lo.Sample(values)
		}
		data = append(data, measure(resample))
	}

	sort.Float64s(data)
	tail := 1 - confidence

	mean, stdDev := stat.MeanStdDev(data, nil)
	return Interval{
		Lower:  stat.Quantile(tail/2, stat.LinInterp, data, nil),
		Upper:  stat.Quantile(1-tail/2, stat.LinInterp, data, nil),
		Mean:   mean,
		StdDev: stdDev,
	}
}
