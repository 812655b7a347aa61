package exchange

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/xhit/go-str2duration/v2"

	"github.com/sigscan/sigscan/core"
)

// Standard CSV column order when no header row is present
var defaultHeaderMap = map[string]int{
	"time": 0, "open": 1, "close": 2, "low": 3, "high": 4, "volume": 5,
}

// CoinFeed names one CSV source for a coin
type CoinFeed struct {
	Coin      string
	File      string
	Timeframe string
}

// CSVFeed serves candles from CSV files, resampled to a target timeframe.
// It satisfies core.CandleFeeder so backtests can run without an exchange
// connection.
type CSVFeed struct {
	candles map[string][]core.Candle
}

// NewCSVFeed loads each file and resamples it to the target timeframe
func NewCSVFeed(targetTimeframe string, feeds ...CoinFeed) (*CSVFeed, error) {
	f := &CSVFeed{candles: make(map[string][]core.Candle)}

	for _, feed := range feeds {
		candles, err := readCandlesFromCSV(feed)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", feed.File, err)
		}

		f.candles[key(feed.Coin, feed.Timeframe)] = candles

		if feed.Timeframe != targetTimeframe {
			resampled, err := resampleCandles(candles, feed.Timeframe, targetTimeframe)
			if err != nil {
				return nil, fmt.Errorf("resample %s to %s: %w", feed.Coin, targetTimeframe, err)
			}
			f.candles[key(feed.Coin, targetTimeframe)] = resampled
		}
	}

	return f, nil
}

// Klines returns the most recent limit candles for the coin and timeframe
func (f *CSVFeed) Klines(_ context.Context, coin, timeframe string, limit int) ([]core.Candle, error) {
	candles, ok := f.candles[key(coin, timeframe)]
	if !ok || len(candles) == 0 {
		return nil, fmt.Errorf("%s %s: %w", coin, timeframe, core.ErrNoCandles)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// KlinesByPeriod returns candles within [start, end]
func (f *CSVFeed) KlinesByPeriod(_ context.Context, coin, timeframe string, start, end time.Time) ([]core.Candle, error) {
	candles, ok := f.candles[key(coin, timeframe)]
	if !ok || len(candles) == 0 {
		return nil, fmt.Errorf("%s %s: %w", coin, timeframe, core.ErrNoCandles)
	}
	return lo.Filter(candles, func(c core.Candle, _ int) bool {
		return !c.Time.Before(start) && !c.Time.After(end)
	}), nil
}

// Limit trims every series to the trailing duration
func (f *CSVFeed) Limit(duration time.Duration) *CSVFeed {
	for k, candles := range f.candles {
		if len(candles) == 0 {
			continue
		}
		start := candles[len(candles)-1].Time.Add(-duration)
		f.candles[k] = lo.Filter(candles, func(c core.Candle, _ int) bool {
			return c.Time.After(start)
		})
	}
	return f
}

func key(coin, timeframe string) string {
	return coin + "--" + timeframe
}

func readCandlesFromCSV(feed CoinFeed) ([]core.Candle, error) {
	csvFile, err := os.Open(feed.File)
	if err != nil {
		return nil, err
	}
	defer csvFile.Close()

	lines, err := csv.NewReader(csvFile).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, core.ErrNoCandles
	}

	headerMap, hasHeader := parseHeaders(lines[0])
	if hasHeader {
		lines = lines[1:]
	}

	candles := make([]core.Candle, 0, len(lines))
	for _, line := range lines {
		candle, err := parseCandle(line, headerMap, feed.Coin)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseHeaders(headers []string) (map[string]int, bool) {
	// A numeric first field means there is no header row
	if _, err := strconv.Atoi(headers[0]); err == nil {
		return defaultHeaderMap, false
	}

	headerMap := make(map[string]int, len(headers))
	for index, header := range headers {
		headerMap[header] = index
	}
	return headerMap, true
}

func parseCandle(line []string, headerMap map[string]int, coin string) (core.Candle, error) {
	timestamp, err := strconv.Atoi(line[headerMap["time"]])
	if err != nil {
		return core.Candle{}, err
	}

	candle := core.Candle{
		Coin:     coin,
		Time:     time.Unix(int64(timestamp), 0).UTC(),
		Complete: true,
	}

	if candle.Open, err = strconv.ParseFloat(line[headerMap["open"]], 64); err != nil {
		return core.Candle{}, err
	}
	if candle.Close, err = strconv.ParseFloat(line[headerMap["close"]], 64); err != nil {
		return core.Candle{}, err
	}
	if candle.Low, err = strconv.ParseFloat(line[headerMap["low"]], 64); err != nil {
		return core.Candle{}, err
	}
	if candle.High, err = strconv.ParseFloat(line[headerMap["high"]], 64); err != nil {
		return core.Candle{}, err
	}
	if candle.Volume, err = strconv.ParseFloat(line[headerMap["volume"]], 64); err != nil {
		return core.Candle{}, err
	}
	return candle, nil
}

func resampleCandles(source []core.Candle, fromTimeframe, targetTimeframe string) ([]core.Candle, error) {
	if len(source) == 0 {
		return nil, nil
	}

	out := make([]core.Candle, 0, len(source)/4)

	var current core.Candle
	inPeriod := false

	for _, candle := range source {
		isLast, err := isLastCandleOfPeriod(candle.Time, fromTimeframe, targetTimeframe)
		if err != nil {
			return nil, err
		}

		if !inPeriod {
			current = candle
			inPeriod = true
		} else {
			current.High = math.Max(current.High, candle.High)
			current.Low = math.Min(current.Low, candle.Low)
			current.Close = candle.Close
			current.Volume += candle.Volume
		}

		if isLast {
			current.Complete = true
			out = append(out, current)
			inPeriod = false
		}
	}

	return out, nil
}

func isLastCandleOfPeriod(t time.Time, fromTimeframe, targetTimeframe string) (bool, error) {
	if fromTimeframe == targetTimeframe {
		return true, nil
	}

	fromDuration, err := str2duration.ParseDuration(fromTimeframe)
	if err != nil {
		return false, err
	}

	next := t.Add(fromDuration).UTC()
	return isTimeOnPeriodBoundary(next, targetTimeframe)
}

func isTimeOnPeriodBoundary(t time.Time, timeframe string) (bool, error) {
	switch timeframe {
	case "1m":
		return t.Second() == 0, nil
	case "5m":
		return t.Minute()%5 == 0 && t.Second() == 0, nil
	case "15m":
		return t.Minute()%15 == 0 && t.Second() == 0, nil
	case "30m":
		return t.Minute()%30 == 0 && t.Second() == 0, nil
	case "1h":
		return t.Minute() == 0 && t.Second() == 0, nil
	case "2h":
		return t.Hour()%2 == 0 && t.Minute() == 0 && t.Second() == 0, nil
	case "4h":
		return t.Hour()%4 == 0 && t.Minute() == 0 && t.Second() == 0, nil
	case "12h":
		return t.Hour()%12 == 0 && t.Minute() == 0 && t.Second() == 0, nil
	case "1d":
		return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0, nil
	case "1w":
		return t.Weekday() == time.Sunday && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0, nil
	default:
		return false, fmt.Errorf("invalid timeframe: %s", timeframe)
	}
}
