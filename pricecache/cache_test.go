package pricecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// countingClient serves scripted prices and counts exchange calls
type countingClient struct {
	mu      sync.Mutex
	prices  map[string]float64
	tickers map[string]core.Ticker24h

	batchErr  error
	singleErr error

	batchCalls  atomic.Int64
	singleCalls atomic.Int64
}

func newCountingClient() *countingClient {
	return &countingClient{
		prices:  map[string]float64{"BTCUSDT": 50_000, "ETHUSDT": 3000},
		tickers: map[string]core.Ticker24h{"BTCUSDT": {Coin: "BTCUSDT", LastPrice: 50_000, PriceChangePercent: 2.5}},
	}
}

func (c *countingClient) Klines(context.Context, string, string, int) ([]core.Candle, error) {
	return nil, nil
}

func (c *countingClient) KlinesByPeriod(context.Context, string, string, time.Time, time.Time) ([]core.Candle, error) {
	return nil, nil
}

func (c *countingClient) TickerPrice(_ context.Context, _ core.TradingMode, coin string) (float64, error) {
	c.singleCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.singleErr != nil {
		return 0, c.singleErr
	}
	price, ok := c.prices[coin]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return price, nil
}

func (c *countingClient) TickerPriceBatch(_ context.Context, _ core.TradingMode, coins []string) (map[string]float64, error) {
	c.batchCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchErr != nil {
		return nil, c.batchErr
	}
	out := make(map[string]float64, len(coins))
	for _, coin := range coins {
		if price, ok := c.prices[coin]; ok {
			out[coin] = price
		}
	}
	return out, nil
}

func (c *countingClient) Ticker24h(_ context.Context, _ core.TradingMode, coin string) (core.Ticker24h, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticker, ok := c.tickers[coin]
	if !ok {
		return core.Ticker24h{}, errors.New("unknown symbol")
	}
	return ticker, nil
}

func (c *countingClient) Ticker24hBatch(_ context.Context, _ core.TradingMode, coins []string) (map[string]core.Ticker24h, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]core.Ticker24h, len(coins))
	for _, coin := range coins {
		if ticker, ok := c.tickers[coin]; ok {
			out[coin] = ticker
		}
	}
	return out, nil
}

func (c *countingClient) CreateOrder(context.Context, core.TradingMode, string, core.SideType, core.OrderType, float64, ...float64) (core.OrderAck, error) {
	return core.OrderAck{}, nil
}

func (c *countingClient) Order(context.Context, core.TradingMode, string, string) (core.OrderInfo, error) {
	return core.OrderInfo{}, nil
}

func (c *countingClient) GetWallet(context.Context, core.TradingMode) (core.Wallet, error) {
	return core.Wallet{}, nil
}

func (c *countingClient) TestKeys(context.Context, core.TradingMode) error { return nil }

type cacheClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *cacheClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *cacheClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(t *testing.T, client core.ExchangeClient, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{
		WithBatchDelay(5 * time.Millisecond),
		WithCoordinatorInterval(time.Hour),
	}, opts...)
	cache := New(client, logger.NewDiscard(), nil, opts...)
	t.Cleanup(cache.Stop)
	return cache
}

func TestGetPrice_ConcurrentColdCallersShareOneCall(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	const callers = 50
	var wg sync.WaitGroup
	results := make([]float64, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.InDelta(t, 50_000, results[i], 1e-9)
	}

	require.EqualValues(t, 1, client.batchCalls.Load())
	require.Zero(t, client.singleCalls.Load())

	m := cache.Metrics()
	require.EqualValues(t, callers, m.Misses)
	require.EqualValues(t, 1, m.APICalls)
}

func TestGetPrice_SecondLookupIsHit(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	_, err := cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)

	price, err := cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50_000, price, 1e-9)

	require.EqualValues(t, 1, client.batchCalls.Load())

	m := cache.Metrics()
	require.EqualValues(t, 1, m.Hits)
	require.EqualValues(t, 1, m.Misses)
	require.InDelta(t, 50.0, m.HitRate, 1e-9)
}

func TestGetPrice_StaleEntryRefetched(t *testing.T) {
	clock := &cacheClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	client := newCountingClient()
	cache := newTestCache(t, client, WithClock(clock.Now))

	_, err := cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)

	clock.Advance(29 * time.Second)
	_, err = cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	require.EqualValues(t, 1, client.batchCalls.Load())

	clock.Advance(2 * time.Second)
	_, err = cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	require.EqualValues(t, 2, client.batchCalls.Load())
}

func TestGetPrice_UnknownSymbolErrorCachedBriefly(t *testing.T) {
	clock := &cacheClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	client := newCountingClient()
	cache := newTestCache(t, client, WithClock(clock.Now))

	_, err := cache.GetPrice(context.Background(), core.ModeTestnet, "NOPEUSDT")
	require.Error(t, err)
	require.EqualValues(t, 1, client.batchCalls.Load())

	// The failure is served from cache within the error TTL
	_, err = cache.GetPrice(context.Background(), core.ModeTestnet, "NOPEUSDT")
	require.Error(t, err)
	require.EqualValues(t, 1, client.batchCalls.Load())

	// After the error TTL the symbol is retried
	clock.Advance(6 * time.Second)
	_, err = cache.GetPrice(context.Background(), core.ModeTestnet, "NOPEUSDT")
	require.Error(t, err)
	require.EqualValues(t, 2, client.batchCalls.Load())
}

func TestGetPrice_BatchFailureFallsBackToPerSymbol(t *testing.T) {
	client := newCountingClient()
	client.batchErr = errors.New("batch endpoint down")
	cache := newTestCache(t, client)

	price, err := cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 50_000, price, 1e-9)
	require.EqualValues(t, 1, client.batchCalls.Load())
	require.EqualValues(t, 1, client.singleCalls.Load())
}

func TestGetBatchPrices_OmitsFailingCoins(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	prices, err := cache.GetBatchPrices(context.Background(), core.ModeTestnet,
		[]string{"BTCUSDT", "ETHUSDT", "NOPEUSDT"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	require.InDelta(t, 50_000, prices["BTCUSDT"], 1e-9)
	require.InDelta(t, 3000, prices["ETHUSDT"], 1e-9)
	require.NotContains(t, prices, "NOPEUSDT")
}

func TestGetTicker24h(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	ticker, err := cache.GetTicker24h(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	require.InDelta(t, 2.5, ticker.PriceChangePercent, 1e-9)

	// Price and ticker tables are independent
	require.EqualValues(t, 0, client.batchCalls.Load())
}

func TestGetPrice_ModesDoNotShareEntries(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	_, err := cache.GetPrice(context.Background(), core.ModeTestnet, "BTCUSDT")
	require.NoError(t, err)
	_, err = cache.GetPrice(context.Background(), core.ModeLive, "BTCUSDT")
	require.NoError(t, err)

	require.EqualValues(t, 2, client.batchCalls.Load())
}

func TestGetPrice_ContextCancellation(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client, WithBatchDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cache.GetPrice(ctx, core.ModeTestnet, "BTCUSDT")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	client := newCountingClient()
	cache := newTestCache(t, client)

	unsubscribe := cache.Subscribe(core.ModeTestnet, func() []string { return []string{"BTCUSDT"} })
	unsubscribe()

	cache.subMu.Lock()
	require.Empty(t, cache.subs)
	cache.subMu.Unlock()
}
