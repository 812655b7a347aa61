// Package pricecache serves spot prices and 24h tickers with bounded
// staleness, coalescing concurrent lookups into single batched exchange
// calls.
package pricecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

const (
	// DefaultStaleness is how long a cached value stays servable
	DefaultStaleness = 30 * time.Second

	// DefaultBatchDelay is the collection window before a batch dispatches
	DefaultBatchDelay = 100 * time.Millisecond

	// DefaultCoordinatorInterval drives the background subscription refresh
	DefaultCoordinatorInterval = 15 * time.Second

	// errorTTL keeps failed lookups cached briefly so a dead symbol cannot
	// hammer the exchange
	errorTTL = 5 * time.Second
)

type fetchKind int

const (
	kindPrice fetchKind = iota
	kindTicker
)

type priceEntry struct {
	value     float64
	ticker    core.Ticker24h
	err       error
	timestamp time.Time
}

func (e priceEntry) valid(now time.Time, staleness time.Duration) bool {
	ttl := staleness
	if e.err != nil {
		ttl = errorTTL
	}
	return now.Sub(e.timestamp) < ttl
}

// batch collects symbols during the delay window, dispatches one exchange
// call, then releases every waiter
type batch struct {
	coins      map[string]struct{}
	done       chan struct{}
	dispatched bool
}

type batchKey struct {
	mode core.TradingMode
	kind fetchKind
}

// Metrics is a snapshot of cache effectiveness counters
type Metrics struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	APICalls        int64   `json:"api_calls"`
	BatchedRequests int64   `json:"batched_requests"`
	HitRate         float64 `json:"hit_rate"`
}

// Subscription is a registered consumer of the background coordinator.
// Coins returns the set of symbols the subscriber currently needs.
type subscription struct {
	id    int64
	mode  core.TradingMode
	coins func() []string
}

// Cache is the process-wide price cache. One instance is shared by the
// scanner, position manager, and detection engine.
type Cache struct {
	client     core.ExchangeClient
	log        logger.Logger
	staleness  time.Duration
	batchDelay time.Duration
	coordEvery time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	prices  map[string]priceEntry
	tickers map[string]priceEntry

	batchMu sync.Mutex
	batches map[batchKey]*batch

	subMu  sync.Mutex
	subs   map[int64]subscription
	nextID int64

	hits            atomic.Int64
	misses          atomic.Int64
	apiCalls        atomic.Int64
	batchedRequests atomic.Int64

	promHits     prometheus.Counter
	promMisses   prometheus.Counter
	promAPICalls prometheus.Counter

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Cache
type Option func(*Cache)

// WithStaleness overrides the cache staleness window
func WithStaleness(d time.Duration) Option {
	return func(c *Cache) { c.staleness = d }
}

// WithBatchDelay overrides the batch collection window
func WithBatchDelay(d time.Duration) Option {
	return func(c *Cache) { c.batchDelay = d }
}

// WithCoordinatorInterval overrides the background refresh interval
func WithCoordinatorInterval(d time.Duration) Option {
	return func(c *Cache) { c.coordEvery = d }
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a price cache. When reg is non-nil the prometheus counters
// are registered on it.
func New(client core.ExchangeClient, log logger.Logger, reg prometheus.Registerer, opts ...Option) *Cache {
	c := &Cache{
		client:     client,
		log:        log,
		staleness:  DefaultStaleness,
		batchDelay: DefaultBatchDelay,
		coordEvery: DefaultCoordinatorInterval,
		now:        time.Now,
		prices:     make(map[string]priceEntry),
		tickers:    make(map[string]priceEntry),
		batches:    make(map[batchKey]*batch),
		subs:       make(map[int64]subscription),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.promHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecache_hits_total", Help: "Cache lookups served from a fresh entry.",
	})
	c.promMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecache_misses_total", Help: "Cache lookups that required a fetch.",
	})
	c.promAPICalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecache_api_calls_total", Help: "Exchange calls issued by the cache.",
	})
	if reg != nil {
		reg.MustRegister(c.promHits, c.promMisses, c.promAPICalls)
	}

	go c.coordinator()
	return c
}

// Stop halts the background coordinator
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// GetPrice returns the spot price for one coin, from cache when fresh
func (c *Cache) GetPrice(ctx context.Context, mode core.TradingMode, coin string) (float64, error) {
	entry, err := c.lookup(ctx, mode, kindPrice, coin)
	if err != nil {
		return 0, err
	}
	return entry.value, nil
}

// GetTicker24h returns the 24h rolling stats for one coin
func (c *Cache) GetTicker24h(ctx context.Context, mode core.TradingMode, coin string) (core.Ticker24h, error) {
	entry, err := c.lookup(ctx, mode, kindTicker, coin)
	if err != nil {
		return core.Ticker24h{}, err
	}
	return entry.ticker, nil
}

// GetBatchPrices returns prices for many coins; coins that fail resolve to
// an error entry and are omitted from the result map
func (c *Cache) GetBatchPrices(ctx context.Context, mode core.TradingMode, coins []string) (map[string]float64, error) {
	out := make(map[string]float64, len(coins))
	for _, coin := range coins {
		price, err := c.GetPrice(ctx, mode, coin)
		if err != nil {
			c.log.WithError(err).WithField("coin", coin).Debug("batch price lookup failed")
			continue
		}
		out[coin] = price
	}
	return out, nil
}

// Subscribe registers a consumer with the background coordinator. The
// returned function unsubscribes.
func (c *Cache) Subscribe(mode core.TradingMode, coins func() []string) func() {
	c.subMu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = subscription{id: id, mode: mode, coins: coins}
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Metrics returns a snapshot of the effectiveness counters
func (c *Cache) Metrics() Metrics {
	hits := c.hits.Load()
	misses := c.misses.Load()

	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return Metrics{
		Hits:            hits,
		Misses:          misses,
		APICalls:        c.apiCalls.Load(),
		BatchedRequests: c.batchedRequests.Load(),
		HitRate:         rate,
	}
}

// lookup serves one coin, joining or starting a batch on a miss. It loops
// because a joined batch may have dispatched without this coin; the next
// iteration enqueues it in a fresh batch.
func (c *Cache) lookup(ctx context.Context, mode core.TradingMode, kind fetchKind, coin string) (priceEntry, error) {
	key := cacheKey(mode, coin)

	if entry, ok := c.read(kind, key); ok {
		c.hits.Add(1)
		c.promHits.Inc()
		if entry.err != nil {
			return priceEntry{}, entry.err
		}
		return entry, nil
	}

	c.misses.Add(1)
	c.promMisses.Inc()
	c.batchedRequests.Add(1)

	for {
		b := c.joinBatch(mode, kind, coin)

		select {
		case <-b.done:
		case <-ctx.Done():
			return priceEntry{}, ctx.Err()
		}

		entry, ok := c.read(kind, key)
		if !ok {
			// The batch we waited on dispatched before we joined; go again
			continue
		}
		if entry.err != nil {
			return priceEntry{}, entry.err
		}
		return entry, nil
	}
}

func (c *Cache) read(kind fetchKind, key string) (priceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	table := c.prices
	if kind == kindTicker {
		table = c.tickers
	}
	entry, ok := table[key]
	if !ok || !entry.valid(c.now(), c.staleness) {
		return priceEntry{}, false
	}
	return entry, true
}

// joinBatch adds the coin to the pending batch for (mode, kind), creating
// and scheduling one when none is collecting
func (c *Cache) joinBatch(mode core.TradingMode, kind fetchKind, coin string) *batch {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	key := batchKey{mode: mode, kind: kind}
	b, ok := c.batches[key]
	if ok && !b.dispatched {
		b.coins[coin] = struct{}{}
		return b
	}

	b = &batch{
		coins: map[string]struct{}{coin: {}},
		done:  make(chan struct{}),
	}
	c.batches[key] = b

	go c.runBatch(key, b)
	return b
}

func (c *Cache) runBatch(key batchKey, b *batch) {
	timer := time.NewTimer(c.batchDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stop:
	}

	c.batchMu.Lock()
	b.dispatched = true
	coins := make([]string, 0, len(b.coins))
	for coin := range b.coins {
		coins = append(coins, coin)
	}
	if c.batches[key] == b {
		delete(c.batches, key)
	}
	c.batchMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.staleness)
	defer cancel()

	c.fetch(ctx, key.mode, key.kind, coins)
	close(b.done)
}

// fetch issues the batched exchange call, falling back to parallel
// per-symbol requests when the batch endpoint fails
func (c *Cache) fetch(ctx context.Context, mode core.TradingMode, kind fetchKind, coins []string) {
	c.apiCalls.Add(1)
	c.promAPICalls.Inc()

	switch kind {
	case kindPrice:
		prices, err := c.client.TickerPriceBatch(ctx, mode, coins)
		if err != nil {
			c.log.WithError(err).Warn("batch price fetch failed, falling back to per-symbol requests")
			c.fetchPricesIndividually(ctx, mode, coins)
			return
		}
		c.storePrices(mode, coins, prices)

	case kindTicker:
		tickers, err := c.client.Ticker24hBatch(ctx, mode, coins)
		if err != nil {
			c.log.WithError(err).Warn("batch ticker fetch failed, falling back to per-symbol requests")
			c.fetchTickersIndividually(ctx, mode, coins)
			return
		}
		c.storeTickers(mode, coins, tickers)
	}
}

func (c *Cache) fetchPricesIndividually(ctx context.Context, mode core.TradingMode, coins []string) {
	var wg sync.WaitGroup
	results := make([]priceEntry, len(coins))

	for i, coin := range coins {
		wg.Add(1)
		go func(i int, coin string) {
			defer wg.Done()
			c.apiCalls.Add(1)
			c.promAPICalls.Inc()
			value, err := c.client.TickerPrice(ctx, mode, coin)
			results[i] = priceEntry{value: value, err: err, timestamp: c.now()}
		}(i, coin)
	}
	wg.Wait()

	c.mu.Lock()
	for i, coin := range coins {
		c.prices[cacheKey(mode, coin)] = results[i]
	}
	c.mu.Unlock()
}

func (c *Cache) fetchTickersIndividually(ctx context.Context, mode core.TradingMode, coins []string) {
	var wg sync.WaitGroup
	results := make([]priceEntry, len(coins))

	for i, coin := range coins {
		wg.Add(1)
		go func(i int, coin string) {
			defer wg.Done()
			c.apiCalls.Add(1)
			c.promAPICalls.Inc()
			ticker, err := c.client.Ticker24h(ctx, mode, coin)
			results[i] = priceEntry{ticker: ticker, err: err, timestamp: c.now()}
		}(i, coin)
	}
	wg.Wait()

	c.mu.Lock()
	for i, coin := range coins {
		c.tickers[cacheKey(mode, coin)] = results[i]
	}
	c.mu.Unlock()
}

func (c *Cache) storePrices(mode core.TradingMode, requested []string, prices map[string]float64) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, coin := range requested {
		value, ok := prices[coin]
		if !ok {
			c.prices[cacheKey(mode, coin)] = priceEntry{
				err:       fmt.Errorf("no price returned for %s", coin),
				timestamp: now,
			}
			continue
		}
		c.prices[cacheKey(mode, coin)] = priceEntry{value: value, timestamp: now}
	}
}

func (c *Cache) storeTickers(mode core.TradingMode, requested []string, tickers map[string]core.Ticker24h) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, coin := range requested {
		ticker, ok := tickers[coin]
		if !ok {
			c.tickers[cacheKey(mode, coin)] = priceEntry{
				err:       fmt.Errorf("no ticker returned for %s", coin),
				timestamp: now,
			}
			continue
		}
		c.tickers[cacheKey(mode, coin)] = priceEntry{ticker: ticker, timestamp: now}
	}
}

// coordinator periodically refreshes the union of subscribed symbols so
// steady-state lookups stay cache hits
func (c *Cache) coordinator() {
	ticker := time.NewTicker(c.coordEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.subMu.Lock()
		wanted := make(map[core.TradingMode]map[string]struct{})
		for _, sub := range c.subs {
			coins := wanted[sub.mode]
			if coins == nil {
				coins = make(map[string]struct{})
				wanted[sub.mode] = coins
			}
			for _, coin := range sub.coins() {
				coins[coin] = struct{}{}
			}
		}
		c.subMu.Unlock()

		for mode, coinSet := range wanted {
			coins := make([]string, 0, len(coinSet))
			for coin := range coinSet {
				coins = append(coins, coin)
			}
			if len(coins) == 0 {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.staleness)
			c.fetch(ctx, mode, kindPrice, coins)
			c.fetch(ctx, mode, kindTicker, coins)
			cancel()
		}
	}
}

func cacheKey(mode core.TradingMode, coin string) string {
	return string(mode) + ":" + coin
}
