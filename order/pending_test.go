package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// fakeClient is a scriptable exchange used across the order tests
type fakeClient struct {
	mu sync.Mutex

	orders    map[string]core.OrderInfo
	orderErr  error
	createErr error

	created   []core.OrderAck
	nextID    int
	prices    map[string]float64
	priceErr  error
	wallet    core.Wallet
	walletErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		orders: make(map[string]core.OrderInfo),
		prices: make(map[string]float64),
	}
}

func (c *fakeClient) setOrder(info core.OrderInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[info.OrderID] = info
}

func (c *fakeClient) Klines(context.Context, string, string, int) ([]core.Candle, error) {
	return nil, nil
}

func (c *fakeClient) KlinesByPeriod(context.Context, string, string, time.Time, time.Time) ([]core.Candle, error) {
	return nil, nil
}

func (c *fakeClient) TickerPrice(_ context.Context, _ core.TradingMode, coin string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priceErr != nil {
		return 0, c.priceErr
	}
	return c.prices[coin], nil
}

func (c *fakeClient) TickerPriceBatch(_ context.Context, _ core.TradingMode, coins []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(coins))
	for _, coin := range coins {
		out[coin] = c.prices[coin]
	}
	return out, nil
}

func (c *fakeClient) Ticker24h(context.Context, core.TradingMode, string) (core.Ticker24h, error) {
	return core.Ticker24h{}, nil
}

func (c *fakeClient) Ticker24hBatch(context.Context, core.TradingMode, []string) (map[string]core.Ticker24h, error) {
	return nil, nil
}

func (c *fakeClient) CreateOrder(_ context.Context, _ core.TradingMode, coin string, side core.SideType, orderType core.OrderType, quantity float64, price ...float64) (core.OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return core.OrderAck{}, c.createErr
	}
	c.nextID++
	ack := core.OrderAck{
		OrderID:  fmt.Sprintf("order-%d", c.nextID),
		Coin:     coin,
		Side:     side,
		Type:     orderType,
		Quantity: quantity,
	}
	c.created = append(c.created, ack)
	return ack, nil
}

func (c *fakeClient) Order(_ context.Context, _ core.TradingMode, _ string, orderID string) (core.OrderInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orderErr != nil {
		return core.OrderInfo{}, c.orderErr
	}
	info, ok := c.orders[orderID]
	if !ok {
		return core.OrderInfo{}, core.ErrNotFound
	}
	return info, nil
}

func (c *fakeClient) GetWallet(context.Context, core.TradingMode) (core.Wallet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.walletErr != nil {
		return core.Wallet{}, c.walletErr
	}
	return c.wallet, nil
}

func (c *fakeClient) TestKeys(context.Context, core.TradingMode) error { return nil }

func (c *fakeClient) createdOrders() []core.OrderAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.OrderAck, len(c.created))
	copy(out, c.created)
	return out
}

// recordingHandler captures fill callbacks
type recordingHandler struct {
	mu    sync.Mutex
	buys  []core.PendingOrder
	sells []core.PendingOrder
	fails []core.PendingOrder
	infos []core.OrderInfo
}

func (h *recordingHandler) OnBuyFilled(_ context.Context, pending core.PendingOrder, info core.OrderInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buys = append(h.buys, pending)
	h.infos = append(h.infos, info)
}

func (h *recordingHandler) OnSellFilled(_ context.Context, pending core.PendingOrder, info core.OrderInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sells = append(h.sells, pending)
	h.infos = append(h.infos, info)
}

func (h *recordingHandler) OnOrderFailed(_ context.Context, pending core.PendingOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fails = append(h.fails, pending)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestPending_FilledBuyReachesHandler(t *testing.T) {
	client := newFakeClient()
	handler := &recordingHandler{}
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard())
	m.SetHandler(handler)
	defer m.Stop()

	client.setOrder(core.OrderInfo{
		OrderID:     "order-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Status:      core.OrderStatusTypeFilled,
		ExecutedQty: 0.5,
		AvgPrice:    100,
	})
	m.Track(core.PendingOrder{
		OrderID:     "order-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Quantity:    0.5,
		TradingMode: core.ModeTestnet,
	})

	m.CheckOnce(context.Background())

	require.Len(t, handler.buys, 1)
	require.Empty(t, handler.sells)
	require.Equal(t, "order-1", handler.buys[0].OrderID)
	require.InDelta(t, 100, handler.infos[0].AvgPrice, 1e-9)
	require.Empty(t, m.Pending())
}

func TestPending_FilledSellReachesHandler(t *testing.T) {
	client := newFakeClient()
	handler := &recordingHandler{}
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard())
	m.SetHandler(handler)
	defer m.Stop()

	client.setOrder(core.OrderInfo{
		OrderID: "order-1",
		Coin:    "BTCUSDT",
		Side:    core.SideTypeSell,
		Status:  core.OrderStatusTypeFilled,
	})
	m.Track(core.PendingOrder{
		OrderID:     "order-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeSell,
		TradingMode: core.ModeTestnet,
		Metadata:    core.OrderMetadata{PositionID: "pos-1", ExitReason: core.ExitReasonStopLoss},
	})

	m.CheckOnce(context.Background())

	require.Len(t, handler.sells, 1)
	require.Equal(t, "pos-1", handler.sells[0].Metadata.PositionID)
}

func TestPending_StillNewStaysTracked(t *testing.T) {
	client := newFakeClient()
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard())
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	client.setOrder(core.OrderInfo{OrderID: "order-1", Status: core.OrderStatusTypeNew})
	m.Track(core.PendingOrder{OrderID: "order-1", Coin: "BTCUSDT", Side: core.SideTypeBuy})

	m.CheckOnce(context.Background())

	pending := m.Pending()
	require.Len(t, pending, 1)
	require.NotEmpty(t, pending[0].Checks)
	require.False(t, pending[0].LastChecked.IsZero())
}

func TestPending_ExpiredBuyResubmitted(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient()
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard(), WithPendingClock(clock.Now))
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	m.Track(core.PendingOrder{
		OrderID:     "order-stale",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Quantity:    0.5,
		TradingMode: core.ModeTestnet,
	})

	// Within the window nothing expires
	clock.Advance(299 * time.Second)
	client.setOrder(core.OrderInfo{OrderID: "order-stale", Status: core.OrderStatusTypeNew})
	m.CheckOnce(context.Background())
	require.Len(t, m.Pending(), 1)
	require.Empty(t, m.FailedOrders())

	// Past the window the order expires and the BUY is resubmitted fresh
	clock.Advance(2 * time.Second)
	m.CheckOnce(context.Background())

	failed := m.FailedOrders()
	require.Len(t, failed, 1)
	require.Equal(t, core.OrderStatusTypeExpired, failed[0].Status)

	created := client.createdOrders()
	require.Len(t, created, 1)

	pending := m.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, created[0].OrderID, pending[0].OrderID)
	require.NotEqual(t, "order-stale", pending[0].OrderID)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, clock.Now(), pending[0].SubmittedAt)
}

func TestPending_ExpiredSellNotResubmitted(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient()
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard(), WithPendingClock(clock.Now))
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	m.Track(core.PendingOrder{OrderID: "order-1", Coin: "BTCUSDT", Side: core.SideTypeSell})
	clock.Advance(301 * time.Second)
	m.CheckOnce(context.Background())

	require.Len(t, m.FailedOrders(), 1)
	require.Empty(t, client.createdOrders())
	require.Empty(t, m.Pending())
}

func TestPending_PollErrorsExhaustRetries(t *testing.T) {
	client := newFakeClient()
	client.orderErr = errors.New("exchange unreachable")
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard())
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	m.Track(core.PendingOrder{OrderID: "order-1", Coin: "BTCUSDT", Side: core.SideTypeSell})

	m.CheckOnce(context.Background())
	m.CheckOnce(context.Background())
	require.Len(t, m.Pending(), 1)

	m.CheckOnce(context.Background())

	failed := m.FailedOrders()
	require.Len(t, failed, 1)
	require.Equal(t, core.OrderStatusTypeCanceled, failed[0].Status)
	require.Equal(t, 3, failed[0].RetryCount)
	require.Empty(t, m.Pending())

	// Each failed poll left an error snapshot
	require.Len(t, failed[0].Checks, 3)
	require.NotEmpty(t, failed[0].Checks[0].Err)
}

func TestPending_RetryLimitStopsResubmission(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient()
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard(), WithPendingClock(clock.Now))
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	m.Track(core.PendingOrder{
		OrderID:    "order-1",
		Coin:       "BTCUSDT",
		Side:       core.SideTypeBuy,
		RetryCount: 3,
	})
	clock.Advance(301 * time.Second)
	m.CheckOnce(context.Background())

	require.Len(t, m.FailedOrders(), 1)
	require.Empty(t, client.createdOrders())
}

func TestPending_FailedOrderPublishesEvent(t *testing.T) {
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	client := newFakeClient()
	feed := NewFeed()
	events, cancel := feed.Subscribe()
	defer cancel()

	m := NewPendingManager(client, feed, logger.NewDiscard(), WithPendingClock(clock.Now))
	m.SetHandler(&recordingHandler{})
	defer m.Stop()

	m.Track(core.PendingOrder{OrderID: "order-1", Coin: "BTCUSDT", Side: core.SideTypeSell})
	clock.Advance(301 * time.Second)
	m.CheckOnce(context.Background())

	select {
	case ev := <-events:
		require.Equal(t, EventOrderFailed, ev.Kind)
		require.Equal(t, "order-1", ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no order event published")
	}
}

// gatedClient holds Order calls at a barrier so a test can line up
// concurrent polls against the same order
type gatedClient struct {
	*fakeClient
	arrived chan struct{}
	release chan struct{}
}

func (c *gatedClient) Order(ctx context.Context, mode core.TradingMode, coin, orderID string) (core.OrderInfo, error) {
	c.arrived <- struct{}{}
	<-c.release
	return c.fakeClient.Order(ctx, mode, coin, orderID)
}

func TestPending_ConcurrentPollsDispatchOnce(t *testing.T) {
	inner := newFakeClient()
	inner.setOrder(core.OrderInfo{
		OrderID:     "order-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Status:      core.OrderStatusTypeFilled,
		ExecutedQty: 0.5,
		AvgPrice:    100,
	})
	client := &gatedClient{fakeClient: inner, arrived: make(chan struct{}), release: make(chan struct{})}
	handler := &recordingHandler{}
	m := NewPendingManager(client, NewFeed(), logger.NewDiscard())
	m.SetHandler(handler)
	defer m.Stop()

	m.Track(core.PendingOrder{
		OrderID:     "order-1",
		Coin:        "BTCUSDT",
		Side:        core.SideTypeBuy,
		Quantity:    0.5,
		TradingMode: core.ModeTestnet,
	})

	// Both pollers observe the fill at the same moment; only one may claim
	// the order and dispatch the handler
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CheckOnce(context.Background())
		}()
	}
	<-client.arrived
	<-client.arrived
	close(client.release)
	wg.Wait()

	require.Len(t, handler.buys, 1)
	require.Empty(t, handler.fails)
	require.Empty(t, m.Pending())
}
