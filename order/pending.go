package order

import (
	"context"
	"sync"
	"time"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// Pending order policy
const (
	DefaultPollInterval   = 10 * time.Second
	DefaultMaxPendingTime = 300 * time.Second
	DefaultMaxRetries     = 3
)

// FillHandler receives terminal order outcomes. BUY fills become positions,
// SELL fills become trades, and a failed SELL reopens the position it was
// closing.
type FillHandler interface {
	OnBuyFilled(ctx context.Context, pending core.PendingOrder, info core.OrderInfo)
	OnSellFilled(ctx context.Context, pending core.PendingOrder, info core.OrderInfo)
	OnOrderFailed(ctx context.Context, pending core.PendingOrder)
}

// PendingManager observes submitted orders until they reach a terminal
// state. One monitoring loop exists; it runs only while the tracking map
// is non-empty.
type PendingManager struct {
	client  core.ExchangeClient
	handler FillHandler
	feed    *Feed
	log     logger.Logger

	pollInterval   time.Duration
	maxPendingTime time.Duration
	maxRetries     int
	now            func() time.Time

	mu      sync.Mutex
	orders  map[string]*core.PendingOrder
	failed  []core.PendingOrder
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

// PendingOption configures the manager
type PendingOption func(*PendingManager)

// WithPollInterval overrides the status poll interval
func WithPollInterval(d time.Duration) PendingOption {
	return func(m *PendingManager) { m.pollInterval = d }
}

// WithMaxPendingTime overrides the order expiry window
func WithMaxPendingTime(d time.Duration) PendingOption {
	return func(m *PendingManager) { m.maxPendingTime = d }
}

// WithPendingClock overrides the time source, used by tests
func WithPendingClock(now func() time.Time) PendingOption {
	return func(m *PendingManager) { m.now = now }
}

// NewPendingManager builds a manager; the handler is wired afterwards via
// SetHandler because the position manager and this manager reference each
// other
func NewPendingManager(client core.ExchangeClient, feed *Feed, log logger.Logger, opts ...PendingOption) *PendingManager {
	m := &PendingManager{
		client:         client,
		feed:           feed,
		log:            log,
		pollInterval:   DefaultPollInterval,
		maxPendingTime: DefaultMaxPendingTime,
		maxRetries:     DefaultMaxRetries,
		now:            time.Now,
		orders:         make(map[string]*core.PendingOrder),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler wires the fill handler
func (m *PendingManager) SetHandler(h FillHandler) { m.handler = h }

// Track registers a submitted order and ensures the monitoring loop runs
func (m *PendingManager) Track(pending core.PendingOrder) {
	if pending.SubmittedAt.IsZero() {
		pending.SubmittedAt = m.now()
	}
	pending.Status = core.OrderStatusTypePendingNew

	m.mu.Lock()
	m.orders[pending.OrderID] = &pending
	start := !m.running
	if start {
		m.running = true
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	m.log.WithFields(map[string]any{
		"order_id": pending.OrderID,
		"coin":     pending.Coin,
		"side":     string(pending.Side),
	}).Info("tracking pending order")

	if start {
		go m.loop(m.ctx)
	}
}

// Pending returns a snapshot of the tracked orders
func (m *PendingManager) Pending() []core.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.PendingOrder, 0, len(m.orders))
	for _, p := range m.orders {
		out = append(out, *p)
	}
	return out
}

// FailedOrders returns the orders that reached a failure state
func (m *PendingManager) FailedOrders() []core.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.PendingOrder, len(m.failed))
	copy(out, m.failed)
	return out
}

// Stop cancels the monitoring loop
func (m *PendingManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *PendingManager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-ticker.C:
		}

		m.CheckOnce(ctx)

		m.mu.Lock()
		empty := len(m.orders) == 0
		if empty {
			m.running = false
		}
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

// CheckOnce polls every tracked order once. Scan cycles call it as a nudge
// between ticks; it may run concurrently with the internal loop because
// every terminal transition is claimed under the lock first.
func (m *PendingManager) CheckOnce(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.checkOrder(ctx, id)
	}
}

func (m *PendingManager) checkOrder(ctx context.Context, orderID string) {
	m.mu.Lock()
	tracked, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := *tracked
	m.mu.Unlock()

	if m.now().Sub(snapshot.SubmittedAt) > m.maxPendingTime {
		if pending, ok := m.claim(orderID); ok {
			m.log.WithField("order_id", orderID).
				Warnf("order pending for more than %s, expiring", m.maxPendingTime)
			m.fail(ctx, pending, core.OrderStatusTypeExpired)
		}
		return
	}

	info, err := m.client.Order(ctx, snapshot.TradingMode, snapshot.Coin, orderID)

	m.mu.Lock()
	tracked, ok = m.orders[orderID]
	if !ok {
		// Another poller reached the terminal state first
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.recordCheck(tracked, tracked.Status, err)
		tracked.RetryCount++
		exhausted := tracked.RetryCount >= m.maxRetries
		m.mu.Unlock()
		if exhausted {
			if pending, ok := m.claim(orderID); ok {
				m.log.WithError(err).WithField("order_id", orderID).
					Error("order polling exhausted retries")
				m.fail(ctx, pending, core.OrderStatusTypeCanceled)
			}
		}
		return
	}
	m.recordCheck(tracked, info.Status, nil)
	m.mu.Unlock()

	switch info.Status {
	case core.OrderStatusTypeNew, core.OrderStatusTypePendingNew:
		// Still waiting

	case core.OrderStatusTypePartiallyFilled:
		m.log.WithFields(map[string]any{
			"order_id": orderID,
			"executed": info.ExecutedQty,
			"total":    snapshot.Quantity,
		}).Info("order partially filled")

	case core.OrderStatusTypeFilled:
		pending, ok := m.claim(orderID)
		if !ok {
			return
		}
		pending.Status = core.OrderStatusTypeFilled
		m.feed.Publish(Event{Kind: EventOrderFilled, Coin: pending.Coin, OrderID: pending.OrderID})

		if m.handler != nil {
			if pending.Side == core.SideTypeBuy {
				m.handler.OnBuyFilled(ctx, pending, info)
			} else {
				m.handler.OnSellFilled(ctx, pending, info)
			}
		}

	case core.OrderStatusTypeCanceled, core.OrderStatusTypeRejected, core.OrderStatusTypeExpired:
		if pending, ok := m.claim(orderID); ok {
			m.fail(ctx, pending, info.Status)
		}
	}
}

// claim removes the order from tracking and returns a copy. Exactly one
// concurrent poller wins a terminal transition; the others find the order
// already gone.
func (m *PendingManager) claim(orderID string) (core.PendingOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.orders[orderID]
	if !ok {
		return core.PendingOrder{}, false
	}
	delete(m.orders, orderID)
	return *tracked, true
}

// fail records the failure and notifies the handler so a SELL's position is
// reopened for retry. BUY orders below the retry limit are resubmitted with
// the same payload under a fresh exchange order ID.
func (m *PendingManager) fail(ctx context.Context, pending core.PendingOrder, status core.OrderStatusType) {
	pending.Status = status

	m.mu.Lock()
	m.failed = append(m.failed, pending)
	m.mu.Unlock()

	m.feed.Publish(Event{Kind: EventOrderFailed, Coin: pending.Coin,
		OrderID: pending.OrderID, PositionID: pending.Metadata.PositionID})
	if m.handler != nil {
		m.handler.OnOrderFailed(ctx, pending)
	}

	if pending.Side != core.SideTypeBuy || pending.RetryCount >= m.maxRetries {
		return
	}

	ack, err := m.client.CreateOrder(ctx, pending.TradingMode, pending.Coin,
		pending.Side, core.OrderTypeMarket, pending.Quantity)
	if err != nil {
		m.log.WithError(err).WithField("coin", pending.Coin).Error("order retry submission failed")
		return
	}

	retry := pending
	retry.OrderID = ack.OrderID
	retry.RetryCount = pending.RetryCount + 1
	retry.SubmittedAt = m.now()
	retry.Checks = nil
	m.Track(retry)

	m.log.WithFields(map[string]any{
		"coin":         pending.Coin,
		"old_order_id": pending.OrderID,
		"new_order_id": ack.OrderID,
		"retry":        retry.RetryCount,
	}).Info("order resubmitted")
}

// recordCheck appends a status snapshot; callers hold m.mu
func (m *PendingManager) recordCheck(pending *core.PendingOrder, status core.OrderStatusType, err error) {
	snapshot := core.StatusSnapshot{Time: m.now(), Status: status}
	if err != nil {
		snapshot.Err = err.Error()
	}
	pending.LastChecked = snapshot.Time
	pending.Checks = append(pending.Checks, snapshot)
}
