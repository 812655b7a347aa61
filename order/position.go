package order

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// minimumTradeValue is the exchange minimum notional in quote currency
const minimumTradeValue = 10.0

// atrFallbackStopPct sizes the stop when no usable ATR is available
const atrFallbackStopPct = 0.02

// PriceSource is the narrow price cache surface the position monitor needs
type PriceSource interface {
	GetPrice(ctx context.Context, mode core.TradingMode, coin string) (float64, error)
}

// TradeArchiver appends closed trades to the long-term archive
type TradeArchiver interface {
	ArchiveTrade(ctx context.Context, t core.Trade) error
}

// Sizing is the ATR-adaptive position sizing result
type Sizing struct {
	RiskAmount         float64
	StopLossDistance   float64
	TakeProfitDistance float64
	Quantity           float64
	PositionValue      float64
	RewardRiskRatio    float64
}

// ComputeSizing derives position size from account risk and volatility. The
// position value is capped at the balance; when the cap applies, the
// quantity is recomputed so value and quantity stay consistent.
func ComputeSizing(balance, riskPercentage, stopLossAtrMultiplier, takeProfitAtrMultiplier, atr, price float64) Sizing {
	riskAmount := balance * riskPercentage / 100

	stopLossDistance, takeProfitDistance := riskDistances(atr, stopLossAtrMultiplier, takeProfitAtrMultiplier, price)

	quantity := riskAmount / stopLossDistance
	positionValue := quantity * price
	if positionValue > balance {
		positionValue = balance
		quantity = positionValue / price
	}

	return Sizing{
		RiskAmount:         riskAmount,
		StopLossDistance:   stopLossDistance,
		TakeProfitDistance: takeProfitDistance,
		Quantity:           quantity,
		PositionValue:      positionValue,
		RewardRiskRatio:    takeProfitDistance / stopLossDistance,
	}
}

// riskDistances converts ATR multipliers into absolute price distances,
// falling back to a percentage of price when the ATR is unusable
func riskDistances(atr, stopLossAtrMultiplier, takeProfitAtrMultiplier, price float64) (sl, tp float64) {
	sl = atr * stopLossAtrMultiplier
	if atr <= 0 || sl <= 0 {
		sl = price * atrFallbackStopPct
	}
	tp = atr * takeProfitAtrMultiplier
	if tp <= 0 {
		tp = 2 * sl
	}
	return sl, tp
}

// PositionManager owns the open position list. All mutations go through its
// mutex; the in-memory map is the single source of truth, with the store
// trailing it for restart recovery.
type PositionManager struct {
	store    core.Store
	client   core.ExchangeClient
	prices   PriceSource
	pending  *PendingManager
	feed     *Feed
	notifier core.Notifier
	archive  TradeArchiver
	log      logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*core.LivePosition
}

// PositionOption configures the manager
type PositionOption func(*PositionManager)

// WithPositionClock overrides the time source, used by tests
func WithPositionClock(now func() time.Time) PositionOption {
	return func(m *PositionManager) { m.now = now }
}

// WithTradeArchiver wires the long-term trade archive
func WithTradeArchiver(a TradeArchiver) PositionOption {
	return func(m *PositionManager) { m.archive = a }
}

// NewPositionManager wires the manager and registers it as the pending
// manager's fill handler
func NewPositionManager(store core.Store, client core.ExchangeClient, prices PriceSource,
	pending *PendingManager, feed *Feed, notifier core.Notifier, log logger.Logger,
	opts ...PositionOption) *PositionManager {

	m := &PositionManager{
		store:     store,
		client:    client,
		prices:    prices,
		pending:   pending,
		feed:      feed,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		positions: make(map[string]*core.LivePosition),
	}
	for _, opt := range opts {
		opt(m)
	}
	pending.SetHandler(m)
	return m
}

// SetNotifier swaps the notifier, used when the notification channel is
// wired after the manager
func (m *PositionManager) SetNotifier(n core.Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Restore loads persisted open positions into memory after a restart
func (m *PositionManager) Restore(ctx context.Context, mode core.TradingMode) error {
	persisted, err := m.store.Positions(ctx,
		core.WithPositionMode(mode), core.WithPositionStatus(core.PositionStatusOpen))
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	m.mu.Lock()
	for i := range persisted {
		p := persisted[i]
		m.positions[p.PositionID] = &p
	}
	m.mu.Unlock()

	if len(persisted) > 0 {
		m.log.Infof("restored %d open positions", len(persisted))
	}
	return nil
}

// OpenCount returns the number of positions currently held in memory
func (m *PositionManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// Positions returns a snapshot of the in-memory positions
func (m *PositionManager) Positions() []core.LivePosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.LivePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Open converts a signal match into a submitted MARKET BUY. The position
// itself is created by the fill handler once the exchange confirms.
func (m *PositionManager) Open(ctx context.Context, match core.SignalMatch, strat core.Strategy,
	wallet core.Wallet, settings core.ScanSettings, atr float64, mode core.TradingMode) error {

	required := math.Max(settings.DefaultPositionSize, minimumTradeValue)
	if wallet.AvailableBalance < required {
		return fmt.Errorf("balance %.2f below required %.2f: %w",
			wallet.AvailableBalance, required, core.ErrInsufficientBalance)
	}

	m.mu.Lock()
	open := len(m.positions)
	m.mu.Unlock()
	if open >= settings.MaxPositions {
		return fmt.Errorf("position limit %d reached", settings.MaxPositions)
	}

	positionValue := settings.DefaultPositionSize
	if settings.UseWinStrategySize {
		sizing := ComputeSizing(wallet.AvailableBalance, strat.RiskPercentage,
			strat.StopLossAtrMultiplier, strat.TakeProfitAtrMultiplier, atr, match.Price)
		positionValue = sizing.PositionValue
	}
	if positionValue < minimumTradeValue {
		positionValue = minimumTradeValue
	}
	quantity := positionValue / match.Price

	ack, err := m.client.CreateOrder(ctx, mode, match.Coin, core.SideTypeBuy, core.OrderTypeMarket, quantity)
	if err != nil {
		m.notifier.OnError(fmt.Errorf("open %s: %w", match.Coin, err))
		return fmt.Errorf("submit buy order: %w", err)
	}

	m.feed.Publish(Event{Kind: EventOrderSubmitted, Coin: match.Coin, OrderID: ack.OrderID})

	m.pending.Track(core.PendingOrder{
		OrderID:     ack.OrderID,
		Coin:        match.Coin,
		Side:        core.SideTypeBuy,
		Quantity:    quantity,
		Price:       match.Price,
		TradingMode: mode,
		Metadata: core.OrderMetadata{
			Signal:          &match,
			StrategyID:      strat.ID,
			StrategyName:    strat.Name(),
			ConvictionScore: match.CombinedStrength,
			MarketRegime:    match.MarketRegime,
			ATR:             atr,
			PositionValue:   positionValue,
		},
	})

	m.log.WithFields(map[string]any{
		"coin":     match.Coin,
		"strategy": strat.Name(),
		"value":    positionValue,
		"order_id": ack.OrderID,
	}).Info("buy order submitted")
	return nil
}

// OnBuyFilled creates the live position from the fill and the order
// metadata. The strategy is re-read so SL and TP use its current ATR
// multipliers, not the ones from submission time.
func (m *PositionManager) OnBuyFilled(ctx context.Context, pending core.PendingOrder, info core.OrderInfo) {
	entry := info.AvgPrice
	if entry <= 0 {
		entry = pending.Price
	}
	quantity := info.ExecutedQty
	if quantity <= 0 {
		quantity = pending.Quantity
	}

	strat, err := m.store.Strategy(ctx, pending.Metadata.StrategyID)
	if err != nil {
		m.log.WithError(err).WithField("strategy_id", pending.Metadata.StrategyID).
			Warn("strategy lookup failed at fill, using default multipliers")
		strat = core.Strategy{StopLossAtrMultiplier: 1.5, TakeProfitAtrMultiplier: 3.0}
	}

	slDistance, tpDistance := riskDistances(pending.Metadata.ATR,
		strat.StopLossAtrMultiplier, strat.TakeProfitAtrMultiplier, entry)

	position := &core.LivePosition{
		PositionID:   uuid.NewString(),
		StrategyID:   pending.Metadata.StrategyID,
		StrategyName: pending.Metadata.StrategyName,
		Coin:         pending.Coin,
		Direction:    core.DirectionLong,
		Status:       core.PositionStatusOpen,

		EntryPrice:   entry,
		CurrentPrice: entry,
		Quantity:     quantity,
		EntryValue:   entry * quantity,
		EntryTime:    m.now(),

		AtrAtEntry:      pending.Metadata.ATR,
		StopLossPrice:   entry - slDistance,
		TakeProfitPrice: entry + tpDistance,
		MaxPriceSeen:    entry,

		EnableTrailingTakeProfit: strat.EnableTrailingTakeProfit,
		TrailingStopPercentage:   strat.TrailingStopPercentage,
		EstimatedExitTimeMinutes: strat.EstimatedExitTimeMinutes,

		TradingMode:     pending.TradingMode,
		BinanceOrderID:  pending.OrderID,
		ConvictionScore: pending.Metadata.ConvictionScore,
		MarketRegime:    pending.Metadata.MarketRegime,
		LastPriceUpdate: m.now(),
	}
	if pending.Metadata.Signal != nil {
		position.TriggerSignals = pending.Metadata.Signal.Signals
	}

	if err := m.store.CreatePosition(ctx, position); err != nil {
		m.log.WithError(err).Error("position persistence failed")
	}

	m.mu.Lock()
	m.positions[position.PositionID] = position
	m.mu.Unlock()

	m.feed.Publish(Event{Kind: EventPositionOpened, Coin: position.Coin,
		PositionID: position.PositionID, Position: position})
	m.notifier.Notify(fmt.Sprintf("Opened %s at %.4f (%s)", position.Coin, entry, position.StrategyName))
}

// OnSellFilled finalizes the position the SELL order was closing
func (m *PositionManager) OnSellFilled(ctx context.Context, pending core.PendingOrder, info core.OrderInfo) {
	m.mu.Lock()
	position, ok := m.positions[pending.Metadata.PositionID]
	if ok {
		delete(m.positions, pending.Metadata.PositionID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.WithField("position_id", pending.Metadata.PositionID).
			Error("sell filled for unknown position")
		return
	}

	exit := info.AvgPrice
	if exit <= 0 {
		exit = pending.Price
	}

	pnl := (exit - position.EntryPrice) * position.Quantity
	pnlPct := 0.0
	if position.EntryPrice > 0 {
		pnlPct = (exit - position.EntryPrice) / position.EntryPrice * 100
	}

	trade := core.Trade{
		TradeID:         uuid.NewString(),
		PositionID:      position.PositionID,
		StrategyID:      position.StrategyID,
		StrategyName:    position.StrategyName,
		Coin:            position.Coin,
		Direction:       position.Direction,
		EntryPrice:      position.EntryPrice,
		ExitPrice:       exit,
		Quantity:        position.Quantity,
		Pnl:             pnl,
		PnlPercentage:   pnlPct,
		EntryTime:       position.EntryTime,
		ExitTime:        m.now(),
		ExitReason:      pending.Metadata.ExitReason,
		TriggerSignals:  position.TriggerSignals,
		ConvictionScore: position.ConvictionScore,
		MarketRegime:    position.MarketRegime,
		TradingMode:     position.TradingMode,
	}

	if err := m.store.CreateTrade(ctx, &trade); err != nil {
		m.log.WithError(err).Error("trade persistence failed")
	}
	if err := m.store.DeletePosition(ctx, position.PositionID); err != nil {
		m.log.WithError(err).Error("position deletion failed")
	}
	if m.archive != nil {
		if err := m.archive.ArchiveTrade(ctx, trade); err != nil {
			m.log.WithError(err).Warn("trade archive failed")
		}
	}

	m.updateRealStats(ctx, position.StrategyID, trade)

	m.feed.Publish(Event{Kind: EventPositionClosed, Coin: trade.Coin,
		PositionID: trade.PositionID, Trade: &trade})
	m.notifier.OnTrade(trade)
}

// OnOrderFailed reopens the position a failed SELL was closing so the next
// monitor tick retries the exit. Failed BUYs have no position yet; their
// retries are handled at submission.
func (m *PositionManager) OnOrderFailed(ctx context.Context, pending core.PendingOrder) {
	if pending.Side != core.SideTypeSell || pending.Metadata.PositionID == "" {
		return
	}

	m.mu.Lock()
	p, ok := m.positions[pending.Metadata.PositionID]
	if ok && p.Status == core.PositionStatusClosing {
		p.Status = core.PositionStatusOpen
	} else {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	if err := m.store.UpdatePosition(ctx, p); err != nil {
		m.log.WithError(err).Warn("position update failed after sell failure")
	}
	m.log.WithFields(map[string]any{
		"coin":        p.Coin,
		"position_id": p.PositionID,
		"order_id":    pending.OrderID,
	}).Warn("sell order failed, position reopened for retry")
	m.notifier.OnError(fmt.Errorf("sell %s failed with status %s, retrying", p.Coin, pending.Status))
}

// MonitorAll refreshes every open position and submits SELL orders for
// those whose exit condition fired
func (m *PositionManager) MonitorAll(ctx context.Context, mode core.TradingMode) {
	m.mu.Lock()
	snapshot := make([]*core.LivePosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.TradingMode == mode && p.Status == core.PositionStatusOpen {
			snapshot = append(snapshot, p)
		}
	}
	m.mu.Unlock()

	for _, p := range snapshot {
		m.monitorOne(ctx, p)
	}
}

// monitorOne refreshes the price first; a failed refresh skips the exit
// check entirely so a stale price never triggers an exit
func (m *PositionManager) monitorOne(ctx context.Context, p *core.LivePosition) {
	price, err := m.prices.GetPrice(ctx, p.TradingMode, p.Coin)
	if err != nil {
		m.log.WithError(err).WithField("coin", p.Coin).Warn("price refresh failed, skipping exit check")
		return
	}

	m.mu.Lock()
	if p.Status != core.PositionStatusOpen {
		m.mu.Unlock()
		return
	}

	p.CurrentPrice = price
	p.LastPriceUpdate = m.now()

	if price > p.MaxPriceSeen {
		p.MaxPriceSeen = price
	}
	if p.EnableTrailingTakeProfit && p.TrailingStopPercentage > 0 {
		trailing := p.MaxPriceSeen * (1 - p.TrailingStopPercentage/100)
		if trailing > p.StopLossPrice {
			p.StopLossPrice = trailing
		}
	}

	reason := exitReason(p, price, m.now())
	if reason == "" {
		m.mu.Unlock()
		return
	}
	p.Status = core.PositionStatusClosing
	m.mu.Unlock()

	if err := m.store.UpdatePosition(ctx, p); err != nil {
		m.log.WithError(err).Warn("position update failed before close")
	}
	m.close(ctx, p, reason)
}

// exitReason applies the exit checks in priority order: stop loss, take
// profit, then time exit
func exitReason(p *core.LivePosition, price float64, now time.Time) string {
	switch {
	case price <= p.StopLossPrice:
		return core.ExitReasonStopLoss
	case price >= p.TakeProfitPrice:
		return core.ExitReasonTakeProfit
	case p.EstimatedExitTimeMinutes > 0 &&
		now.Sub(p.EntryTime) >= time.Duration(p.EstimatedExitTimeMinutes*float64(time.Minute)):
		return core.ExitReasonTimeExit
	default:
		return ""
	}
}

// Close exits one position manually
func (m *PositionManager) Close(ctx context.Context, positionID string) error {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if ok && p.Status == core.PositionStatusOpen {
		p.Status = core.PositionStatusClosing
	} else {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("position %s: %w", positionID, core.ErrNotFound)
	}
	m.close(ctx, p, core.ExitReasonManual)
	return nil
}

// close submits the MARKET SELL. The position stays in the map with status
// closing, which blocks any second exit order for it.
func (m *PositionManager) close(ctx context.Context, p *core.LivePosition, reason string) {
	ack, err := m.client.CreateOrder(ctx, p.TradingMode, p.Coin, core.SideTypeSell, core.OrderTypeMarket, p.Quantity)
	if err != nil {
		// Reopen so the next monitor tick retries the exit
		m.mu.Lock()
		p.Status = core.PositionStatusOpen
		m.mu.Unlock()
		m.log.WithError(err).WithField("coin", p.Coin).Error("sell order submission failed")
		m.notifier.OnError(fmt.Errorf("close %s: %w", p.Coin, err))
		return
	}

	m.feed.Publish(Event{Kind: EventOrderSubmitted, Coin: p.Coin, OrderID: ack.OrderID, PositionID: p.PositionID})

	m.pending.Track(core.PendingOrder{
		OrderID:     ack.OrderID,
		Coin:        p.Coin,
		Side:        core.SideTypeSell,
		Quantity:    p.Quantity,
		Price:       p.CurrentPrice,
		TradingMode: p.TradingMode,
		Metadata: core.OrderMetadata{
			PositionID:   p.PositionID,
			StrategyID:   p.StrategyID,
			StrategyName: p.StrategyName,
			ExitReason:   reason,
		},
	})

	m.log.WithFields(map[string]any{
		"coin":     p.Coin,
		"reason":   reason,
		"order_id": ack.OrderID,
	}).Info("sell order submitted")
}

// HardReset persists the current in-memory positions and drops them
func (m *PositionManager) HardReset(ctx context.Context) {
	m.mu.Lock()
	positions := make([]*core.LivePosition, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, p)
	}
	m.positions = make(map[string]*core.LivePosition)
	m.mu.Unlock()

	for _, p := range positions {
		if err := m.store.UpdatePosition(ctx, p); err != nil {
			m.log.WithError(err).WithField("position_id", p.PositionID).
				Warn("position persistence failed during reset")
		}
	}
}

// updateRealStats folds the closed trade into the strategy's live
// performance metrics
func (m *PositionManager) updateRealStats(ctx context.Context, strategyID string, trade core.Trade) {
	if strategyID == "" {
		return
	}

	strat, err := m.store.Strategy(ctx, strategyID)
	if err != nil {
		return
	}

	wins := strat.RealSuccessRate / 100 * float64(strat.RealTradeCount)
	if trade.Pnl > 0 {
		wins++
	}
	strat.RealTradeCount++
	strat.RealSuccessRate = wins / float64(strat.RealTradeCount) * 100

	// Recompute the realized profit factor over all of the strategy's trades
	trades, err := m.store.Trades(ctx, trade.TradingMode)
	if err == nil {
		var grossProfit, grossLoss float64
		for _, t := range trades {
			if t.StrategyID != strategyID {
				continue
			}
			if t.Pnl > 0 {
				grossProfit += t.Pnl
			} else {
				grossLoss += -t.Pnl
			}
		}
		switch {
		case grossLoss == 0 && grossProfit > 0:
			strat.RealProfitFactor = 999.99
		case grossLoss == 0:
			strat.RealProfitFactor = 1.0
		default:
			strat.RealProfitFactor = math.Min(grossProfit/grossLoss, 999.99)
		}
	}

	if err := m.store.UpdateStrategy(ctx, &strat); err != nil {
		m.log.WithError(err).Warn("strategy stats update failed")
	}
}
