package core

import (
	"fmt"
	"time"
)

// SideType represents the direction of an order (BUY or SELL)
type SideType string

// OrderType represents the type of order (LIMIT, MARKET, etc.)
type OrderType string

// OrderStatusType represents the status of an order (NEW, FILLED, etc.)
type OrderStatusType string

// TradingMode selects between the simulated and the real exchange endpoints
type TradingMode string

// Order side constants
const (
	SideTypeBuy  SideType = "BUY"
	SideTypeSell SideType = "SELL"
)

// Order type constants
const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Order status constants
const (
	OrderStatusTypeNew             OrderStatusType = "NEW"
	OrderStatusTypePendingNew      OrderStatusType = "PENDING_NEW"
	OrderStatusTypePartiallyFilled OrderStatusType = "PARTIALLY_FILLED"
	OrderStatusTypeFilled          OrderStatusType = "FILLED"
	OrderStatusTypeCanceled        OrderStatusType = "CANCELED"
	OrderStatusTypeRejected        OrderStatusType = "REJECTED"
	OrderStatusTypeExpired         OrderStatusType = "EXPIRED"
)

// Trading mode constants
const (
	ModeTestnet TradingMode = "testnet"
	ModeLive    TradingMode = "live"
)

// IsTerminal reports whether the order status admits no further transitions
func (s OrderStatusType) IsTerminal() bool {
	switch s {
	case OrderStatusTypeFilled, OrderStatusTypeCanceled, OrderStatusTypeRejected, OrderStatusTypeExpired:
		return true
	}
	return false
}

// OrderAck is the exchange acknowledgment of a submitted order
type OrderAck struct {
	OrderID  string
	Coin     string
	Side     SideType
	Type     OrderType
	Quantity float64
	Price    float64
}

// OrderInfo is a point-in-time view of an order on the exchange
type OrderInfo struct {
	OrderID             string
	Coin                string
	Side                SideType
	Status              OrderStatusType
	ExecutedQty         float64
	AvgPrice            float64
	CummulativeQuoteQty float64
}

// StatusSnapshot records one poll of a pending order
type StatusSnapshot struct {
	Time   time.Time       `json:"time"`
	Status OrderStatusType `json:"status"`
	Err    string          `json:"err,omitempty"`
}

// OrderMetadata carries everything the fill handler needs to create a
// position (BUY) or finalize a trade (SELL)
type OrderMetadata struct {
	Signal          *SignalMatch `json:"signal,omitempty"`
	StrategyID      string       `json:"strategy_id,omitempty"`
	StrategyName    string       `json:"strategy_name,omitempty"`
	PositionID      string       `json:"position_id,omitempty"`
	ExitReason      string       `json:"exit_reason,omitempty"`
	ConvictionScore float64      `json:"conviction_score,omitempty"`
	MarketRegime    MarketRegime `json:"market_regime,omitempty"`
	ATR             float64      `json:"atr,omitempty"`
	WalletID        string       `json:"wallet_id,omitempty"`
	PositionValue   float64      `json:"position_value,omitempty"`
}

// PendingOrder tracks a submitted order between submission and terminal
// status. It lives only in memory.
type PendingOrder struct {
	OrderID     string
	Coin        string
	Side        SideType
	Quantity    float64
	Price       float64
	TradingMode TradingMode
	SubmittedAt time.Time
	LastChecked time.Time
	RetryCount  int
	Status      OrderStatusType
	Checks      []StatusSnapshot
	Metadata    OrderMetadata
}

// String returns a human-readable representation of the pending order
func (p PendingOrder) String() string {
	return fmt.Sprintf("[%s] %s %s | ID: %s, %f x $%f (~$%.2f)",
		p.Status, p.Side, p.Coin, p.OrderID, p.Quantity, p.Price, p.Quantity*p.Price)
}

// Balance holds a single asset balance within a wallet
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Wallet is the account state used for position sizing
type Wallet struct {
	AvailableBalance float64
	Balances         []Balance
}
