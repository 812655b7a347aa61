// Package binance implements the exchange client against the Binance spot
// API, with separate endpoints per trading mode.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/jpillora/backoff"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

const (
	testnetBaseURL = "https://testnet.binance.vision"

	// Every REST call is bounded so a wedged connection can never stall a
	// scan cycle
	callTimeout = 30 * time.Second

	maxRetries = 3
)

// Config holds credentials for both trading modes. Either mode may be left
// unconfigured; calls for that mode then fail with a configuration error.
type Config struct {
	LiveAPIKey       string
	LiveAPISecret    string
	TestnetAPIKey    string
	TestnetAPISecret string
}

// Client talks to Binance spot. Market data always comes from the live
// endpoint (the testnet has no meaningful volume); account and order calls
// route by trading mode.
type Client struct {
	live    *binance.Client
	testnet *binance.Client
	log     logger.Logger
}

// NewClient builds clients for both modes from the given credentials
func NewClient(cfg Config, log logger.Logger) *Client {
	live := binance.NewClient(cfg.LiveAPIKey, cfg.LiveAPISecret)

	testnet := binance.NewClient(cfg.TestnetAPIKey, cfg.TestnetAPISecret)
	testnet.BaseURL = testnetBaseURL

	return &Client{live: live, testnet: testnet, log: log}
}

func (c *Client) client(mode core.TradingMode) (*binance.Client, error) {
	switch mode {
	case core.ModeLive:
		if c.live.APIKey == "" {
			return nil, core.ConfigErrorf("live API credentials are not configured")
		}
		return c.live, nil
	case core.ModeTestnet:
		if c.testnet.APIKey == "" {
			return nil, core.ConfigErrorf("testnet API credentials are not configured")
		}
		return c.testnet, nil
	default:
		return nil, core.ConfigErrorf("unknown trading mode %q", mode)
	}
}

// retry runs fn with exponential backoff on transient failures. Context
// cancellation and API rejections are not retried.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apiErr, ok := err.(*common.APIError); ok {
			// The exchange rejected the request; retrying cannot help
			return fmt.Errorf("%s: %w", op, apiErr)
		}

		wait := b.Duration()
		c.log.WithError(err).WithField("operation", op).
			Warnf("exchange call failed, retrying in %s", wait)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Klines returns the most recent candles for a coin and timeframe
func (c *Client) Klines(ctx context.Context, coin, timeframe string, limit int) ([]core.Candle, error) {
	var raw []*binance.Kline
	err := c.retry(ctx, "klines", func(ctx context.Context) error {
		var err error
		raw, err = c.live.NewKlinesService().
			Symbol(coin).
			Interval(timeframe).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertKlines(coin, raw), nil
}

// KlinesByPeriod returns candles within [start, end]
func (c *Client) KlinesByPeriod(ctx context.Context, coin, timeframe string, start, end time.Time) ([]core.Candle, error) {
	var raw []*binance.Kline
	err := c.retry(ctx, "klines by period", func(ctx context.Context) error {
		var err error
		raw, err = c.live.NewKlinesService().
			Symbol(coin).
			Interval(timeframe).
			StartTime(start.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(1000).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertKlines(coin, raw), nil
}

// TickerPrice returns the latest trade price for one coin
func (c *Client) TickerPrice(ctx context.Context, mode core.TradingMode, coin string) (float64, error) {
	var prices []*binance.SymbolPrice
	err := c.retry(ctx, "ticker price", func(ctx context.Context) error {
		var err error
		prices, err = c.live.NewListPricesService().Symbol(coin).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", coin)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// TickerPriceBatch returns latest prices for many coins in one request
func (c *Client) TickerPriceBatch(ctx context.Context, mode core.TradingMode, coins []string) (map[string]float64, error) {
	if len(coins) == 0 {
		return map[string]float64{}, nil
	}

	var prices []*binance.SymbolPrice
	err := c.retry(ctx, "ticker price batch", func(ctx context.Context) error {
		var err error
		prices, err = c.live.NewListPricesService().Symbols(coins).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(prices))
	for _, p := range prices {
		value, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			continue
		}
		out[p.Symbol] = value
	}
	return out, nil
}

// Ticker24h returns the 24h rolling stats for one coin
func (c *Client) Ticker24h(ctx context.Context, mode core.TradingMode, coin string) (core.Ticker24h, error) {
	var stats []*binance.PriceChangeStats
	err := c.retry(ctx, "ticker 24h", func(ctx context.Context) error {
		var err error
		stats, err = c.live.NewListPriceChangeStatsService().Symbol(coin).Do(ctx)
		return err
	})
	if err != nil {
		return core.Ticker24h{}, err
	}
	if len(stats) == 0 {
		return core.Ticker24h{}, fmt.Errorf("no 24h stats returned for %s", coin)
	}
	return convertTicker24h(stats[0]), nil
}

// Ticker24hBatch returns 24h rolling stats for many coins in one request
func (c *Client) Ticker24hBatch(ctx context.Context, mode core.TradingMode, coins []string) (map[string]core.Ticker24h, error) {
	if len(coins) == 0 {
		return map[string]core.Ticker24h{}, nil
	}

	var stats []*binance.PriceChangeStats
	err := c.retry(ctx, "ticker 24h batch", func(ctx context.Context) error {
		var err error
		stats, err = c.live.NewListPriceChangeStatsService().Symbols(coins).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]core.Ticker24h, len(stats))
	for _, s := range stats {
		out[s.Symbol] = convertTicker24h(s)
	}
	return out, nil
}

// CreateOrder submits an order under the given trading mode. Limit orders
// require a price; market orders ignore it.
func (c *Client) CreateOrder(ctx context.Context, mode core.TradingMode, coin string, side core.SideType,
	orderType core.OrderType, quantity float64, price ...float64) (core.OrderAck, error) {

	client, err := c.client(mode)
	if err != nil {
		return core.OrderAck{}, err
	}

	service := client.NewCreateOrderService().
		Symbol(coin).
		Side(binance.SideType(side)).
		Type(binance.OrderType(orderType)).
		Quantity(formatFloat(quantity))

	var limitPrice float64
	if orderType == core.OrderTypeLimit {
		if len(price) == 0 || price[0] <= 0 {
			return core.OrderAck{}, core.ConfigErrorf("limit order for %s requires a price", coin)
		}
		limitPrice = price[0]
		service = service.
			Price(formatFloat(limitPrice)).
			TimeInForce(binance.TimeInForceTypeGTC)
	}

	var res *binance.CreateOrderResponse
	err = c.retry(ctx, "create order", func(ctx context.Context) error {
		var err error
		res, err = service.Do(ctx)
		return err
	})
	if err != nil {
		return core.OrderAck{}, err
	}

	ackPrice := limitPrice
	if v, err := strconv.ParseFloat(res.Price, 64); err == nil && v > 0 {
		ackPrice = v
	}

	return core.OrderAck{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		Coin:     coin,
		Side:     side,
		Type:     orderType,
		Quantity: quantity,
		Price:    ackPrice,
	}, nil
}

// Order fetches the current state of an order
func (c *Client) Order(ctx context.Context, mode core.TradingMode, coin, orderID string) (core.OrderInfo, error) {
	client, err := c.client(mode)
	if err != nil {
		return core.OrderInfo{}, err
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return core.OrderInfo{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	var order *binance.Order
	err = c.retry(ctx, "get order", func(ctx context.Context) error {
		var err error
		order, err = client.NewGetOrderService().Symbol(coin).OrderID(id).Do(ctx)
		return err
	})
	if err != nil {
		return core.OrderInfo{}, err
	}

	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	avgPrice := 0.0
	if executed > 0 && quote > 0 {
		avgPrice = quote / executed
	} else {
		avgPrice, _ = strconv.ParseFloat(order.Price, 64)
	}

	return core.OrderInfo{
		OrderID:             orderID,
		Coin:                coin,
		Side:                core.SideType(order.Side),
		Status:              core.OrderStatusType(order.Status),
		ExecutedQty:         executed,
		AvgPrice:            avgPrice,
		CummulativeQuoteQty: quote,
	}, nil
}

// GetWallet returns the account balances for a trading mode. The quote
// asset free balance feeds position sizing.
func (c *Client) GetWallet(ctx context.Context, mode core.TradingMode) (core.Wallet, error) {
	client, err := c.client(mode)
	if err != nil {
		return core.Wallet{}, err
	}

	var account *binance.Account
	err = c.retry(ctx, "get wallet", func(ctx context.Context) error {
		var err error
		account, err = client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return core.Wallet{}, err
	}

	wallet := core.Wallet{}
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		wallet.Balances = append(wallet.Balances, core.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
		})
		if b.Asset == "USDT" {
			wallet.AvailableBalance = free
		}
	}
	return wallet, nil
}

// TestKeys verifies the credentials of a trading mode with a signed call
func (c *Client) TestKeys(ctx context.Context, mode core.TradingMode) error {
	client, err := c.client(mode)
	if err != nil {
		return err
	}
	return c.retry(ctx, "test keys", func(ctx context.Context) error {
		_, err := client.NewGetAccountService().Do(ctx)
		return err
	})
}

func convertKlines(coin string, raw []*binance.Kline) []core.Candle {
	candles := make([]core.Candle, 0, len(raw))
	now := time.Now()
	for _, k := range raw {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		closeTime := time.Unix(0, k.CloseTime*int64(time.Millisecond))
		candles = append(candles, core.Candle{
			Coin:     coin,
			Time:     time.Unix(0, k.OpenTime*int64(time.Millisecond)),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
			Complete: closeTime.Before(now),
		})
	}
	return candles
}

func convertTicker24h(s *binance.PriceChangeStats) core.Ticker24h {
	last, _ := strconv.ParseFloat(s.LastPrice, 64)
	change, _ := strconv.ParseFloat(s.PriceChangePercent, 64)
	high, _ := strconv.ParseFloat(s.HighPrice, 64)
	low, _ := strconv.ParseFloat(s.LowPrice, 64)
	volume, _ := strconv.ParseFloat(s.Volume, 64)
	quoteVolume, _ := strconv.ParseFloat(s.QuoteVolume, 64)

	return core.Ticker24h{
		Coin:               s.Symbol,
		LastPrice:          last,
		PriceChangePercent: change,
		HighPrice:          high,
		LowPrice:           low,
		Volume:             volume,
		QuoteVolume:        quoteVolume,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
