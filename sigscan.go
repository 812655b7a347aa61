// Package sigscan wires the scanner engine: exchange client, stores, price
// cache, order lifecycle, strategy manager, detection engine, and the
// scanner core.
package sigscan

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigscan/sigscan/config"
	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/exchange/binance"
	"github.com/sigscan/sigscan/logger"
	"github.com/sigscan/sigscan/logger/zerolog"
	"github.com/sigscan/sigscan/notification"
	"github.com/sigscan/sigscan/order"
	"github.com/sigscan/sigscan/pricecache"
	"github.com/sigscan/sigscan/regime"
	"github.com/sigscan/sigscan/scanner"
	"github.com/sigscan/sigscan/storage"
	"github.com/sigscan/sigscan/strategy"
)

// Engine is the assembled scanner process
type Engine struct {
	cfg      config.Config
	log      logger.Logger
	store    core.Store
	archive  *storage.SQLArchive
	client   core.ExchangeClient
	prices   *pricecache.Cache
	feed     *order.Feed
	pending  *order.PendingManager
	position *order.PositionManager
	manager  *strategy.Manager
	engine   *scanner.DetectionEngine
	scanner  *scanner.Scanner
	activity *scanner.ActivityLog
	notifier core.Notifier
	telegram *notification.Telegram
	registry *prometheus.Registry
	metrics  *http.Server
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithStore overrides the default file-backed store
func WithStore(store core.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithExchangeClient overrides the Binance client, used by offline setups
func WithExchangeClient(client core.ExchangeClient) Option {
	return func(e *Engine) { e.client = client }
}

// WithNotifier overrides the notifier
func WithNotifier(n core.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger overrides the default zerolog logger
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine assembles the full scanner from the given configuration
func NewEngine(cfg config.Config, options ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, registry: prometheus.NewRegistry()}

	for _, option := range options {
		option(e)
	}

	if err := e.initLogger(); err != nil {
		return nil, err
	}
	if err := e.initStorage(); err != nil {
		return nil, err
	}
	e.initExchange()
	e.initPipeline()
	if err := e.initNotifications(); err != nil {
		return nil, err
	}
	e.wireScanner()
	return e, nil
}

func (e *Engine) initLogger() error {
	if e.log != nil {
		return nil
	}
	log, err := zerolog.New(e.cfg.LogLevel, "2006-01-02 15:04:05", true, false)
	if err != nil {
		return err
	}
	e.log = log
	return nil
}

func (e *Engine) initStorage() error {
	if e.store == nil {
		store, err := storage.NewBuntStore(e.cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		e.store = store
	}

	if e.cfg.ArchivePath != "" {
		archive, err := storage.NewSQLArchive(e.cfg.ArchivePath, storage.DefaultSQLConfig())
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		e.archive = archive
	}
	return nil
}

func (e *Engine) initExchange() {
	if e.client != nil {
		return
	}
	e.client = binance.NewClient(binance.Config{
		LiveAPIKey:       e.cfg.LiveAPIKey,
		LiveAPISecret:    e.cfg.LiveAPISecret,
		TestnetAPIKey:    e.cfg.TestnetAPIKey,
		TestnetAPISecret: e.cfg.TestnetAPISecret,
	}, e.log)
}

func (e *Engine) initPipeline() {
	e.prices = pricecache.New(e.client, e.log, e.registry)
	e.feed = order.NewFeed()
	e.pending = order.NewPendingManager(e.client, e.feed, e.log)
	e.activity = scanner.NewActivityLog(scanner.DefaultActivityCapacity)
}

func (e *Engine) initNotifications() error {
	if e.notifier == nil {
		e.notifier = notification.NewNoop()
	}

	var positionOpts []order.PositionOption
	if e.archive != nil {
		positionOpts = append(positionOpts, order.WithTradeArchiver(e.archive))
	}
	e.position = order.NewPositionManager(e.store, e.client, e.prices,
		e.pending, e.feed, e.notifier, e.log, positionOpts...)
	return nil
}

func (e *Engine) wireScanner() {
	classifier := regime.NewClassifier()
	e.engine = scanner.NewDetectionEngine(e.client, classifier, e.position, e.log)
	e.manager = strategy.NewManager(e.store, e.engine, e.log)

	e.scanner = scanner.New(e.store, e.manager, e.position, e.pending, e.prices,
		e.client, e.engine, e.activity, e.log, e.cfg.TradingMode,
		scanner.WithSessionTimeout(e.cfg.SessionTimeout))

	// Telegram needs the scanner, so it is wired last and swapped in
	if e.cfg.TelegramEnabled() {
		tg, err := notification.NewTelegram(notification.TelegramConfig{
			Token: e.cfg.TelegramToken,
			Users: e.cfg.TelegramUsers,
		}, e.scanner, e.position, e.log)
		if err != nil {
			e.log.WithError(err).Warn("telegram setup failed, continuing without it")
			return
		}
		e.telegram = tg
		e.notifier = tg
		e.position.SetNotifier(tg)
	}
}

// Scanner exposes the scanner core for administrative surfaces
func (e *Engine) Scanner() *scanner.Scanner { return e.scanner }

// Store exposes the persistence layer
func (e *Engine) Store() core.Store { return e.store }

// Client exposes the exchange client
func (e *Engine) Client() core.ExchangeClient { return e.client }

// Activity exposes the bounded operator log
func (e *Engine) Activity() *scanner.ActivityLog { return e.activity }

// Strategies exposes the strategy manager
func (e *Engine) Strategies() *strategy.Manager { return e.manager }

// Logger exposes the process logger
func (e *Engine) Logger() logger.Logger { return e.log }

// Run starts the scanner and blocks until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	if err := e.client.TestKeys(ctx, e.cfg.TradingMode); err != nil {
		return fmt.Errorf("exchange key check: %w", err)
	}

	if e.cfg.MetricsAddr != "" {
		e.startMetrics()
	}
	if e.telegram != nil {
		e.telegram.Start()
	}

	if err := e.scanner.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	e.Stop()
	return nil
}

// Stop shuts the engine down: scanner first, then the background services
func (e *Engine) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.scanner.Stop(ctx)
	e.prices.Stop()

	if e.metrics != nil {
		if err := e.metrics.Shutdown(ctx); err != nil {
			e.log.WithError(err).Warn("metrics server shutdown failed")
		}
	}
}

// startMetrics serves /metrics from the engine's private registry
func (e *Engine) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.metrics = &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := e.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.WithError(err).Error("metrics server failed")
		}
	}()
	e.log.Infof("metrics listening on %s", e.cfg.MetricsAddr)
}
