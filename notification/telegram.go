// Package notification delivers operator-facing messages: trade alerts,
// errors, and a small Telegram command surface over the scanner.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slices"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

const pollingTimeout = 10 * time.Second

// ScannerControl is the scanner surface the Telegram commands drive
type ScannerControl interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Running() bool
	Mode() core.TradingMode
}

// PositionLister exposes the open positions for the /positions command
type PositionLister interface {
	Positions() []core.LivePosition
}

// TelegramConfig holds the bot token and the authorized chat IDs
type TelegramConfig struct {
	Token string
	Users []int
}

// Telegram implements core.Notifier over a Telegram bot. Only configured
// users can issue commands or receive alerts.
type Telegram struct {
	config      TelegramConfig
	scanner     ScannerControl
	positions   PositionLister
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
	log         logger.Logger
}

// NewTelegram creates and initializes the Telegram service
func NewTelegram(config TelegramConfig, scanner ScannerControl, positions PositionLister,
	log logger.Logger) (*Telegram, error) {

	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: pollingTimeout}
	userMiddleware := newAuthMiddleware(poller, config, log)

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     config.Token,
		Poller:    userMiddleware,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	t := &Telegram{
		config:      config,
		scanner:     scanner,
		positions:   positions,
		defaultMenu: menu,
		client:      client,
		log:         log,
	}
	registerHandlers(client, t)
	return t, nil
}

// newAuthMiddleware creates a middleware to validate authorized users
func newAuthMiddleware(poller *tb.LongPoller, config TelegramConfig, log logger.Logger) *tb.MiddlewarePoller {
	return tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("message or sender is nil ", u)
			return false
		}

		if slices.Contains(config.Users, int(u.Message.Sender.ID)) {
			return true
		}

		log.Error("unauthorized user ", u.Message.Sender.ID)
		return false
	})
}

// setupKeyboard configures the reply keyboard layout
func setupKeyboard(menu *tb.ReplyMarkup) {
	var (
		statusBtn    = menu.Text("/status")
		positionsBtn = menu.Text("/positions")
		startBtn     = menu.Text("/start")
		stopBtn      = menu.Text("/stop")
	)

	menu.Reply(
		menu.Row(statusBtn, positionsBtn),
		menu.Row(startBtn, stopBtn),
	)
}

// setupCommands configures available bot commands
func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/start", Description: "Start the scanner"},
		{Text: "/stop", Description: "Stop the scanner"},
		{Text: "/status", Description: "Scanner status and trading mode"},
		{Text: "/positions", Description: "List open positions"},
	})
}

// registerHandlers registers all command handlers
func registerHandlers(client *tb.Bot, t *Telegram) {
	client.Handle("/help", t.HelpHandle)
	client.Handle("/start", t.StartHandle)
	client.Handle("/stop", t.StopHandle)
	client.Handle("/status", t.StatusHandle)
	client.Handle("/positions", t.PositionsHandle)
}

// Start begins the Telegram bot and notifies all authorized users
func (t *Telegram) Start() {
	go t.client.Start()
	t.sendMessageWithOptions("Scanner bot initialized.", t.defaultMenu)
}

// Notify sends a message to all authorized users
func (t *Telegram) Notify(text string) {
	for _, user := range t.config.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text)
		if err != nil {
			t.log.WithError(err).Error("failed to send notification")
		}
	}
}

// OnTrade notifies users about a closed trade
func (t *Telegram) OnTrade(trade core.Trade) {
	title := "✅ TRADE CLOSED"
	if trade.Pnl < 0 {
		title = "🔻 TRADE CLOSED"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s - %s\n-----\n", title, trade.Coin)
	fmt.Fprintf(&sb, "Strategy: `%s`\n", trade.StrategyName)
	fmt.Fprintf(&sb, "Entry: `%.4f` → Exit: `%.4f`\n", trade.EntryPrice, trade.ExitPrice)
	fmt.Fprintf(&sb, "PnL: `%.2f` (`%.2f%%`)\n", trade.Pnl, trade.PnlPercentage)
	fmt.Fprintf(&sb, "Reason: `%s`", trade.ExitReason)

	t.Notify(sb.String())
}

// OnError notifies users about errors
func (t *Telegram) OnError(err error) {
	var sb strings.Builder
	sb.WriteString("🛑 ERROR\n-----\n")
	sb.WriteString(err.Error())
	t.Notify(sb.String())
}

// sendMessageWithOptions sends a message to all authorized users with
// additional options
func (t *Telegram) sendMessageWithOptions(text string, options ...any) {
	for _, user := range t.config.Users {
		_, err := t.client.Send(&tb.User{ID: int64(user)}, text, options...)
		if err != nil {
			t.log.WithError(err).Error("failed to send notification with options")
		}
	}
}

// sendMessage sends a message to a specific user
func (t *Telegram) sendMessage(to *tb.User, text string, options ...any) {
	_, err := t.client.Send(to, text, options...)
	if err != nil {
		t.log.WithError(err).Error("failed to send message")
	}
}

// HelpHandle displays available commands
func (t *Telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		t.log.WithError(err).Error("failed to get commands")
		t.OnError(err)
		return
	}

	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("/%s - %s", command.Text, command.Description))
	}

	t.sendMessage(m.Sender, strings.Join(lines, "\n"))
}

// StatusHandle displays the scanner state and trading mode
func (t *Telegram) StatusHandle(m *tb.Message) {
	status := "stopped"
	if t.scanner.Running() {
		status = "running"
	}
	t.sendMessage(m.Sender, fmt.Sprintf("Status: `%s`\nMode: `%s`", status, t.scanner.Mode()))
}

// PositionsHandle lists the open positions
func (t *Telegram) PositionsHandle(m *tb.Message) {
	positions := t.positions.Positions()
	if len(positions) == 0 {
		t.sendMessage(m.Sender, "No open positions.")
		return
	}

	var sb strings.Builder
	sb.WriteString("*OPEN POSITIONS*\n")
	for _, p := range positions {
		unrealized := (p.CurrentPrice - p.EntryPrice) * p.Quantity
		fmt.Fprintf(&sb, "%s: `%.4f` @ `%.4f` (now `%.4f`, PnL `%.2f`)\n",
			p.Coin, p.Quantity, p.EntryPrice, p.CurrentPrice, unrealized)
	}
	t.sendMessage(m.Sender, sb.String())
}

// StartHandle starts the scanner
func (t *Telegram) StartHandle(m *tb.Message) {
	if t.scanner.Running() {
		t.sendMessage(m.Sender, "Scanner is already running.", t.defaultMenu)
		return
	}

	if err := t.scanner.Start(context.Background()); err != nil {
		t.sendMessage(m.Sender, fmt.Sprintf("Start failed: `%s`", err.Error()), t.defaultMenu)
		return
	}
	t.sendMessage(m.Sender, "Scanner started.", t.defaultMenu)
}

// StopHandle stops the scanner
func (t *Telegram) StopHandle(m *tb.Message) {
	if !t.scanner.Running() {
		t.sendMessage(m.Sender, "Scanner is already stopped.", t.defaultMenu)
		return
	}

	t.scanner.Stop(context.Background())
	t.sendMessage(m.Sender, "Scanner stopped.", t.defaultMenu)
}
