package notification

import "github.com/sigscan/sigscan/core"

// Noop is the notifier used when no Telegram credentials are configured
type Noop struct{}

// NewNoop returns a notifier that discards every message
func NewNoop() Noop { return Noop{} }

func (Noop) Notify(string)      {}
func (Noop) OnTrade(core.Trade) {}
func (Noop) OnError(error)      {}
