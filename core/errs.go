package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the runtime error taxonomy. Fetch-layer failures are
// retried locally and never wrapped in these; only the classes below cross
// component boundaries.
var (
	// ErrConfig marks invalid settings, missing keys or unparseable signal
	// specs. Surfaced where the config is loaded; prevents start.
	ErrConfig = errors.New("config error")

	// ErrLeadershipDenied is returned by Scanner.Start when another session
	// is still heartbeating.
	ErrLeadershipDenied = errors.New("another session holds scanner leadership")

	// ErrLeadershipLost is surfaced when the heartbeat CAS observes a
	// different leader. The scanner stops gracefully.
	ErrLeadershipLost = errors.New("scanner leadership lost")

	// ErrDuplicateSignature marks an attempt to persist a combination whose
	// signature already exists.
	ErrDuplicateSignature = errors.New("combination signature already exists")

	// ErrInsufficientBalance is the exchange rejection for orders exceeding
	// the available balance (-2010).
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNoCandles marks a coin whose candle history is empty or shorter
	// than the indicator warmup.
	ErrNoCandles = errors.New("insufficient candle history")

	// ErrStoreUnavailable marks persistent store failure beyond the retry
	// budget. The scanner stops and requires an operator restart.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned by store lookups for missing entities.
	ErrNotFound = errors.New("not found")
)

// ConfigErrorf builds a ConfigError with a formatted reason
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
