package core

import "time"

// Session is the single shared record used for scanner leader election
// across client instances. Exactly one row exists; only the leader mutates
// it, and only by compare-and-swap.
type Session struct {
	LeaderSessionID  string    `json:"leader_session_id"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	IsGloballyActive bool      `json:"is_globally_active"`
}

// Expired reports whether the session lease has lapsed at the given time
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > timeout
}

// ScannerStats is the per-mode telemetry record upserted each scan cycle
type ScannerStats struct {
	Mode                           TradingMode `json:"mode"`
	TotalScanCycles                int64       `json:"total_scan_cycles"`
	TotalScans                     int64       `json:"total_scans"`
	SignalsFound                   int64       `json:"signals_found"`
	TradesExecuted                 int64       `json:"trades_executed"`
	AverageScanTimeMs              float64     `json:"average_scan_time_ms"`
	LastScanTimeMs                 float64     `json:"last_scan_time_ms"`
	AverageSignalStrength          float64     `json:"average_signal_strength"`
	LastCycleAverageSignalStrength float64     `json:"last_cycle_average_signal_strength"`
	LastUpdated                    time.Time   `json:"last_updated"`
}

// ActivityLevel classifies entries in the scanner activity log
type ActivityLevel string

// Activity level constants
const (
	ActivityInfo    ActivityLevel = "info"
	ActivityWarning ActivityLevel = "warning"
	ActivityError   ActivityLevel = "error"
	ActivitySuccess ActivityLevel = "success"
	ActivityTrade   ActivityLevel = "trade"
	ActivityCycle   ActivityLevel = "cycle"
	ActivitySummary ActivityLevel = "summary"
)

// ActivityEntry is one record of the bounded, append-only activity log
type ActivityEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     ActivityLevel  `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}
