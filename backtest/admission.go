package backtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/logger"
)

// StrategyDefaults are the risk controls stamped onto every admitted
// strategy. They can be tuned per strategy afterwards.
type StrategyDefaults struct {
	RiskPercentage           float64
	StopLossAtrMultiplier    float64
	TakeProfitAtrMultiplier  float64
	EnableTrailingTakeProfit bool
	TrailingStopPercentage   float64
	RequiredSignals          int
	MinCoreSignalStrength    float64
}

// DefaultStrategyDefaults mirror the conservative admission profile
func DefaultStrategyDefaults() StrategyDefaults {
	return StrategyDefaults{
		RiskPercentage:           1.0,
		StopLossAtrMultiplier:    1.5,
		TakeProfitAtrMultiplier:  3.0,
		EnableTrailingTakeProfit: true,
		TrailingStopPercentage:   1.0,
		RequiredSignals:          1,
		MinCoreSignalStrength:    50,
	}
}

// AdmissionResult reports how many combinations were persisted and how
// many were skipped because their signature already exists
type AdmissionResult struct {
	Admitted   int
	Duplicates int
}

// Admit persists the chosen combinations as live-scanner strategies. A
// combination whose signature is already persisted is skipped and counted;
// any other persistence error aborts the admission.
func Admit(ctx context.Context, store core.StrategyStore, combos []core.Combination,
	defaults StrategyDefaults, log logger.Logger) (AdmissionResult, error) {

	var result AdmissionResult
	for _, combo := range combos {
		strategy := core.Strategy{
			Combination:              combo,
			IncludedInScanner:        true,
			RiskPercentage:           defaults.RiskPercentage,
			StopLossAtrMultiplier:    defaults.StopLossAtrMultiplier,
			TakeProfitAtrMultiplier:  defaults.TakeProfitAtrMultiplier,
			EnableTrailingTakeProfit: defaults.EnableTrailingTakeProfit,
			TrailingStopPercentage:   defaults.TrailingStopPercentage,
			EstimatedExitTimeMinutes: combo.AvgWinDurationMinutes,
			StrategyDirection:        core.DirectionLong,
			MinCoreSignalStrength:    defaults.MinCoreSignalStrength,
			RequiredSignals:          defaults.RequiredSignals,
		}

		err := store.CreateStrategy(ctx, &strategy)
		switch {
		case err == nil:
			result.Admitted++
		case errors.Is(err, core.ErrDuplicateSignature):
			result.Duplicates++
			log.WithField("signature", combo.Signature).Debug("strategy already admitted, skipping")
		default:
			return result, fmt.Errorf("admit %s: %w", combo.Signature, err)
		}
	}
	return result, nil
}
