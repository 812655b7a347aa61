package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/goterm/term"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/sigscan/sigscan"
	"github.com/sigscan/sigscan/backtest"
	"github.com/sigscan/sigscan/config"
	"github.com/sigscan/sigscan/core"
	"github.com/sigscan/sigscan/exchange"
	"github.com/sigscan/sigscan/regime"
	sig "github.com/sigscan/sigscan/signal"
)

// Exit codes
const (
	exitOK               = 0
	exitBadConfig        = 1
	exitLeadershipDenied = 2
)

// Command line flags
var (
	// run flags
	modeFlag        string
	activityOutFlag string

	// backtest flags
	btCoins       []string
	btTimeframe   string
	btDays        int
	btTargetGain  float64
	btWindow      string
	btRequired    int
	btMax         int
	btMinStrength float64
	btRegimeAware bool
	btCSVFiles    []string
	btAdmit       bool

	btMinOccurrences int
	btMinPF          float64
	btMinAvgMove     float64
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sigscan",
		Short:   "Signal scanner and strategy backtester",
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildBacktestCmd())
	rootCmd.AddCommand(buildStrategiesCmd())
	rootCmd.AddCommand(buildCheckKeysCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, term.Redf("%s", err))
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, core.ErrLeadershipDenied):
		return exitLeadershipDenied
	default:
		return exitBadConfig
	}
}

func loadEngine() (*sigscan.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if modeFlag != "" {
		cfg.TradingMode = core.TradingMode(modeFlag)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return sigscan.NewEngine(cfg)
}

func buildRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live scanner until interrupted",
		RunE:  runScanner,
	}

	runCmd.Flags().StringVarP(&modeFlag, "mode", "m", "", "Trading mode (testnet or live)")
	runCmd.Flags().StringVar(&activityOutFlag, "activity-out", "", "Write the activity log as JSON lines on shutdown")
	return runCmd
}

func runScanner(cmd *cobra.Command, _ []string) error {
	engine, err := loadEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = engine.Run(ctx)

	if activityOutFlag != "" {
		if exportErr := exportActivity(engine, activityOutFlag); exportErr != nil {
			engine.Logger().WithError(exportErr).Warn("activity export failed")
		}
	}
	return err
}

func exportActivity(engine *sigscan.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return engine.Activity().Export(f)
}

func buildBacktestCmd() *cobra.Command {
	btCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest the signal catalog and optionally admit winners",
		RunE:  runBacktest,
	}

	btCmd.Flags().StringSliceVarP(&btCoins, "coins", "c", nil, "Coins to scan (e.g. BTCUSDT,ETHUSDT)")
	btCmd.Flags().StringVarP(&btTimeframe, "timeframe", "t", "1h", "Candle timeframe (e.g. 15m, 1h)")
	btCmd.Flags().IntVarP(&btDays, "days", "d", 30, "Days of history to cover")
	btCmd.Flags().Float64Var(&btTargetGain, "target-gain", 2.0, "Percent move counted as success")
	btCmd.Flags().StringVar(&btWindow, "future-window", "24h", "Forward walk window")
	btCmd.Flags().IntVar(&btRequired, "required-signals", 2, "Minimum signals per combination")
	btCmd.Flags().IntVar(&btMax, "max-signals", 5, "Maximum signals per combination")
	btCmd.Flags().Float64Var(&btMinStrength, "min-strength", 100, "Minimum combined strength")
	btCmd.Flags().BoolVar(&btRegimeAware, "regime-aware", true, "Drop counter-regime signals")
	btCmd.Flags().StringSliceVar(&btCSVFiles, "csv", nil, "CSV candle files as coin=path pairs, replaces live klines")
	btCmd.Flags().BoolVar(&btAdmit, "admit", false, "Persist surviving combinations as strategies")
	btCmd.Flags().IntVar(&btMinOccurrences, "min-occurrences", 5, "Aggregation: minimum occurrences")
	btCmd.Flags().Float64Var(&btMinPF, "min-profit-factor", 1.5, "Aggregation: minimum profit factor")
	btCmd.Flags().Float64Var(&btMinAvgMove, "min-avg-move", 0.5, "Aggregation: minimum average price move")

	btCmd.MarkFlagRequired("coins")
	return btCmd
}

func runBacktest(cmd *cobra.Command, _ []string) error {
	engine, err := loadEngine()
	if err != nil {
		return err
	}

	window, err := str2duration.ParseDuration(btWindow)
	if err != nil {
		return core.ConfigErrorf("invalid future window %q", btWindow)
	}

	feeder := core.CandleFeeder(engine.Client())
	if len(btCSVFiles) > 0 {
		feeder, err = buildCSVFeed()
		if err != nil {
			return err
		}
	}

	runner := backtest.NewRunner(feeder, regime.NewClassifier(), engine.Logger())
	result, err := runner.Run(cmd.Context(), backtest.Config{
		Coins:               btCoins,
		Timeframe:           btTimeframe,
		Period:              time.Duration(btDays) * 24 * time.Hour,
		Catalog:             sig.Catalog(),
		TargetGain:          btTargetGain,
		FutureWindow:        window,
		RequiredSignals:     btRequired,
		MaxSignals:          btMax,
		MinCombinedStrength: btMinStrength,
		RegimeAware:         btRegimeAware,
		ShowProgress:        true,
	})
	if err != nil {
		return err
	}
	for _, failed := range result.FailedCoins {
		fmt.Fprintln(os.Stderr, term.Yellowf("skipped %s: %s", failed.Coin, failed.Err))
	}

	combos := backtest.Aggregate(result.Matches, backtest.Thresholds{
		MinOccurrences:      btMinOccurrences,
		MinProfitFactor:     btMinPF,
		MinAveragePriceMove: btMinAvgMove,
	})
	attributed, combos := backtest.BestAtTrigger(result.Matches, combos)
	backtest.WriteReport(os.Stdout, combos, attributed)

	if !btAdmit {
		return nil
	}

	admitted, err := backtest.Admit(cmd.Context(), engine.Store(), combos,
		backtest.DefaultStrategyDefaults(), engine.Logger())
	if err != nil {
		return err
	}
	fmt.Println(term.Greenf("admitted %d strategies (%d duplicates skipped)",
		admitted.Admitted, admitted.Duplicates))
	return nil
}

// buildCSVFeed parses --csv coin=path pairs into an offline candle feed
func buildCSVFeed() (*exchange.CSVFeed, error) {
	feeds := make([]exchange.CoinFeed, 0, len(btCSVFiles))
	for _, entry := range btCSVFiles {
		coin, path, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, core.ConfigErrorf("invalid --csv entry %q, expected coin=path", entry)
		}
		feeds = append(feeds, exchange.CoinFeed{Coin: coin, File: path, Timeframe: btTimeframe})
	}
	return exchange.NewCSVFeed(btTimeframe, feeds...)
}

func buildStrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List persisted strategies ranked by profitability score",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := loadEngine()
			if err != nil {
				return err
			}

			strategies, err := engine.Store().Strategies(cmd.Context())
			if err != nil {
				return err
			}
			if len(strategies) == 0 {
				fmt.Println("no strategies persisted")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "Coin", "TF", "PF", "Win %", "Real Trades", "Real PF", "Score", "Active"})
			for _, s := range strategies {
				table.Append([]string{
					s.Name(),
					s.Coin,
					s.Timeframe,
					fmt.Sprintf("%.2f", s.ProfitFactor),
					fmt.Sprintf("%.1f", s.SuccessRate),
					strconv.Itoa(s.RealTradeCount),
					fmt.Sprintf("%.2f", s.RealProfitFactor),
					fmt.Sprintf("%.3f", s.ProfitabilityScore),
					strconv.FormatBool(s.IncludedInScanner),
				})
			}
			table.Render()
			return nil
		},
	}
}

func buildCheckKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-keys",
		Short: "Verify the exchange API credentials for the configured mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine, err := sigscan.NewEngine(cfg)
			if err != nil {
				return err
			}

			if err := engine.Client().TestKeys(cmd.Context(), cfg.TradingMode); err != nil {
				return err
			}
			fmt.Println(term.Greenf("API keys OK for %s", cfg.TradingMode))
			return nil
		},
	}
}
