// quantguard is the trading safety engine CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantguard/quantguard/internal/backtest"
	"github.com/quantguard/quantguard/internal/clock"
	"github.com/quantguard/quantguard/internal/config"
	"github.com/quantguard/quantguard/internal/engine"
	"github.com/quantguard/quantguard/internal/exchange"
	"github.com/quantguard/quantguard/internal/feeds"
	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/journal"
	"github.com/quantguard/quantguard/internal/market"
	"github.com/quantguard/quantguard/internal/metrics"
	"github.com/quantguard/quantguard/internal/scores"
	"github.com/quantguard/quantguard/internal/store"
	"github.com/quantguard/quantguard/internal/stream"
)

var version = "dev"

var (
	flagConfig   string
	flagMode     string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "quantguard",
		Short:         "Signal evaluation and trading safety engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		RunE:  runEngine,
	}
	runCmd.Flags().StringVar(&flagMode, "mode", engine.ModeSim, "run mode (sim|paper|live)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Replay the strategy through the promotion gate and stamp the integrity record on pass",
		RunE:  runValidate,
	}

	resetKillCmd := &cobra.Command{
		Use:   "reset-kill",
		Short: "Clear the latched kill switch (leaves automation disabled)",
		RunE:  runResetKill,
	}

	automationCmd := &cobra.Command{
		Use:       "automation [on|off]",
		Short:     "Toggle automated execution",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE:      runAutomation,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quantguard %s\n", version)
		},
	}

	root.AddCommand(runCmd, validateCmd, resetKillCmd, automationCmd, versionCmd)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewRedis(cfg.Store)
	defer st.Close()

	conn, err := buildConnector(cfg, flagMode)
	if err != nil {
		return err
	}

	jrnl, err := buildJournal(cfg)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	met := metrics.NewRegistry()
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics, met)
		go func() {
			log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	clk := clock.New()
	exec := engine.NewMarketExecutor(conn)
	eng := engine.New(cfg, flagMode, st, conn, clk, exec, jrnl, met)

	if err := eng.Start(ctx); err != nil {
		return err
	}

	go feeds.NewRefresher(feeds.Static{Values: map[scores.Source]float64{}}, st, cfg.Feeds).Run(ctx)

	if cfg.Stream.URL != "" {
		sub := stream.NewSubscriber(cfg.Stream, func(timeframe string, c market.Candle) {
			eng.OnBar(ctx, timeframe, c)
		})
		sub.Run(ctx)
		return nil
	}
	return pollBars(ctx, cfg, conn, eng)
}

// pollBars is the fallback bar source when no stream endpoint is
// configured: fetch the latest closed bars on the fast cadence.
func pollBars(ctx context.Context, cfg config.Config, conn exchange.Connector, eng *engine.Engine) error {
	interval, err := time.ParseDuration(cfg.Trading.FastTimeframe)
	if err != nil {
		return fmt.Errorf("parsing fast timeframe: %w", err)
	}
	slowInterval, err := time.ParseDuration(cfg.Trading.SlowTimeframe)
	if err != nil {
		return fmt.Errorf("parsing slow timeframe: %w", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastSlow := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
			bars, err := conn.Candles(ctx, cfg.Trading.Symbol, cfg.Trading.FastTimeframe, 2)
			if err != nil {
				log.Warn().Err(err).Msg("Polling fast candles failed")
				continue
			}
			if len(bars) > 0 {
				eng.OnBar(ctx, cfg.Trading.FastTimeframe, bars[len(bars)-1])
			}
			if time.Since(lastSlow) >= slowInterval {
				lastSlow = time.Now()
				slow, err := conn.Candles(ctx, cfg.Trading.Symbol, cfg.Trading.SlowTimeframe, 2)
				if err != nil {
					log.Warn().Err(err).Msg("Polling slow candles failed")
					continue
				}
				if len(slow) > 0 {
					eng.OnBar(ctx, cfg.Trading.SlowTimeframe, slow[len(slow)-1])
				}
			}
		}
	}
}

func buildConnector(cfg config.Config, mode string) (exchange.Connector, error) {
	governor := exchange.NewGovernor(cfg.Governor)
	switch mode {
	case engine.ModeSim, engine.ModePaper:
		return exchange.NewGuarded(exchange.NewSim(50000, cfg.Leverage.TradingCapital, time.Now().UnixNano()), governor), nil
	case engine.ModeLive:
		return nil, fmt.Errorf("no venue connector configured for live mode")
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

func buildJournal(cfg config.Config) (journal.Journal, error) {
	if !cfg.Journal.Enabled {
		return journal.Nop{}, nil
	}
	return journal.New(cfg.Journal)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two reference days of candles from the seeded generator. The slow
	// fetch reaches back an extra EMA period so the slow EMAs are already
	// warm on the first replayed day.
	sim := exchange.NewSim(50000, cfg.Leverage.TradingCapital, 7)
	fast, err := sim.Candles(ctx, cfg.Trading.Symbol, cfg.Trading.FastTimeframe, 2*24*60)
	if err != nil {
		return err
	}
	slow, err := sim.Candles(ctx, cfg.Trading.Symbol, cfg.Trading.SlowTimeframe, 2*24*4+cfg.Strategy.EMASlow)
	if err != nil {
		return err
	}

	results, err := backtest.Replay(fast, slow, backtest.Params{
		Strategy:        cfg.Strategy,
		SLATRMultiplier: cfg.Trading.SLATRMultiplier,
		TPATRMultiplier: cfg.Trading.TPATRMultiplier,
		SpreadFraction:  cfg.Strategy.SpreadMaxFraction / 2,
	})
	if err != nil {
		return err
	}

	gate := backtest.DefaultGate()
	if err := gate.Evaluate(results); err != nil {
		log.Error().Err(err).Msg("Promotion gate refused, integrity record not written")
		return err
	}

	hash, err := integrity.LogicHash(cfg.Strategy, cfg.Leverage, cfg.Breakers)
	if err != nil {
		return err
	}
	st := store.NewRedis(cfg.Store)
	defer st.Close()
	if err := st.SetIntegrityRecord(ctx, integrity.Record{Validated: true, ContentHash: hash}); err != nil {
		return fmt.Errorf("writing integrity record: %w", err)
	}
	log.Info().
		Str("hash", hash[:12]).
		Float64("profit_factor", results.ProfitFactor).
		Int("trades", results.TotalTrades).
		Msg("Strategy revision validated")
	return nil
}

func runResetKill(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	ctx := context.Background()
	st := store.NewRedis(cfg.Store)
	defer st.Close()
	if err := st.SetKillSwitchLatched(ctx, false); err != nil {
		return err
	}
	log.Info().Msg("Kill switch cleared; automation remains disabled until explicitly re-enabled")
	return nil
}

func runAutomation(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	ctx := context.Background()
	st := store.NewRedis(cfg.Store)
	defer st.Close()

	enable := args[0] == "on"
	if enable {
		snap, err := st.ReadSnapshot(ctx)
		if err != nil {
			return err
		}
		if snap.KillSwitchLatched {
			return fmt.Errorf("kill switch is latched; run reset-kill first")
		}
		// Fresh sim counters for the new automation session.
		if err := st.SetSimMetrics(ctx, store.SimMetrics{}); err != nil {
			return err
		}
	}
	if err := st.SetAutomationEnabled(ctx, enable); err != nil {
		return err
	}
	log.Info().Bool("enabled", enable).Msg("Automation flag updated")
	return nil
}
