package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"spottrader/config"
	"spottrader/internal/ai"
	"spottrader/internal/ai/llm"
	"spottrader/internal/circuit"
	"spottrader/internal/execution"
	"spottrader/internal/journal"
	"spottrader/internal/logging"
	"spottrader/internal/orchestrator"
	"spottrader/internal/patternmemory"
	"spottrader/internal/risk"
	"spottrader/internal/state"
	"spottrader/internal/types"
	"spottrader/internal/vault"
)

func main() {
	candlePath := flag.String("candles", "", "path to a recorded JSON candle array to run offline against")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Pretty:     cfg.Logging.Pretty,
		OutputPath: cfg.Logging.Output,
	}).With().Str("component", "main").Logger()
	logger.Info().Str("symbol", cfg.Trading.Symbol).Bool("dry_run", cfg.Trading.DryRun).Msg("spottrader starting")

	vaultClient, err := vault.NewClient(vault.Config{
		Enabled: cfg.Vault.Enabled, Address: cfg.Vault.Address, Token: cfg.Vault.Token,
		MountPath: cfg.Vault.MountPath, SecretPath: cfg.Vault.SecretPath,
		TLSEnabled: cfg.Vault.TLSEnabled, CACert: cfg.Vault.CACert,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct vault client")
	}

	collaborator := buildCollaborator(cfg, vaultClient, logger)

	stateMgr, err := state.New(state.Config{
		Mode:           modeFromCandlePath(*candlePath),
		DataDir:        "data",
		InitialBalance: cfg.Trading.InitialBalanceUSD,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("construct state manager")
	}

	riskMgr := risk.New(riskConfigFrom(cfg.Risk), logger)

	memCfg := patternMemoryConfigFrom(cfg.PatternMemory)
	memMode := patternmemory.ModeLive
	if *candlePath != "" {
		memMode = patternmemory.ModeBacktest
	}
	mem, err := patternmemory.New(memMode, filepath.Dir(cfg.PatternMemory.StorePath), memCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct pattern memory")
	}

	aiCfg := ai.DefaultConfig()
	if cfg.AI.Mode != "" {
		aiCfg.Mode = ai.Mode(cfg.AI.Mode)
	}
	aiEngine := ai.New(aiCfg, mem, memCfg, collaborator)

	breaker := circuit.New(circuit.DefaultConfig())
	breaker.OnTrip(func(reason string) { logger.Warn().Str("reason", reason).Msg("circuit breaker tripped") })
	breaker.OnReset(func() { logger.Info().Msg("circuit breaker reset") })

	execCfg := execution.DefaultConfig()
	if cfg.Trading.MinTradeSizeUSD != 0 {
		execCfg.MinTradeSizeUSD = cfg.Trading.MinTradeSizeUSD
	}
	if cfg.Trading.DefaultStopPct != 0 {
		execCfg.DefaultStopPct = cfg.Trading.DefaultStopPct
	}
	if cfg.Trading.DefaultTakePct != 0 {
		execCfg.DefaultTakePct = cfg.Trading.DefaultTakePct
	}
	if cfg.Trading.IntentTTL != 0 {
		execCfg.IntentTTL = cfg.Trading.IntentTTL
	}
	intentCache := buildIntentCache(cfg, logger)
	// The venue is an external collaborator named only by interface (spec
	// §1); SandboxVenue stands in until a concrete venue adapter is wired.
	execEngine := execution.New(execCfg, execution.SandboxVenue{}, intentCache, stateMgr, breaker, logger)

	trades, err := journal.Open(cfg.Journal.LedgerPath, cfg.Trading.InitialBalanceUSD, cfg.Journal.FeeRate, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open trade journal")
	}
	defer trades.Close()

	orchCfg := orchestrator.DefaultConfig(cfg.Trading.Symbol)
	orchCfg.ExecConfig = execCfg

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *candlePath != "" {
		runOffline(ctx, orchCfg, stateMgr, riskMgr, aiEngine, execEngine, trades, breaker, *candlePath, logger)
		return
	}

	logger.Fatal().Msg("no venue-backed candle source configured; pass -candles to run offline against a recorded stream")
}

func runOffline(ctx context.Context, cfg orchestrator.Config, stateMgr *state.Manager, riskMgr *risk.Manager,
	aiEngine *ai.Engine, execEngine *execution.Engine, trades *journal.Journal, breaker *circuit.Breaker,
	candlePath string, logger zerolog.Logger) {
	candles, err := loadCandles(candlePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", candlePath).Msg("load recorded candle stream")
	}

	source := recordedCandleSource{candles: candles}
	o := orchestrator.New(cfg, stateMgr, riskMgr, aiEngine, execEngine, trades, breaker, source, nil, logger)

	if err := o.RunBacktest(ctx, candles); err != nil {
		logger.Fatal().Err(err).Msg("offline run failed")
	}

	overall := trades.Overall()
	logger.Info().Int("trades", overall.TotalTrades).Float64("total_pnl", overall.TotalPnL).
		Float64("win_rate", overall.WinRate()).Msg("offline run complete")
}

// recordedCandleSource serves a fixed, pre-loaded candle stream, letting
// orchestrator.CandleSource be exercised without a live venue connection --
// venue-specific network clients are an external collaborator per spec §1.
type recordedCandleSource struct {
	candles []types.Candle
}

func (s recordedCandleSource) Klines(_ context.Context, _ string, limit int) ([]types.Candle, error) {
	if limit > len(s.candles) {
		limit = len(s.candles)
	}
	return s.candles[len(s.candles)-limit:], nil
}

func (s recordedCandleSource) CurrentPrice(_ context.Context, _ string) (float64, error) {
	if len(s.candles) == 0 {
		return 0, fmt.Errorf("no recorded candles")
	}
	return s.candles[len(s.candles)-1].Close, nil
}

func loadCandles(path string) ([]types.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candle file: %w", err)
	}
	var candles []types.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("parse candle file: %w", err)
	}
	return candles, nil
}

func modeFromCandlePath(candlePath string) state.Mode {
	if candlePath != "" {
		return state.ModeBacktest
	}
	return state.ModeNormal
}

func buildCollaborator(cfg *config.Config, vc *vault.Client, logger zerolog.Logger) ai.Collaborator {
	if !cfg.AI.Enabled || cfg.AI.LLMProvider == "" {
		return ai.NewLLMCollaborator(nil)
	}
	creds, err := vc.GetLLMCredentials(context.Background())
	if err != nil {
		logger.Warn().Err(err).Msg("llm credentials unavailable, AI collaborator running unconfigured")
		return ai.NewLLMCollaborator(nil)
	}
	client := llm.NewClient(&llm.ClientConfig{
		Provider: llm.Provider(cfg.AI.LLMProvider),
		APIKey:   creds.APIKey,
		Model:    cfg.AI.LLMModel,
		Timeout:  cfg.AI.LLMTimeout,
	})
	return ai.NewLLMCollaborator(client)
}

func buildIntentCache(cfg *config.Config, logger zerolog.Logger) execution.IntentCache {
	if !cfg.Redis.Enabled {
		return execution.NewMemoryIntentCache()
	}
	logger.Warn().Msg("redis intent cache requested but no redis client wired at startup; falling back to in-memory cache")
	return execution.NewMemoryIntentCache()
}

func riskConfigFrom(c config.RiskConfig) risk.Config {
	cfg := risk.DefaultConfig()
	if c.BaseRiskPct != 0 {
		cfg.BaseRiskPct = c.BaseRiskPct
	}
	if c.MinPositionPct != 0 {
		cfg.MinPositionPct = c.MinPositionPct
	}
	if c.MaxPositionPct != 0 {
		cfg.MaxPositionPct = c.MaxPositionPct
	}
	if c.MaxDrawdownPct != 0 {
		cfg.MaxDrawdownPct = c.MaxDrawdownPct
	}
	if c.RecoveryThresholdPct != 0 {
		cfg.RecoveryThresholdPct = c.RecoveryThresholdPct
	}
	if c.DailyLossLimitPct != 0 {
		cfg.DailyLossLimitPct = c.DailyLossLimitPct
	}
	if c.WeeklyLossLimitPct != 0 {
		cfg.WeeklyLossLimitPct = c.WeeklyLossLimitPct
	}
	if c.MonthlyLossLimitPct != 0 {
		cfg.MonthlyLossLimitPct = c.MonthlyLossLimitPct
	}
	if c.RecoveryBackoff != 0 {
		cfg.RecoveryBackoff = c.RecoveryBackoff
	}
	if c.MinTimeInRecovery != 0 {
		cfg.MinTimeInRecovery = c.MinTimeInRecovery
	}
	return cfg
}

func patternMemoryConfigFrom(c config.PatternMemoryConfig) patternmemory.Config {
	cfg := patternmemory.DefaultConfig()
	if c.MaxPatterns != 0 {
		cfg.Cap = c.MaxPatterns
	}
	if c.SnapshotInterval != 0 {
		cfg.SnapshotInterval = c.SnapshotInterval
	}
	if c.FastSnapshotInterval != 0 {
		cfg.FastSnapshotInterval = c.FastSnapshotInterval
	}
	return cfg
}
