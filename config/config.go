// Package config loads engine configuration from a JSON file with
// environment-variable overrides, the same two-layer approach the teacher
// uses: Load() reads config.json if present, then applyEnvOverrides lets
// deployment environment win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the trading engine.
type Config struct {
	Trading        TradingConfig        `json:"trading"`
	Risk           RiskConfig           `json:"risk"`
	PatternMemory  PatternMemoryConfig  `json:"pattern_memory"`
	AI             AIConfig             `json:"ai"`
	Journal        JournalConfig        `json:"journal"`
	Logging        LoggingConfig        `json:"logging"`
	Vault          VaultConfig          `json:"vault"`
	Redis          RedisConfig          `json:"redis"`
}

// TradingConfig controls the orchestrator loop and spot-venue guardrails.
type TradingConfig struct {
	Symbol            string  `json:"symbol"`
	DryRun            bool    `json:"dry_run"`
	MinTradeSizeUSD   float64 `json:"min_trade_size_usd"`
	DefaultStopPct    float64 `json:"default_stop_pct"`   // 2%
	DefaultTakePct    float64 `json:"default_take_pct"`   // 4%
	IntentTTL         time.Duration `json:"intent_ttl"`
	FastTradingMode   bool    `json:"fast_trading_mode"`
	InitialBalanceUSD float64 `json:"initial_balance_usd"`
}

// RiskConfig carries a subset of internal/risk.Config's fields; a zero value
// keeps the risk package's default.
type RiskConfig struct {
	BaseRiskPct           float64       `json:"base_risk_pct"`
	MinPositionPct        float64       `json:"min_position_pct"`
	MaxPositionPct        float64       `json:"max_position_pct"`
	MaxDrawdownPct        float64       `json:"max_drawdown_pct"`
	RecoveryThresholdPct  float64       `json:"recovery_threshold_pct"`
	DailyLossLimitPct     float64       `json:"daily_loss_limit_pct"`
	WeeklyLossLimitPct    float64       `json:"weekly_loss_limit_pct"`
	MonthlyLossLimitPct   float64       `json:"monthly_loss_limit_pct"`
	RecoveryBackoff       time.Duration `json:"recovery_backoff"`
	MinTimeInRecovery     time.Duration `json:"min_time_in_recovery"`
}

// PatternMemoryConfig controls similarity search and snapshot cadence.
type PatternMemoryConfig struct {
	Enabled              bool          `json:"enabled"`
	StorePath            string        `json:"store_path"`
	MaxPatterns          int           `json:"max_patterns"`
	SnapshotInterval      time.Duration `json:"snapshot_interval"`
	FastSnapshotInterval  time.Duration `json:"fast_snapshot_interval"`
}

// AIConfig configures the AI Decision Module's operating mode and
// collaborator credentials lookup.
type AIConfig struct {
	Enabled     bool          `json:"enabled"`
	Mode        string        `json:"mode"` // passive, advisory, hybrid, autonomous
	LLMProvider string        `json:"llm_provider"`
	LLMModel    string        `json:"llm_model"`
	LLMTimeout  time.Duration `json:"llm_timeout"`
}

// JournalConfig controls the on-disk ledger location and the incremental
// trade-analytics fee model.
type JournalConfig struct {
	LedgerPath string  `json:"ledger_path"`
	FeeRate    float64 `json:"fee_rate"` // fraction per side, e.g. 0.001 = 10bps
}

// LoggingConfig controls the base zerolog logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
	Output string `json:"output"`
}

// VaultConfig holds HashiCorp Vault configuration for LLM credentials.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig backs the optional Redis intent-deduplication cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Load reads config.json if present, then applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaultConfig()
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Trading: TradingConfig{
			Symbol:          "BTCUSDT",
			DryRun:          true,
			MinTradeSizeUSD: 10,
			DefaultStopPct:  2.0,
			DefaultTakePct:  4.0,
			IntentTTL:       5 * time.Minute,
			InitialBalanceUSD: 10000,
		},
		Risk: RiskConfig{
			BaseRiskPct:          0.02,
			MinPositionPct:       0.005,
			MaxPositionPct:       0.05,
			MaxDrawdownPct:       15,
			RecoveryThresholdPct: 10,
			DailyLossLimitPct:    5,
			WeeklyLossLimitPct:   10,
			MonthlyLossLimitPct:  20,
			RecoveryBackoff:      5 * time.Minute,
			MinTimeInRecovery:    10 * time.Minute,
		},
		PatternMemory: PatternMemoryConfig{
			Enabled:              true,
			StorePath:            "data/patterns.json",
			MaxPatterns:          10000,
			SnapshotInterval:     5 * time.Minute,
			FastSnapshotInterval: 30 * time.Minute,
		},
		AI: AIConfig{
			Enabled:    true,
			Mode:       "advisory",
			LLMTimeout: 10 * time.Second,
		},
		Journal: JournalConfig{LedgerPath: "data/journal/trade-ledger.jsonl", FeeRate: 0.001},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Trading.Symbol = getEnvOrDefault("TRADING_SYMBOL", cfg.Trading.Symbol)
	cfg.Trading.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Trading.DryRun)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)

	cfg.AI.Enabled = getEnvBoolOrDefault("AI_ENABLED", cfg.AI.Enabled)
	cfg.AI.Mode = getEnvOrDefault("AI_MODE", cfg.AI.Mode)
	cfg.AI.LLMProvider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AI.LLMProvider)
	cfg.AI.LLMModel = getEnvOrDefault("AI_LLM_MODEL", cfg.AI.LLMModel)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	if cfg.Vault.MountPath == "" {
		cfg.Vault.MountPath = "secret"
	}
	if cfg.Vault.SecretPath == "" {
		cfg.Vault.SecretPath = "spottrader/llm-key"
	}
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a sample config.json with sane defaults.
func GenerateSampleConfig(filename string) error {
	cfg := defaultConfig()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
