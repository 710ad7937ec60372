// Copyright 2025 Certen Protocol
//
// Engine Configuration
// One place to read every package's tunables (Quality, TCS, Window,
// circuit breaker) from the environment, with safe defaults so a local
// run needs no .env at all.
//
// SECURITY: network endpoints have no defaults; everything else falls
// back to documented defaults. Validate does not require an endpoint
// for an enabled chain: a chain without one runs with off-chain
// finality only and gets no block monitor.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/crosscoin"
	"github.com/certen/stablecoin-risk-engine/pkg/quality"
	"github.com/certen/stablecoin-risk-engine/pkg/tcs"
	"github.com/certen/stablecoin-risk-engine/pkg/window"
)

// Config holds every tunable the engine's orchestrator needs to wire
// its packages together.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	MetricsPath string

	// Coin/chain catalog
	Coins           []string
	Chains          []string
	DepegThresholds map[string]float64

	// Chain profiles: loaded from ChainProfilesPath if set, otherwise
	// chainprofile.DefaultProfiles().
	ChainProfilesPath string

	// Per-chain RPC endpoint overrides. When set, these take precedence
	// over the chain profile's rpc_primary; the profile's rpc_fallbacks
	// still apply behind them. Only EVM-style chains (ethereum,
	// arbitrum) have a concrete ChainRPC adapter in this codebase;
	// other configured chains run finality off-chain-only.
	EthereumRPCURL string
	ArbitrumRPCURL string

	// Durable storage (optional - empty means in-memory only)
	ReorgLogDatabaseURL string
	WindowStoreDir      string

	// Pipeline tunables
	Quality        quality.Config
	CircuitBreaker quality.CircuitBreakerConfig
	TCS            tcs.Config
	Window         window.Config
	CrossCoin      crosscoin.Config

	LogLevel string
}

// Load reads configuration from environment variables, filling in the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8090"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		MetricsPath: getEnv("METRICS_PATH", "/metrics"),

		Coins:  parseCSV(getEnv("COINS", "USDC,USDT,DAI")),
		Chains: parseCSV(getEnv("CHAINS", "ethereum,arbitrum,solana")),

		ChainProfilesPath: getEnv("CHAIN_PROFILES_PATH", ""),

		EthereumRPCURL: getEnv("ETHEREUM_RPC_URL", ""),
		ArbitrumRPCURL: getEnv("ARBITRUM_RPC_URL", ""),

		ReorgLogDatabaseURL: getEnv("REORG_LOG_DATABASE_URL", ""),
		WindowStoreDir:      getEnv("WINDOW_STORE_DIR", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	cfg.DepegThresholds = parseDepegThresholds(getEnv("DEPEG_THRESHOLDS", ""), cfg.Coins)

	qualityDefaults := quality.DefaultConfig()
	cfg.Quality = quality.Config{
		PriceMin:     getEnvFloat("QUALITY_PRICE_MIN", qualityDefaults.PriceMin),
		PriceMax:     getEnvFloat("QUALITY_PRICE_MAX", qualityDefaults.PriceMax),
		DedupWindow:  getEnvDuration("QUALITY_DEDUP_WINDOW", qualityDefaults.DedupWindow),
		ZThreshold:   getEnvFloat("QUALITY_Z_THRESHOLD", qualityDefaults.ZThreshold),
		MinGroupSize: getEnvInt("QUALITY_MIN_GROUP_SIZE", qualityDefaults.MinGroupSize),
	}

	cbDefaults := quality.DefaultCircuitBreakerConfig()
	cfg.CircuitBreaker = quality.CircuitBreakerConfig{
		FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", cbDefaults.FailureThreshold),
		CoolDown:         getEnvDuration("CIRCUIT_COOLDOWN", cbDefaults.CoolDown),
		RetryBase:        getEnvFloat("CIRCUIT_RETRY_BASE", cbDefaults.RetryBase),
		MaxRetries:       getEnvInt("CIRCUIT_MAX_RETRIES", cbDefaults.MaxRetries),
	}

	tcsDefaults := tcs.DefaultConfig()
	cfg.TCS = tcs.Config{
		ExpectedSourceTypes:  tcsDefaults.ExpectedSourceTypes,
		SourceImportance:     tcsDefaults.SourceImportance,
		FreshThreshold:       getEnvDuration("TCS_FRESH_THRESHOLD", tcsDefaults.FreshThreshold),
		AcceptableThreshold:  getEnvDuration("TCS_ACCEPTABLE_THRESHOLD", tcsDefaults.AcceptableThreshold),
		AttestationThreshold: getEnvFloat("TCS_ATTESTATION_THRESHOLD", tcsDefaults.AttestationThreshold),
	}

	windowDefaults := window.DefaultConfig()
	cfg.Window = window.Config{
		WindowSize:         getEnvDuration("WINDOW_SIZE", windowDefaults.WindowSize),
		ProvisionalDelay:   getEnvDuration("WINDOW_PROVISIONAL_DELAY", windowDefaults.ProvisionalDelay),
		FinalizationDelay:  getEnvDuration("WINDOW_FINALIZATION_DELAY", windowDefaults.FinalizationDelay),
		MaxEventsPerWindow: getEnvInt("WINDOW_MAX_EVENTS", windowDefaults.MaxEventsPerWindow),
		TickInterval:       getEnvDuration("WINDOW_TICK_INTERVAL", windowDefaults.TickInterval),
		Retention:          getEnvDuration("WINDOW_RETENTION", windowDefaults.Retention),
		RefreshConcurrency: getEnvInt("WINDOW_REFRESH_CONCURRENCY", windowDefaults.RefreshConcurrency),
	}

	crossCoinDefaults := crosscoin.DefaultConfig()
	cfg.CrossCoin = crosscoin.Config{
		DivergenceThreshold: getEnvFloat("CROSSCOIN_DIVERGENCE_THRESHOLD", crossCoinDefaults.DivergenceThreshold),
		ContagionThreshold:  getEnvInt("CROSSCOIN_CONTAGION_THRESHOLD", crossCoinDefaults.ContagionThreshold),
		LiquidityMin:        parseLiquidityMin(getEnv("LIQUIDITY_MIN", "")),
	}

	return cfg, nil
}

// LoadChainProfiles builds a chainprofile.Registry from cfg: the YAML
// file at ChainProfilesPath if set, otherwise the built-in defaults.
func (c *Config) LoadChainProfiles() (*chainprofile.Registry, error) {
	if c.ChainProfilesPath == "" {
		return chainprofile.DefaultRegistry(), nil
	}
	return chainprofile.LoadRegistryFromYAML(c.ChainProfilesPath)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseCSV splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func parseCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseDepegThresholds parses "COIN:threshold,COIN:threshold" pairs,
// defaulting every coin in coins to 0.02 when unspecified.
func parseDepegThresholds(value string, coins []string) map[string]float64 {
	out := make(map[string]float64, len(coins))
	for _, c := range coins {
		out[c] = 0.02
	}
	for _, pair := range parseCSV(value) {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		threshold, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = threshold
	}
	return out
}

// parseLiquidityMin parses "COIN:threshold,COIN:threshold" pairs; a
// coin absent from value falls back to crosscoin.DefaultLiquidityMin.
func parseLiquidityMin(value string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range parseCSV(value) {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		min, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = min
	}
	return out
}

// Validate reports a ConfigurationError for any setting that would
// make the engine unable to start, as opposed to merely degrading a
// component.
func (c *Config) Validate() error {
	if len(c.Coins) == 0 {
		return fmt.Errorf("config: at least one coin must be configured")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	return nil
}
